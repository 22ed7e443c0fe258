package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"estatechat/internal/models"
)

var ErrConversationNotFound = errors.New("conversation not found")

// ConversationRepository abstracts conversation persistence.
type ConversationRepository interface {
	CreateOrGet(ctx context.Context, userID, receiverID string, propertyID *string) (models.Conversation, error)
	Get(ctx context.Context, conversationID string) (models.Conversation, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	ListForUser(ctx context.Context, userID string) ([]models.ConversationPreview, error)
	SetLastMessage(ctx context.Context, conversationID, messageID string) error
}

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

const conversationColumns = `id, participant_a, participant_b, property_id, last_message_id, created_at, updated_at`

// CreateOrGet returns the conversation between two users for a property,
// creating it when absent. Participants are stored in sorted order so the
// pair is unique regardless of who initiates.
func (r *ConversationRepo) CreateOrGet(ctx context.Context, userID, receiverID string, propertyID *string) (models.Conversation, error) {
	if userID == receiverID {
		return models.Conversation{}, errors.New("cannot create conversation with self")
	}
	a, b := userID, receiverID
	if b < a {
		a, b = b, a
	}

	var conv models.Conversation
	query := `SELECT ` + conversationColumns + ` FROM conversations
        WHERE participant_a=$1 AND participant_b=$2 AND COALESCE(property_id, '')=COALESCE($3, '')`
	err := r.db.GetContext(ctx, &conv, query, a, b, propertyID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, err
	}

	err = r.db.QueryRowxContext(ctx,
		`INSERT INTO conversations (id, participant_a, participant_b, property_id) VALUES ($1, $2, $3, $4)
         RETURNING `+conversationColumns,
		uuid.NewString(), a, b, propertyID).StructScan(&conv)
	return conv, err
}

// Get fetches a conversation by id.
func (r *ConversationRepo) Get(ctx context.Context, conversationID string) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// IsParticipant checks whether a user belongs to the conversation.
func (r *ConversationRepo) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM conversations WHERE id=$1 AND (participant_a=$2 OR participant_b=$2))`,
		conversationID, userID)
	return exists, err
}

// ListForUser returns the user's conversations with their last message,
// most recently updated first.
func (r *ConversationRepo) ListForUser(ctx context.Context, userID string) ([]models.ConversationPreview, error) {
	query := `SELECT c.id, c.participant_a, c.participant_b, c.property_id, c.last_message_id, c.created_at, c.updated_at,
            m.id AS msg_id, m.conversation_id AS msg_conversation_id, m.sender_id AS msg_sender_id, m.text AS msg_text, m.created_at AS msg_created_at
        FROM conversations c
        LEFT JOIN messages m ON m.id = c.last_message_id
        WHERE c.participant_a=$1 OR c.participant_b=$1
        ORDER BY c.updated_at DESC`
	rows, err := r.db.QueryxContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []models.ConversationPreview
	for rows.Next() {
		var row struct {
			models.Conversation
			MsgID             *string         `db:"msg_id"`
			MsgConversationID *string         `db:"msg_conversation_id"`
			MsgSenderID       *string         `db:"msg_sender_id"`
			MsgText           *string         `db:"msg_text"`
			MsgCreatedAt      sql.NullTime    `db:"msg_created_at"`
		}
		if err := rows.StructScan(&row); err != nil {
			return nil, err
		}
		preview := models.ConversationPreview{Conversation: row.Conversation}
		if row.MsgID != nil {
			preview.LastMessage = &models.Message{
				ID:             *row.MsgID,
				ConversationID: *row.MsgConversationID,
				SenderID:       *row.MsgSenderID,
				Text:           *row.MsgText,
				CreatedAt:      row.MsgCreatedAt.Time,
			}
		}
		result = append(result, preview)
	}
	return result, rows.Err()
}

// SetLastMessage updates the denormalized last-message pointer and bumps
// the conversation's updated_at so list ordering follows recent activity.
func (r *ConversationRepo) SetLastMessage(ctx context.Context, conversationID, messageID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE conversations SET last_message_id=$2, updated_at=NOW() WHERE id=$1`,
		conversationID, messageID)
	return err
}
