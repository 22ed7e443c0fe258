package models

import "time"

// Conversation is a direct-message thread between exactly two users,
// optionally attached to a property listing.
type Conversation struct {
	ID            string    `db:"id" json:"id"`
	ParticipantA  string    `db:"participant_a" json:"-"`
	ParticipantB  string    `db:"participant_b" json:"-"`
	PropertyID    *string   `db:"property_id" json:"propertyId,omitempty"`
	LastMessageID *string   `db:"last_message_id" json:"-"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time `db:"updated_at" json:"updatedAt"`
}

// Participants returns both participant ids.
func (c Conversation) Participants() []string {
	return []string{c.ParticipantA, c.ParticipantB}
}

// HasParticipant reports whether userID belongs to the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	return c.ParticipantA == userID || c.ParticipantB == userID
}

// OtherParticipant returns the participant that is not userID.
func (c Conversation) OtherParticipant(userID string) string {
	if c.ParticipantA == userID {
		return c.ParticipantB
	}
	return c.ParticipantA
}

// ConversationPreview is a conversation joined with its last message,
// used by the conversation list endpoint.
type ConversationPreview struct {
	Conversation
	LastMessage *Message `json:"lastMessage,omitempty"`
}
