package handlers

import (
	"errors"
	"math"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"estatechat/internal/middleware"
	"estatechat/internal/models"
	"estatechat/internal/rabbitmq"
	"estatechat/internal/realtimetoken"
	"estatechat/internal/repositories"
	"estatechat/internal/telemetry"
	"estatechat/internal/ws"
)

const notificationSnippetLen = 100

// RealtimePublisher fans events out to live topic subscribers.
type RealtimePublisher interface {
	Publish(topic, name string, data any)
}

// ChatHandler serves the conversation endpoints.
type ChatHandler struct {
	convRepo repositories.ConversationRepository
	msgRepo  repositories.MessageRepository
	realtime RealtimePublisher
	events   rabbitmq.Publisher
	tokens   *realtimetoken.Issuer
	audit    *telemetry.AuditEmitter
	log      *zap.Logger
}

// NewChatHandler builds a ChatHandler.
func NewChatHandler(
	convRepo repositories.ConversationRepository,
	msgRepo repositories.MessageRepository,
	realtime RealtimePublisher,
	events rabbitmq.Publisher,
	tokens *realtimetoken.Issuer,
	audit *telemetry.AuditEmitter,
	log *zap.Logger,
) *ChatHandler {
	return &ChatHandler{
		convRepo: convRepo,
		msgRepo:  msgRepo,
		realtime: realtime,
		events:   events,
		tokens:   tokens,
		audit:    audit,
		log:      log,
	}
}

type conversationResponse struct {
	ID           string          `json:"id"`
	Participants []string        `json:"participants"`
	PropertyID   *string         `json:"propertyId,omitempty"`
	LastMessage  *models.Message `json:"lastMessage,omitempty"`
	CreatedAt    string          `json:"createdAt"`
	UpdatedAt    string          `json:"updatedAt"`
}

func toConversationResponse(conv models.Conversation, lastMessage *models.Message) conversationResponse {
	return conversationResponse{
		ID:           conv.ID,
		Participants: conv.Participants(),
		PropertyID:   conv.PropertyID,
		LastMessage:  lastMessage,
		CreatedAt:    conv.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		UpdatedAt:    conv.UpdatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
}

// ListConversations returns the conversations visible to the user,
// most recently active first.
func (h *ChatHandler) ListConversations(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)

	previews, err := h.convRepo.ListForUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversations"})
		return
	}

	responses := make([]conversationResponse, 0, len(previews))
	for _, p := range previews {
		responses = append(responses, toConversationResponse(p.Conversation, p.LastMessage))
	}
	c.JSON(http.StatusOK, gin.H{"conversations": responses})
}

// StartConversation creates or returns an existing conversation between
// the caller and a receiver, optionally scoped to a property.
func (h *ChatHandler) StartConversation(c *gin.Context) {
	var req struct {
		ReceiverID string  `json:"receiverId" binding:"required"`
		PropertyID *string `json:"propertyId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := c.GetString(middleware.ContextUserID)
	if userID == req.ReceiverID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot start a conversation with yourself"})
		return
	}

	conv, err := h.convRepo.CreateOrGet(c.Request.Context(), userID, req.ReceiverID, req.PropertyID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create conversation"})
		return
	}

	c.JSON(http.StatusOK, toConversationResponse(conv, nil))
}

// GetMessages returns one page of history for a conversation, newest-first
// within the page.
func (h *ChatHandler) GetMessages(c *gin.Context) {
	conversationID := c.Param("conversation_id")
	userID := c.GetString(middleware.ContextUserID)

	member, err := h.convRepo.IsParticipant(c.Request.Context(), conversationID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify membership"})
		return
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied or conversation not found"})
		return
	}

	page, limit := parsePagination(c)
	msgs, total, err := h.msgRepo.ListPage(c.Request.Context(), conversationID, page, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}

	totalPages := int(math.Ceil(float64(total) / float64(limit)))
	c.JSON(http.StatusOK, models.MessagePage{
		Messages:      msgs,
		CurrentPage:   page,
		TotalPages:    totalPages,
		TotalMessages: total,
	})
}

// PostMessage persists a message, updates the conversation preview and
// fans the message out on the live topics.
func (h *ChatHandler) PostMessage(c *gin.Context) {
	conversationID := c.Param("conversation_id")
	userID := c.GetString(middleware.ContextUserID)

	conv, err := h.convRepo.Get(c.Request.Context(), conversationID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repositories.ErrConversationNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "conversation not found"})
		return
	}
	if !conv.HasParticipant(userID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a conversation participant"})
		return
	}

	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message text cannot be empty"})
		return
	}

	msg, err := h.msgRepo.Create(c.Request.Context(), conversationID, userID, text)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store message"})
		return
	}

	if err := h.convRepo.SetLastMessage(c.Request.Context(), conversationID, msg.ID); err != nil {
		h.log.Warn("update last message failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}

	// The sender's client fans the message itself out on the conversation
	// topic once the POST confirms; the server only raises the other
	// participant's notification, a topic clients may not publish to.
	if h.realtime != nil {
		h.notifyOtherParticipant(c, conv, msg)
	}

	if h.events != nil {
		_ = h.events.Publish(c.Request.Context(), "chat_events.message_posted", map[string]any{
			"conversation_id": conversationID,
			"message_id":      msg.ID,
			"sender_id":       userID,
		})
	}
	h.audit.Emit(c.Request.Context(), "INFO", "message posted", requestIDFromContext(c), &userID)

	c.JSON(http.StatusCreated, msg)
}

func (h *ChatHandler) notifyOtherParticipant(c *gin.Context, conv models.Conversation, msg models.Message) {
	senderName := c.GetString(middleware.ContextUserName)
	if senderName == "" {
		senderName = msg.SenderID
	}
	other := conv.OtherParticipant(msg.SenderID)
	h.realtime.Publish(ws.UserNotificationTopic(other), "new-message-notification", models.MessageNotification{
		ConversationID: conv.ID,
		Title:          "New message from " + senderName,
		Body:           snippet(msg.Text, notificationSnippetLen),
		SenderID:       msg.SenderID,
		MessageID:      msg.ID,
		Timestamp:      msg.CreatedAt,
	})
}

// RealtimeToken mints a transport auth token bound to the caller.
func (h *ChatHandler) RealtimeToken(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)

	token, err := h.tokens.Mint(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate realtime token"})
		return
	}
	c.JSON(http.StatusOK, token)
}

func snippet(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "..."
}
