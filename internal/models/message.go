package models

import "time"

// Message is a persisted chat message.
type Message struct {
	ID             string    `db:"id" json:"id"`
	ConversationID string    `db:"conversation_id" json:"conversationId"`
	SenderID       string    `db:"sender_id" json:"senderId"`
	Text           string    `db:"text" json:"text"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
}

// MessagePage is the paginated history response. Messages are ordered
// newest-first within the page; clients reverse to chronological order.
type MessagePage struct {
	Messages      []Message `json:"messages"`
	CurrentPage   int       `json:"currentPage"`
	TotalPages    int       `json:"totalPages"`
	TotalMessages int       `json:"totalMessages"`
}

// MessageNotification is published on a user's notification topic for
// messages arriving in conversations the user is not currently viewing.
type MessageNotification struct {
	ConversationID string    `json:"conversationId"`
	Title          string    `json:"title"`
	Body           string    `json:"body"`
	SenderID       string    `json:"senderId"`
	MessageID      string    `json:"messageId"`
	Timestamp      time.Time `json:"timestamp"`
}
