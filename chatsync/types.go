package chatsync

import "time"

// Message is one chat message as seen by the sync engine. Optimistic is
// true only between a local send and its server confirmation; it is never
// set on history-fetched or live-delivered messages.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"createdAt"`
	Optimistic     bool      `json:"-"`
}

// Conversation is a two-participant message thread.
type Conversation struct {
	ID           string    `json:"id"`
	Participants []string  `json:"participants"`
	PropertyID   *string   `json:"propertyId,omitempty"`
	LastMessage  *Message  `json:"lastMessage,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// MessagePage is one page of conversation history. Messages are ordered
// newest-first as delivered by the backend.
type MessagePage struct {
	Messages      []Message `json:"messages"`
	CurrentPage   int       `json:"currentPage"`
	TotalPages    int       `json:"totalPages"`
	TotalMessages int       `json:"totalMessages"`
}

// RealtimeToken is the transport auth token request object minted by the
// backend for the realtime connection.
type RealtimeToken struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"clientId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Notification is the lightweight payload delivered on the per-user
// notification topic for messages in conversations the user is not
// currently viewing.
type Notification struct {
	ConversationID string    `json:"conversationId"`
	Title          string    `json:"title"`
	Body           string    `json:"body"`
	SenderID       string    `json:"senderId"`
	MessageID      string    `json:"messageId"`
	Timestamp      time.Time `json:"timestamp"`
}

// Topic and event names shared with the realtime broker.
const (
	EventNewMessage   = "new-message"
	EventNotification = "new-message-notification"
)

// ConversationTopic names the broadcast topic for one conversation.
func ConversationTopic(conversationID string) string {
	return "chat-" + conversationID
}

// UserNotificationTopic names a user's private notification topic.
func UserNotificationTopic(userID string) string {
	return "user-notifications-" + userID
}
