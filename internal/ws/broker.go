package ws

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"estatechat/internal/observability"
)

// Frame is a server-to-client event on a topic.
type Frame struct {
	Topic string          `json:"topic"`
	Name  string          `json:"name"`
	Data  json.RawMessage `json:"data"`
}

// Command is a client-to-server instruction.
type Command struct {
	Action string          `json:"action"` // subscribe | unsubscribe | publish
	Topic  string          `json:"topic"`
	Name   string          `json:"name,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// ConversationTopic names the broadcast topic for one conversation.
func ConversationTopic(conversationID string) string {
	return "chat-" + conversationID
}

// UserNotificationTopic names a user's private notification topic.
func UserNotificationTopic(userID string) string {
	return "user-notifications-" + userID
}

// IsConversationTopic reports whether topic addresses a conversation and
// returns the conversation id.
func IsConversationTopic(topic string) (string, bool) {
	id, ok := strings.CutPrefix(topic, "chat-")
	return id, ok && id != ""
}

// IsUserNotificationTopic reports whether topic addresses a user's
// notification channel and returns the user id.
func IsUserNotificationTopic(topic string) (string, bool) {
	id, ok := strings.CutPrefix(topic, "user-notifications-")
	return id, ok && id != ""
}

// Broker maintains topic subscriptions for active websocket connections
// and fans published frames out to every subscriber. Delivery is
// at-least-once and best-effort: a failed write drops that connection.
type Broker struct {
	mu     sync.RWMutex
	topics map[string]map[*client]struct{}
	log    *zap.Logger
}

// NewBroker creates an empty broker.
func NewBroker(log *zap.Logger) *Broker {
	return &Broker{
		topics: make(map[string]map[*client]struct{}),
		log:    log,
	}
}

type client struct {
	conn     *websocket.Conn
	clientID string
	info     ConnInfo

	writeMu sync.Mutex
	topics  map[string]struct{}
}

func (c *client) writeFrame(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Publish fans an event out to all subscribers of topic.
func (b *Broker) Publish(topic, name string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		b.log.Error("marshal frame data", zap.String("topic", topic), zap.Error(err))
		return
	}
	payload, err := json.Marshal(Frame{Topic: topic, Name: name, Data: raw})
	if err != nil {
		b.log.Error("marshal frame", zap.String("topic", topic), zap.Error(err))
		return
	}

	b.mu.RLock()
	subscribers := make([]*client, 0, len(b.topics[topic]))
	for c := range b.topics[topic] {
		subscribers = append(subscribers, c)
	}
	b.mu.RUnlock()

	for _, c := range subscribers {
		if err := b.writeTo(c, payload); err != nil {
			b.log.Warn("websocket write failed, dropping client",
				zap.String("topic", topic),
				zap.String("client_id", c.clientID),
				zap.Error(err))
			c.conn.Close()
			b.detach(c)
		} else {
			observability.IncWSPublished(name)
		}
	}
}

func (b *Broker) writeTo(c *client, payload []byte) error {
	return c.writeFrame(payload)
}

func (b *Broker) subscribe(c *client, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[topic]; !ok {
		b.topics[topic] = make(map[*client]struct{})
	}
	b.topics[topic][c] = struct{}{}
	c.topics[topic] = struct{}{}
}

func (b *Broker) unsubscribe(c *client, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(c, topic)
}

// detach removes a client from every topic it is subscribed to.
func (b *Broker) detach(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic := range c.topics {
		b.removeLocked(c, topic)
	}
}

func (b *Broker) removeLocked(c *client, topic string) {
	if subs, ok := b.topics[topic]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
	delete(c.topics, topic)
}

// isSubscribed reports whether c currently holds a subscription to
// topic. Reads of c.topics must go through the broker mutex: Publish
// detaches clients from other goroutines on failed writes.
func (b *Broker) isSubscribed(c *client, topic string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := c.topics[topic]
	return ok
}

// SubscriberCount reports how many connections are subscribed to topic.
func (b *Broker) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// TopicCounts snapshots every active topic and its subscriber count.
func (b *Broker) TopicCounts() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]int, len(b.topics))
	for topic, subs := range b.topics {
		out[topic] = len(subs)
	}
	return out
}
