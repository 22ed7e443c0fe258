package ws

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(id string) *client {
	return &client{clientID: id, topics: make(map[string]struct{})}
}

func TestBrokerSubscribeAndUnsubscribe(t *testing.T) {
	b := NewBroker(zap.NewNop())
	c := newTestClient("alice")

	b.subscribe(c, "chat-c1")
	require.Equal(t, 1, b.SubscriberCount("chat-c1"))
	assert.True(t, b.isSubscribed(c, "chat-c1"))

	b.unsubscribe(c, "chat-c1")
	assert.Equal(t, 0, b.SubscriberCount("chat-c1"))
	assert.False(t, b.isSubscribed(c, "chat-c1"))
	assert.Empty(t, b.topics, "empty topic map should be dropped")
}

func TestBrokerDetachRemovesAllTopics(t *testing.T) {
	b := NewBroker(zap.NewNop())
	c := newTestClient("alice")
	other := newTestClient("bob")

	b.subscribe(c, "chat-c1")
	b.subscribe(c, "user-notifications-alice")
	b.subscribe(other, "chat-c1")

	b.detach(c)

	assert.Equal(t, 1, b.SubscriberCount("chat-c1"), "bob should remain subscribed")
	assert.Equal(t, 0, b.SubscriberCount("user-notifications-alice"))
	assert.Empty(t, c.topics, "client topic set should be cleared")
}

func TestBrokerPublishWithoutSubscribers(t *testing.T) {
	b := NewBroker(zap.NewNop())
	require.NotPanics(t, func() {
		b.Publish("chat-none", "new-message", map[string]string{"id": "m1"})
	})
}

// Subscription checks run on connection serve goroutines while failed
// fan-out writes detach the same client from elsewhere; both sides must
// go through the broker mutex.
func TestBrokerIsSubscribedConcurrentWithDetach(t *testing.T) {
	b := NewBroker(zap.NewNop())
	c := newTestClient("alice")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			b.subscribe(c, "chat-c1")
			b.detach(c)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			b.isSubscribed(c, "chat-c1")
		}
	}()
	wg.Wait()

	assert.False(t, b.isSubscribed(c, "chat-c1"))
}

func TestConversationTopicParsing(t *testing.T) {
	id, ok := IsConversationTopic("chat-abc-123")
	require.True(t, ok)
	assert.Equal(t, "abc-123", id)

	_, ok = IsConversationTopic("chat-")
	assert.False(t, ok, "empty conversation id should not parse")

	_, ok = IsConversationTopic("user-notifications-u1")
	assert.False(t, ok, "notification topic should not parse as conversation")
}

func TestUserNotificationTopicParsing(t *testing.T) {
	id, ok := IsUserNotificationTopic("user-notifications-u1")
	require.True(t, ok)
	assert.Equal(t, "u1", id)

	_, ok = IsUserNotificationTopic("chat-c1")
	assert.False(t, ok, "conversation topic should not parse as notification")
}
