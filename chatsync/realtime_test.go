package chatsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testBroker is a minimal in-process stand-in for the realtime endpoint:
// it upgrades connections, tracks per-connection topic subscriptions,
// and fans published frames out to subscribers.
type testBroker struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*brokerConn]struct{}

	dials      atomic.Int32
	rejectAuth atomic.Bool
	lastToken  atomic.Value
}

type brokerConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	topics  map[string]struct{}
}

func newTestBroker(t *testing.T) *testBroker {
	t.Helper()
	b := &testBroker{conns: make(map[*brokerConn]struct{})}
	b.srv = httptest.NewServer(http.HandlerFunc(b.handle))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *testBroker) url() string { return b.srv.URL + "/realtime" }

func (b *testBroker) handle(w http.ResponseWriter, r *http.Request) {
	b.dials.Add(1)
	b.lastToken.Store(r.URL.Query().Get("token"))
	if b.rejectAuth.Load() {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	bc := &brokerConn{conn: conn, topics: make(map[string]struct{})}
	b.mu.Lock()
	b.conns[bc] = struct{}{}
	b.mu.Unlock()

	go b.serve(bc)
}

func (b *testBroker) serve(bc *brokerConn) {
	defer func() {
		b.mu.Lock()
		delete(b.conns, bc)
		b.mu.Unlock()
		bc.conn.Close()
	}()
	for {
		var cmd command
		if err := bc.conn.ReadJSON(&cmd); err != nil {
			return
		}
		switch cmd.Action {
		case "subscribe":
			b.mu.Lock()
			bc.topics[cmd.Topic] = struct{}{}
			b.mu.Unlock()
		case "unsubscribe":
			b.mu.Lock()
			delete(bc.topics, cmd.Topic)
			b.mu.Unlock()
		case "publish":
			data, _ := json.Marshal(cmd.Data)
			b.push(cmd.Topic, cmd.Name, data)
		}
	}
}

// push fans a frame out to every connection subscribed to topic.
func (b *testBroker) push(topic, name string, data json.RawMessage) {
	b.mu.Lock()
	var targets []*brokerConn
	for bc := range b.conns {
		if _, ok := bc.topics[topic]; ok {
			targets = append(targets, bc)
		}
	}
	b.mu.Unlock()

	for _, bc := range targets {
		bc.writeMu.Lock()
		bc.conn.WriteJSON(frame{Topic: topic, Name: name, Data: data})
		bc.writeMu.Unlock()
	}
}

// subscribedTopics reports the topics of the single live connection.
func (b *testBroker) subscribedTopics() map[string]struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]struct{})
	for bc := range b.conns {
		for topic := range bc.topics {
			out[topic] = struct{}{}
		}
	}
	return out
}

func (b *testBroker) dropAll() {
	b.mu.Lock()
	conns := make([]*brokerConn, 0, len(b.conns))
	for bc := range b.conns {
		conns = append(conns, bc)
	}
	b.mu.Unlock()
	for _, bc := range conns {
		bc.conn.Close()
	}
}

func staticToken(tok string) TokenFunc {
	return func(context.Context) (string, error) { return tok, nil }
}

func fastRetryConfig() RealtimeConfig {
	return RealtimeConfig{
		MaxRetryAttempts: 5,
		RetryBaseDelay:   10 * time.Millisecond,
		RetryMaxDelay:    50 * time.Millisecond,
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRealtimeConnectMintsToken(t *testing.T) {
	broker := newTestBroker(t)
	rt := NewRealtime(broker.url(), staticToken("tok-abc"), fastRetryConfig())
	defer rt.Close()

	require.NoError(t, rt.Connect(context.Background()))
	assert.Equal(t, StateConnected, rt.State())
	assert.Equal(t, "tok-abc", broker.lastToken.Load())
}

func TestRealtimePublishRoundTrip(t *testing.T) {
	broker := newTestBroker(t)
	rt := NewRealtime(broker.url(), staticToken("tok"), fastRetryConfig())
	defer rt.Close()
	require.NoError(t, rt.Connect(context.Background()))

	received := make(chan json.RawMessage, 1)
	_, err := rt.Subscribe("chat-c1", EventNewMessage, func(data json.RawMessage) {
		received <- data
	})
	require.NoError(t, err)

	waitFor(t, func() bool {
		_, ok := broker.subscribedTopics()["chat-c1"]
		return ok
	}, "broker never saw the subscription")

	require.NoError(t, rt.Publish("chat-c1", EventNewMessage, map[string]string{"id": "m1"}))

	select {
	case data := <-received:
		var payload map[string]string
		require.NoError(t, json.Unmarshal(data, &payload))
		assert.Equal(t, "m1", payload["id"])
	case <-time.After(3 * time.Second):
		t.Fatal("published frame never came back")
	}
}

func TestRealtimeDispatchFiltersByEventName(t *testing.T) {
	broker := newTestBroker(t)
	rt := NewRealtime(broker.url(), staticToken("tok"), fastRetryConfig())
	defer rt.Close()
	require.NoError(t, rt.Connect(context.Background()))

	var wrongEvent atomic.Int32
	_, err := rt.Subscribe("chat-c1", "some-other-event", func(json.RawMessage) {
		wrongEvent.Add(1)
	})
	require.NoError(t, err)

	received := make(chan struct{}, 1)
	_, err = rt.Subscribe("chat-c1", EventNewMessage, func(json.RawMessage) {
		received <- struct{}{}
	})
	require.NoError(t, err)

	waitFor(t, func() bool {
		_, ok := broker.subscribedTopics()["chat-c1"]
		return ok
	}, "broker never saw the subscription")

	broker.push("chat-c1", EventNewMessage, json.RawMessage(`{}`))

	select {
	case <-received:
	case <-time.After(3 * time.Second):
		t.Fatal("matching handler never fired")
	}
	assert.Zero(t, wrongEvent.Load())
}

func TestRealtimeReconnectsAndResubscribes(t *testing.T) {
	broker := newTestBroker(t)
	rt := NewRealtime(broker.url(), staticToken("tok"), fastRetryConfig())
	defer rt.Close()
	require.NoError(t, rt.Connect(context.Background()))

	received := make(chan struct{}, 1)
	_, err := rt.Subscribe("chat-c1", EventNewMessage, func(json.RawMessage) {
		received <- struct{}{}
	})
	require.NoError(t, err)
	waitFor(t, func() bool {
		_, ok := broker.subscribedTopics()["chat-c1"]
		return ok
	}, "broker never saw the initial subscription")

	broker.dropAll()

	waitFor(t, func() bool { return broker.dials.Load() >= 2 }, "client never redialed")
	waitFor(t, func() bool {
		_, ok := broker.subscribedTopics()["chat-c1"]
		return ok
	}, "subscription not restored after reconnect")

	broker.push("chat-c1", EventNewMessage, json.RawMessage(`{}`))
	select {
	case <-received:
	case <-time.After(3 * time.Second):
		t.Fatal("frame not delivered after reconnect")
	}
	assert.Equal(t, StateConnected, rt.State())
}

func TestRealtimeAuthRejectionIsTerminal(t *testing.T) {
	broker := newTestBroker(t)
	broker.rejectAuth.Store(true)
	rt := NewRealtime(broker.url(), staticToken("bad"), fastRetryConfig())
	defer rt.Close()

	err := rt.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, rt.State())

	// No retry loop after a terminal failure.
	dials := broker.dials.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, dials, broker.dials.Load())
}

func TestRealtimeTokenFuncErrorFails(t *testing.T) {
	broker := newTestBroker(t)
	rt := NewRealtime(broker.url(), func(context.Context) (string, error) {
		return "", assert.AnError
	}, fastRetryConfig())
	defer rt.Close()

	require.Error(t, rt.Connect(context.Background()))
	assert.Equal(t, StateFailed, rt.State())
	assert.Zero(t, broker.dials.Load())
}

func TestRealtimeUnsubscribeStopsDelivery(t *testing.T) {
	broker := newTestBroker(t)
	rt := NewRealtime(broker.url(), staticToken("tok"), fastRetryConfig())
	defer rt.Close()
	require.NoError(t, rt.Connect(context.Background()))

	sub, err := rt.Subscribe("chat-c1", EventNewMessage, func(json.RawMessage) {})
	require.NoError(t, err)
	waitFor(t, func() bool {
		_, ok := broker.subscribedTopics()["chat-c1"]
		return ok
	}, "broker never saw the subscription")

	sub.Unsubscribe()
	waitFor(t, func() bool {
		_, ok := broker.subscribedTopics()["chat-c1"]
		return !ok
	}, "broker never saw the unsubscribe")
}

func TestRealtimeConnectWhileRetryingIsNoOp(t *testing.T) {
	var mints atomic.Int32
	tokenFn := func(context.Context) (string, error) {
		mints.Add(1)
		return "tok", nil
	}
	cfg := RealtimeConfig{
		MaxRetryAttempts: 5,
		RetryBaseDelay:   time.Hour,
		RetryMaxDelay:    time.Hour,
	}
	// Nothing listens here; the first dial fails and hands the
	// connection to a retry loop that sleeps for the test's duration.
	rt := NewRealtime("ws://127.0.0.1:1", tokenFn, cfg)
	defer rt.Close()

	require.Error(t, rt.Connect(context.Background()))
	assert.Equal(t, StateDisconnected, rt.State())
	dialed := mints.Load()

	// The retry loop owns further attempts; Connect neither dials nor
	// starts a competing loop.
	for i := 0; i < 3; i++ {
		require.NoError(t, rt.Connect(context.Background()))
	}
	assert.Equal(t, dialed, mints.Load())
}

func TestRealtimeCloseIsFinal(t *testing.T) {
	broker := newTestBroker(t)
	rt := NewRealtime(broker.url(), staticToken("tok"), fastRetryConfig())
	require.NoError(t, rt.Connect(context.Background()))

	require.NoError(t, rt.Close())
	assert.Equal(t, StateClosed, rt.State())
	assert.ErrorIs(t, rt.Connect(context.Background()), ErrRealtimeClosed)
}
