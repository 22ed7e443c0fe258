package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ConnState is the realtime connection lifecycle state.
type ConnState string

const (
	StateInitialized  ConnState = "initialized"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
	// StateSuspended means the normal retry budget is exhausted; the
	// client keeps retrying at the maximum interval.
	StateSuspended ConnState = "suspended"
	// StateFailed is terminal: the token callback rejected us and
	// retrying cannot help.
	StateFailed ConnState = "failed"
	StateClosed ConnState = "closed"
)

// ErrNotConnected is returned by Publish when no connection is up.
var ErrNotConnected = errors.New("chatsync: realtime not connected")

// ErrRealtimeClosed is returned once Close has been called.
var ErrRealtimeClosed = errors.New("chatsync: realtime closed")

// TokenFunc mints a fresh transport token. It is called on every
// connection attempt so expired tokens are replaced transparently.
type TokenFunc func(ctx context.Context) (string, error)

// MessageHandler receives the payload of one realtime event.
type MessageHandler func(data json.RawMessage)

// frame is a server-to-client event on one topic.
type frame struct {
	Topic string          `json:"topic"`
	Name  string          `json:"name"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// command is a client-to-server request.
type command struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
	Name   string `json:"name,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// RealtimeConfig tunes the reconnect and heartbeat behavior of Realtime.
type RealtimeConfig struct {
	// MaxRetryAttempts is the number of backoff attempts before the
	// client enters the suspended state. Zero means the default.
	MaxRetryAttempts  int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.MaxRetryAttempts == 0 {
		c.MaxRetryAttempts = 10
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.RetryMaxDelay == 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

type retrier struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func (r *retrier) exhausted() bool {
	return r.attempt >= r.maxAttempts
}

func (r *retrier) markConnected() {
	r.connectedAt = time.Now()
}

func (r *retrier) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// nextDelay returns the next backoff interval. A connection that stayed
// up for over a minute resets the attempt counter.
func (r *retrier) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > time.Minute {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

type subscription struct {
	topic   string
	name    string
	handler MessageHandler
}

// Subscription is a registered handler on one topic/event pair.
// Unsubscribe detaches the handler and, when no handler remains on the
// topic, tells the server to stop delivering it.
type Subscription struct {
	rt  *Realtime
	sub *subscription
}

// Unsubscribe removes this subscription.
func (s *Subscription) Unsubscribe() {
	s.rt.unsubscribe(s.sub)
}

// Realtime maintains the websocket connection to the chat broker. It
// reconnects automatically with exponential backoff, re-subscribes to
// every topic after a reconnect, and dispatches incoming frames to
// registered handlers.
type Realtime struct {
	url       string
	tokenFunc TokenFunc
	cfg       RealtimeConfig
	log       *zap.Logger
	dialer    *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	state   ConnState
	gen     int
	closed  bool
	retry   retrier

	// retryOwner identifies the reconnect loop currently driving dial
	// attempts, zero when none runs. A loop that loses ownership exits;
	// Connect is a no-op while a loop owns the connection.
	retryOwner int
	retrySeq   int

	subsMu sync.Mutex
	subs   []*subscription

	onStateChange func(ConnState)
}

// NewRealtime builds a realtime client for the broker at wsURL (an http
// or ws URL ending in the realtime endpoint path). tokenFunc is invoked
// before each dial to mint the transport token.
func NewRealtime(wsURL string, tokenFunc TokenFunc, cfg RealtimeConfig) *Realtime {
	cfg.defaults()
	u := strings.Replace(wsURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return &Realtime{
		url:       u,
		tokenFunc: tokenFunc,
		cfg:       cfg,
		log:       cfg.Logger,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		state:     StateInitialized,
		retry: retrier{
			baseDelay:   cfg.RetryBaseDelay,
			maxDelay:    cfg.RetryMaxDelay,
			maxAttempts: cfg.MaxRetryAttempts,
		},
	}
}

// OnStateChange registers a callback invoked on every state transition.
// Must be set before Connect.
func (rt *Realtime) OnStateChange(fn func(ConnState)) {
	rt.mu.Lock()
	rt.onStateChange = fn
	rt.mu.Unlock()
}

// State returns the current connection state.
func (rt *Realtime) State() ConnState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

func (rt *Realtime) setStateLocked(s ConnState) {
	if rt.state == s {
		return
	}
	rt.state = s
	if rt.onStateChange != nil {
		go rt.onStateChange(s)
	}
}

// Connect dials the broker. On success a background reader keeps the
// connection alive and reconnects on unexpected drops.
func (rt *Realtime) Connect(ctx context.Context) error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return ErrRealtimeClosed
	}
	if rt.state == StateConnected || rt.state == StateConnecting || rt.retryOwner != 0 {
		rt.mu.Unlock()
		return nil
	}
	rt.setStateLocked(StateConnecting)
	gen := rt.gen
	rt.mu.Unlock()

	err := rt.dial(ctx, gen)
	if err != nil && !errors.Is(err, ErrRealtimeClosed) && rt.State() != StateFailed {
		rt.mu.Lock()
		if !rt.closed && rt.gen == gen && rt.retryOwner == 0 {
			id := rt.claimRetryLocked()
			go rt.reconnectLoop(gen, id)
		}
		rt.mu.Unlock()
	}
	return err
}

// claimRetryLocked hands reconnect ownership to a new loop. Any loop
// holding an older id exits at its next ownership check.
func (rt *Realtime) claimRetryLocked() int {
	rt.retrySeq++
	rt.retryOwner = rt.retrySeq
	return rt.retrySeq
}

func (rt *Realtime) releaseRetry(id int) {
	rt.mu.Lock()
	if rt.retryOwner == id {
		rt.retryOwner = 0
	}
	rt.mu.Unlock()
}

// dial performs one connection attempt. It never retries; callers own
// the retry policy.
func (rt *Realtime) dial(ctx context.Context, gen int) error {
	token, err := rt.tokenFunc(ctx)
	if err != nil {
		rt.mu.Lock()
		rt.setStateLocked(StateFailed)
		rt.mu.Unlock()
		return fmt.Errorf("chatsync: mint realtime token: %w", err)
	}

	sep := "?"
	if strings.Contains(rt.url, "?") {
		sep = "&"
	}
	conn, resp, err := rt.dialer.DialContext(ctx, rt.url+sep+"token="+token, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			rt.mu.Lock()
			rt.setStateLocked(StateFailed)
			rt.mu.Unlock()
			return fmt.Errorf("chatsync: realtime auth rejected: %w", err)
		}
		rt.mu.Lock()
		rt.setStateLocked(StateDisconnected)
		rt.mu.Unlock()
		return fmt.Errorf("chatsync: realtime dial: %w", err)
	}

	rt.mu.Lock()
	if rt.closed || rt.gen != gen {
		rt.mu.Unlock()
		conn.Close()
		return ErrRealtimeClosed
	}
	rt.conn = conn
	rt.retry.reset()
	rt.retry.markConnected()
	rt.setStateLocked(StateConnected)
	rt.mu.Unlock()

	if err := rt.resubscribeAll(); err != nil {
		rt.log.Warn("realtime resubscribe failed", zap.Error(err))
	}

	go rt.readLoop(conn, gen)
	go rt.heartbeatLoop(conn, gen)
	return nil
}

// Close tears the connection down for good. Further Connect calls fail.
func (rt *Realtime) Close() error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil
	}
	rt.closed = true
	rt.gen++
	conn := rt.conn
	rt.conn = nil
	rt.setStateLocked(StateClosed)
	rt.mu.Unlock()

	if conn != nil {
		rt.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		rt.writeMu.Unlock()
		return conn.Close()
	}
	return nil
}

// Subscribe registers handler for the topic/event pair and asks the
// server to deliver the topic. The subscription survives reconnects.
func (rt *Realtime) Subscribe(topic, name string, handler MessageHandler) (*Subscription, error) {
	sub := &subscription{topic: topic, name: name, handler: handler}

	rt.subsMu.Lock()
	first := !rt.hasTopicLocked(topic)
	rt.subs = append(rt.subs, sub)
	rt.subsMu.Unlock()

	if first {
		if err := rt.send(command{Action: "subscribe", Topic: topic}); err != nil && !errors.Is(err, ErrNotConnected) {
			return nil, err
		}
	}
	return &Subscription{rt: rt, sub: sub}, nil
}

// Publish sends an event to every subscriber of topic, including this
// client's peers. The caller must hold an active subscription on the
// topic.
func (rt *Realtime) Publish(topic, name string, data any) error {
	return rt.send(command{Action: "publish", Topic: topic, Name: name, Data: data})
}

func (rt *Realtime) unsubscribe(sub *subscription) {
	rt.subsMu.Lock()
	for i, s := range rt.subs {
		if s == sub {
			rt.subs = append(rt.subs[:i], rt.subs[i+1:]...)
			break
		}
	}
	last := !rt.hasTopicLocked(sub.topic)
	rt.subsMu.Unlock()

	if last {
		if err := rt.send(command{Action: "unsubscribe", Topic: sub.topic}); err != nil && !errors.Is(err, ErrNotConnected) {
			rt.log.Warn("realtime unsubscribe failed", zap.String("topic", sub.topic), zap.Error(err))
		}
	}
}

func (rt *Realtime) hasTopicLocked(topic string) bool {
	for _, s := range rt.subs {
		if s.topic == topic {
			return true
		}
	}
	return false
}

func (rt *Realtime) resubscribeAll() error {
	rt.subsMu.Lock()
	topics := make(map[string]struct{})
	for _, s := range rt.subs {
		topics[s.topic] = struct{}{}
	}
	rt.subsMu.Unlock()

	for topic := range topics {
		if err := rt.send(command{Action: "subscribe", Topic: topic}); err != nil {
			return err
		}
	}
	return nil
}

func (rt *Realtime) send(cmd command) error {
	rt.mu.Lock()
	conn := rt.conn
	closed := rt.closed
	rt.mu.Unlock()

	if closed {
		return ErrRealtimeClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	rt.writeMu.Lock()
	defer rt.writeMu.Unlock()
	return conn.WriteJSON(cmd)
}

func (rt *Realtime) readLoop(conn *websocket.Conn, gen int) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			rt.handleDrop(conn, gen, err)
			return
		}
		rt.dispatch(f)
	}
}

func (rt *Realtime) dispatch(f frame) {
	rt.subsMu.Lock()
	var handlers []MessageHandler
	for _, s := range rt.subs {
		if s.topic == f.Topic && s.name == f.Name {
			handlers = append(handlers, s.handler)
		}
	}
	rt.subsMu.Unlock()

	for _, h := range handlers {
		h(f.Data)
	}
}

func (rt *Realtime) heartbeatLoop(conn *websocket.Conn, gen int) {
	ticker := time.NewTicker(rt.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for range ticker.C {
		rt.mu.Lock()
		stale := rt.closed || rt.gen != gen || rt.conn != conn
		rt.mu.Unlock()
		if stale {
			return
		}

		rt.writeMu.Lock()
		err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		rt.writeMu.Unlock()
		if err != nil {
			conn.Close()
			return
		}
	}
}

func (rt *Realtime) handleDrop(conn *websocket.Conn, gen int, cause error) {
	conn.Close()

	rt.mu.Lock()
	if rt.closed || rt.gen != gen || rt.conn != conn {
		rt.mu.Unlock()
		return
	}
	rt.conn = nil
	rt.setStateLocked(StateDisconnected)
	id := rt.claimRetryLocked()
	rt.mu.Unlock()

	rt.log.Info("realtime connection dropped", zap.Error(cause))
	rt.reconnectLoop(gen, id)
}

// reconnectLoop retries with exponential backoff. Once the retry budget
// is exhausted the client goes suspended and keeps trying at the
// maximum interval. Only the loop holding the current retry ownership
// id dials; a superseded loop exits at its next check.
func (rt *Realtime) reconnectLoop(gen int, id int) {
	defer rt.releaseRetry(id)
	for {
		rt.mu.Lock()
		if rt.closed || rt.gen != gen || rt.retryOwner != id {
			rt.mu.Unlock()
			return
		}
		var delay time.Duration
		if rt.retry.exhausted() {
			rt.setStateLocked(StateSuspended)
			delay = rt.cfg.RetryMaxDelay
		} else {
			delay = rt.retry.nextDelay()
		}
		rt.mu.Unlock()

		time.Sleep(delay)

		rt.mu.Lock()
		if rt.closed || rt.gen != gen || rt.retryOwner != id {
			rt.mu.Unlock()
			return
		}
		rt.setStateLocked(StateConnecting)
		rt.mu.Unlock()

		err := rt.dial(context.Background(), gen)
		if err == nil {
			return
		}
		if errors.Is(err, ErrRealtimeClosed) {
			return
		}
		if rt.State() == StateFailed {
			rt.log.Error("realtime reconnect rejected", zap.Error(err))
			return
		}
		rt.log.Warn("realtime reconnect attempt failed", zap.Error(err))
	}
}
