package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ErrNoActiveConversation is returned by Send and LoadOlder before Open.
var ErrNoActiveConversation = errors.New("chatsync: no active conversation")

// ErrSendInFlight is returned by Send while a previous send is still
// awaiting its outcome.
var ErrSendInFlight = errors.New("chatsync: send already in flight")

// ErrEmptyMessage is returned by Send for empty or whitespace-only text.
var ErrEmptyMessage = errors.New("chatsync: message text is empty")

// SendError wraps a failed send together with the text that was being
// sent, so the caller can put it back in the compose box.
type SendError struct {
	Text string
	Err  error
}

func (e *SendError) Error() string { return fmt.Sprintf("chatsync: send failed: %v", e.Err) }
func (e *SendError) Unwrap() error { return e.Err }

// UpdateFunc observes every change to the active conversation's message
// list, together with the viewport effect the change calls for.
type UpdateFunc func(messages []Message, effect Effect)

// NotificationFunc observes cross-conversation message notifications.
// Notifications for the conversation currently open are suppressed.
type NotificationFunc func(n Notification)

// SessionConfig configures a Session.
type SessionConfig struct {
	// PageLimit is the history page size. Zero means DefaultPageLimit.
	PageLimit int
	Logger    *zap.Logger

	OnUpdate       UpdateFunc
	OnNotification NotificationFunc
}

// Session keeps one user's chat view in sync: it loads history pages,
// follows live deliveries, performs optimistic sends, and surfaces
// cross-conversation notifications. At most one conversation is open at
// a time; opening another one atomically abandons the previous, and any
// in-flight fetch results for the old conversation are discarded.
//
// Session methods are safe for concurrent use.
type Session struct {
	client *Client
	rt     *Realtime
	selfID string
	limit  int
	log    *zap.Logger

	onUpdate       UpdateFunc
	onNotification NotificationFunc

	mu         sync.Mutex
	epoch      int
	store      *Store
	chatSub    *Subscription
	notifSub   *Subscription
	nearBottom bool
	page       int
	totalPages int
	fetching   bool

	sendMu sync.Mutex
}

// NewSession builds a Session for the user identified by selfID.
func NewSession(client *Client, rt *Realtime, selfID string, cfg SessionConfig) *Session {
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = DefaultPageLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Session{
		client:         client,
		rt:             rt,
		selfID:         selfID,
		limit:          cfg.PageLimit,
		log:            cfg.Logger,
		onUpdate:       cfg.OnUpdate,
		onNotification: cfg.OnNotification,
		nearBottom:     true,
	}
}

// Start connects the realtime transport and subscribes to the user's
// notification topic.
func (s *Session) Start(ctx context.Context) error {
	if err := s.rt.Connect(ctx); err != nil {
		return err
	}
	sub, err := s.rt.Subscribe(UserNotificationTopic(s.selfID), EventNotification, s.handleNotification)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.notifSub = sub
	s.mu.Unlock()
	return nil
}

// Close tears the session down. The realtime client itself is left to
// its owner.
func (s *Session) Close() {
	s.mu.Lock()
	chatSub := s.chatSub
	notifSub := s.notifSub
	s.chatSub = nil
	s.notifSub = nil
	s.store = nil
	s.epoch++
	s.mu.Unlock()

	if chatSub != nil {
		chatSub.Unsubscribe()
	}
	if notifSub != nil {
		notifSub.Unsubscribe()
	}
}

// ActiveConversation reports the id of the open conversation, or "".
func (s *Session) ActiveConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store == nil {
		return ""
	}
	return s.store.ConversationID()
}

// Messages returns the open conversation's current message list.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store == nil {
		return nil
	}
	return s.store.Messages()
}

// HasMoreHistory reports whether older pages remain to be fetched.
func (s *Session) HasMoreHistory() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store != nil && (s.page == 0 || s.page < s.totalPages)
}

// SetNearBottom tells the session whether the view is close to the
// newest message. Live messages from other participants only pull the
// view down while this is true.
func (s *Session) SetNearBottom(v bool) {
	s.mu.Lock()
	s.nearBottom = v
	s.mu.Unlock()
}

// Open makes conversationID the active conversation: it resets the
// store, fetches the newest history page, and only then subscribes to
// the conversation's live topic. Any previously open conversation is
// abandoned, including fetches still in flight for it.
func (s *Session) Open(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	s.epoch++
	epoch := s.epoch
	oldSub := s.chatSub
	s.chatSub = nil
	s.store = NewStore(conversationID)
	s.page = 0
	s.totalPages = 0
	s.nearBottom = true
	s.fetching = false
	s.mu.Unlock()

	if oldSub != nil {
		oldSub.Unsubscribe()
	}

	page, err := s.client.Messages(ctx, conversationID, 1, s.limit)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return nil
	}
	effect := s.store.ApplyHistoryPage(page)
	s.page = page.CurrentPage
	s.totalPages = page.TotalPages
	messages := s.store.Messages()
	s.mu.Unlock()

	s.emitUpdate(messages, effect)

	sub, err := s.rt.Subscribe(ConversationTopic(conversationID), EventNewMessage,
		s.liveHandler(epoch))
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	s.chatSub = sub
	s.mu.Unlock()
	return nil
}

// LoadOlder fetches the next older history page and prepends it. It is
// a no-op when all history is already loaded or while another history
// fetch for this conversation is still in flight.
func (s *Session) LoadOlder(ctx context.Context) error {
	s.mu.Lock()
	if s.store == nil {
		s.mu.Unlock()
		return ErrNoActiveConversation
	}
	if s.fetching || (s.page != 0 && s.page >= s.totalPages) {
		s.mu.Unlock()
		return nil
	}
	s.fetching = true
	epoch := s.epoch
	conversationID := s.store.ConversationID()
	next := s.page + 1
	s.mu.Unlock()

	page, err := s.client.Messages(ctx, conversationID, next, s.limit)

	s.mu.Lock()
	if s.epoch == epoch {
		s.fetching = false
	}
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if s.epoch != epoch {
		s.mu.Unlock()
		return nil
	}
	effect := s.store.ApplyHistoryPage(page)
	if page.CurrentPage > s.page {
		s.page = page.CurrentPage
	}
	s.totalPages = page.TotalPages
	messages := s.store.Messages()
	s.mu.Unlock()

	s.emitUpdate(messages, effect)
	return nil
}

// Send performs an optimistic send: the text appears immediately as a
// placeholder, the POST confirms it, and on success the confirmed
// message is published on the conversation's live topic. On failure the
// placeholder is removed and the returned SendError carries the text.
// Whitespace-only text is rejected up front without touching the store.
// One send is in flight at a time.
func (s *Session) Send(ctx context.Context, text string) (*Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if !s.sendMu.TryLock() {
		return nil, ErrSendInFlight
	}
	defer s.sendMu.Unlock()

	s.mu.Lock()
	if s.store == nil {
		s.mu.Unlock()
		return nil, ErrNoActiveConversation
	}
	epoch := s.epoch
	conversationID := s.store.ConversationID()
	if _, ok := s.store.BeginSend(s.selfID, text); !ok {
		s.mu.Unlock()
		return nil, ErrSendInFlight
	}
	messages := s.store.Messages()
	s.mu.Unlock()

	s.emitUpdate(messages, EffectScrollToBottom)

	confirmed, err := s.client.PostMessage(ctx, conversationID, text)
	if err != nil {
		s.mu.Lock()
		if s.epoch == epoch {
			if restored, ok := s.store.FailSend(); ok {
				text = restored
			}
			messages = s.store.Messages()
			s.mu.Unlock()
			s.emitUpdate(messages, EffectNone)
		} else {
			s.mu.Unlock()
		}
		return nil, &SendError{Text: text, Err: err}
	}

	s.mu.Lock()
	var effect Effect
	if s.epoch == epoch {
		effect = s.store.ResolveSend(*confirmed)
		messages = s.store.Messages()
	}
	same := s.epoch == epoch
	s.mu.Unlock()

	if same {
		s.emitUpdate(messages, effect)
	}

	if err := s.rt.Publish(ConversationTopic(conversationID), EventNewMessage, confirmed); err != nil {
		s.log.Warn("live publish after send failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}
	return confirmed, nil
}

// liveHandler builds the realtime handler for one opened conversation.
// The epoch pin makes frames for a stale subscription harmless.
func (s *Session) liveHandler(epoch int) MessageHandler {
	return func(data json.RawMessage) {
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			s.log.Warn("bad live message payload", zap.Error(err))
			return
		}

		s.mu.Lock()
		if s.epoch != epoch || s.store == nil {
			s.mu.Unlock()
			return
		}
		before := s.store.Len()
		effect := s.store.ApplyLive(m, s.selfID, s.nearBottom)
		changed := s.store.Len() != before || effect != EffectNone
		messages := s.store.Messages()
		s.mu.Unlock()

		// Our own publish echoes back as a duplicate; nothing moved, so
		// nothing to report.
		if changed {
			s.emitUpdate(messages, effect)
		}
	}
}

func (s *Session) handleNotification(data json.RawMessage) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		s.log.Warn("bad notification payload", zap.Error(err))
		return
	}
	// Messages for the open conversation already arrive on its live
	// topic; raising a notification for them too would double up.
	if n.ConversationID == s.ActiveConversation() {
		return
	}
	if s.onNotification != nil {
		s.onNotification(n)
	}
}

func (s *Session) emitUpdate(messages []Message, effect Effect) {
	if s.onUpdate != nil {
		s.onUpdate(messages, effect)
	}
}
