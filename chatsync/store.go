package chatsync

import (
	"time"

	"github.com/google/uuid"
)

// Effect tells the caller what the view should do after a store mutation.
// The store itself never touches scroll state; it only reports intent.
type Effect int

const (
	// EffectNone means the viewport stays where it is.
	EffectNone Effect = iota
	// EffectScrollToBottom means the view should jump to the newest
	// message.
	EffectScrollToBottom
	// EffectPreserveOffset means older messages were prepended and the
	// view should compensate so the visible messages do not move.
	EffectPreserveOffset
)

// NewOptimisticID mints a placeholder id for a locally-created message.
// Placeholder ids never collide with server-assigned ids.
func NewOptimisticID() string {
	return "local-" + uuid.NewString()
}

// Store holds one conversation's ordered message list plus at most one
// in-flight optimistic send. It is a plain state container: callers
// serialize access, typically through Session.
//
// Messages are kept in chronological order, oldest first. The store never
// re-sorts; order is established by the merge operations.
type Store struct {
	conversationID string
	messages       []Message
	index          map[string]struct{}
	pending        *Message
	now            func() time.Time
}

// NewStore builds an empty store for one conversation.
func NewStore(conversationID string) *Store {
	return &Store{
		conversationID: conversationID,
		index:          make(map[string]struct{}),
		now:            time.Now,
	}
}

// ConversationID reports which conversation this store tracks.
func (s *Store) ConversationID() string { return s.conversationID }

// Messages returns the current chronological message list. The returned
// slice is a copy.
func (s *Store) Messages() []Message {
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len reports the number of messages currently held.
func (s *Store) Len() int { return len(s.messages) }

// HasPendingSend reports whether an optimistic send is awaiting its
// server outcome.
func (s *Store) HasPendingSend() bool { return s.pending != nil }

// reverse returns page messages in chronological order. The wire carries
// each page newest-first.
func reverseChronological(in []Message) []Message {
	out := make([]Message, len(in))
	for i, m := range in {
		out[len(in)-1-i] = m
	}
	return out
}

// ApplyHistoryPage merges one fetched history page. Page 1 replaces the
// whole list and asks the view to scroll to the newest message; any
// pending optimistic send that survived the refetch is re-appended so it
// is not lost. Later pages are deduplicated against the current list and
// prepended, asking the view to keep its visual position.
func (s *Store) ApplyHistoryPage(page *MessagePage) Effect {
	chrono := reverseChronological(page.Messages)

	if page.CurrentPage <= 1 {
		s.messages = s.messages[:0]
		s.index = make(map[string]struct{}, len(chrono))
		for _, m := range chrono {
			if _, dup := s.index[m.ID]; dup {
				continue
			}
			s.messages = append(s.messages, m)
			s.index[m.ID] = struct{}{}
		}
		if s.pending != nil {
			if _, confirmed := s.index[s.pending.ID]; !confirmed {
				s.messages = append(s.messages, *s.pending)
				s.index[s.pending.ID] = struct{}{}
			}
		}
		return EffectScrollToBottom
	}

	fresh := chrono[:0:0]
	for _, m := range chrono {
		if _, dup := s.index[m.ID]; dup {
			continue
		}
		fresh = append(fresh, m)
		s.index[m.ID] = struct{}{}
	}
	if len(fresh) == 0 {
		return EffectNone
	}
	s.messages = append(fresh, s.messages...)
	return EffectPreserveOffset
}

// ApplyLive merges a realtime-delivered message. Duplicates (the echo of
// our own publish, or a redelivery) are dropped. selfID identifies the
// local user; nearBottom reports whether the view is close enough to the
// newest message that it should follow new arrivals.
func (s *Store) ApplyLive(m Message, selfID string, nearBottom bool) Effect {
	if _, dup := s.index[m.ID]; dup {
		return EffectNone
	}
	// The live echo of our own send can outrun the POST response. Swap
	// the optimistic placeholder for the confirmed record in place so
	// the list does not jump.
	if s.pending != nil && m.SenderID == selfID && m.Text == s.pending.Text {
		s.replaceByID(s.pending.ID, m)
		s.pending = nil
		return EffectScrollToBottom
	}
	s.messages = append(s.messages, m)
	s.index[m.ID] = struct{}{}
	if m.SenderID == selfID || nearBottom {
		return EffectScrollToBottom
	}
	return EffectNone
}

// BeginSend appends an optimistic placeholder for text authored by
// selfID and returns it. Only one send may be in flight at a time; the
// second caller gets ok=false and the store is unchanged.
func (s *Store) BeginSend(selfID, text string) (Message, bool) {
	if s.pending != nil {
		return Message{}, false
	}
	m := Message{
		ID:             NewOptimisticID(),
		ConversationID: s.conversationID,
		SenderID:       selfID,
		Text:           text,
		CreatedAt:      s.now().UTC(),
		Optimistic:     true,
	}
	s.pending = &m
	s.messages = append(s.messages, m)
	s.index[m.ID] = struct{}{}
	return m, true
}

// ResolveSend replaces the pending placeholder with the confirmed server
// record. If the live echo already landed (the confirmed id is present),
// the placeholder is simply removed.
func (s *Store) ResolveSend(confirmed Message) Effect {
	if s.pending == nil {
		return EffectNone
	}
	tempID := s.pending.ID
	s.pending = nil

	if _, echoed := s.index[confirmed.ID]; echoed {
		s.removeByID(tempID)
		return EffectNone
	}
	s.replaceByID(tempID, confirmed)
	return EffectNone
}

// FailSend removes the pending placeholder and returns its text so the
// caller can restore the compose box.
func (s *Store) FailSend() (string, bool) {
	if s.pending == nil {
		return "", false
	}
	text := s.pending.Text
	s.removeByID(s.pending.ID)
	s.pending = nil
	return text, true
}

func (s *Store) replaceByID(id string, with Message) {
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages[i] = with
			delete(s.index, id)
			s.index[with.ID] = struct{}{}
			return
		}
	}
}

func (s *Store) removeByID(id string) {
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			delete(s.index, id)
			return
		}
	}
}
