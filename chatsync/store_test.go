package chatsync

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(id, sender, text string, at time.Time) Message {
	return Message{ID: id, ConversationID: "conv-1", SenderID: sender, Text: text, CreatedAt: at}
}

// wirePage builds a newest-first page the way the backend serves it.
func wirePage(current, total int, msgs ...Message) *MessagePage {
	return &MessagePage{Messages: msgs, CurrentPage: current, TotalPages: total, TotalMessages: len(msgs)}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestApplyHistoryPageFirstPageReplacesAndReverses(t *testing.T) {
	s := NewStore("conv-1")
	now := time.Now()

	// Newest first on the wire.
	effect := s.ApplyHistoryPage(wirePage(1, 3,
		msg("m3", "alice", "three", now),
		msg("m2", "bob", "two", now.Add(-time.Minute)),
		msg("m1", "alice", "one", now.Add(-2*time.Minute)),
	))

	require.Equal(t, EffectScrollToBottom, effect)
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(s.Messages()))
}

func TestApplyHistoryPageFirstPageResetsPreviousContents(t *testing.T) {
	s := NewStore("conv-1")
	now := time.Now()

	s.ApplyHistoryPage(wirePage(1, 1, msg("old", "alice", "stale", now)))
	s.ApplyHistoryPage(wirePage(1, 1, msg("new", "bob", "fresh", now)))

	assert.Equal(t, []string{"new"}, ids(s.Messages()))
}

func TestApplyHistoryPageOlderPagePrependsAndPreservesOffset(t *testing.T) {
	s := NewStore("conv-1")
	now := time.Now()

	s.ApplyHistoryPage(wirePage(1, 2,
		msg("m4", "bob", "four", now),
		msg("m3", "alice", "three", now.Add(-time.Minute)),
	))
	effect := s.ApplyHistoryPage(wirePage(2, 2,
		msg("m2", "bob", "two", now.Add(-2*time.Minute)),
		msg("m1", "alice", "one", now.Add(-3*time.Minute)),
	))

	require.Equal(t, EffectPreserveOffset, effect)
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, ids(s.Messages()))
}

func TestApplyHistoryPageOlderPageDropsOverlap(t *testing.T) {
	s := NewStore("conv-1")
	now := time.Now()

	s.ApplyHistoryPage(wirePage(1, 2,
		msg("m3", "alice", "three", now),
		msg("m2", "bob", "two", now.Add(-time.Minute)),
	))
	// A message arrived between the two fetches so the page boundary
	// shifted: page 2 re-serves m2.
	effect := s.ApplyHistoryPage(wirePage(2, 2,
		msg("m2", "bob", "two", now.Add(-time.Minute)),
		msg("m1", "alice", "one", now.Add(-2*time.Minute)),
	))

	require.Equal(t, EffectPreserveOffset, effect)
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(s.Messages()))
}

func TestApplyHistoryPageOlderPageAllDuplicatesIsNoop(t *testing.T) {
	s := NewStore("conv-1")
	now := time.Now()

	s.ApplyHistoryPage(wirePage(1, 2, msg("m1", "alice", "one", now)))
	effect := s.ApplyHistoryPage(wirePage(2, 2, msg("m1", "alice", "one", now)))

	assert.Equal(t, EffectNone, effect)
	assert.Equal(t, []string{"m1"}, ids(s.Messages()))
}

func TestApplyLiveDeduplicatesByID(t *testing.T) {
	s := NewStore("conv-1")
	now := time.Now()
	s.ApplyHistoryPage(wirePage(1, 1, msg("m1", "alice", "one", now)))

	effect := s.ApplyLive(msg("m1", "alice", "one", now), "bob", true)

	assert.Equal(t, EffectNone, effect)
	assert.Equal(t, 1, s.Len())
}

func TestApplyLiveScrollBehavior(t *testing.T) {
	now := time.Now()

	cases := []struct {
		name       string
		sender     string
		nearBottom bool
		want       Effect
	}{
		{"own message always scrolls", "me", false, EffectScrollToBottom},
		{"peer message near bottom scrolls", "peer", true, EffectScrollToBottom},
		{"peer message while scrolled up stays put", "peer", false, EffectNone},
	}

	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewStore("conv-1")
			effect := s.ApplyLive(msg("m"+strconv.Itoa(i), tc.sender, "hello", now), "me", tc.nearBottom)
			assert.Equal(t, tc.want, effect)
			assert.Equal(t, 1, s.Len())
		})
	}
}

func TestBeginSendAppendsOptimisticPlaceholder(t *testing.T) {
	s := NewStore("conv-1")

	placeholder, ok := s.BeginSend("me", "hello there")
	require.True(t, ok)

	assert.True(t, placeholder.Optimistic)
	assert.True(t, strings.HasPrefix(placeholder.ID, "local-"))
	assert.Equal(t, "me", placeholder.SenderID)
	require.Equal(t, 1, s.Len())
	assert.Equal(t, placeholder.ID, s.Messages()[0].ID)
}

func TestBeginSendRejectsSecondInFlight(t *testing.T) {
	s := NewStore("conv-1")

	_, ok := s.BeginSend("me", "first")
	require.True(t, ok)
	_, ok = s.BeginSend("me", "second")
	assert.False(t, ok)
	assert.Equal(t, 1, s.Len())
}

func TestResolveSendSwapsPlaceholderInPlace(t *testing.T) {
	s := NewStore("conv-1")
	now := time.Now()
	s.ApplyHistoryPage(wirePage(1, 1, msg("m1", "peer", "hi", now)))

	placeholder, _ := s.BeginSend("me", "hello")
	s.ResolveSend(msg("srv-1", "me", "hello", now))

	require.Equal(t, []string{"m1", "srv-1"}, ids(s.Messages()))
	assert.False(t, s.Messages()[1].Optimistic)
	assert.False(t, s.HasPendingSend())
	assert.NotContains(t, ids(s.Messages()), placeholder.ID)
}

func TestResolveSendAfterLiveEchoRemovesPlaceholder(t *testing.T) {
	s := NewStore("conv-1")
	now := time.Now()

	s.BeginSend("me", "hello")
	// The broker echo outran the POST response; ApplyLive swaps the
	// placeholder for the confirmed record first.
	effect := s.ApplyLive(msg("srv-1", "me", "hello", now), "me", true)
	require.Equal(t, EffectScrollToBottom, effect)
	require.Equal(t, []string{"srv-1"}, ids(s.Messages()))

	s.ResolveSend(msg("srv-1", "me", "hello", now))

	assert.Equal(t, []string{"srv-1"}, ids(s.Messages()))
	assert.False(t, s.HasPendingSend())
}

func TestFailSendRemovesPlaceholderAndReturnsText(t *testing.T) {
	s := NewStore("conv-1")

	s.BeginSend("me", "doomed message")
	text, ok := s.FailSend()

	require.True(t, ok)
	assert.Equal(t, "doomed message", text)
	assert.Equal(t, 0, s.Len())
	assert.False(t, s.HasPendingSend())
}

func TestFailSendWithoutPending(t *testing.T) {
	s := NewStore("conv-1")
	_, ok := s.FailSend()
	assert.False(t, ok)
}

func TestFirstPageRefetchKeepsUnconfirmedPlaceholder(t *testing.T) {
	s := NewStore("conv-1")
	now := time.Now()

	s.BeginSend("me", "still sending")
	effect := s.ApplyHistoryPage(wirePage(1, 1, msg("m1", "peer", "hi", now)))

	require.Equal(t, EffectScrollToBottom, effect)
	msgs := s.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.True(t, msgs[1].Optimistic)
	assert.True(t, s.HasPendingSend())
}

func TestStoreNeverReordersLiveArrivals(t *testing.T) {
	s := NewStore("conv-1")
	now := time.Now()

	// Arrival order wins even when timestamps disagree.
	s.ApplyLive(msg("m2", "peer", "later", now), "me", true)
	s.ApplyLive(msg("m1", "peer", "earlier", now.Add(-time.Minute)), "me", true)

	assert.Equal(t, []string{"m2", "m1"}, ids(s.Messages()))
}
