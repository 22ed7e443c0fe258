package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientConversations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/chat/conversations", r.URL.Path)
		require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{
			"conversations": []map[string]any{
				{"id": "c1", "participants": []string{"alice", "bob"}, "createdAt": "2026-01-02T15:04:05.000Z", "updatedAt": "2026-01-02T15:04:05.000Z"},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok-1")
	convs, err := c.Conversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "c1", convs[0].ID)
	assert.Equal(t, []string{"alice", "bob"}, convs[0].Participants)
}

func TestClientMessagesPaginationQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/conversations/c1/messages", r.URL.Path)
		require.Equal(t, "3", r.URL.Query().Get("page"))
		require.Equal(t, "20", r.URL.Query().Get("limit"))
		json.NewEncoder(w).Encode(MessagePage{
			Messages:      []Message{{ID: "m1", ConversationID: "c1", SenderID: "bob", Text: "hi", CreatedAt: time.Now()}},
			CurrentPage:   3,
			TotalPages:    5,
			TotalMessages: 90,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok-1")
	page, err := c.Messages(context.Background(), "c1", 3, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, page.CurrentPage)
	assert.Equal(t, 5, page.TotalPages)
	require.Len(t, page.Messages, 1)
}

func TestClientPostMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "hello", body["text"])
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Message{ID: "srv-1", ConversationID: "c1", SenderID: "alice", Text: "hello", CreatedAt: time.Now()})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok-1")
	msg, err := c.PostMessage(context.Background(), "c1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "srv-1", msg.ID)
	assert.False(t, msg.Optimistic)
}

func TestClientAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{"error": "access denied or conversation not found"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok-1")
	_, err := c.Messages(context.Background(), "c1", 1, 20)
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "access denied")
}

func TestClientRealtimeToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/realtime-token", r.URL.Path)
		json.NewEncoder(w).Encode(RealtimeToken{Token: "rt-tok", ClientID: "alice", ExpiresAt: time.Now().Add(time.Hour)})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok-1")
	tok, err := c.RealtimeToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rt-tok", tok.Token)
	assert.Equal(t, "alice", tok.ClientID)
}

func TestClientStartConversation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "bob", body["receiverId"])
		require.Equal(t, "prop-9", body["propertyId"])
		json.NewEncoder(w).Encode(Conversation{ID: "c2", Participants: []string{"alice", "bob"}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok-1")
	prop := "prop-9"
	conv, err := c.StartConversation(context.Background(), "bob", &prop)
	require.NoError(t, err)
	assert.Equal(t, "c2", conv.ID)
}
