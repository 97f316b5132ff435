package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huddlechat/huddle/internal/testutil"
	"github.com/huddlechat/huddle/internal/types"
)

func Test_messagePath(t *testing.T) {
	tcases := []struct {
		name     string
		chat     types.ChatRef
		expected string
	}{
		{
			name:     "thread",
			chat:     types.ChatRef{Type: types.ChatTypeThread, Id: "t-1"},
			expected: "/api/threads/t-1/messages",
		},
		{
			name:     "direct chat carries the group",
			chat:     types.ChatRef{Type: types.ChatTypeChat, Id: "u-2"},
			expected: "/api/chats/u-2/messages?group_id=g-1",
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, messagePath("g-1", tc.chat))
		})
	}
}

func TestAPI_Group(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/groups/g-1", r.URL.Path)

		cookie, err := r.Cookie("token")
		require.NoError(t, err, "expected session cookie")
		assert.Equal(t, "sess-token", cookie.Value)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "g-1",
			"name": "engineering",
			"members": [
				{"id": "u-1", "first_name": "Ada", "current_user": true},
				{"id": "u-2", "first_name": "Grace"}
			],
			"threads": [{"id": "t-1", "topic": "general"}]
		}`))
	}))
	defer srv.Close()

	api := NewAPI(srv.URL, "sess-token", testutil.TestLogger(t))

	group, err := api.Group(context.Background(), "g-1")
	require.NoError(t, err)

	assert.Equal(t, "g-1", group.Id)
	assert.Equal(t, "engineering", group.Name)
	require.Len(t, group.Members, 2)
	assert.True(t, group.Members[0].CurrentUser)
	assert.Equal(t, "Grace", group.Members[1].FirstName)
	require.Len(t, group.Threads, 1)
	assert.Equal(t, "general", group.Threads[0].Topic)
}

func TestAPI_errorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"message": "not a group member"}`))
	}))
	defer srv.Close()

	api := NewAPI(srv.URL, "sess-token", testutil.TestLogger(t))

	_, err := api.Group(context.Background(), "g-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a group member")
	assert.Contains(t, err.Error(), "403")
}

func TestAPI_StreamCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/streams/credential", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"topic": "u-1", "token": "stream-token", "url": "ws://proxy/api/streams/subscribe"}`))
	}))
	defer srv.Close()

	api := NewAPI(srv.URL, "sess-token", testutil.TestLogger(t))

	cred, err := api.StreamCredential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.ChannelCredential{
		Topic: "u-1",
		Token: "stream-token",
		URL:   "ws://proxy/api/streams/subscribe",
	}, cred)
}

func TestAPI_Messages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chats/u-2/messages", r.URL.Path)
		assert.Equal(t, "g-1", r.URL.Query().Get("group_id"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"messages": [{"id": "m-1", "text": "hello", "author": {"id": "u-2"}}]}`))
	}))
	defer srv.Close()

	api := NewAPI(srv.URL, "sess-token", testutil.TestLogger(t))

	msgs, err := api.Messages(context.Background(), "g-1", types.ChatRef{Type: types.ChatTypeChat, Id: "u-2"})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Text)
	assert.Equal(t, "u-2", msgs[0].Author.Id)
}

func TestGroupMessenger_CreateMessage(t *testing.T) {
	sentAt := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/threads/t-1/messages", r.URL.Path)

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, map[string]string{"id": "m-1", "text": "hello"}, req)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"message": types.Message{
				Id:     "m-1",
				Text:   "hello",
				SentAt: sentAt,
				Author: types.User{Id: "u-1"},
			},
		})
	}))
	defer srv.Close()

	api := NewAPI(srv.URL, "sess-token", testutil.TestLogger(t))
	messenger := api.Messenger("g-1")

	msg, err := messenger.CreateMessage(context.Background(),
		types.ChatRef{Type: types.ChatTypeThread, Id: "t-1"},
		types.Message{Id: "m-1", Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "m-1", msg.Id)
	assert.True(t, msg.SentAt.Equal(sentAt))
}
