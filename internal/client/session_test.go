package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/huddlechat/huddle/internal/channel"
	"github.com/huddlechat/huddle/internal/event"
	"github.com/huddlechat/huddle/internal/localstore"
	"github.com/huddlechat/huddle/internal/state"
	"github.com/huddlechat/huddle/internal/stats"
	"github.com/huddlechat/huddle/internal/testutil"
	"github.com/huddlechat/huddle/internal/types"
)

type fakeGroupService struct {
	mu         sync.Mutex
	group      types.Group
	cred       types.ChannelCredential
	msgs       map[types.ChatRef][]types.Message
	groupCalls int
}

func (f *fakeGroupService) Group(ctx context.Context, id string) (types.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groupCalls++
	return f.group, nil
}

func (f *fakeGroupService) StreamCredential(ctx context.Context) (types.ChannelCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cred, nil
}

func (f *fakeGroupService) Messages(ctx context.Context, groupId string, chat types.ChatRef) ([]types.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.msgs[chat], nil
}

func (f *fakeGroupService) setGroup(g types.Group) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.group = g
}

func (f *fakeGroupService) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.groupCalls
}

type fakeSender struct {
	mu   sync.Mutex
	sent []types.Message
}

func (f *fakeSender) CreateMessage(ctx context.Context, chat types.ChatRef, msg types.Message) (types.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return msg, nil
}

// newTestEventStream runs a websocket endpoint that records the
// handshake frame and relays whatever is pushed onto frames.
func newTestEventStream(t *testing.T, handshakes chan channel.Handshake, frames chan []byte) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err, "upgrade failed")
		defer conn.Close()

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var hs channel.Handshake
		if err := json.Unmarshal(raw, &hs); err != nil {
			return
		}
		select {
		case handshakes <- hs:
		default:
		}

		for frame := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	return srv
}

func newTestSession(t *testing.T, groups *fakeGroupService) (*Session, localstore.Repository) {
	t.Helper()

	repo, err := localstore.NewSqliteRepository(filepath.Join(t.TempDir(), "huddle.db"))
	require.NoError(t, err, "failed to open repository")
	t.Cleanup(func() { repo.Close() })

	mockStats := &stats.MockStatsUpdater{}
	mockStats.On("RegisterMetric", mock.Anything).Maybe()
	mockStats.On("Incr", mock.Anything).Maybe()
	mockStats.On("Decr", mock.Anything).Maybe()

	s := NewSession(SessionConfig{
		GroupId: "g-1",
		Groups:  groups,
		Sender:  &fakeSender{},
		Local:   repo,
		Stats:   mockStats,
		Logger:  testutil.TestLogger(t),
	})
	t.Cleanup(s.Close)

	return s, repo
}

func waitStore(t *testing.T, store *state.Store, pred func(types.Group) bool) {
	t.Helper()

	updates := store.Watch()
	deadline := time.After(2 * time.Second)
	for {
		if g, ok := store.Group(); ok && pred(g) {
			return
		}
		select {
		case <-updates:
		case <-deadline:
			t.Fatal("timeout: store never reached expected state")
		}
	}
}

func testGroup() types.Group {
	return types.Group{
		Id:   "g-1",
		Name: "engineering",
		Members: []types.Member{
			{User: types.User{Id: "u-1", FirstName: "Ada", CurrentUser: true}},
			{User: types.User{Id: "u-2", FirstName: "Grace"}},
		},
		Threads: []types.Thread{
			{Id: "t-1", Topic: "general"},
		},
	}
}

func TestSession_startSubscribesAndApplies(t *testing.T) {
	handshakes := make(chan channel.Handshake, 1)
	frames := make(chan []byte)
	srv := newTestEventStream(t, handshakes, frames)
	defer close(frames)

	groups := &fakeGroupService{
		group: testGroup(),
		cred: types.ChannelCredential{
			Topic: "u-1",
			Token: "stream-token",
			URL:   "ws" + strings.TrimPrefix(srv.URL, "http"),
		},
	}
	s, _ := newTestSession(t, groups)

	require.NoError(t, s.Start(context.Background()))

	group, ok := s.Store().Group()
	require.True(t, ok, "expected group to be loaded")
	assert.Equal(t, "engineering", group.Name)

	select {
	case hs := <-handshakes:
		assert.Equal(t, channel.Handshake{Token: "stream-token", Topic: "u-1"}, hs)
	case <-time.After(time.Second):
		t.Fatal("timeout: channel never sent its handshake")
	}

	frame, err := event.Encode(event.Event{
		Type: event.TypeMessageCreated,
		Payload: mustMarshal(t, event.MessagePayload{
			Chat: types.ChatRef{Type: types.ChatTypeThread, Id: "t-1"},
			Message: types.Message{
				Id:     "m-1",
				Text:   "hello",
				SentAt: time.Now().UTC(),
				Author: types.User{Id: "u-2"},
			},
		}),
	})
	require.NoError(t, err)
	frames <- frame

	waitStore(t, s.Store(), func(g types.Group) bool {
		th, ok := g.Thread("t-1")
		return ok && len(th.Messages) == 1 && th.Messages[0].Id == "m-1"
	})
}

func TestSession_restoresPersistedSelection(t *testing.T) {
	handshakes := make(chan channel.Handshake, 1)
	frames := make(chan []byte)
	srv := newTestEventStream(t, handshakes, frames)
	defer close(frames)

	seenAt := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	active := types.ChatRef{Type: types.ChatTypeThread, Id: "t-1"}

	groups := &fakeGroupService{
		group: testGroup(),
		cred: types.ChannelCredential{
			Topic: "u-1",
			Token: "stream-token",
			URL:   "ws" + strings.TrimPrefix(srv.URL, "http"),
		},
		msgs: map[types.ChatRef][]types.Message{
			active: {
				{Id: "m-1", Text: "earlier", SentAt: seenAt, Author: types.User{Id: "u-2"}},
			},
		},
	}
	s, repo := newTestSession(t, groups)

	require.NoError(t, repo.SetActiveChat("g-1", active))
	require.NoError(t, repo.SetLastSeen("g-1", active, seenAt))
	// a selection pointing at a chat that no longer exists is dropped
	require.NoError(t, repo.SetLastSeen("g-1", types.ChatRef{Type: types.ChatTypeThread, Id: "t-gone"}, seenAt))

	require.NoError(t, s.Start(context.Background()))

	chat, ok := s.Store().ActiveChat()
	require.True(t, ok, "expected active chat to be restored")
	assert.Equal(t, active, chat)

	group, _ := s.Store().Group()
	th, ok := group.Thread("t-1")
	require.True(t, ok)
	assert.True(t, th.LastSeen.Equal(seenAt), "expected seen marker to be restored")
	require.Len(t, th.Messages, 1, "expected history to be loaded")
	assert.Equal(t, "earlier", th.Messages[0].Text)
}

func TestSession_staleSelectionCleared(t *testing.T) {
	handshakes := make(chan channel.Handshake, 1)
	frames := make(chan []byte)
	srv := newTestEventStream(t, handshakes, frames)
	defer close(frames)

	groups := &fakeGroupService{
		group: testGroup(),
		cred: types.ChannelCredential{
			Topic: "u-1",
			Token: "stream-token",
			URL:   "ws" + strings.TrimPrefix(srv.URL, "http"),
		},
	}
	s, repo := newTestSession(t, groups)

	require.NoError(t, repo.SetActiveChat("g-1", types.ChatRef{Type: types.ChatTypeThread, Id: "t-gone"}))

	require.NoError(t, s.Start(context.Background()))

	_, ok := s.Store().ActiveChat()
	assert.False(t, ok, "expected stale selection to be dropped")

	chat, err := repo.ActiveChat("g-1")
	require.NoError(t, err)
	assert.True(t, chat.IsZero(), "expected persisted selection to be cleared")
}

func TestSession_setActiveChatAndSend(t *testing.T) {
	handshakes := make(chan channel.Handshake, 1)
	frames := make(chan []byte)
	srv := newTestEventStream(t, handshakes, frames)
	defer close(frames)

	active := types.ChatRef{Type: types.ChatTypeChat, Id: "u-2"}
	groups := &fakeGroupService{
		group: testGroup(),
		cred: types.ChannelCredential{
			Topic: "u-1",
			Token: "stream-token",
			URL:   "ws" + strings.TrimPrefix(srv.URL, "http"),
		},
		msgs: map[types.ChatRef][]types.Message{
			active: {
				{Id: "m-1", Text: "earlier", SentAt: time.Now().Add(-time.Hour).UTC(), Author: types.User{Id: "u-2"}},
			},
		},
	}
	s, repo := newTestSession(t, groups)

	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.SetActiveChat(context.Background(), active))

	chat, err := repo.ActiveChat("g-1")
	require.NoError(t, err)
	assert.Equal(t, active, chat, "expected selection to be persisted")

	seen, err := repo.LastSeen("g-1", active)
	require.NoError(t, err)
	assert.False(t, seen.IsZero(), "expected seen marker to be stamped on select")

	msg, err := s.Send(context.Background(), "hello grace")
	require.NoError(t, err)
	assert.NotEmpty(t, msg.Id)

	group, _ := s.Store().Group()
	member, ok := group.Member("u-2")
	require.True(t, ok)
	require.NotNil(t, member.Chat)
	require.Len(t, member.Chat.Messages, 2, "expected history plus the sent message")
	assert.Equal(t, "hello grace", member.Chat.Messages[1].Text)

	s.ClearActiveChat()
	_, err = s.Send(context.Background(), "nobody listening")
	assert.Error(t, err, "expected send without a selection to fail")
}

func TestSession_reconnectResyncs(t *testing.T) {
	handshakes := make(chan channel.Handshake, 1)
	frames := make(chan []byte)
	srv := newTestEventStream(t, handshakes, frames)
	defer close(frames)

	groups := &fakeGroupService{
		group: testGroup(),
		cred: types.ChannelCredential{
			Topic: "u-1",
			Token: "stream-token",
			URL:   "ws" + strings.TrimPrefix(srv.URL, "http"),
		},
	}
	s, _ := newTestSession(t, groups)

	require.NoError(t, s.Start(context.Background()))
	before := groups.calls()

	// a thread created while the channel was down only arrives via resync
	updated := testGroup()
	updated.Threads = append(updated.Threads, types.Thread{Id: "t-2", Topic: "incidents"})
	groups.setGroup(updated)

	s.handleOpen()

	waitStore(t, s.Store(), func(g types.Group) bool {
		_, ok := g.Thread("t-2")
		return ok
	})
	assert.Greater(t, groups.calls(), before, "expected the group to be re-fetched")
}

func TestSession_fatalShutsDown(t *testing.T) {
	groups := &fakeGroupService{group: testGroup()}

	fatals := make(chan struct{}, 1)
	repo, err := localstore.NewSqliteRepository(filepath.Join(t.TempDir(), "huddle.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	mockStats := &stats.MockStatsUpdater{}
	mockStats.On("RegisterMetric", mock.Anything).Maybe()
	mockStats.On("Incr", mock.Anything).Maybe()

	s := NewSession(SessionConfig{
		GroupId: "g-1",
		Groups:  groups,
		Sender:  &fakeSender{},
		Local:   repo,
		Stats:   mockStats,
		Logger:  testutil.TestLogger(t),
		OnFatal: func() { fatals <- struct{}{} },
	})

	s.handleFatal()

	select {
	case <-fatals:
	case <-time.After(time.Second):
		t.Fatal("timeout: onFatal was not called")
	}
}

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}
