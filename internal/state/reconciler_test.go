package state

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/huddlechat/huddle/internal/event"
	"github.com/huddlechat/huddle/internal/stats"
	"github.com/huddlechat/huddle/internal/testutil"
	"github.com/huddlechat/huddle/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestReconciler(t *testing.T, s *Store, onFatal func()) *Reconciler {
	su := &stats.MockStatsUpdater{}
	su.On("RegisterMetric", mock.Anything).Return()
	su.On("Incr", mock.Anything).Return().Maybe()
	return NewReconciler(s, testutil.TestLogger(t), su, onFatal)
}

func mustPayload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestReconciler_userJoinedDedupes(t *testing.T) {
	s := NewStore(testutil.TestLogger(t))
	s.SetGroup(testGroup())
	r := newTestReconciler(t, s, nil)

	ev := event.Event{
		Type:    event.TypeUserJoined,
		GroupId: "g1",
		Payload: mustPayload(t, types.Member{User: types.User{Id: "u3", FirstName: "Kim"}}),
	}

	// repeated joins for the same id must leave the id present at most once
	r.Apply(ev)
	r.Apply(ev)
	r.Apply(ev)

	g, _ := s.Group()
	var count int
	for _, m := range g.Members {
		if m.Id == "u3" {
			count++
		}
	}
	assert.Equal(t, 1, count, "expected member id to appear at most once")
	assert.Len(t, g.Members, 3)
}

func TestReconciler_messageCreatedIdempotent(t *testing.T) {
	s := NewStore(testutil.TestLogger(t))
	s.SetGroup(testGroup())
	r := newTestReconciler(t, s, nil)

	// optimistic local send
	msg := types.Message{Id: "m1", Text: "hello", SentAt: time.Now().UTC(), Author: types.User{Id: "u1"}}
	s.Update(func(g *types.Group) bool {
		return appendMessage(g, types.ChatRef{Type: types.ChatTypeThread, Id: "t1"}, msg)
	})

	// the broadcast for the same id must not duplicate the entry
	r.Apply(event.Event{
		Type: event.TypeMessageCreated,
		Payload: mustPayload(t, event.MessagePayload{
			Chat:    types.ChatRef{Type: types.ChatTypeThread, Id: "t1"},
			Message: msg,
		}),
	})

	g, _ := s.Group()
	th, _ := g.Thread("t1")
	assert.Len(t, th.Messages, 1, "expected message count unchanged after duplicate broadcast")
}

func TestReconciler_messageCreatedForMemberChat(t *testing.T) {
	s := NewStore(testutil.TestLogger(t))
	s.SetGroup(testGroup())
	r := newTestReconciler(t, s, nil)

	r.Apply(event.Event{
		Type: event.TypeMessageCreated,
		Payload: mustPayload(t, event.MessagePayload{
			Chat:    types.ChatRef{Type: types.ChatTypeChat, Id: "u2"},
			Message: types.Message{Id: "m1", Text: "hey", SentAt: time.Now().UTC()},
		}),
	})

	g, _ := s.Group()
	m, _ := g.Member("u2")
	require.NotNil(t, m.Chat)
	assert.Len(t, m.Chat.Messages, 1)
}

func TestReconciler_threadDeletedClearsActiveChat(t *testing.T) {
	s := NewStore(testutil.TestLogger(t))
	s.SetGroup(testGroup())
	s.SetActiveChat(types.ChatRef{Type: types.ChatTypeThread, Id: "t1"})
	r := newTestReconciler(t, s, nil)

	r.Apply(event.Event{
		Type:    event.TypeThreadDeleted,
		Payload: mustPayload(t, event.ThreadPayload{Id: "t1"}),
	})

	g, _ := s.Group()
	assert.Empty(t, g.Threads, "expected thread list to be empty")
	_, ok := s.ActiveChat()
	assert.False(t, ok, "expected active chat to be cleared")
}

func TestReconciler_threadDeletedOtherThreadKeepsSelection(t *testing.T) {
	s := NewStore(testutil.TestLogger(t))
	g := testGroup()
	g.Threads = append(g.Threads, types.Thread{Id: "t2", Topic: "random"})
	s.SetGroup(g)
	s.SetActiveChat(types.ChatRef{Type: types.ChatTypeThread, Id: "t1"})
	r := newTestReconciler(t, s, nil)

	r.Apply(event.Event{
		Type:    event.TypeThreadDeleted,
		Payload: mustPayload(t, event.ThreadPayload{Id: "t2"}),
	})

	active, ok := s.ActiveChat()
	require.True(t, ok)
	assert.Equal(t, "t1", active.Id, "expected selection to survive deleting another thread")
}

func TestReconciler_currentUserLeftIsFatal(t *testing.T) {
	s := NewStore(testutil.TestLogger(t))
	s.SetGroup(testGroup())

	var fatal bool
	r := newTestReconciler(t, s, func() { fatal = true })

	r.Apply(event.Event{
		Type:    event.TypeUserLeft,
		Payload: mustPayload(t, types.Member{User: types.User{Id: "u1", CurrentUser: true}}),
	})
	assert.True(t, fatal, "expected fatal callback when the viewer is removed")

	// no further merges after the fatal event
	version := s.Version()
	r.Apply(event.Event{
		Type:    event.TypeThreadCreated,
		Payload: mustPayload(t, event.ThreadPayload{Id: "t9", Topic: "late"}),
	})
	assert.Equal(t, version, s.Version(), "expected no state change after fatal event")
}

func TestReconciler_otherUserLeftRemovesMember(t *testing.T) {
	s := NewStore(testutil.TestLogger(t))
	s.SetGroup(testGroup())

	var fatal bool
	r := newTestReconciler(t, s, func() { fatal = true })

	r.Apply(event.Event{
		Type:    event.TypeUserLeft,
		Payload: mustPayload(t, types.Member{User: types.User{Id: "u2"}}),
	})

	g, _ := s.Group()
	assert.Len(t, g.Members, 1)
	assert.False(t, fatal, "expected no fatal callback for another member leaving")
}

func TestReconciler_groupUpdatedShallowMerge(t *testing.T) {
	s := NewStore(testutil.TestLogger(t))
	s.SetGroup(testGroup())
	r := newTestReconciler(t, s, nil)

	name := "platform"
	r.Apply(event.Event{
		Type:    event.TypeGroupUpdated,
		Payload: mustPayload(t, event.GroupPatch{Name: &name}),
	})

	g, _ := s.Group()
	assert.Equal(t, "platform", g.Name, "expected name to merge")
	assert.Len(t, g.Members, 2, "expected members untouched by partial patch")
}

func TestReconciler_dropsMismatchedAndMalformed(t *testing.T) {
	s := NewStore(testutil.TestLogger(t))
	s.SetGroup(testGroup())
	r := newTestReconciler(t, s, nil)

	version := s.Version()

	// different group
	r.Apply(event.Event{
		Type:    event.TypeThreadCreated,
		GroupId: "other-group",
		Payload: mustPayload(t, event.ThreadPayload{Id: "t5", Topic: "x"}),
	})

	// malformed payload
	r.Apply(event.Event{
		Type:    event.TypeThreadCreated,
		Payload: json.RawMessage(`{"topic": 42}`),
	})

	// unknown event type
	r.Apply(event.Event{Type: "reaction.added", Payload: json.RawMessage(`{}`)})

	// unknown thread reference
	r.Apply(event.Event{
		Type: event.TypeMessageCreated,
		Payload: mustPayload(t, event.MessagePayload{
			Chat:    types.ChatRef{Type: types.ChatTypeThread, Id: "missing"},
			Message: types.Message{Id: "m1"},
		}),
	})

	assert.Equal(t, version, s.Version(), "expected no state changes from dropped events")
}
