// Package state holds the normalized group tree for a page session and
// the two writers that feed it: the event reconciler and the message
// composer. All mutation funnels through the Store so optimistic local
// edits and broadcast edits cannot lose updates to each other.
package state

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/huddlechat/huddle/internal/types"
)

type Store struct {
	mu         sync.RWMutex
	group      types.Group
	loaded     bool
	activeChat types.ChatRef
	version    uint64
	watchers   []chan struct{}
	log        *log.Logger
}

func NewStore(logger *log.Logger) *Store {
	return &Store{log: logger}
}

// SetGroup replaces the group tree wholesale. Used on initial load and
// on resync after a channel reconnect.
func (s *Store) SetGroup(g types.Group) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.group = g
	s.loaded = true
	s.bumpLocked()
}

// Group returns a snapshot of the group tree. Nested slices are copied
// so readers never observe writer mutations.
func (s *Store) Group() (types.Group, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return copyGroup(s.group), s.loaded
}

func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// ActiveChat returns the current chat selection, if any.
func (s *Store) ActiveChat() (types.ChatRef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeChat, !s.activeChat.IsZero()
}

// SetActiveChat switches the selection and stamps last_seen on the chat
// being left, optimistically and without waiting for an ack.
func (s *Store) SetActiveChat(ref types.ChatRef) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev := s.activeChat; !prev.IsZero() {
		s.markSeenLocked(prev, time.Now().UTC())
	}
	s.activeChat = ref
	s.bumpLocked()
}

func (s *Store) ClearActiveChat() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeChat.IsZero() {
		return
	}
	s.activeChat = types.ChatRef{}
	s.bumpLocked()
}

// MarkSeen stamps last_seen on the given chat.
func (s *Store) MarkSeen(ref types.ChatRef, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markSeenLocked(ref, at)
	s.bumpLocked()
}

func (s *Store) markSeenLocked(ref types.ChatRef, at time.Time) {
	switch ref.Type {
	case types.ChatTypeThread:
		if th, ok := s.group.Thread(ref.Id); ok {
			th.LastSeen = at
		}
	case types.ChatTypeChat:
		if m, ok := s.group.Member(ref.Id); ok {
			if m.Chat == nil {
				m.Chat = &types.Chat{}
			}
			m.Chat.LastSeen = at
		}
	}
}

// HasUnread reports whether a chat holds messages from other members
// newer than its last_seen stamp. The active chat never shows unread.
func (s *Store) HasUnread(ref types.ChatRef) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.activeChat == ref {
		return false
	}

	var messages []types.Message
	var lastSeen time.Time
	switch ref.Type {
	case types.ChatTypeThread:
		th, ok := s.group.Thread(ref.Id)
		if !ok {
			return false
		}
		messages, lastSeen = th.Messages, th.LastSeen
	case types.ChatTypeChat:
		m, ok := s.group.Member(ref.Id)
		if !ok || m.Chat == nil {
			return false
		}
		messages, lastSeen = m.Chat.Messages, m.Chat.LastSeen
	default:
		return false
	}

	for _, msg := range messages {
		if msg.Author.CurrentUser {
			continue
		}
		if lastSeen.IsZero() || msg.SentAt.After(lastSeen) {
			return true
		}
	}
	return false
}

// Update applies fn to the group tree under the writer lock. A version
// bump and watcher notification happen only when fn reports a change.
func (s *Store) Update(fn func(g *types.Group) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !fn(&s.group) {
		return false
	}
	s.bumpLocked()
	return true
}

// MergeMessages folds a fetched history page into the chat, skipping
// ids that are already present. It reports whether anything changed.
func (s *Store) MergeMessages(ref types.ChatRef, msgs []types.Message) bool {
	return s.Update(func(g *types.Group) bool {
		changed := false
		for _, msg := range msgs {
			if appendMessage(g, ref, msg) {
				changed = true
			}
		}
		return changed
	})
}

// Watch returns a channel that receives a coalesced signal whenever the
// store advances.
func (s *Store) Watch() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan struct{}, 1)
	s.watchers = append(s.watchers, ch)
	return ch
}

func (s *Store) bumpLocked() {
	s.version++
	for _, ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// appendMessage inserts a message into a thread or member chat, keeping
// the list ordered by sent_at ascending with ties in insertion order.
// Inserting an id that is already present is a no-op, which makes the
// broadcast for an optimistically sent message idempotent. Both resource
// kinds share this one merge path.
func appendMessage(g *types.Group, ref types.ChatRef, msg types.Message) bool {
	var list *[]types.Message
	switch ref.Type {
	case types.ChatTypeThread:
		th, ok := g.Thread(ref.Id)
		if !ok {
			return false
		}
		list = &th.Messages
	case types.ChatTypeChat:
		m, ok := g.Member(ref.Id)
		if !ok {
			return false
		}
		if m.Chat == nil {
			m.Chat = &types.Chat{}
		}
		list = &m.Chat.Messages
	default:
		return false
	}

	for _, existing := range *list {
		if existing.Id == msg.Id {
			return false
		}
	}

	next := make([]types.Message, len(*list), len(*list)+1)
	copy(next, *list)
	next = append(next, msg)
	sort.SliceStable(next, func(i, j int) bool {
		return next[i].SentAt.Before(next[j].SentAt)
	})
	*list = next

	return true
}

// removeMessage drops a message by id, used to roll back an optimistic
// append the server rejected.
func removeMessage(g *types.Group, ref types.ChatRef, id string) bool {
	var list *[]types.Message
	switch ref.Type {
	case types.ChatTypeThread:
		th, ok := g.Thread(ref.Id)
		if !ok {
			return false
		}
		list = &th.Messages
	case types.ChatTypeChat:
		m, ok := g.Member(ref.Id)
		if !ok || m.Chat == nil {
			return false
		}
		list = &m.Chat.Messages
	default:
		return false
	}

	for i, existing := range *list {
		if existing.Id == id {
			next := make([]types.Message, 0, len(*list)-1)
			next = append(next, (*list)[:i]...)
			next = append(next, (*list)[i+1:]...)
			*list = next
			return true
		}
	}
	return false
}

func copyGroup(g types.Group) types.Group {
	out := g
	out.Members = make([]types.Member, len(g.Members))
	copy(out.Members, g.Members)
	for i := range out.Members {
		if c := out.Members[i].Chat; c != nil {
			cc := *c
			cc.Messages = append([]types.Message(nil), c.Messages...)
			out.Members[i].Chat = &cc
		}
	}
	out.Threads = make([]types.Thread, len(g.Threads))
	copy(out.Threads, g.Threads)
	for i := range out.Threads {
		out.Threads[i].Messages = append([]types.Message(nil), g.Threads[i].Messages...)
	}
	return out
}
