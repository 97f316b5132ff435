package client

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/huddlechat/huddle/internal/channel"
	"github.com/huddlechat/huddle/internal/event"
	"github.com/huddlechat/huddle/internal/localstore"
	"github.com/huddlechat/huddle/internal/state"
	"github.com/huddlechat/huddle/internal/stats"
	"github.com/huddlechat/huddle/internal/types"
)

const resyncTimeout = 10 * time.Second

// GroupService is the slice of the proxy API a session needs. *API
// satisfies it.
type GroupService interface {
	Group(ctx context.Context, id string) (types.Group, error)
	StreamCredential(ctx context.Context) (types.ChannelCredential, error)
	Messages(ctx context.Context, groupId string, chat types.ChatRef) ([]types.Message, error)
}

type SessionConfig struct {
	GroupId string
	Groups  GroupService
	Sender  state.MessageCreator
	Local   localstore.Repository
	Stats   stats.StatsProvider
	Logger  *log.Logger
	// OnFatal is called once when the event stream can no longer be
	// trusted and the session has begun shutting down.
	OnFatal func()
}

// Session drives one live group: it loads the group tree, opens the
// event channel, reconciles incoming events into the store, and keeps
// the on-disk selection and seen markers current.
type Session struct {
	groupId    string
	groups     GroupService
	local      localstore.Repository
	store      *state.Store
	composer   *state.Composer
	reconciler *state.Reconciler
	stats      stats.StatsProvider
	log        *log.Logger
	onFatal    func()

	mu      sync.Mutex
	channel *channel.Channel
	opened  bool
}

func NewSession(cfg SessionConfig) *Session {
	store := state.NewStore(cfg.Logger)
	s := &Session{
		groupId: cfg.GroupId,
		groups:  cfg.Groups,
		local:   cfg.Local,
		store:   store,
		stats:   cfg.Stats,
		log:     cfg.Logger,
		onFatal: cfg.OnFatal,
	}
	s.reconciler = state.NewReconciler(store, cfg.Logger, cfg.Stats, s.handleFatal)
	s.composer = state.NewComposer(store, cfg.Sender, cfg.Logger, cfg.Stats)
	cfg.Stats.RegisterMetric(stats.ChannelReconnects)
	return s
}

// NewSessionFromAPI wires a session to the proxy API client.
func NewSessionFromAPI(groupId string, api *API, local localstore.Repository, sp stats.StatsProvider, logger *log.Logger, onFatal func()) *Session {
	return NewSession(SessionConfig{
		GroupId: groupId,
		Groups:  api,
		Sender:  api.Messenger(groupId),
		Local:   local,
		Stats:   sp,
		Logger:  logger,
		OnFatal: onFatal,
	})
}

// Store exposes the session's state store for watchers and rendering.
func (s *Session) Store() *state.Store {
	return s.store
}

// Start loads the group, restores the persisted selection and seen
// markers, and opens the event channel. It returns once the channel's
// pump is running.
func (s *Session) Start(ctx context.Context) error {
	group, err := s.groups.Group(ctx, s.groupId)
	if err != nil {
		return fmt.Errorf("loading group %s: %w", s.groupId, err)
	}
	s.store.SetGroup(group)
	s.restoreLocalState(ctx)

	cred, err := s.groups.StreamCredential(ctx)
	if err != nil {
		return fmt.Errorf("loading channel credential: %w", err)
	}

	ch := channel.NewChannel(channel.Config{
		URL: cred.URL,
		Handshake: channel.Handshake{
			Token: cred.Token,
			Topic: cred.Topic,
		},
		ReconnectOnClose: true,
		OnOpen:           s.handleOpen,
		OnMessage:        s.handleMessage,
		OnError: func(err error) {
			s.log.Printf("session %s: channel error: %s", s.groupId, err)
		},
	}, s.log)

	s.mu.Lock()
	s.channel = ch
	s.mu.Unlock()

	return ch.Open()
}

// restoreLocalState folds the persisted seen markers into the store and
// re-selects the persisted active chat if it still exists.
func (s *Session) restoreLocalState(ctx context.Context) {
	s.store.Update(func(g *types.Group) bool {
		changed := false
		for i := range g.Threads {
			ref := types.ChatRef{Type: types.ChatTypeThread, Id: g.Threads[i].Id}
			seen, err := s.local.LastSeen(s.groupId, ref)
			if err != nil {
				s.log.Printf("session %s: reading seen marker: %s", s.groupId, err)
				continue
			}
			if !seen.IsZero() && seen.After(g.Threads[i].LastSeen) {
				g.Threads[i].LastSeen = seen
				changed = true
			}
		}
		for i := range g.Members {
			ref := types.ChatRef{Type: types.ChatTypeChat, Id: g.Members[i].Id}
			seen, err := s.local.LastSeen(s.groupId, ref)
			if err != nil {
				s.log.Printf("session %s: reading seen marker: %s", s.groupId, err)
				continue
			}
			if seen.IsZero() {
				continue
			}
			if g.Members[i].Chat == nil {
				g.Members[i].Chat = &types.Chat{}
			}
			if seen.After(g.Members[i].Chat.LastSeen) {
				g.Members[i].Chat.LastSeen = seen
				changed = true
			}
		}
		return changed
	})

	chat, err := s.local.ActiveChat(s.groupId)
	if err != nil {
		s.log.Printf("session %s: reading active chat: %s", s.groupId, err)
		return
	}
	if chat.IsZero() {
		return
	}
	if !s.chatExists(chat) {
		s.store.ClearActiveChat()
		if err := s.local.ClearActiveChat(s.groupId); err != nil {
			s.log.Printf("session %s: clearing stale active chat: %s", s.groupId, err)
		}
		return
	}
	s.store.SetActiveChat(chat)
	if err := s.loadHistory(ctx, chat); err != nil {
		s.log.Printf("session %s: loading history for %s %s: %s", s.groupId, chat.Type, chat.Id, err)
	}
}

func (s *Session) chatExists(ref types.ChatRef) bool {
	group, ok := s.store.Group()
	if !ok {
		return false
	}
	switch ref.Type {
	case types.ChatTypeThread:
		_, ok = group.Thread(ref.Id)
	case types.ChatTypeChat:
		_, ok = group.Member(ref.Id)
	default:
		ok = false
	}
	return ok
}

func (s *Session) handleOpen() {
	s.mu.Lock()
	first := !s.opened
	s.opened = true
	s.mu.Unlock()

	if first {
		return
	}
	s.stats.Incr(stats.ChannelReconnects)
	// events were missed while disconnected, re-fetch the tree
	go s.resync()
}

func (s *Session) resync() {
	ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
	defer cancel()

	group, err := s.groups.Group(ctx, s.groupId)
	if err != nil {
		s.log.Printf("session %s: resync failed: %s", s.groupId, err)
		return
	}
	s.store.SetGroup(group)
	s.restoreLocalState(ctx)
}

func (s *Session) handleMessage(data []byte) {
	ev, err := event.Decode(data)
	if err != nil {
		s.log.Printf("session %s: dropping undecodable frame: %s", s.groupId, err)
		s.stats.Incr(stats.EventsDropped)
		return
	}
	s.reconciler.Apply(ev)
}

// handleFatal runs on the channel's pump goroutine, so the channel is
// closed from a fresh goroutine.
func (s *Session) handleFatal() {
	s.log.Printf("session %s: unreconcilable event stream, shutting down", s.groupId)
	if s.onFatal != nil {
		s.onFatal()
	}
	go s.closeChannel()
}

// SetActiveChat switches the selection, persists it, and loads the
// chat's history into the store.
func (s *Session) SetActiveChat(ctx context.Context, chat types.ChatRef) error {
	if !s.chatExists(chat) {
		return fmt.Errorf("unknown chat %s %s", chat.Type, chat.Id)
	}
	if prev, ok := s.store.ActiveChat(); ok {
		s.persistSeen(prev, time.Now().UTC())
	}
	s.store.SetActiveChat(chat)
	if err := s.local.SetActiveChat(s.groupId, chat); err != nil {
		s.log.Printf("session %s: persisting active chat: %s", s.groupId, err)
	}
	s.persistSeen(chat, time.Now().UTC())
	if err := s.loadHistory(ctx, chat); err != nil {
		return fmt.Errorf("loading history for %s %s: %w", chat.Type, chat.Id, err)
	}
	return nil
}

// ClearActiveChat drops the selection, stamping the chat being left.
func (s *Session) ClearActiveChat() {
	if prev, ok := s.store.ActiveChat(); ok {
		s.persistSeen(prev, time.Now().UTC())
	}
	s.store.ClearActiveChat()
	if err := s.local.ClearActiveChat(s.groupId); err != nil {
		s.log.Printf("session %s: clearing active chat: %s", s.groupId, err)
	}
}

// MarkSeen stamps a chat as read in both the store and the local
// repository.
func (s *Session) MarkSeen(chat types.ChatRef) {
	at := time.Now().UTC()
	s.store.MarkSeen(chat, at)
	if err := s.local.SetLastSeen(s.groupId, chat, at); err != nil {
		s.log.Printf("session %s: persisting seen marker: %s", s.groupId, err)
	}
}

func (s *Session) persistSeen(chat types.ChatRef, at time.Time) {
	if err := s.local.SetLastSeen(s.groupId, chat, at); err != nil {
		s.log.Printf("session %s: persisting seen marker: %s", s.groupId, err)
	}
}

// Send posts a message to the active chat.
func (s *Session) Send(ctx context.Context, text string) (types.Message, error) {
	chat, ok := s.store.ActiveChat()
	if !ok {
		return types.Message{}, fmt.Errorf("no active chat")
	}
	return s.composer.Send(ctx, chat, text)
}

func (s *Session) loadHistory(ctx context.Context, chat types.ChatRef) error {
	msgs, err := s.groups.Messages(ctx, s.groupId, chat)
	if err != nil {
		return err
	}
	s.store.MergeMessages(chat, msgs)
	return nil
}

// Close stamps the active chat and shuts the channel down. Safe to call
// more than once.
func (s *Session) Close() {
	if chat, ok := s.store.ActiveChat(); ok {
		s.persistSeen(chat, time.Now().UTC())
	}
	s.closeChannel()
}

func (s *Session) closeChannel() {
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()
	if ch != nil {
		ch.Close()
	}
}
