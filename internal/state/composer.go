package state

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/huddlechat/huddle/internal/stats"
	"github.com/huddlechat/huddle/internal/types"
)

// MessageCreator persists a message with the backend collaborator.
type MessageCreator interface {
	CreateMessage(ctx context.Context, chat types.ChatRef, msg types.Message) (types.Message, error)
}

// Composer performs optimistic message sends: the message appears in
// the store immediately under a locally generated id, then the create
// request is issued; a rejection rolls the append back.
type Composer struct {
	store   *Store
	backend MessageCreator
	log     *log.Logger
	stats   stats.StatsProvider
}

func NewComposer(store *Store, backend MessageCreator, logger *log.Logger, sp stats.StatsProvider) *Composer {
	sp.RegisterMetric(stats.MessagesSent)
	sp.RegisterMetric(stats.MessagesRolledBack)

	return &Composer{
		store:   store,
		backend: backend,
		log:     logger,
		stats:   sp,
	}
}

// Send appends the message locally, then persists it. The optimistic
// entry is already visible to readers before the backend call starts;
// the later message.created broadcast for the same id merges to a
// no-op. On failure the entry is removed and the error returned so the
// caller can surface it.
func (c *Composer) Send(ctx context.Context, chat types.ChatRef, text string) (types.Message, error) {
	group, loaded := c.store.Group()
	if !loaded {
		return types.Message{}, fmt.Errorf("no group loaded")
	}

	author, ok := group.CurrentMember()
	if !ok {
		return types.Message{}, fmt.Errorf("no current user in group %q", group.Id)
	}

	msg := types.Message{
		Id:     uuid.NewString(),
		Text:   text,
		SentAt: time.Now().UTC(),
		Author: author.User,
	}

	appended := c.store.Update(func(g *types.Group) bool {
		return appendMessage(g, chat, msg)
	})
	if !appended {
		return types.Message{}, fmt.Errorf("unknown %s %q", chat.Type, chat.Id)
	}

	if _, err := c.backend.CreateMessage(ctx, chat, msg); err != nil {
		c.log.Printf("composer: create message %q failed, rolling back: %v", msg.Id, err)
		c.store.Update(func(g *types.Group) bool {
			return removeMessage(g, chat, msg.Id)
		})
		c.stats.Incr(stats.MessagesRolledBack)
		return types.Message{}, fmt.Errorf("send message: %w", err)
	}

	c.stats.Incr(stats.MessagesSent)
	return msg, nil
}
