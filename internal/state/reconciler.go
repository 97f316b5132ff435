package state

import (
	"log"

	"github.com/huddlechat/huddle/internal/event"
	"github.com/huddlechat/huddle/internal/stats"
	"github.com/huddlechat/huddle/internal/types"
)

// Reconciler applies decoded channel events to the store in arrival
// order. Malformed payloads and references to unknown ids are dropped
// without failing the pipeline; unknown event types are ignored for
// forward compatibility.
type Reconciler struct {
	store *Store
	log   *log.Logger
	stats stats.StatsProvider

	// onFatal fires when the viewer is removed from the group. After
	// that no further events are merged.
	onFatal func()
	fatal   bool
}

func NewReconciler(store *Store, logger *log.Logger, sp stats.StatsProvider, onFatal func()) *Reconciler {
	sp.RegisterMetric(stats.EventsApplied)
	sp.RegisterMetric(stats.EventsDropped)

	return &Reconciler{
		store:   store,
		log:     logger,
		stats:   sp,
		onFatal: onFatal,
	}
}

// Apply merges one event into the store. Events carrying a group id for
// a different group are dropped.
func (r *Reconciler) Apply(ev event.Event) {
	if r.fatal {
		return
	}

	group, loaded := r.store.Group()
	if !loaded {
		r.drop(ev, "no group loaded")
		return
	}
	if ev.GroupId != "" && ev.GroupId != group.Id {
		r.drop(ev, "group id mismatch")
		return
	}

	switch ev.Type {
	case event.TypeGroupUpdated:
		r.applyGroupUpdated(ev)
	case event.TypeUserJoined:
		r.applyUserJoined(ev)
	case event.TypeUserLeft:
		r.applyUserLeft(ev)
	case event.TypeThreadCreated:
		r.applyThreadCreated(ev)
	case event.TypeThreadUpdated:
		r.applyThreadUpdated(ev)
	case event.TypeThreadDeleted:
		r.applyThreadDeleted(ev)
	case event.TypeMessageCreated:
		r.applyMessageCreated(ev)
	default:
		// unknown event types are ignored, not errors
		r.log.Printf("reconciler: ignoring unknown event type %q", ev.Type)
	}
}

func (r *Reconciler) applied() {
	r.stats.Incr(stats.EventsApplied)
}

func (r *Reconciler) drop(ev event.Event, reason string) {
	r.log.Printf("reconciler: dropping %q event: %s", ev.Type, reason)
	r.stats.Incr(stats.EventsDropped)
}

func (r *Reconciler) applyGroupUpdated(ev event.Event) {
	patch, err := ev.GroupPatch()
	if err != nil {
		r.drop(ev, err.Error())
		return
	}

	r.store.Update(func(g *types.Group) bool {
		if patch.Name != nil {
			g.Name = *patch.Name
		}
		if patch.Members != nil {
			g.Members = *patch.Members
		}
		if patch.Threads != nil {
			g.Threads = *patch.Threads
		}
		return true
	})
	r.applied()
}

func (r *Reconciler) applyUserJoined(ev event.Event) {
	member, err := ev.Member()
	if err != nil {
		r.drop(ev, err.Error())
		return
	}

	changed := r.store.Update(func(g *types.Group) bool {
		if _, ok := g.Member(member.Id); ok {
			// dedupe by id
			return false
		}
		g.Members = append(g.Members, member)
		return true
	})
	if changed {
		r.applied()
	}
}

func (r *Reconciler) applyUserLeft(ev event.Event) {
	member, err := ev.Member()
	if err != nil {
		r.drop(ev, err.Error())
		return
	}

	var viewerLeft bool
	changed := r.store.Update(func(g *types.Group) bool {
		for i := range g.Members {
			if g.Members[i].Id != member.Id {
				continue
			}
			viewerLeft = g.Members[i].CurrentUser || member.CurrentUser
			g.Members = append(g.Members[:i], g.Members[i+1:]...)
			return true
		}
		return false
	})
	if !changed {
		r.drop(ev, "unknown member id")
		return
	}
	r.applied()

	if viewerLeft {
		r.log.Printf("reconciler: current user removed from group, halting")
		r.fatal = true
		if r.onFatal != nil {
			r.onFatal()
		}
	}
}

func (r *Reconciler) applyThreadCreated(ev event.Event) {
	payload, err := ev.Thread()
	if err != nil {
		r.drop(ev, err.Error())
		return
	}

	changed := r.store.Update(func(g *types.Group) bool {
		if _, ok := g.Thread(payload.Id); ok {
			return false
		}
		g.Threads = append(g.Threads, types.Thread{Id: payload.Id, Topic: payload.Topic})
		return true
	})
	if changed {
		r.applied()
	}
}

func (r *Reconciler) applyThreadUpdated(ev event.Event) {
	payload, err := ev.Thread()
	if err != nil {
		r.drop(ev, err.Error())
		return
	}

	changed := r.store.Update(func(g *types.Group) bool {
		th, ok := g.Thread(payload.Id)
		if !ok {
			return false
		}
		if payload.Topic != "" {
			th.Topic = payload.Topic
		}
		return true
	})
	if changed {
		r.applied()
	} else {
		r.drop(ev, "unknown thread id")
	}
}

func (r *Reconciler) applyThreadDeleted(ev event.Event) {
	payload, err := ev.Thread()
	if err != nil {
		r.drop(ev, err.Error())
		return
	}

	changed := r.store.Update(func(g *types.Group) bool {
		for i := range g.Threads {
			if g.Threads[i].Id == payload.Id {
				g.Threads = append(g.Threads[:i], g.Threads[i+1:]...)
				return true
			}
		}
		return false
	})
	if !changed {
		r.drop(ev, "unknown thread id")
		return
	}
	r.applied()

	// deleting the active chat clears the selection
	if active, ok := r.store.ActiveChat(); ok &&
		active.Type == types.ChatTypeThread && active.Id == payload.Id {
		r.store.ClearActiveChat()
	}
}

func (r *Reconciler) applyMessageCreated(ev event.Event) {
	payload, err := ev.MessageCreated()
	if err != nil {
		r.drop(ev, err.Error())
		return
	}

	changed := r.store.Update(func(g *types.Group) bool {
		return appendMessage(g, payload.Chat, payload.Message)
	})
	if changed {
		r.applied()
		return
	}

	// either the target is unknown or the id is already present from an
	// optimistic local send; both are non-events
	r.log.Printf("reconciler: message %q not merged (duplicate or unknown %s %q)",
		payload.Message.Id, payload.Chat.Type, payload.Chat.Id)
}
