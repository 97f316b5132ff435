// Package localstore persists small per-group UI state on the client
// host so selection and read markers survive restarts.
package localstore

import (
	"time"

	"github.com/huddlechat/huddle/internal/types"
)

type Repository interface {
	Ping() error
	// ActiveChat returns the persisted selection for the group; a zero
	// ChatRef means none is stored.
	ActiveChat(groupId string) (types.ChatRef, error)
	SetActiveChat(groupId string, chat types.ChatRef) error
	ClearActiveChat(groupId string) error
	// LastSeen returns the stored read marker for the chat; the zero
	// time means the chat has never been opened.
	LastSeen(groupId string, chat types.ChatRef) (time.Time, error)
	SetLastSeen(groupId string, chat types.ChatRef, seen time.Time) error
	Close() error
}
