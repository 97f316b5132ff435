// Package backend is the client for the upstream chat API, an
// RPC-style service addressed with JSON-over-POST calls. Failures are
// returned as *Error carrying the upstream status code so callers can
// map them onto their own responses.
package backend

import (
	"context"
	"fmt"

	"github.com/huddlechat/huddle/internal/event"
	"github.com/huddlechat/huddle/internal/types"
)

// Error is a failed backend call. Message holds the upstream detail
// when one was returned, otherwise the HTTP status text.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"error"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("backend: %s (code %d)", e.Message, e.Code)
}

// GroupRecord is the upstream group row. Member details are loaded
// separately through ReadUsers.
type GroupRecord struct {
	Id        string   `json:"id"`
	Name      string   `json:"name"`
	MemberIds []string `json:"member_ids"`
}

// ThreadRecord is the upstream conversation row.
type ThreadRecord struct {
	Id      string `json:"id"`
	GroupId string `json:"group_id"`
	Topic   string `json:"topic"`
}

type SignupParams struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Password  string `json:"password"`
}

// UserPatch carries the updatable profile fields. Nil fields are left
// unchanged upstream.
type UserPatch struct {
	FirstName *string `json:"first_name,omitempty"`
	LastName  *string `json:"last_name,omitempty"`
	Email     *string `json:"email,omitempty"`
}

type ListInvitesParams struct {
	GroupId string `json:"group_id,omitempty"`
	Email   string `json:"email,omitempty"`
}

// Backend is every upstream operation the proxy and the session layer
// depend on.
type Backend interface {
	Login(ctx context.Context, email, password string) (string, error)
	Logout(ctx context.Context, token string) error
	Signup(ctx context.Context, params SignupParams) error
	ValidateSession(ctx context.Context, token string) (types.User, error)
	ReadUsers(ctx context.Context, ids []string) (map[string]types.User, error)
	UpdateUser(ctx context.Context, id string, patch UserPatch) error

	ListGroups(ctx context.Context, memberId string) ([]GroupRecord, error)
	ReadGroup(ctx context.Context, id string) (GroupRecord, error)
	CreateGroup(ctx context.Context, name string) (GroupRecord, error)
	AddMember(ctx context.Context, groupId, memberId string) error
	RemoveMember(ctx context.Context, groupId, memberId string) error

	ListThreads(ctx context.Context, groupId string) ([]ThreadRecord, error)
	CreateThread(ctx context.Context, groupId, topic string) (ThreadRecord, error)
	ReadThread(ctx context.Context, id string) (ThreadRecord, error)
	UpdateThread(ctx context.Context, id, topic string) error
	DeleteThread(ctx context.Context, id string) error

	CreateChat(ctx context.Context, userIds []string) (string, error)
	ListMessages(ctx context.Context, chat types.ChatRef) ([]types.Message, error)
	CreateMessage(ctx context.Context, chat types.ChatRef, msg types.Message) (types.Message, error)

	ListInvites(ctx context.Context, params ListInvitesParams) ([]types.Invite, error)
	CreateInvite(ctx context.Context, groupId, email string) (types.Invite, error)
	ReadInvite(ctx context.Context, id string) (types.Invite, error)
	DeleteInvite(ctx context.Context, id string) error

	Publish(ctx context.Context, topic string, ev event.Event) error
}
