package types

import (
	"time"
)

type User struct {
	Id          string    `json:"id"`
	FirstName   string    `json:"first_name"`
	LastName    string    `json:"last_name"`
	Email       string    `json:"email,omitempty"`
	CurrentUser bool      `json:"current_user,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// Member is a user within a group. Chat is the two-party conversation
// between the viewer and this member, populated lazily.
type Member struct {
	User
	Chat *Chat `json:"chat,omitempty"`
}

type Chat struct {
	Messages []Message `json:"messages"`
	LastSeen time.Time `json:"last_seen,omitempty"`
}

type Thread struct {
	Id       string    `json:"id"`
	Topic    string    `json:"topic"`
	Messages []Message `json:"messages"`
	LastSeen time.Time `json:"last_seen,omitempty"`
}

type Message struct {
	Id     string    `json:"id"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sent_at"`
	Author User      `json:"author"`
}

// ChannelCredential is a single-use, session-scoped credential for
// opening the group's event channel.
type ChannelCredential struct {
	Topic string `json:"topic"`
	Token string `json:"token"`
	URL   string `json:"url"`
}

type Group struct {
	Id        string            `json:"id"`
	Name      string            `json:"name"`
	Members   []Member          `json:"members"`
	Threads   []Thread          `json:"threads"`
	WebSocket ChannelCredential `json:"websocket"`
}

// CurrentMember returns the group member marked as the viewer.
func (g *Group) CurrentMember() (Member, bool) {
	for _, m := range g.Members {
		if m.CurrentUser {
			return m, true
		}
	}
	return Member{}, false
}

func (g *Group) Thread(id string) (*Thread, bool) {
	for i := range g.Threads {
		if g.Threads[i].Id == id {
			return &g.Threads[i], true
		}
	}
	return nil, false
}

func (g *Group) Member(id string) (*Member, bool) {
	for i := range g.Members {
		if g.Members[i].Id == id {
			return &g.Members[i], true
		}
	}
	return nil, false
}

type Invite struct {
	Id      string    `json:"id"`
	GroupId string    `json:"group_id"`
	Email   string    `json:"email"`
	Code    string    `json:"code,omitempty"`
	SentAt  time.Time `json:"sent_at,omitempty"`
}

// ChatRef identifies the active conversation: a thread within the group
// or a direct chat with one member.
type ChatRef struct {
	Type string `json:"type"`
	Id   string `json:"id"`
}

const (
	ChatTypeThread = "thread"
	ChatTypeChat   = "chat"
)

func (c ChatRef) IsZero() bool {
	return c.Type == "" && c.Id == ""
}
