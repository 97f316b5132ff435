// Package event decodes frames from the group event channel into typed
// events. The wire format is a JSON envelope {"message": <json-encoded
// string>} whose inner string decodes to {type, group_id, payload}.
package event

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/huddlechat/huddle/internal/types"
)

const (
	TypeGroupUpdated   = "group.updated"
	TypeUserLeft       = "group.user.left"
	TypeUserJoined     = "group.user.joined"
	TypeThreadCreated  = "thread.created"
	TypeThreadUpdated  = "thread.updated"
	TypeThreadDeleted  = "thread.deleted"
	TypeMessageCreated = "message.created"
)

type Event struct {
	Type    string          `json:"type"`
	GroupId string          `json:"group_id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type envelope struct {
	Message string `json:"message"`
}

// GroupPatch is the payload of a group.updated event. Fields are pointers
// so absent keys are distinguishable from zero values when merging.
type GroupPatch struct {
	Name    *string         `json:"name,omitempty"`
	Members *[]types.Member `json:"members,omitempty"`
	Threads *[]types.Thread `json:"threads,omitempty"`
}

type MemberPayload struct {
	types.Member
}

type ThreadPayload struct {
	Id    string `json:"id"`
	Topic string `json:"topic"`
}

type MessagePayload struct {
	Chat    types.ChatRef `json:"chat"`
	Message types.Message `json:"message"`
}

// Decode unwraps a raw channel frame into an Event. The payload of the
// envelope's message field is double encoded upstream, so string layers
// are unwrapped until the event object is reached. Any malformed layer
// fails the whole frame.
func Decode(frame []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Event{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Message == "" {
		return Event{}, fmt.Errorf("envelope has no message")
	}

	raw := []byte(env.Message)
	for i := 0; i < 2; i++ {
		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) == 0 || trimmed[0] != '"' {
			break
		}
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return Event{}, fmt.Errorf("unwrap message: %w", err)
		}
		raw = []byte(inner)
	}

	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("event has no type")
	}

	return ev, nil
}

func (e Event) GroupPatch() (GroupPatch, error) {
	var p GroupPatch
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return GroupPatch{}, fmt.Errorf("decode group patch: %w", err)
	}
	return p, nil
}

func (e Event) Member() (types.Member, error) {
	var p MemberPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return types.Member{}, fmt.Errorf("decode member payload: %w", err)
	}
	if p.Id == "" {
		return types.Member{}, fmt.Errorf("member payload has no id")
	}
	return p.Member, nil
}

func (e Event) Thread() (ThreadPayload, error) {
	var p ThreadPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return ThreadPayload{}, fmt.Errorf("decode thread payload: %w", err)
	}
	if p.Id == "" {
		return ThreadPayload{}, fmt.Errorf("thread payload has no id")
	}
	return p, nil
}

func (e Event) MessageCreated() (MessagePayload, error) {
	var p MessagePayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return MessagePayload{}, fmt.Errorf("decode message payload: %w", err)
	}
	if p.Message.Id == "" {
		return MessagePayload{}, fmt.Errorf("message payload has no id")
	}
	if p.Chat.Type != types.ChatTypeThread && p.Chat.Type != types.ChatTypeChat {
		return MessagePayload{}, fmt.Errorf("unknown chat type %q", p.Chat.Type)
	}
	return p, nil
}

// Encode wraps an event back into the channel envelope. Used by test
// servers and the resync path to mirror the upstream double encoding.
func Encode(ev Event) ([]byte, error) {
	inner, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	quoted, err := json.Marshal(string(inner))
	if err != nil {
		return nil, fmt.Errorf("quote event: %w", err)
	}
	return json.Marshal(envelope{Message: string(quoted)})
}
