// Package media manages the lifecycle of a real-time audio/video room
// on top of an abstract media provider. The Controller owns the session
// state machine; the provider is consumed only through the capability
// interfaces below, keeping the package independent of any SDK and of
// the UI layer.
package media

import (
	"context"
	"time"
)

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// Stream is an opaque renderable handle produced by attaching a remote
// track. The rendering layer binds it declaratively; business logic
// never touches display primitives.
type Stream interface {
	Kind() TrackKind
}

// LocalTrack is a capture track created by the provider and published
// into the room.
type LocalTrack interface {
	Kind() TrackKind
	Stop()
}

// RemoteTrack is a track published by another participant.
type RemoteTrack interface {
	Kind() TrackKind
	Attach() Stream
	Detach()
}

// Participant is a remote peer in the room.
type Participant interface {
	Identity() string
	Tracks() []RemoteTrack
}

// LocalParticipant publishes and unpublishes the viewer's own tracks.
type LocalParticipant interface {
	Identity() string
	Publish(track LocalTrack) error
	Unpublish(track LocalTrack) error
}

type SessionEventType string

const (
	ParticipantConnected    SessionEventType = "participantConnected"
	ParticipantDisconnected SessionEventType = "participantDisconnected"
	TrackAdded              SessionEventType = "trackAdded"
	TrackRemoved            SessionEventType = "trackRemoved"
	SessionDisconnected     SessionEventType = "disconnected"
)

type SessionEvent struct {
	Type        SessionEventType
	Participant Participant
	Track       RemoteTrack
}

// Session is a live connection to one room.
type Session interface {
	LocalParticipant() LocalParticipant
	// Participants enumerates peers already in the room at connect time.
	Participants() []Participant
	// Events delivers join/leave/track events until Disconnect. The
	// channel closes when the session ends.
	Events() <-chan SessionEvent
	Disconnect()
}

// Connector negotiates sessions with the media provider.
type Connector interface {
	Connect(ctx context.Context, token, roomName string, initialTracks []LocalTrack) (Session, error)
	CreateLocalTrack(kind TrackKind) (LocalTrack, error)
}

// Credential authorizes the viewer to join rooms.
type Credential struct {
	Identity string `json:"identity"`
	Token    string `json:"token"`
}

// CredentialProvider fetches the media credential from the profile
// collaborator.
type CredentialProvider interface {
	VideoProfile(ctx context.Context) (Credential, error)
}

// ParticipantStream is one entry in the visible participant set.
type ParticipantStream struct {
	ParticipantId string
	// Connection is the opaque handle to the provider-side peer; nil
	// for entries whose connection has gone away.
	Connection any
	// ConnectedAt sequences participants in the presence list.
	ConnectedAt time.Time
	AudioStream Stream
	VideoStream Stream
	// Local marks the viewer's own entry, which is always muted.
	Local bool
	// Muted is the render-level audio muting: always true for the
	// local entry, and the inverse of the listening toggle otherwise.
	Muted bool

	// attached are the remote tracks currently bound to streams,
	// kept for deterministic detach on leave and teardown.
	attached []RemoteTrack
}
