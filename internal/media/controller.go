package media

import (
	"context"
	"fmt"
	"log"
	"time"
)

// State is the controller's connection lifecycle phase.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Snapshot is an immutable view of the controller state handed to the
// change callback. Participants are presence ordered.
type Snapshot struct {
	State          State
	RoomId         string
	Listening      bool
	AudioPublished bool
	VideoPublished bool
	Participants   []ParticipantStream
	Version        uint64
}

// ControllerConfig configures a Controller. OnChange and OnAlert are
// invoked from the controller's run loop and must not call back into
// the Controller.
type ControllerConfig struct {
	Connector   Connector
	Credentials CredentialProvider
	Logger      *log.Logger
	OnChange    func(Snapshot)
	OnAlert     func(error)
}

type trackIntent struct {
	kind    TrackKind
	enabled bool
}

type credResult struct {
	cred Credential
	err  error
}

type connectResult struct {
	epoch   uint64
	roomId  string
	session Session
	tracks  []LocalTrack
	err     error
}

// Controller owns a single media session at a time. All state lives in
// the run loop goroutine; the exported methods hand intents over typed
// channels, so callers never race each other.
type Controller struct {
	connector Connector
	creds     CredentialProvider
	logger    *log.Logger
	onChange  func(Snapshot)
	onAlert   func(error)

	roomChan       chan string
	trackChan      chan trackIntent
	listenChan     chan bool
	teardownChan   chan chan struct{}
	credResults    chan credResult
	connectResults chan connectResult
	done           chan struct{}
}

func NewController(cfg ControllerConfig) *Controller {
	c := &Controller{
		connector:      cfg.Connector,
		creds:          cfg.Credentials,
		logger:         cfg.Logger,
		onChange:       cfg.OnChange,
		onAlert:        cfg.OnAlert,
		roomChan:       make(chan string),
		trackChan:      make(chan trackIntent),
		listenChan:     make(chan bool),
		teardownChan:   make(chan chan struct{}),
		credResults:    make(chan credResult, 1),
		connectResults: make(chan connectResult, 1),
		done:           make(chan struct{}),
	}
	go c.run()
	return c
}

// SetRoom switches the controller to roomId, tearing down any current
// session first. An empty roomId leaves the current room without
// joining another.
func (c *Controller) SetRoom(roomId string) {
	select {
	case c.roomChan <- roomId:
	case <-c.done:
	}
}

// SetAudio enables or disables the published audio track.
func (c *Controller) SetAudio(enabled bool) {
	select {
	case c.trackChan <- trackIntent{kind: TrackAudio, enabled: enabled}:
	case <-c.done:
	}
}

// SetVideo enables or disables the published video track.
func (c *Controller) SetVideo(enabled bool) {
	select {
	case c.trackChan <- trackIntent{kind: TrackVideo, enabled: enabled}:
	case <-c.done:
	}
}

// SetListening toggles render-level muting of remote participants.
func (c *Controller) SetListening(listening bool) {
	select {
	case c.listenChan <- listening:
	case <-c.done:
	}
}

// Teardown disconnects the session, stops all local tracks, detaches
// all remote tracks and stops the run loop. It blocks until the loop
// has confirmed and is safe to call more than once.
func (c *Controller) Teardown() {
	ack := make(chan struct{})
	select {
	case c.teardownChan <- ack:
		<-ack
	case <-c.done:
	}
}

// loopState is owned exclusively by the run loop goroutine.
type loopState struct {
	state         State
	roomId        string
	epoch         uint64
	session       Session
	sessionEvents <-chan SessionEvent
	cred          Credential
	credOK        bool
	credPending   bool
	desired       map[TrackKind]bool
	published     map[TrackKind]LocalTrack
	listening     bool
	participants  map[string]*ParticipantStream
	version       uint64
}

func (c *Controller) run() {
	st := &loopState{
		state:        StateIdle,
		listening:    true,
		desired:      make(map[TrackKind]bool),
		published:    make(map[TrackKind]LocalTrack),
		participants: make(map[string]*ParticipantStream),
	}

	for {
		select {
		case roomId := <-c.roomChan:
			c.handleSetRoom(st, roomId)
		case ti := <-c.trackChan:
			c.handleTrackIntent(st, ti)
		case listening := <-c.listenChan:
			c.handleListening(st, listening)
		case res := <-c.credResults:
			c.handleCredResult(st, res)
		case res := <-c.connectResults:
			c.handleConnectResult(st, res)
		case ev, ok := <-st.sessionEvents:
			if !ok {
				st.sessionEvents = nil
				continue
			}
			c.handleSessionEvent(st, ev)
		case ack := <-c.teardownChan:
			st.epoch++
			c.disconnectSession(st)
			close(c.done)
			close(ack)
			return
		}
	}
}

func (c *Controller) handleSetRoom(st *loopState, roomId string) {
	if roomId == st.roomId {
		return
	}
	st.epoch++
	c.disconnectSession(st)
	st.roomId = roomId
	if roomId == "" {
		c.changed(st)
		return
	}
	c.beginConnect(st)
	c.changed(st)
}

func (c *Controller) handleTrackIntent(st *loopState, ti trackIntent) {
	if st.desired[ti.kind] == ti.enabled {
		return
	}
	st.desired[ti.kind] = ti.enabled
	switch st.state {
	case StateConnected:
		c.reconcileTracks(st)
	case StateIdle:
		// A toggle while idle with a room still selected is the manual
		// retry path after a failed join.
		if st.roomId != "" {
			c.beginConnect(st)
		}
	}
	c.changed(st)
}

func (c *Controller) handleListening(st *loopState, listening bool) {
	if st.listening == listening {
		return
	}
	st.listening = listening
	for _, ps := range st.participants {
		if !ps.Local {
			ps.Muted = !listening
		}
	}
	c.changed(st)
}

func (c *Controller) beginConnect(st *loopState) {
	if !st.credOK {
		if st.credPending {
			return
		}
		st.credPending = true
		go func() {
			cred, err := c.creds.VideoProfile(context.Background())
			select {
			case c.credResults <- credResult{cred: cred, err: err}:
			case <-c.done:
			}
		}()
		return
	}

	st.state = StateConnecting
	epoch := st.epoch
	roomId := st.roomId
	token := st.cred.Token
	var kinds []TrackKind
	for kind, want := range st.desired {
		if want {
			kinds = append(kinds, kind)
		}
	}

	go func() {
		var tracks []LocalTrack
		for _, kind := range kinds {
			track, err := c.connector.CreateLocalTrack(kind)
			if err != nil {
				c.logger.Printf("could not create %s track: %s", kind, err)
				continue
			}
			tracks = append(tracks, track)
		}
		session, err := c.connector.Connect(context.Background(), token, roomId, tracks)
		select {
		case c.connectResults <- connectResult{
			epoch:   epoch,
			roomId:  roomId,
			session: session,
			tracks:  tracks,
			err:     err,
		}:
		case <-c.done:
			if session != nil {
				session.Disconnect()
			}
			for _, track := range tracks {
				track.Stop()
			}
		}
	}()
}

func (c *Controller) handleCredResult(st *loopState, res credResult) {
	st.credPending = false
	if res.err != nil {
		c.alert(fmt.Errorf("loading video credentials: %w", res.err))
		return
	}
	st.cred = res.cred
	st.credOK = true
	if st.roomId != "" && st.state == StateIdle {
		c.beginConnect(st)
		c.changed(st)
	}
}

func (c *Controller) handleConnectResult(st *loopState, res connectResult) {
	if res.epoch != st.epoch || res.roomId != st.roomId {
		// A stale join: the desired room changed while the connect was
		// in flight. Discard the outcome without surfacing anything.
		if res.session != nil {
			res.session.Disconnect()
		}
		for _, track := range res.tracks {
			track.Stop()
		}
		return
	}
	if res.err != nil {
		st.state = StateIdle
		for _, track := range res.tracks {
			track.Stop()
		}
		c.alert(fmt.Errorf("connecting to room %q: %w", res.roomId, res.err))
		c.changed(st)
		return
	}

	st.state = StateConnected
	st.session = res.session
	st.sessionEvents = res.session.Events()
	for _, track := range res.tracks {
		st.published[track.Kind()] = track
	}

	local := res.session.LocalParticipant()
	st.participants[local.Identity()] = &ParticipantStream{
		ParticipantId: local.Identity(),
		Connection:    local,
		ConnectedAt:   time.Now(),
		Local:         true,
		Muted:         true,
	}
	for _, p := range res.session.Participants() {
		c.addParticipant(st, p)
	}

	// Track intents may have changed while the connect was in flight.
	c.reconcileTracks(st)
	c.changed(st)
}

func (c *Controller) handleSessionEvent(st *loopState, ev SessionEvent) {
	switch ev.Type {
	case ParticipantConnected:
		c.addParticipant(st, ev.Participant)
	case ParticipantDisconnected:
		c.removeParticipant(st, ev.Participant)
	case TrackAdded:
		ps := st.participants[ev.Participant.Identity()]
		if ps == nil {
			c.addParticipant(st, ev.Participant)
			ps = st.participants[ev.Participant.Identity()]
		}
		c.attachTrack(st, ps, ev.Track)
	case TrackRemoved:
		ps := st.participants[ev.Participant.Identity()]
		if ps == nil {
			return
		}
		c.detachTrack(ps, ev.Track)
	case SessionDisconnected:
		c.disconnectSession(st)
	default:
		c.logger.Printf("ignoring session event %q", ev.Type)
		return
	}
	c.changed(st)
}

func (c *Controller) addParticipant(st *loopState, p Participant) {
	ps := st.participants[p.Identity()]
	if ps == nil {
		ps = &ParticipantStream{
			ParticipantId: p.Identity(),
			ConnectedAt:   time.Now(),
		}
		st.participants[p.Identity()] = ps
	}
	ps.Connection = p
	ps.Muted = !st.listening
	for _, track := range p.Tracks() {
		c.attachTrack(st, ps, track)
	}
}

func (c *Controller) removeParticipant(st *loopState, p Participant) {
	ps := st.participants[p.Identity()]
	if ps == nil {
		return
	}
	for _, track := range ps.attached {
		track.Detach()
	}
	delete(st.participants, p.Identity())
}

func (c *Controller) attachTrack(st *loopState, ps *ParticipantStream, track RemoteTrack) {
	stream := track.Attach()
	switch track.Kind() {
	case TrackAudio:
		ps.AudioStream = stream
	case TrackVideo:
		ps.VideoStream = stream
	}
	ps.attached = append(ps.attached, track)
	ps.Muted = ps.Local || !st.listening
}

func (c *Controller) detachTrack(ps *ParticipantStream, track RemoteTrack) {
	track.Detach()
	switch track.Kind() {
	case TrackAudio:
		ps.AudioStream = nil
	case TrackVideo:
		ps.VideoStream = nil
	}
	for i, t := range ps.attached {
		if t == track {
			ps.attached = append(ps.attached[:i], ps.attached[i+1:]...)
			break
		}
	}
}

// reconcileTracks converges the published track set on the desired
// one. At most one track per kind is ever published.
func (c *Controller) reconcileTracks(st *loopState) {
	for _, kind := range []TrackKind{TrackAudio, TrackVideo} {
		want := st.desired[kind]
		current := st.published[kind]
		switch {
		case want && current == nil:
			track, err := c.connector.CreateLocalTrack(kind)
			if err != nil {
				c.alert(fmt.Errorf("creating %s track: %w", kind, err))
				continue
			}
			if err := st.session.LocalParticipant().Publish(track); err != nil {
				track.Stop()
				c.alert(fmt.Errorf("publishing %s track: %w", kind, err))
				continue
			}
			st.published[kind] = track
		case !want && current != nil:
			current.Stop()
			if err := st.session.LocalParticipant().Unpublish(current); err != nil {
				c.logger.Printf("could not unpublish %s track: %s", kind, err)
			}
			delete(st.published, kind)
		}
	}
}

// disconnectSession detaches every remote track, stops and unpublishes
// every local track, disconnects the session and clears the
// participant set. It is a no-op when already idle and empty.
func (c *Controller) disconnectSession(st *loopState) {
	if st.session == nil && st.state == StateIdle && len(st.participants) == 0 {
		return
	}
	for _, ps := range st.participants {
		for _, track := range ps.attached {
			track.Detach()
		}
	}
	st.participants = make(map[string]*ParticipantStream)
	for kind, track := range st.published {
		track.Stop()
		if st.session != nil {
			if err := st.session.LocalParticipant().Unpublish(track); err != nil {
				c.logger.Printf("could not unpublish %s track: %s", kind, err)
			}
		}
		delete(st.published, kind)
	}
	if st.session != nil {
		st.session.Disconnect()
		st.session = nil
	}
	st.sessionEvents = nil
	st.state = StateIdle
	c.changed(st)
}

func (c *Controller) changed(st *loopState) {
	st.version++
	if c.onChange == nil {
		return
	}
	c.onChange(Snapshot{
		State:          st.state,
		RoomId:         st.roomId,
		Listening:      st.listening,
		AudioPublished: st.published[TrackAudio] != nil,
		VideoPublished: st.published[TrackVideo] != nil,
		Participants:   Presence(st.participants),
		Version:        st.version,
	})
}

func (c *Controller) alert(err error) {
	c.logger.Printf("media: %s", err)
	if c.onAlert != nil {
		c.onAlert(err)
	}
}
