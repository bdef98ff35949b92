package media

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/griefhaven/callcore/internal/proto"
)

// SessionEventKind discriminates session events.
type SessionEventKind int

const (
	// EventParticipantJoined reports a remote participant entering the room.
	EventParticipantJoined SessionEventKind = iota
	// EventParticipantLeft reports a remote participant leaving the room.
	EventParticipantLeft
	// EventChat carries an in-call chat message. Chat is never persisted.
	EventChat
	// EventDisconnected reports the room connection dropping.
	EventDisconnected
)

// SessionEvent is forwarded to the state machine and UI.
type SessionEvent struct {
	Kind     SessionEventKind
	Identity string
	Chat     *proto.ChatMessage
	Err      error
}

type phase int

const (
	phaseIdle phase = iota
	phaseJoining
	phaseJoined
)

// kindState serializes publish/unpublish/mute per track kind and keeps the
// user's most recent desired mute state, so two rapid toggles settle on the
// last one requested, not request order.
type kindState struct {
	mu      sync.Mutex
	busy    bool
	desired bool // muted
	applied bool
}

const goodbyeTimeout = 2 * time.Second

// SessionManager owns exactly one media-room connection at a time.
type SessionManager struct {
	room   Room
	tokens *TokenClient
	perms  Permissions
	log    *zerolog.Logger

	mu        sync.Mutex
	phase     phase
	joinEpoch uint64
	roomName  string
	identity  string
	mode      CallMode
	published map[TrackKind]bool
	remote    map[string]map[TrackKind]RemoteTrack
	kinds     map[TrackKind]*kindState

	events chan SessionEvent
}

// NewSessionManager wires a manager around the injected room capability,
// token client and permission prompter.
func NewSessionManager(room Room, tokens *TokenClient, perms Permissions, logger *zerolog.Logger) *SessionManager {
	return &SessionManager{
		room:      room,
		tokens:    tokens,
		perms:     perms,
		log:       logger,
		published: make(map[TrackKind]bool),
		remote:    make(map[string]map[TrackKind]RemoteTrack),
		kinds: map[TrackKind]*kindState{
			KindAudio: {},
			KindVideo: {},
		},
		events: make(chan SessionEvent, 16),
	}
}

// Events returns the session event stream.
func (m *SessionManager) Events() <-chan SessionEvent {
	return m.events
}

// Join fetches credentials, connects, runs the permission policy and
// publishes local tracks. A second Join while one is in flight or already
// connected is rejected with ErrAlreadyConnecting.
//
// Video-permission denial is fatal only when video is required by the call
// mode; in audio-only mode the camera is never requested at all.
func (m *SessionManager) Join(ctx context.Context, roomName, identity, displayName string, mode CallMode) error {
	m.mu.Lock()
	if m.phase != phaseIdle {
		m.mu.Unlock()
		return ErrAlreadyConnecting
	}
	m.phase = phaseJoining
	m.joinEpoch++
	epoch := m.joinEpoch
	m.roomName = roomName
	m.identity = identity
	m.mode = mode
	m.releaseLocked()
	m.mu.Unlock()

	creds, err := m.tokens.Fetch(ctx, roomName, identity, displayName)
	if err != nil {
		m.abortJoin(epoch)
		return err
	}
	if !m.stillJoining(epoch) {
		return ErrJoinAborted
	}

	if err := m.room.Connect(ctx, creds.URL, creds.Token, m); err != nil {
		m.abortJoin(epoch)
		return fmt.Errorf("connect room: %w", err)
	}
	// Leave may have run while Connect was in flight; the connection it
	// could not see must not outlive it.
	if !m.stillJoining(epoch) {
		m.disconnectQuietly()
		return ErrJoinAborted
	}

	granted, err := m.perms.Request(ctx, mode.Kinds())
	if err != nil {
		m.disconnectQuietly()
		m.abortJoin(epoch)
		return fmt.Errorf("request permissions: %w", err)
	}

	if !granted[KindAudio] {
		m.disconnectQuietly()
		m.abortJoin(epoch)
		return fmt.Errorf("%w: microphone", ErrPermissionDenied)
	}
	if mode == ModeVideo && !granted[KindVideo] {
		m.disconnectQuietly()
		m.abortJoin(epoch)
		return fmt.Errorf("%w: camera", ErrPermissionDenied)
	}

	for _, kind := range mode.Kinds() {
		if !granted[kind] {
			continue
		}
		if err := m.PublishLocal(ctx, kind); err != nil {
			m.disconnectQuietly()
			m.abortJoin(epoch)
			return fmt.Errorf("publish %s: %w", kind, err)
		}
	}

	m.mu.Lock()
	if m.phase != phaseJoining || m.joinEpoch != epoch {
		m.mu.Unlock()
		m.disconnectQuietly()
		return ErrJoinAborted
	}
	m.phase = phaseJoined
	m.mu.Unlock()

	m.log.Info().Str("room", roomName).Str("mode", string(mode)).Msg("joined media room")
	return nil
}

// stillJoining reports whether this join attempt still owns the manager.
func (m *SessionManager) stillJoining(epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase == phaseJoining && m.joinEpoch == epoch
}

// abortJoin resets to idle, but only while this join attempt still owns
// the manager; a join superseded by Leave must not stomp its successor.
func (m *SessionManager) abortJoin(epoch uint64) {
	m.mu.Lock()
	if m.phase == phaseJoining && m.joinEpoch == epoch {
		m.phase = phaseIdle
		m.releaseLocked()
	}
	m.mu.Unlock()
}

// PublishLocal publishes one local track kind. Publish calls for the same
// kind are serialized; concurrent calls for different kinds are fine.
func (m *SessionManager) PublishLocal(ctx context.Context, kind TrackKind) error {
	ks := m.kinds[kind]
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if err := m.room.Publish(ctx, kind); err != nil {
		return err
	}
	ks.applied = false
	ks.desired = false

	m.mu.Lock()
	m.published[kind] = true
	m.mu.Unlock()
	return nil
}

// UnpublishLocal removes one local track kind.
func (m *SessionManager) UnpublishLocal(ctx context.Context, kind TrackKind) error {
	ks := m.kinds[kind]
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if err := m.room.Unpublish(ctx, kind); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.published, kind)
	m.mu.Unlock()
	return nil
}

// SetMuted records the desired mute state and applies it. While an apply is
// in flight, later calls just update the target; the in-flight worker loops
// until the applied state matches the most recent request.
func (m *SessionManager) SetMuted(ctx context.Context, kind TrackKind, muted bool) error {
	ks := m.kinds[kind]

	ks.mu.Lock()
	ks.desired = muted
	if ks.busy {
		ks.mu.Unlock()
		return nil
	}
	ks.busy = true

	for ks.applied != ks.desired {
		target := ks.desired
		ks.mu.Unlock()

		err := m.room.SetMuted(ctx, kind, target)

		ks.mu.Lock()
		if err != nil {
			ks.busy = false
			ks.mu.Unlock()
			return fmt.Errorf("set %s muted: %w", kind, err)
		}
		ks.applied = target
	}

	ks.busy = false
	ks.mu.Unlock()
	return nil
}

// ToggleMute flips the desired mute state for a kind.
func (m *SessionManager) ToggleMute(ctx context.Context, kind TrackKind) error {
	ks := m.kinds[kind]
	ks.mu.Lock()
	target := !ks.desired
	ks.mu.Unlock()
	return m.SetMuted(ctx, kind, target)
}

// Muted reports the last applied mute state for a kind.
func (m *SessionManager) Muted(kind TrackKind) bool {
	ks := m.kinds[kind]
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.applied
}

// SendChat sends an in-call chat message over the room's data channel.
// Messages are never written to durable storage.
func (m *SessionManager) SendChat(ctx context.Context, content string) error {
	return m.sendData(ctx, proto.ChatMessage{
		Type:      proto.DataTypeChat,
		Content:   content,
		Timestamp: time.Now().Unix(),
	})
}

func (m *SessionManager) sendData(ctx context.Context, msg proto.ChatMessage) error {
	m.mu.Lock()
	joined := m.phase == phaseJoined
	m.mu.Unlock()
	if !joined {
		return fmt.Errorf("not in a room")
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal data message: %w", err)
	}
	if err := m.room.SendData(ctx, payload); err != nil {
		return fmt.Errorf("send data: %w", err)
	}
	return nil
}

// Leave sends a best-effort goodbye, disconnects and releases every local
// and remote handle. Idempotent: safe to call twice, and safe when never
// joined. Must run before a new Join reuses this manager.
func (m *SessionManager) Leave(ctx context.Context) {
	m.mu.Lock()
	wasJoined := m.phase == phaseJoined
	wasActive := m.phase != phaseIdle
	m.phase = phaseIdle
	m.mu.Unlock()

	if !wasActive {
		return
	}

	if wasJoined {
		goodbyeCtx, cancel := context.WithTimeout(ctx, goodbyeTimeout)
		payload, err := json.Marshal(proto.ChatMessage{
			Type:      proto.DataTypeGoodbye,
			Content:   "left the call",
			Timestamp: time.Now().Unix(),
		})
		if err == nil {
			if sendErr := m.room.SendData(goodbyeCtx, payload); sendErr != nil {
				// Best-effort: the call is over either way.
				m.log.Debug().Err(sendErr).Msg("goodbye not delivered")
			}
		}
		cancel()
	}

	m.disconnectQuietly()

	m.mu.Lock()
	m.releaseLocked()
	m.mu.Unlock()

	m.log.Info().Msg("left media room")
}

// Connected reports whether a room connection is fully established.
func (m *SessionManager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase == phaseJoined
}

// RemoteIdentities lists participants with at least one attached track.
func (m *SessionManager) RemoteIdentities() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.remote))
	for id := range m.remote {
		ids = append(ids, id)
	}
	return ids
}

func (m *SessionManager) disconnectQuietly() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.room.Disconnect(ctx); err != nil {
		m.log.Debug().Err(err).Msg("room disconnect")
	}
}

// releaseLocked detaches and forgets every remote handle and clears local
// publish state. Idempotent; called before every connect and after every
// disconnect.
func (m *SessionManager) releaseLocked() {
	for identity, tracks := range m.remote {
		for _, t := range tracks {
			t.Detach()
		}
		delete(m.remote, identity)
	}
	for kind := range m.published {
		delete(m.published, kind)
	}
	for _, ks := range m.kinds {
		ks.mu.Lock()
		ks.desired = false
		ks.applied = false
		ks.busy = false
		ks.mu.Unlock()
	}
}

// ==== RoomHandler: events forwarded from the room ====

func (m *SessionManager) HandleParticipantJoined(identity string) {
	m.emit(SessionEvent{Kind: EventParticipantJoined, Identity: identity})
}

// HandleParticipantLeft releases the participant's rendering handles
// synchronously. A stale handle blocks re-attachment on rejoin, so this is
// a correctness requirement, not cleanup hygiene.
func (m *SessionManager) HandleParticipantLeft(identity string) {
	m.mu.Lock()
	if tracks, ok := m.remote[identity]; ok {
		for _, t := range tracks {
			t.Detach()
		}
		delete(m.remote, identity)
	}
	m.mu.Unlock()

	m.emit(SessionEvent{Kind: EventParticipantLeft, Identity: identity})
}

func (m *SessionManager) HandleTrackSubscribed(t RemoteTrack) {
	m.mu.Lock()
	tracks, ok := m.remote[t.Identity()]
	if !ok {
		tracks = make(map[TrackKind]RemoteTrack)
		m.remote[t.Identity()] = tracks
	}
	if stale, ok := tracks[t.Kind()]; ok {
		stale.Detach()
	}
	tracks[t.Kind()] = t
	m.mu.Unlock()
}

func (m *SessionManager) HandleTrackUnsubscribed(identity string, kind TrackKind) {
	m.mu.Lock()
	if tracks, ok := m.remote[identity]; ok {
		if t, ok := tracks[kind]; ok {
			t.Detach()
			delete(tracks, kind)
		}
		if len(tracks) == 0 {
			delete(m.remote, identity)
		}
	}
	m.mu.Unlock()
}

func (m *SessionManager) HandleData(payload []byte) {
	var msg proto.ChatMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		m.log.Debug().Err(err).Msg("malformed data message")
		return
	}
	switch msg.Type {
	case proto.DataTypeChat, proto.DataTypeGoodbye:
		m.emit(SessionEvent{Kind: EventChat, Chat: &msg})
	default:
		m.log.Debug().Str("type", msg.Type).Msg("ignoring unknown data message")
	}
}

func (m *SessionManager) HandleDisconnected(err error) {
	m.emit(SessionEvent{Kind: EventDisconnected, Err: err})
}

func (m *SessionManager) emit(ev SessionEvent) {
	select {
	case m.events <- ev:
	default:
		m.log.Warn().Int("kind", int(ev.Kind)).Msg("dropping session event for slow consumer")
	}
}
