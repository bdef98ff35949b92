// Package call holds the call lifecycle state machine. All transitions are
// serialized through one event loop, so no two transitions ever execute
// concurrently and no locks guard the state itself.
package call

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/griefhaven/callcore/internal/media"
	"github.com/griefhaven/callcore/internal/signal"
)

// MediaSession is the slice of the session manager the machine drives.
type MediaSession interface {
	Join(ctx context.Context, roomName, identity, displayName string, mode media.CallMode) error
	Leave(ctx context.Context)
	ToggleMute(ctx context.Context, kind media.TrackKind) error
	Events() <-chan media.SessionEvent
}

// InviteNotifier pushes a call invite to the callee via the dispatcher.
// delivered=false means the recipient had no signaling connection, which is
// a valid outcome of placing a call, not a failure.
type InviteNotifier interface {
	PushInvite(ctx context.Context, toUserID, fromUserID, fromUserName, roomName string, mode media.CallMode, conversationID string) (delivered bool, err error)
}

// Presence is the slice of the presence ledger the machine drives.
type Presence interface {
	Open(ctx context.Context, sessionID, hostID string) error
	MarkJoined(ctx context.Context, sessionID, userID string) error
	MarkLeft(ctx context.Context, sessionID, userID string) error
}

// Signaler sends the advisory decline notice.
type Signaler interface {
	Decline(ctx context.Context, roomName, callerID string)
}

const roomPrefix = "healing-"

type msgKind int

const (
	cmdStartCall msgKind = iota
	cmdAccept
	cmdDecline
	cmdHangUp
	cmdToggleMute
	cmdAckEnded
	evInvite
	evPeerDeclined
	evSelfJoined
	evJoinFailed
	evInviteNotDelivered
	evRemoteJoined
	evRemoteLeft
	evRoomLost
	evDeclineTimeout
)

type message struct {
	kind      msgKind
	room      string
	target    string
	name      string
	mode      media.CallMode
	invite    *signal.Invite
	trackKind media.TrackKind
	err       error
	epoch     int
}

type activeCall struct {
	roomName       string
	peerID         string
	peerName       string
	mode           media.CallMode
	outgoing       bool
	conversationID string
	selfJoined     bool
	remotes        map[string]struct{}
}

// Machine is the per-user call state machine.
type Machine struct {
	identity     string
	displayName  string
	declineAfter time.Duration

	session  MediaSession
	notifier InviteNotifier
	presence Presence
	signaler Signaler
	log      *zerolog.Logger

	msgs   chan message
	events chan StateChange

	// Loop-owned; never touched outside Run.
	state        State
	current      *activeCall
	declineTimer *time.Timer
	declineEpoch int
	runCtx       context.Context
}

// New builds a machine for one authenticated user.
func New(identity, displayName string, declineAfter time.Duration, session MediaSession, notifier InviteNotifier, presence Presence, signaler Signaler, logger *zerolog.Logger) *Machine {
	if declineAfter <= 0 {
		declineAfter = 30 * time.Second
	}
	return &Machine{
		identity:     identity,
		displayName:  displayName,
		declineAfter: declineAfter,
		session:      session,
		notifier:     notifier,
		presence:     presence,
		signaler:     signaler,
		log:          logger,
		msgs:         make(chan message, 32),
		events:       make(chan StateChange, 32),
		state:        StateIdle,
	}
}

// Events returns the UI-facing transition stream.
func (m *Machine) Events() <-chan StateChange {
	return m.events
}

// ==== commands (safe from any goroutine; they only post messages) ====

// StartCall places an outgoing call.
func (m *Machine) StartCall(targetID, targetName string, mode media.CallMode) {
	m.post(message{kind: cmdStartCall, target: targetID, name: targetName, mode: mode})
}

// Accept answers the pending incoming call.
func (m *Machine) Accept() { m.post(message{kind: cmdAccept}) }

// Decline refuses the pending incoming call.
func (m *Machine) Decline() { m.post(message{kind: cmdDecline}) }

// HangUp ends the current call, whatever phase it is in.
func (m *Machine) HangUp() { m.post(message{kind: cmdHangUp}) }

// ToggleMute flips the mute state of a local track kind.
func (m *Machine) ToggleMute(kind media.TrackKind) {
	m.post(message{kind: cmdToggleMute, trackKind: kind})
}

// AckEnded acknowledges a finished call, returning the machine to idle.
func (m *Machine) AckEnded() { m.post(message{kind: cmdAckEnded}) }

// InviteReceived feeds an invite from the signaling channel.
func (m *Machine) InviteReceived(inv signal.Invite) {
	m.post(message{kind: evInvite, invite: &inv})
}

// PeerDeclined feeds a relayed decline from the signaling channel.
func (m *Machine) PeerDeclined(roomName, by string) {
	m.post(message{kind: evPeerDeclined, room: roomName, target: by})
}

// PumpSignal forwards signaling channel events into the machine until the
// channel closes or ctx is cancelled.
func (m *Machine) PumpSignal(ctx context.Context, events <-chan signal.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case signal.EventInvite:
				m.InviteReceived(*ev.Invite)
			case signal.EventDeclined:
				m.PeerDeclined(ev.RoomName, ev.DeclinedBy)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (m *Machine) post(msg message) {
	select {
	case m.msgs <- msg:
	default:
		m.log.Warn().Int("kind", int(msg.kind)).Msg("dropping call message, queue full")
	}
}

// Run processes messages until ctx is cancelled. Exactly one Run loop may
// exist per machine.
func (m *Machine) Run(ctx context.Context) {
	m.runCtx = ctx
	sessionEvents := m.session.Events()

	for {
		select {
		case msg := <-m.msgs:
			m.handle(msg)
		case ev, ok := <-sessionEvents:
			if !ok {
				sessionEvents = nil
				continue
			}
			m.handleSession(ev)
		case <-ctx.Done():
			m.cancelDeclineTimer()
			if m.state.inCall() || m.state == StateEnded {
				m.teardown()
			}
			return
		}
	}
}

func (m *Machine) handleSession(ev media.SessionEvent) {
	room := ""
	if m.current != nil {
		room = m.current.roomName
	}
	switch ev.Kind {
	case media.EventParticipantJoined:
		m.handle(message{kind: evRemoteJoined, room: room, target: ev.Identity})
	case media.EventParticipantLeft:
		m.handle(message{kind: evRemoteLeft, room: room, target: ev.Identity})
	case media.EventDisconnected:
		m.handle(message{kind: evRoomLost, room: room, err: ev.Err})
	case media.EventChat:
		// Chat renders in the call UI; it does not touch call state.
	}
}

func (m *Machine) handle(msg message) {
	switch msg.kind {
	case cmdStartCall:
		m.handleStartCall(msg)
	case cmdAccept:
		m.handleAccept()
	case cmdDecline:
		m.handleDecline()
	case cmdHangUp:
		m.handleHangUp()
	case cmdToggleMute:
		m.handleToggleMute(msg.trackKind)
	case cmdAckEnded:
		if m.state == StateEnded {
			m.current = nil
			m.transition(StateIdle, "", "")
		}
	case evInvite:
		m.handleInvite(msg)
	case evPeerDeclined:
		if m.stale(msg.room) {
			return
		}
		if m.state == StateCalling || m.state == StateConnecting || m.state == StateConnected {
			m.endCall(msg.target+" declined the call", "")
		}
	case evSelfJoined:
		if m.stale(msg.room) {
			return
		}
		m.current.selfJoined = true
		if m.state == StateConnecting {
			m.transition(StateConnected, "", "")
		}
	case evJoinFailed:
		if m.stale(msg.room) {
			return
		}
		if m.state == StateCalling || m.state == StateConnecting {
			m.endCall("", msg.err.Error())
		}
	case evInviteNotDelivered:
		if m.stale(msg.room) {
			return
		}
		// Not an error: the callee's channel was down and the invite is
		// gone. The caller stays in calling until they hang up.
		m.log.Info().Str("room", msg.room).Msg("invite not delivered, recipient not connected")
		m.emit(m.state, "recipient not connected", "")
	case evRemoteJoined:
		if m.stale(msg.room) {
			return
		}
		m.current.remotes[msg.target] = struct{}{}
		if m.state == StateCalling {
			m.transition(StateConnected, "", "")
		}
	case evRemoteLeft:
		if m.stale(msg.room) {
			return
		}
		delete(m.current.remotes, msg.target)
		if m.state == StateConnected && len(m.current.remotes) == 0 {
			m.endCall(msg.target+" left the call", "")
		}
	case evRoomLost:
		if m.stale(msg.room) {
			return
		}
		if m.state.inCall() {
			errMsg := "connection lost"
			if msg.err != nil {
				errMsg = msg.err.Error()
			}
			m.endCall("", errMsg)
		}
	case evDeclineTimeout:
		// A dangling timer firing after the call moved on must be a no-op.
		if msg.epoch != m.declineEpoch || m.state != StateRinging {
			return
		}
		m.log.Info().Str("room", m.current.roomName).Msg("invite timed out, auto-declining")
		m.declineCurrent()
	}
}

func (m *Machine) handleStartCall(msg message) {
	if m.state != StateIdle {
		// Re-entrancy guard: ignored, not surfaced.
		m.log.Debug().Str("state", m.state.String()).Msg("rejecting startCall while busy")
		return
	}

	roomName := roomPrefix + uuid.NewString()
	m.current = &activeCall{
		roomName:       roomName,
		peerID:         msg.target,
		peerName:       msg.name,
		mode:           msg.mode,
		outgoing:       true,
		conversationID: uuid.NewString(),
		remotes:        make(map[string]struct{}),
	}
	m.transition(StateCalling, "", "")

	go m.beginOutgoing(*m.current)
}

func (m *Machine) beginOutgoing(call activeCall) {
	ctx := m.runCtx

	if err := m.presence.Open(ctx, call.roomName, m.identity); err != nil {
		m.post(message{kind: evJoinFailed, room: call.roomName, err: err})
		return
	}

	if err := m.session.Join(ctx, call.roomName, m.identity, m.displayName, call.mode); err != nil {
		m.post(message{kind: evJoinFailed, room: call.roomName, err: err})
		return
	}

	if err := m.presence.MarkJoined(ctx, call.roomName, m.identity); err != nil {
		// Advisory write; the room join already succeeded.
		m.log.Warn().Err(err).Str("room", call.roomName).Msg("mark joined failed")
	}

	delivered, err := m.notifier.PushInvite(ctx, call.peerID, m.identity, m.displayName, call.roomName, call.mode, call.conversationID)
	if err != nil {
		m.post(message{kind: evJoinFailed, room: call.roomName, err: err})
		return
	}
	if !delivered {
		m.post(message{kind: evInviteNotDelivered, room: call.roomName})
	}

	m.post(message{kind: evSelfJoined, room: call.roomName})
}

func (m *Machine) handleInvite(msg message) {
	if m.state != StateIdle {
		m.log.Debug().Str("state", m.state.String()).Str("from", msg.invite.CallerID).Msg("rejecting invite while busy")
		return
	}

	inv := msg.invite
	mode := media.ModeAudio
	if inv.CallType == string(media.ModeVideo) {
		mode = media.ModeVideo
	}
	m.current = &activeCall{
		roomName:       inv.RoomName,
		peerID:         inv.CallerID,
		peerName:       inv.CallerName,
		mode:           mode,
		conversationID: inv.ConversationID,
		remotes:        make(map[string]struct{}),
	}
	m.transition(StateRinging, inv.CallerName+" is calling", "")

	m.declineEpoch++
	epoch := m.declineEpoch
	m.declineTimer = time.AfterFunc(m.declineAfter, func() {
		m.post(message{kind: evDeclineTimeout, epoch: epoch})
	})
}

func (m *Machine) handleAccept() {
	if m.state != StateRinging {
		return
	}
	m.cancelDeclineTimer()
	m.transition(StateConnecting, "", "")

	go m.beginAccept(*m.current)
}

func (m *Machine) beginAccept(call activeCall) {
	ctx := m.runCtx

	if err := m.session.Join(ctx, call.roomName, m.identity, m.displayName, call.mode); err != nil {
		m.post(message{kind: evJoinFailed, room: call.roomName, err: err})
		return
	}

	if err := m.presence.MarkJoined(ctx, call.roomName, m.identity); err != nil {
		m.log.Warn().Err(err).Str("room", call.roomName).Msg("mark joined failed")
	}

	m.post(message{kind: evSelfJoined, room: call.roomName})
}

func (m *Machine) handleDecline() {
	if m.state != StateRinging {
		return
	}
	m.declineCurrent()
}

// declineCurrent fires the decline side effect exactly once and returns to
// idle. No media connection is ever opened for a declined call.
func (m *Machine) declineCurrent() {
	m.cancelDeclineTimer()
	call := m.current
	m.current = nil
	go m.signaler.Decline(m.runCtx, call.roomName, call.peerID)
	m.transition(StateIdle, "", "")
}

func (m *Machine) handleHangUp() {
	switch m.state {
	case StateRinging:
		m.cancelDeclineTimer()
		call := m.current
		go m.signaler.Decline(m.runCtx, call.roomName, call.peerID)
		m.transition(StateEnded, "", "")
	case StateCalling, StateConnecting, StateConnected:
		m.endCall("", "")
	}
}

func (m *Machine) handleToggleMute(kind media.TrackKind) {
	if m.state != StateConnected && m.state != StateConnecting && m.state != StateCalling {
		return
	}
	go func() {
		if err := m.session.ToggleMute(m.runCtx, kind); err != nil {
			m.log.Warn().Err(err).Str("kind", string(kind)).Msg("toggle mute failed")
		}
	}()
}

// endCall transitions to ended and kicks off teardown without blocking the
// transition on its outcome: UI responsiveness takes precedence over
// backend-write confirmation.
func (m *Machine) endCall(info, errMsg string) {
	m.cancelDeclineTimer()
	m.transition(StateEnded, info, errMsg)
	m.teardown()
}

func (m *Machine) teardown() {
	call := m.current
	if call == nil {
		return
	}
	identity := m.identity
	go func() {
		// Teardown failures are logged, not retried: the call is over.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		m.session.Leave(ctx)
		if err := m.presence.MarkLeft(ctx, call.roomName, identity); err != nil {
			m.log.Warn().Err(err).Str("room", call.roomName).Msg("mark left failed")
		}
	}()
}

func (m *Machine) cancelDeclineTimer() {
	m.declineEpoch++
	if m.declineTimer != nil {
		m.declineTimer.Stop()
		m.declineTimer = nil
	}
}

func (m *Machine) stale(room string) bool {
	return m.current == nil || (room != "" && m.current.roomName != room)
}

func (m *Machine) transition(next State, info, errMsg string) {
	prev := m.state
	m.state = next
	m.log.Debug().Str("from", prev.String()).Str("to", next.String()).Msg("call transition")
	m.emit(next, info, errMsg)
}

func (m *Machine) emit(state State, info, errMsg string) {
	select {
	case m.events <- StateChange{State: state, Info: info, Err: errMsg}:
	default:
		m.log.Warn().Str("state", state.String()).Msg("dropping state change for slow consumer")
	}
}
