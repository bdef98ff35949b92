package call

// State is the authoritative answer to "what is happening with a call right
// now" for the current user. It is owned exclusively by the Machine and
// mutated only by its transition loop; UI and media callbacks raise events
// instead of touching it.
type State int

const (
	// StateIdle means no call activity.
	StateIdle State = iota
	// StateCalling means an outgoing call is ringing on the other side.
	StateCalling
	// StateRinging means an incoming invite awaits a local decision.
	StateRinging
	// StateConnecting means an accepted call is joining the media room.
	StateConnecting
	// StateConnected means both sides share a media room.
	StateConnected
	// StateEnded means the call is over and awaits UI acknowledgement.
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCalling:
		return "calling"
	case StateRinging:
		return "ringing"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// inCall reports whether a fresh startCall or invite must be rejected.
func (s State) inCall() bool {
	return s != StateIdle && s != StateEnded
}

// StateChange is emitted to the UI on every transition. Err carries a
// displayable setup failure; Info carries non-error notices such as
// "recipient not connected" or a partner's decline.
type StateChange struct {
	State State
	Info  string
	Err   string
}
