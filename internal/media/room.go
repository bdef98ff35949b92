// Package media owns the lifecycle of one media-room connection and its
// local and remote tracks. The room itself is an external capability; its
// SFU and codec mechanics live behind the Room interface.
package media

import (
	"context"
	"errors"
)

// TrackKind identifies a local or remote media kind.
type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
)

// CallMode is the call's media mode, mirrored from the invite.
type CallMode string

const (
	ModeAudio CallMode = "audio"
	ModeVideo CallMode = "video"
)

// Kinds returns the track kinds a mode requires. Audio is always required;
// video only in video mode, so audio-only calls never request the camera.
func (m CallMode) Kinds() []TrackKind {
	if m == ModeVideo {
		return []TrackKind{KindAudio, KindVideo}
	}
	return []TrackKind{KindAudio}
}

var (
	// ErrAlreadyConnecting rejects a second Join while one is in flight or
	// connected. Silently ignored by callers; it is a guard, not a failure.
	ErrAlreadyConnecting = errors.New("join already in progress")

	// ErrPermissionDenied means a device permission required by the current
	// call mode was refused.
	ErrPermissionDenied = errors.New("media permission denied")

	// ErrToken means the token endpoint was unreachable or rejected the
	// request. Fatal to the join attempt; retry is a manual user action.
	ErrToken = errors.New("media token request failed")

	// ErrJoinAborted means Leave arrived while the join was still in
	// flight; any connection the join opened has been torn down again.
	ErrJoinAborted = errors.New("join aborted by leave")
)

// RemoteTrack is a rendering handle for a remote participant's track. The
// room library keys resources by identity, so a handle left attached blocks
// re-attachment on rejoin: Detach must be called exactly when the track or
// its participant goes away.
type RemoteTrack interface {
	Identity() string
	Kind() TrackKind
	Detach()
}

// RoomHandler receives room events. The session manager implements it and
// forwards events verbatim to the state machine and UI.
type RoomHandler interface {
	HandleParticipantJoined(identity string)
	HandleParticipantLeft(identity string)
	HandleTrackSubscribed(t RemoteTrack)
	HandleTrackUnsubscribed(identity string, kind TrackKind)
	HandleData(payload []byte)
	HandleDisconnected(err error)
}

// Room is the managed media-room capability: connect, publish, subscribe,
// data messaging. Implementations wrap the actual conferencing client.
type Room interface {
	Connect(ctx context.Context, url, token string, h RoomHandler) error
	Publish(ctx context.Context, kind TrackKind) error
	Unpublish(ctx context.Context, kind TrackKind) error
	SetMuted(ctx context.Context, kind TrackKind, muted bool) error
	SendData(ctx context.Context, payload []byte) error
	Disconnect(ctx context.Context) error
}

// Permissions prompts the user for device access. Prompts are user-paced:
// Request may block for many seconds and must be given a real context.
type Permissions interface {
	Request(ctx context.Context, kinds []TrackKind) (map[TrackKind]bool, error)
}
