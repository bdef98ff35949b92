package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrSessionFull rejects a join that would exceed the session's
	// participant limit.
	ErrSessionFull = errors.New("session is full")
)

// SessionType distinguishes one-on-one healing calls from group circles.
type SessionType string

const (
	SessionOneOnOne SessionType = "one_on_one"
	SessionGroup    SessionType = "group"
)

// SessionStatus tracks the shared call session lifecycle.
type SessionStatus string

const (
	SessionPending SessionStatus = "pending"
	SessionActive  SessionStatus = "active"
	SessionEnded   SessionStatus = "ended"
)

// Session is the shared backend row both call participants reconcile against.
// Status is advanced with compare-and-set writes because either party may
// race the other to the same transition.
type Session struct {
	ID               string
	SessionType      SessionType
	Status           SessionStatus
	HostID           string
	ParticipantLimit int
	Title            string
	GriefTypes       []string
	CreatedAt        time.Time
	EndedAt          *time.Time
}

// Participant is one roster row per user per session. A row with a nil
// LeftAt counts as a live room connection.
type Participant struct {
	SessionID string
	UserID    string
	JoinedAt  time.Time
	LeftAt    *time.Time
}

// SessionStore handles session row persistence.
type SessionStore interface {
	// CreateSession inserts a new pending session.
	CreateSession(ctx context.Context, s *Session) error

	// GetSession retrieves a session by id.
	GetSession(ctx context.Context, id string) (*Session, error)

	// ActivateSession advances pending -> active. Idempotent: activating an
	// already-active session is a no-op, not an error.
	ActivateSession(ctx context.Context, id string) error

	// EndSession marks the session ended and stamps EndedAt. Idempotent.
	EndSession(ctx context.Context, id string) error
}

// RosterStore handles participant roster persistence.
type RosterStore interface {
	// UpsertParticipant records a join: inserts the roster row or, on
	// rejoin, refreshes JoinedAt and clears LeftAt. When limit > 0 the
	// insert and the seat check run as one statement, so two joins racing
	// the last seat cannot both win; a join that would exceed the limit
	// returns ErrSessionFull. A rejoin never consumes a second seat.
	UpsertParticipant(ctx context.Context, sessionID, userID string, limit int) error

	// MarkParticipantLeft stamps LeftAt on the roster row. No-op if the
	// row is already closed.
	MarkParticipantLeft(ctx context.Context, sessionID, userID string) error

	// ListParticipants returns all roster rows for a session.
	ListParticipants(ctx context.Context, sessionID string) ([]*Participant, error)

	// CountOpenParticipants returns the number of rows with LeftAt = NULL.
	CountOpenParticipants(ctx context.Context, sessionID string) (int, error)
}

// Store combines all persistence interfaces.
type Store interface {
	SessionStore
	RosterStore

	Close() error
}
