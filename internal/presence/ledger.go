// Package presence reconciles media-room membership with the shared session
// record. The record is mutated by both participants concurrently, so every
// write is an idempotent upsert or compare-and-set, never read-modify-write.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/griefhaven/callcore/internal/store"
)

// ErrSessionFull rejects a join that would exceed the participant limit.
// The check lives in the store, inside the insert itself.
var ErrSessionFull = store.ErrSessionFull

// Ledger tracks which sessions the local user participates in and runs the
// periodic liveness check that reclaims sessions abandoned by ungraceful
// disconnects (both tabs crashed), where no explicit leave ever arrives.
type Ledger struct {
	store    store.Store
	interval time.Duration
	log      *zerolog.Logger

	// onAbandoned forces the local call machine through hang-up when the
	// liveness check finds the roster empty.
	onAbandoned func(sessionID string)

	mu       sync.Mutex
	watchers map[string]context.CancelFunc
	closed   bool
}

// New builds a ledger. interval controls the liveness check period.
func New(st store.Store, interval time.Duration, onAbandoned func(sessionID string), logger *zerolog.Logger) *Ledger {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Ledger{
		store:       st,
		interval:    interval,
		log:         logger,
		onAbandoned: onAbandoned,
		watchers:    make(map[string]context.CancelFunc),
	}
}

// Open creates the pending session record for a one-on-one healing call.
// Called when the first party requests the call, before any room join.
func (l *Ledger) Open(ctx context.Context, sessionID, hostID string) error {
	sess := &store.Session{
		ID:               sessionID,
		SessionType:      store.SessionOneOnOne,
		Status:           store.SessionPending,
		HostID:           hostID,
		ParticipantLimit: 2,
	}
	if err := l.store.CreateSession(ctx, sess); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// OpenGroup creates a pending group session.
func (l *Ledger) OpenGroup(ctx context.Context, sessionID, hostID, title string, griefTypes []string, limit int) error {
	sess := &store.Session{
		ID:               sessionID,
		SessionType:      store.SessionGroup,
		Status:           store.SessionPending,
		HostID:           hostID,
		ParticipantLimit: limit,
		Title:            title,
		GriefTypes:       griefTypes,
	}
	if err := l.store.CreateSession(ctx, sess); err != nil {
		return fmt.Errorf("create group session: %w", err)
	}
	return nil
}

// MarkJoined records a successful room join: upserts the roster row and
// advances the session pending -> active. The activation is a CAS, safe to
// race between both participants; either party may win.
func (l *Ledger) MarkJoined(ctx context.Context, sessionID, userID string) error {
	sess, err := l.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}

	// The seat limit is enforced by the insert itself; a count-then-write
	// here would let two joins race the last seat.
	limit := 0
	if sess.SessionType == store.SessionGroup {
		limit = sess.ParticipantLimit
	}
	if err := l.store.UpsertParticipant(ctx, sessionID, userID, limit); err != nil {
		if errors.Is(err, store.ErrSessionFull) {
			return ErrSessionFull
		}
		return fmt.Errorf("upsert participant: %w", err)
	}
	if err := l.store.ActivateSession(ctx, sessionID); err != nil {
		return fmt.Errorf("activate session: %w", err)
	}

	l.watch(sessionID)
	return nil
}

// MarkLeft stamps the roster row and, when this was the last or only open
// participant, ends the session immediately instead of waiting for the next
// liveness tick.
func (l *Ledger) MarkLeft(ctx context.Context, sessionID, userID string) error {
	l.unwatch(sessionID)

	if err := l.store.MarkParticipantLeft(ctx, sessionID, userID); err != nil {
		return fmt.Errorf("mark left: %w", err)
	}

	open, err := l.store.CountOpenParticipants(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("count participants: %w", err)
	}
	if open <= 1 {
		if err := l.store.EndSession(ctx, sessionID); err != nil {
			return fmt.Errorf("end session: %w", err)
		}
	}
	return nil
}

// Roster returns the participant rows for UI display.
func (l *Ledger) Roster(ctx context.Context, sessionID string) ([]*store.Participant, error) {
	return l.store.ListParticipants(ctx, sessionID)
}

// Close cancels every liveness watcher. Ticks after Close are no-ops.
func (l *Ledger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for id, cancel := range l.watchers {
		cancel()
		delete(l.watchers, id)
	}
}

// watch starts the periodic liveness check for a session the local user is
// in. Idempotent per session.
func (l *Ledger) watch(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if _, ok := l.watchers[sessionID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.watchers[sessionID] = cancel
	go l.livenessLoop(ctx, sessionID)
}

func (l *Ledger) unwatch(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cancel, ok := l.watchers[sessionID]; ok {
		cancel()
		delete(l.watchers, sessionID)
	}
}

// livenessLoop re-reads the roster every tick. An empty roster means every
// participant is gone, gracefully or not: the session is marked ended and
// the local machine is forced through hang-up.
func (l *Ledger) livenessLoop(ctx context.Context, sessionID string) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			done, err := l.livenessCheck(ctx, sessionID)
			if err != nil {
				l.log.Warn().Err(err).Str("session_id", sessionID).Msg("liveness check failed")
				continue
			}
			if done {
				l.unwatch(sessionID)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (l *Ledger) livenessCheck(ctx context.Context, sessionID string) (done bool, err error) {
	sess, err := l.store.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if sess.Status == store.SessionEnded {
		return true, nil
	}

	open, err := l.store.CountOpenParticipants(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if open > 0 {
		return false, nil
	}

	l.log.Info().Str("session_id", sessionID).Msg("roster empty, reclaiming abandoned session")
	if err := l.store.EndSession(ctx, sessionID); err != nil {
		return false, err
	}
	if l.onAbandoned != nil {
		l.onAbandoned(sessionID)
	}
	return true, nil
}
