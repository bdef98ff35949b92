package presence

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/griefhaven/callcore/internal/log"
	"github.com/griefhaven/callcore/internal/store"
	"github.com/griefhaven/callcore/internal/store/sqlite"
)

func newTestLedger(t *testing.T, interval time.Duration, onAbandoned func(string)) (*Ledger, store.Store) {
	t.Helper()

	st, err := sqlite.NewWithSetup(":memory:", func(db *sql.DB) error {
		_, err := db.Exec(sqlite.Schema)
		return err
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	l := New(st, interval, onAbandoned, log.Nop())
	t.Cleanup(l.Close)
	return l, st
}

func TestOpenJoinLeaveLifecycle(t *testing.T) {
	l, st := newTestLedger(t, time.Hour, nil)
	ctx := context.Background()

	if err := l.Open(ctx, "healing-1", "alice"); err != nil {
		t.Fatalf("open: %v", err)
	}
	sess, err := st.GetSession(ctx, "healing-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Status != store.SessionPending || sess.ParticipantLimit != 2 {
		t.Fatalf("unexpected session after open: %+v", sess)
	}

	if err := l.MarkJoined(ctx, "healing-1", "alice"); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	if err := l.MarkJoined(ctx, "healing-1", "bob"); err != nil {
		t.Fatalf("bob join: %v", err)
	}
	sess, err = st.GetSession(ctx, "healing-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Status != store.SessionActive {
		t.Fatalf("session status after joins = %s, want active", sess.Status)
	}

	// First leave keeps the session alive for the remaining participant.
	if err := l.MarkLeft(ctx, "healing-1", "alice"); err != nil {
		t.Fatalf("alice leave: %v", err)
	}
	sess, err = st.GetSession(ctx, "healing-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Status == store.SessionEnded {
		t.Fatalf("session ended while bob is still in the room")
	}

	// Last leave ends the session and closes every roster row.
	if err := l.MarkLeft(ctx, "healing-1", "bob"); err != nil {
		t.Fatalf("bob leave: %v", err)
	}
	sess, err = st.GetSession(ctx, "healing-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Status != store.SessionEnded {
		t.Fatalf("session status after last leave = %s, want ended", sess.Status)
	}
	open, err := st.CountOpenParticipants(ctx, "healing-1")
	if err != nil {
		t.Fatalf("count open: %v", err)
	}
	if open != 0 {
		t.Fatalf("open participants after end = %d, want 0", open)
	}
}

func TestGroupSessionEnforcesParticipantLimit(t *testing.T) {
	l, _ := newTestLedger(t, time.Hour, nil)
	ctx := context.Background()

	if err := l.OpenGroup(ctx, "healing-circle", "alice", "evening circle", []string{"loss_of_parent"}, 3); err != nil {
		t.Fatalf("open group: %v", err)
	}

	for _, u := range []string{"alice", "bob", "carol"} {
		if err := l.MarkJoined(ctx, "healing-circle", u); err != nil {
			t.Fatalf("%s join: %v", u, err)
		}
	}
	if err := l.MarkJoined(ctx, "healing-circle", "dave"); !errors.Is(err, ErrSessionFull) {
		t.Fatalf("fourth join = %v, want ErrSessionFull", err)
	}

	// A member rejoining must not count against the limit twice.
	if err := l.MarkJoined(ctx, "healing-circle", "dave"); !errors.Is(err, ErrSessionFull) {
		t.Fatalf("retry join = %v, want ErrSessionFull", err)
	}
	if err := l.MarkLeft(ctx, "healing-circle", "carol"); err != nil {
		t.Fatalf("carol leave: %v", err)
	}
	if err := l.MarkJoined(ctx, "healing-circle", "dave"); err != nil {
		t.Fatalf("join after seat freed: %v", err)
	}
}

func TestLivenessReclaimsAbandonedSession(t *testing.T) {
	abandoned := make(chan string, 1)
	l, st := newTestLedger(t, 20*time.Millisecond, func(sessionID string) {
		select {
		case abandoned <- sessionID:
		default:
		}
	})
	ctx := context.Background()

	if err := l.Open(ctx, "healing-gone", "alice"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := l.MarkJoined(ctx, "healing-gone", "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}

	// Simulate both parties vanishing without a leave: close the roster
	// rows behind the ledger's back. The watcher is still running.
	if err := st.MarkParticipantLeft(ctx, "healing-gone", "alice"); err != nil {
		t.Fatalf("mark left: %v", err)
	}

	select {
	case id := <-abandoned:
		if id != "healing-gone" {
			t.Fatalf("abandoned session id = %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("liveness check never reclaimed the session")
	}

	sess, err := st.GetSession(ctx, "healing-gone")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Status != store.SessionEnded {
		t.Fatalf("session status = %s, want ended after reclaim", sess.Status)
	}
}

func TestLivenessStopsWhenSessionEnds(t *testing.T) {
	abandoned := make(chan string, 1)
	l, _ := newTestLedger(t, 20*time.Millisecond, func(sessionID string) {
		abandoned <- sessionID
	})
	ctx := context.Background()

	if err := l.Open(ctx, "healing-ok", "alice"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := l.MarkJoined(ctx, "healing-ok", "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := l.MarkLeft(ctx, "healing-ok", "alice"); err != nil {
		t.Fatalf("leave: %v", err)
	}

	// A graceful leave already ended the session; the watcher must not fire
	// the abandoned callback afterwards.
	select {
	case id := <-abandoned:
		t.Fatalf("abandoned fired for gracefully ended session %s", id)
	case <-time.After(100 * time.Millisecond):
	}
}
