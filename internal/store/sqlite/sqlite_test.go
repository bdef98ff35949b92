package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/griefhaven/callcore/internal/store"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := NewWithSetup(":memory:", func(db *sql.DB) error {
		_, err := db.Exec(Schema)
		return err
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &store.Session{
		ID:               "healing-abc",
		SessionType:      store.SessionOneOnOne,
		HostID:           "alice",
		ParticipantLimit: 2,
		GriefTypes:       []string{"loss_of_parent", "loss_of_pet"},
	}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}

	got, err := s.GetSession(ctx, "healing-abc")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != store.SessionPending {
		t.Fatalf("new session status = %s, want pending", got.Status)
	}
	if got.HostID != "alice" || got.ParticipantLimit != 2 {
		t.Fatalf("unexpected session: %+v", got)
	}
	if len(got.GriefTypes) != 2 || got.GriefTypes[0] != "loss_of_parent" {
		t.Fatalf("unexpected grief types: %v", got.GriefTypes)
	}
	if got.EndedAt != nil {
		t.Fatalf("new session has ended_at set")
	}

	if err := s.ActivateSession(ctx, "healing-abc"); err != nil {
		t.Fatalf("activate session: %v", err)
	}
	got, err = s.GetSession(ctx, "healing-abc")
	if err != nil {
		t.Fatalf("get session after activate: %v", err)
	}
	if got.Status != store.SessionActive {
		t.Fatalf("session status = %s, want active", got.Status)
	}

	if err := s.EndSession(ctx, "healing-abc"); err != nil {
		t.Fatalf("end session: %v", err)
	}
	got, err = s.GetSession(ctx, "healing-abc")
	if err != nil {
		t.Fatalf("get session after end: %v", err)
	}
	if got.Status != store.SessionEnded {
		t.Fatalf("session status = %s, want ended", got.Status)
	}
	if got.EndedAt == nil {
		t.Fatalf("ended session has no ended_at")
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetSession(context.Background(), "nope")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestActivateSessionIsCompareAndSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &store.Session{ID: "healing-cas", SessionType: store.SessionOneOnOne, HostID: "alice", ParticipantLimit: 2}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}

	// Both participants may race to activate; every call must succeed and
	// the row must land on active exactly once.
	for i := 0; i < 3; i++ {
		if err := s.ActivateSession(ctx, "healing-cas"); err != nil {
			t.Fatalf("activate #%d: %v", i, err)
		}
	}
	got, err := s.GetSession(ctx, "healing-cas")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != store.SessionActive {
		t.Fatalf("session status = %s, want active", got.Status)
	}

	// Activation must not resurrect an ended session.
	if err := s.EndSession(ctx, "healing-cas"); err != nil {
		t.Fatalf("end session: %v", err)
	}
	if err := s.ActivateSession(ctx, "healing-cas"); err != nil {
		t.Fatalf("activate after end: %v", err)
	}
	got, err = s.GetSession(ctx, "healing-cas")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != store.SessionEnded {
		t.Fatalf("session status = %s, want ended after late activate", got.Status)
	}
}

func TestEndSessionIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &store.Session{ID: "healing-end", SessionType: store.SessionOneOnOne, HostID: "alice", ParticipantLimit: 2}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := s.EndSession(ctx, "healing-end"); err != nil {
		t.Fatalf("first end: %v", err)
	}
	first, err := s.GetSession(ctx, "healing-end")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	if err := s.EndSession(ctx, "healing-end"); err != nil {
		t.Fatalf("second end: %v", err)
	}
	second, err := s.GetSession(ctx, "healing-end")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if !first.EndedAt.Equal(*second.EndedAt) {
		t.Fatalf("second end moved ended_at: %v -> %v", first.EndedAt, second.EndedAt)
	}
}

func TestEndSessionClosesOpenRosterRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &store.Session{ID: "healing-crash", SessionType: store.SessionOneOnOne, HostID: "alice", ParticipantLimit: 2}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	for _, u := range []string{"alice", "bob"} {
		if err := s.UpsertParticipant(ctx, "healing-crash", u, 0); err != nil {
			t.Fatalf("upsert %s: %v", u, err)
		}
	}

	// Alice leaves cleanly; Bob's app crashed and never sent a leave.
	if err := s.MarkParticipantLeft(ctx, "healing-crash", "alice"); err != nil {
		t.Fatalf("mark left: %v", err)
	}
	if err := s.EndSession(ctx, "healing-crash"); err != nil {
		t.Fatalf("end session: %v", err)
	}

	n, err := s.CountOpenParticipants(ctx, "healing-crash")
	if err != nil {
		t.Fatalf("count open: %v", err)
	}
	if n != 0 {
		t.Fatalf("open participants after end = %d, want 0", n)
	}

	participants, err := s.ListParticipants(ctx, "healing-crash")
	if err != nil {
		t.Fatalf("list participants: %v", err)
	}
	if len(participants) != 2 {
		t.Fatalf("roster rows = %d, want 2", len(participants))
	}
	for _, p := range participants {
		if p.LeftAt == nil {
			t.Fatalf("participant %s still open after session ended", p.UserID)
		}
	}
}

func TestUpsertParticipantRejoinReopensRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &store.Session{ID: "healing-rejoin", SessionType: store.SessionOneOnOne, HostID: "alice", ParticipantLimit: 2}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}

	if err := s.UpsertParticipant(ctx, "healing-rejoin", "bob", 0); err != nil {
		t.Fatalf("first join: %v", err)
	}
	if err := s.MarkParticipantLeft(ctx, "healing-rejoin", "bob"); err != nil {
		t.Fatalf("leave: %v", err)
	}

	n, err := s.CountOpenParticipants(ctx, "healing-rejoin")
	if err != nil {
		t.Fatalf("count open: %v", err)
	}
	if n != 0 {
		t.Fatalf("open participants after leave = %d, want 0", n)
	}

	if err := s.UpsertParticipant(ctx, "healing-rejoin", "bob", 0); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	n, err = s.CountOpenParticipants(ctx, "healing-rejoin")
	if err != nil {
		t.Fatalf("count open: %v", err)
	}
	if n != 1 {
		t.Fatalf("open participants after rejoin = %d, want 1", n)
	}

	participants, err := s.ListParticipants(ctx, "healing-rejoin")
	if err != nil {
		t.Fatalf("list participants: %v", err)
	}
	if len(participants) != 1 {
		t.Fatalf("roster rows = %d, want 1 (rejoin must not duplicate)", len(participants))
	}
	if participants[0].LeftAt != nil {
		t.Fatalf("rejoined row still closed")
	}
}

func TestUpsertParticipantEnforcesSeatLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &store.Session{ID: "healing-circle", SessionType: store.SessionGroup, HostID: "alice", ParticipantLimit: 2}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}

	if err := s.UpsertParticipant(ctx, "healing-circle", "alice", 2); err != nil {
		t.Fatalf("first join: %v", err)
	}
	if err := s.UpsertParticipant(ctx, "healing-circle", "bob", 2); err != nil {
		t.Fatalf("second join: %v", err)
	}

	// Seats are gone; the insert itself must refuse, not a prior count.
	if err := s.UpsertParticipant(ctx, "healing-circle", "carol", 2); !errors.Is(err, store.ErrSessionFull) {
		t.Fatalf("third join = %v, want ErrSessionFull", err)
	}
	n, err := s.CountOpenParticipants(ctx, "healing-circle")
	if err != nil {
		t.Fatalf("count open: %v", err)
	}
	if n != 2 {
		t.Fatalf("open participants = %d, want 2", n)
	}

	// A rejoin of a seated participant never consumes a second seat.
	if err := s.UpsertParticipant(ctx, "healing-circle", "bob", 2); err != nil {
		t.Fatalf("rejoin with full roster: %v", err)
	}

	// A freed seat admits the next join.
	if err := s.MarkParticipantLeft(ctx, "healing-circle", "alice"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := s.UpsertParticipant(ctx, "healing-circle", "carol", 2); err != nil {
		t.Fatalf("join after seat freed: %v", err)
	}
}

func TestMarkParticipantLeftNoOpWhenClosed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &store.Session{ID: "healing-noop", SessionType: store.SessionOneOnOne, HostID: "alice", ParticipantLimit: 2}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := s.UpsertParticipant(ctx, "healing-noop", "bob", 0); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := s.MarkParticipantLeft(ctx, "healing-noop", "bob"); err != nil {
		t.Fatalf("first leave: %v", err)
	}
	first, err := s.ListParticipants(ctx, "healing-noop")
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	if err := s.MarkParticipantLeft(ctx, "healing-noop", "bob"); err != nil {
		t.Fatalf("second leave: %v", err)
	}
	second, err := s.ListParticipants(ctx, "healing-noop")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !first[0].LeftAt.Equal(*second[0].LeftAt) {
		t.Fatalf("second leave moved left_at: %v -> %v", first[0].LeftAt, second[0].LeftAt)
	}
}
