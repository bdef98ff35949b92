package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/griefhaven/callcore/internal/store"
)

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// New creates a new SQLite store.
// dbPath is the path to the SQLite database file.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// SQLite works best with a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &SQLiteStore{db: db}, nil
}

// NewWithSetup creates a new SQLite store and runs a setup function.
// Useful for tests to apply schema without migrations.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Schema is applied by NewWithSetup callers and the serve command on startup.
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id                TEXT PRIMARY KEY,
	session_type      TEXT NOT NULL DEFAULT 'one_on_one',
	status            TEXT NOT NULL DEFAULT 'pending',
	host_id           TEXT NOT NULL,
	participant_limit INTEGER NOT NULL DEFAULT 2,
	title             TEXT NOT NULL DEFAULT '',
	grief_types       TEXT NOT NULL DEFAULT '',
	created_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	ended_at          DATETIME
);

CREATE TABLE IF NOT EXISTS session_participants (
	session_id TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	joined_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	left_at    DATETIME,
	PRIMARY KEY (session_id, user_id),
	FOREIGN KEY (session_id) REFERENCES sessions(id)
);

CREATE INDEX IF NOT EXISTS idx_participants_open
	ON session_participants(session_id) WHERE left_at IS NULL;
`

// Init applies the schema.
func (s *SQLiteStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ==== SessionStore implementation ====

// CreateSession inserts a new pending session.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *store.Session) error {
	query := `
		INSERT INTO sessions (id, session_type, status, host_id, participant_limit, title, grief_types, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	if sess.Status == "" {
		sess.Status = store.SessionPending
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, query,
		sess.ID,
		string(sess.SessionType),
		string(sess.Status),
		sess.HostID,
		sess.ParticipantLimit,
		sess.Title,
		strings.Join(sess.GriefTypes, ","),
		sess.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*store.Session, error) {
	query := `
		SELECT id, session_type, status, host_id, participant_limit, title, grief_types, created_at, ended_at
		FROM sessions
		WHERE id = ?
	`
	var (
		sess       store.Session
		griefTypes string
		endedAt    sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&sess.ID,
		&sess.SessionType,
		&sess.Status,
		&sess.HostID,
		&sess.ParticipantLimit,
		&sess.Title,
		&griefTypes,
		&sess.CreatedAt,
		&endedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("query session: %w", err)
	}
	if griefTypes != "" {
		sess.GriefTypes = strings.Split(griefTypes, ",")
	}
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}
	return &sess, nil
}

// ActivateSession advances pending -> active with a compare-and-set, so both
// participants can race it safely.
func (s *SQLiteStore) ActivateSession(ctx context.Context, id string) error {
	query := `UPDATE sessions SET status = ? WHERE id = ? AND status = ?`
	if _, err := s.db.ExecContext(ctx, query, string(store.SessionActive), id, string(store.SessionPending)); err != nil {
		return fmt.Errorf("activate session: %w", err)
	}
	return nil
}

// EndSession marks the session ended and closes any roster rows still open,
// so crashed participants who never sent a leave do not linger as live.
// Idempotent: a second call changes nothing.
func (s *SQLiteStore) EndSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin end session: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	query := `UPDATE sessions SET status = ?, ended_at = ? WHERE id = ? AND status != ?`
	if _, err := tx.ExecContext(ctx, query, string(store.SessionEnded), now, id, string(store.SessionEnded)); err != nil {
		return fmt.Errorf("end session: %w", err)
	}

	query = `UPDATE session_participants SET left_at = ? WHERE session_id = ? AND left_at IS NULL`
	if _, err := tx.ExecContext(ctx, query, now, id); err != nil {
		return fmt.Errorf("close roster rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit end session: %w", err)
	}
	return nil
}

// ==== RosterStore implementation ====

// UpsertParticipant records a join, reopening the row on rejoin. With a
// positive limit the seat check is part of the statement itself: the
// rows-affected count decides between a taken seat and ErrSessionFull,
// so concurrent joins cannot both squeeze into the last seat. The user's
// own open row is excluded from the count so a rejoin always succeeds.
func (s *SQLiteStore) UpsertParticipant(ctx context.Context, sessionID, userID string, limit int) error {
	if limit <= 0 {
		query := `
			INSERT INTO session_participants (session_id, user_id, joined_at, left_at)
			VALUES (?, ?, ?, NULL)
			ON CONFLICT(session_id, user_id)
			DO UPDATE SET joined_at = excluded.joined_at, left_at = NULL
		`
		if _, err := s.db.ExecContext(ctx, query, sessionID, userID, time.Now().UTC()); err != nil {
			return fmt.Errorf("upsert participant: %w", err)
		}
		return nil
	}

	query := `
		INSERT INTO session_participants (session_id, user_id, joined_at, left_at)
		SELECT ?, ?, ?, NULL
		WHERE (
			SELECT COUNT(*) FROM session_participants
			WHERE session_id = ? AND left_at IS NULL AND user_id != ?
		) < ?
		ON CONFLICT(session_id, user_id)
		DO UPDATE SET joined_at = excluded.joined_at, left_at = NULL
	`
	res, err := s.db.ExecContext(ctx, query, sessionID, userID, time.Now().UTC(), sessionID, userID, limit)
	if err != nil {
		return fmt.Errorf("upsert participant: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("upsert participant rows: %w", err)
	}
	if affected == 0 {
		return store.ErrSessionFull
	}
	return nil
}

// MarkParticipantLeft stamps left_at on an open roster row.
func (s *SQLiteStore) MarkParticipantLeft(ctx context.Context, sessionID, userID string) error {
	query := `
		UPDATE session_participants SET left_at = ?
		WHERE session_id = ? AND user_id = ? AND left_at IS NULL
	`
	if _, err := s.db.ExecContext(ctx, query, time.Now().UTC(), sessionID, userID); err != nil {
		return fmt.Errorf("mark participant left: %w", err)
	}
	return nil
}

// ListParticipants returns all roster rows for a session.
func (s *SQLiteStore) ListParticipants(ctx context.Context, sessionID string) ([]*store.Participant, error) {
	query := `
		SELECT session_id, user_id, joined_at, left_at
		FROM session_participants
		WHERE session_id = ?
		ORDER BY joined_at
	`
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()

	var participants []*store.Participant
	for rows.Next() {
		var (
			p      store.Participant
			leftAt sql.NullTime
		)
		if err := rows.Scan(&p.SessionID, &p.UserID, &p.JoinedAt, &leftAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		if leftAt.Valid {
			p.LeftAt = &leftAt.Time
		}
		participants = append(participants, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return participants, nil
}

// CountOpenParticipants returns how many roster rows have no left_at.
func (s *SQLiteStore) CountOpenParticipants(ctx context.Context, sessionID string) (int, error) {
	query := `SELECT COUNT(*) FROM session_participants WHERE session_id = ? AND left_at IS NULL`
	var n int
	if err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count open participants: %w", err)
	}
	return n, nil
}

var _ store.Store = (*SQLiteStore)(nil)
