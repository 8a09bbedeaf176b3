package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loqalabs/hotline/internal/config"
	"github.com/loqalabs/hotline/internal/protocol"
)

// Session is a recorded transcription session.
type Session struct {
	ID        string
	Profile   string
	Provider  string
	Model     string
	Outcome   string
	StartedAt time.Time
	EndedAt   time.Time
}

// Event represents a recorded timeline entry.
type Event struct {
	ID        int64
	SessionID string
	Sequence  int
	Kind      string
	Text      string
	ErrorKind string
	Payload   []byte
	CreatedAt time.Time
}

// Store wraps a SQLite-backed session timeline.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.RetentionMode == "session" {
		// History only spans one daemon run.
		if err := s.truncate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    profile TEXT,
    provider TEXT,
    model TEXT,
    outcome TEXT,
    started_at INTEGER NOT NULL,
    ended_at INTEGER
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    sequence INTEGER NOT NULL,
    kind TEXT NOT NULL,
    text TEXT,
    error_kind TEXT,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_sequence ON events(session_id, sequence);
CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) truncate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM events; DELETE FROM sessions;`); err != nil {
		return fmt.Errorf("truncate event store: %w", err)
	}
	return nil
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s == nil || s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// BeginSession records a session entering Starting.
func (s *Store) BeginSession(ctx context.Context, sess Session) error {
	if s.disabled() {
		return nil
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, profile, provider, model, started_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET profile=excluded.profile, provider=excluded.provider, model=excluded.model`,
		sess.ID, sess.Profile, sess.Provider, sess.Model, sess.StartedAt.UnixMilli())
	return err
}

// EndSession stamps the session's outcome once it returned to Idle.
func (s *Store) EndSession(ctx context.Context, sessionID, outcome string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET outcome = ?, ended_at = ? WHERE session_id = ?`,
		outcome, s.clock().UnixMilli(), sessionID)
	return err
}

// AppendEvent writes a transcription event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt protocol.Event) error {
	if s.disabled() {
		return nil
	}
	created := evt.Timestamp
	if created.IsZero() {
		created = s.clock()
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, sequence, kind, text, error_kind, payload, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		evt.SessionID, evt.Sequence, string(evt.Kind), evt.Text, string(evt.ErrorKind), payload, created.UnixMilli())
	return err
}

// ListSessionEvents retrieves up to limit events for a session in delivery order.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, sequence, kind, text, error_kind, payload, created_at
		 FROM events WHERE session_id = ? ORDER BY sequence ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var text, errorKind sql.NullString
		var created int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Sequence, &e.Kind, &text, &errorKind, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.Text = text.String
		e.ErrorKind = errorKind.String
		e.CreatedAt = time.UnixMilli(created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListSessions returns the most recent sessions first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, profile, provider, model, outcome, started_at, ended_at
		 FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var profile, provider, model, outcome sql.NullString
		var started int64
		var ended sql.NullInt64
		if err := rows.Scan(&sess.ID, &profile, &provider, &model, &outcome, &started, &ended); err != nil {
			return nil, err
		}
		sess.Profile = profile.String
		sess.Provider = provider.String
		sess.Model = model.String
		sess.Outcome = outcome.String
		sess.StartedAt = time.UnixMilli(started).UTC()
		if ended.Valid {
			sess.EndedAt = time.UnixMilli(ended.Int64).UTC()
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Transcript joins the completed utterances of a session.
func (s *Store) Transcript(ctx context.Context, sessionID string) (string, error) {
	events, err := s.ListSessionEvents(ctx, sessionID, 10000)
	if err != nil {
		return "", err
	}
	var parts []string
	for _, e := range events {
		if e.Kind == string(protocol.EventCompleted) && e.Text != "" {
			parts = append(parts, e.Text)
		}
	}
	return strings.Join(parts, " "), nil
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixMilli()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure supplies a no-op store when persistence disabled.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
