// Package store persists chat sessions and their append-only message logs in
// SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"isotope/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT    NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	seq        INTEGER NOT NULL,
	role       TEXT    NOT NULL,
	content    TEXT    NOT NULL,
	PRIMARY KEY (session_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at DESC, id DESC);
`

// Config configures Open.
type Config struct {
	Path         string
	MaxOpenConns int
	Logger       zerolog.Logger
	// Now overrides the clock used for created_at.
	Now func() time.Time
}

// Store is safe for concurrent use. Writers are serialized in process so
// appends never race on seq allocation.
type Store struct {
	wmu sync.Mutex
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time
}

// Open creates or opens the database at cfg.Path and applies the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, &PersistenceError{Op: "open", Err: errors.New("empty database path")}
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, &PersistenceError{Op: "open", Err: err}
	}
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(1)")
	db, err := sql.Open("sqlite", "file:"+cfg.Path+"?"+q.Encode())
	if err != nil {
		return nil, &PersistenceError{Op: "open", Err: err}
	}
	conns := cfg.MaxOpenConns
	if conns <= 0 {
		conns = 4
	}
	db.SetMaxOpenConns(conns)
	db.SetMaxIdleConns(conns)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, &PersistenceError{Op: "migrate", Err: err}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	cfg.Logger.Debug().Str("path", cfg.Path).Int("max_open_conns", conns).Msg("session store opened")
	return &Store{db: db, log: cfg.Logger, now: now}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Create inserts an empty session and returns its id.
func (s *Store) Create(ctx context.Context, name string) (int64, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	res, err := s.db.ExecContext(ctx, `INSERT INTO sessions (name, created_at) VALUES (?, ?)`, name, s.now().UTC().UnixNano())
	if err != nil {
		return 0, &PersistenceError{Op: "create", Err: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, &PersistenceError{Op: "create", Err: err}
	}
	s.log.Debug().Int64("session", id).Str("name", name).Msg("session created")
	return id, nil
}

// Append adds m at the end of the session log. The write is atomic; on error
// the log is unchanged.
func (s *Store) Append(ctx context.Context, id int64, m types.Message) (err error) {
	if !m.Role.Valid() {
		return &PersistenceError{Op: "append", SessionID: id, Err: fmt.Errorf("invalid role %q", m.Role)}
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &PersistenceError{Op: "append", SessionID: id, Err: err}
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	var exists int
	if err = tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions WHERE id = ?`, id).Scan(&exists); err != nil {
		return &PersistenceError{Op: "append", SessionID: id, Err: err}
	}
	if exists == 0 {
		err = &PersistenceError{Op: "append", SessionID: id, Err: ErrNotFound}
		return err
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, seq, role, content)
		 SELECT ?, COALESCE(MAX(seq), -1) + 1, ?, ? FROM messages WHERE session_id = ?`,
		id, string(m.Role), m.Content, id); err != nil {
		return &PersistenceError{Op: "append", SessionID: id, Err: err}
	}
	if err = tx.Commit(); err != nil {
		return &PersistenceError{Op: "append", SessionID: id, Err: err}
	}
	return nil
}

// Get loads a session with all of its messages in append order.
func (s *Store) Get(ctx context.Context, id int64) (types.Session, error) {
	var sess types.Session
	var created int64
	err := s.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM sessions WHERE id = ?`, id).Scan(&sess.ID, &sess.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Session{}, &PersistenceError{Op: "get", SessionID: id, Err: ErrNotFound}
	}
	if err != nil {
		return types.Session{}, &PersistenceError{Op: "get", SessionID: id, Err: err}
	}
	sess.CreatedAt = time.Unix(0, created).UTC()

	rows, err := s.db.QueryContext(ctx, `SELECT role, content FROM messages WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return types.Session{}, &PersistenceError{Op: "get", SessionID: id, Err: err}
	}
	defer rows.Close()
	sess.Messages = []types.Message{}
	for rows.Next() {
		var m types.Message
		var role string
		if err := rows.Scan(&role, &m.Content); err != nil {
			return types.Session{}, &PersistenceError{Op: "get", SessionID: id, Err: err}
		}
		m.Role = types.Role(role)
		sess.Messages = append(sess.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return types.Session{}, &PersistenceError{Op: "get", SessionID: id, Err: err}
	}
	return sess, nil
}

// List returns every session, most recent first, with message counts.
func (s *Store) List(ctx context.Context) ([]types.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.name, s.created_at, COUNT(m.seq)
		FROM sessions s LEFT JOIN messages m ON m.session_id = s.id
		GROUP BY s.id
		ORDER BY s.created_at DESC, s.id DESC`)
	if err != nil {
		return nil, &PersistenceError{Op: "list", Err: err}
	}
	defer rows.Close()
	out := []types.SessionSummary{}
	for rows.Next() {
		var sum types.SessionSummary
		var created int64
		if err := rows.Scan(&sum.ID, &sum.Name, &created, &sum.MessageCount); err != nil {
			return nil, &PersistenceError{Op: "list", Err: err}
		}
		sum.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "list", Err: err}
	}
	return out, nil
}

// MostRecent returns the id of the newest session, if any.
func (s *Store) MostRecent(ctx context.Context) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM sessions ORDER BY created_at DESC, id DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, &PersistenceError{Op: "most_recent", Err: err}
	}
	return id, true, nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &PersistenceError{Op: "ping", Err: err}
	}
	return nil
}
