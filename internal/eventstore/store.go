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
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a session is not archived.
var ErrNotFound = errors.New("session not found")

// Session is the archived summary of one websocket session.
type Session struct {
	ID         string    `json:"session_id"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	OpenedAt   time.Time `json:"opened_at"`
	ClosedAt   time.Time `json:"closed_at,omitzero"`
	Text       string    `json:"text"`
	Offset     float64   `json:"offset"`
}

// Chunk is one merged chunk of a session.
type Chunk struct {
	ID        int64              `json:"id"`
	SessionID string             `json:"session_id"`
	Sequence  int                `json:"sequence"`
	Text      string             `json:"text"`
	Segments  []protocol.Segment `json:"segments"`
	Offset    float64            `json:"offset"`
	Duration  float64            `json:"duration"`
	Language  string             `json:"language,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}

// Store wraps a SQLite-backed transcript archive.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the archive according to config. Ephemeral mode keeps
// nothing and needs no database.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
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
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
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
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    remote_addr TEXT,
    opened_at INTEGER NOT NULL,
    closed_at INTEGER,
    final_text TEXT,
    final_offset REAL
);
CREATE TABLE IF NOT EXISTS chunks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    sequence INTEGER NOT NULL,
    text TEXT,
    segments TEXT,
    offset_seconds REAL,
    duration_seconds REAL,
    language TEXT,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_chunks_session_sequence ON chunks(session_id, sequence);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Ephemeral reports whether the archive discards everything.
func (s *Store) Ephemeral() bool {
	return s.db == nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// OpenSession records a newly opened session.
func (s *Store) OpenSession(ctx context.Context, sessionID, remoteAddr string, openedAt time.Time) error {
	if s.db == nil {
		return nil
	}
	if openedAt.IsZero() {
		openedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, remote_addr, opened_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET remote_addr=excluded.remote_addr, opened_at=excluded.opened_at`,
		sessionID, remoteAddr, openedAt.UTC().UnixNano())
	return err
}

// CloseSession stores the final transcript. In session retention mode the
// per-chunk rows are dropped once the summary is written.
func (s *Store) CloseSession(ctx context.Context, sessionID, text string, offset float64, closedAt time.Time) error {
	if s.db == nil {
		return nil
	}
	if closedAt.IsZero() {
		closedAt = s.clock()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions(session_id, opened_at, closed_at, final_text, final_offset)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET closed_at=excluded.closed_at, final_text=excluded.final_text, final_offset=excluded.final_offset`,
		sessionID, closedAt.UTC().UnixNano(), closedAt.UTC().UnixNano(), text, offset); err != nil {
		return err
	}
	if s.cfg.RetentionMode == "session" {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE session_id = ?`, sessionID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AppendChunk writes a merged chunk. The session row is created when missing
// so chunks survive a lost open event.
func (s *Store) AppendChunk(ctx context.Context, chunk Chunk) error {
	if s.db == nil {
		return nil
	}
	if chunk.CreatedAt.IsZero() {
		chunk.CreatedAt = s.clock()
	}
	segments, err := json.Marshal(chunk.Segments)
	if err != nil {
		return fmt.Errorf("marshal segments: %w", err)
	}
	created := chunk.CreatedAt.UTC().UnixNano()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, opened_at) VALUES(?, ?) ON CONFLICT(session_id) DO NOTHING`,
		chunk.SessionID, created); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chunks(session_id, sequence, text, segments, offset_seconds, duration_seconds, language, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		chunk.SessionID, chunk.Sequence, chunk.Text, string(segments), chunk.Offset, chunk.Duration, chunk.Language, created)
	return err
}

// GetSession loads an archived session summary.
func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	if s.db == nil {
		return Session{}, ErrNotFound
	}
	var (
		sess   Session
		remote sql.NullString
		opened int64
		closed sql.NullInt64
		text   sql.NullString
		offset sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, remote_addr, opened_at, closed_at, final_text, final_offset
		 FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&sess.ID, &remote, &opened, &closed, &text, &offset)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	sess.RemoteAddr = remote.String
	sess.OpenedAt = time.Unix(0, opened).UTC()
	if closed.Valid {
		sess.ClosedAt = time.Unix(0, closed.Int64).UTC()
	}
	sess.Text = text.String
	sess.Offset = offset.Float64
	return sess, nil
}

// ListChunks retrieves chunks for a session in sequence order. A limit of
// zero or less returns every chunk.
func (s *Store) ListChunks(ctx context.Context, sessionID string, limit int) ([]Chunk, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, sequence, text, segments, offset_seconds, duration_seconds, language, created_at
		 FROM chunks WHERE session_id = ? ORDER BY sequence ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var (
			c        Chunk
			segments sql.NullString
			language sql.NullString
			created  int64
		)
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Sequence, &c.Text, &segments, &c.Offset, &c.Duration, &language, &created); err != nil {
			return nil, err
		}
		if segments.Valid && segments.String != "" {
			if err := json.Unmarshal([]byte(segments.String), &c.Segments); err != nil {
				return nil, fmt.Errorf("decode segments for chunk %d: %w", c.ID, err)
			}
		}
		c.Language = language.String
		c.CreatedAt = time.Unix(0, created).UTC()
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM chunks WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE opened_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY opened_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
