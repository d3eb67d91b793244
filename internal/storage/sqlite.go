package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SessionsKey is the single kv key holding the outbox's session list.
const SessionsKey = "offline_sessions"

type SQLiteStore struct {
	db   *sql.DB
	path string
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = filepath.Join("data", "setcapture.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, path: dbPath}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create kv table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS recognitions (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			title TEXT NOT NULL,
			artist TEXT NOT NULL DEFAULT '',
			offset_ms INTEGER NOT NULL,
			external_track_id TEXT NOT NULL DEFAULT '',
			producer_id TEXT NOT NULL DEFAULT '',
			identified_at TEXT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create recognitions table: %w", err)
	}

	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_recognitions_session ON recognitions(session_id, identified_at)"); err != nil {
		return fmt.Errorf("create recognitions index: %w", err)
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Path() string {
	return s.path
}

// LoadSessions returns the persisted session list, or nil when nothing has
// been stored yet.
func (s *SQLiteStore) LoadSessions(ctx context.Context) ([]RecordingSession, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, SessionsKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}

	var sessions []RecordingSession
	if err := json.Unmarshal([]byte(raw), &sessions); err != nil {
		return nil, fmt.Errorf("decode sessions: %w", err)
	}
	return sessions, nil
}

// ReplaceSessions overwrites the whole session list.
func (s *SQLiteStore) ReplaceSessions(ctx context.Context, sessions []RecordingSession) error {
	if sessions == nil {
		sessions = []RecordingSession{}
	}
	raw, err := json.Marshal(sessions)
	if err != nil {
		return fmt.Errorf("encode sessions: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO kv(key, value, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		SessionsKey,
		string(raw),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("replace sessions: %w", err)
	}
	return nil
}

// RecordRecognition appends a positive recognition to the history table.
func (s *SQLiteStore) RecordRecognition(ctx context.Context, sessionID string, track IdentifiedTrack) error {
	if strings.TrimSpace(track.ID) == "" {
		return errors.New("track id is required")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO recognitions(id, session_id, title, artist, offset_ms, external_track_id, producer_id, identified_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		track.ID,
		sessionID,
		strings.TrimSpace(track.Title),
		strings.TrimSpace(track.Artist),
		track.Offset.Milliseconds(),
		track.ExternalTrackID,
		track.ProducerID,
		track.IdentifiedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record recognition for session %s: %w", sessionID, err)
	}
	return nil
}

// Recognitions lists the history for one session in identification order.
func (s *SQLiteStore) Recognitions(ctx context.Context, sessionID string) ([]IdentifiedTrack, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, artist, offset_ms, external_track_id, producer_id, identified_at
		 FROM recognitions
		 WHERE session_id = ?
		 ORDER BY identified_at ASC, rowid ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query recognitions for session %s: %w", sessionID, err)
	}
	defer func() { _ = rows.Close() }()

	tracks := make([]IdentifiedTrack, 0, 16)
	for rows.Next() {
		var track IdentifiedTrack
		var offsetMS int64
		var ts string
		if err := rows.Scan(&track.ID, &track.Title, &track.Artist, &offsetMS, &track.ExternalTrackID, &track.ProducerID, &ts); err != nil {
			return nil, fmt.Errorf("scan recognition for session %s: %w", sessionID, err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse recognition timestamp for session %s: %w", sessionID, err)
		}
		track.Offset = time.Duration(offsetMS) * time.Millisecond
		track.IdentifiedAt = parsed
		tracks = append(tracks, track)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recognition rows for session %s: %w", sessionID, err)
	}

	return tracks, nil
}

// Snapshot writes a consistent copy of the database to path, replacing any
// file already there.
func (s *SQLiteStore) Snapshot(ctx context.Context, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove old snapshot: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return fmt.Errorf("snapshot database: %w", err)
	}
	return nil
}
