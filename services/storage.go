package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vid2slides/backend/models"
	_ "modernc.org/sqlite"
)

// dbTimeLayout has a fixed width so stored timestamps sort as text.
const dbTimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Storage persists uploaded sessions, run history and settings. Progress and
// detection results are never stored; they live only for the process lifetime.
type Storage struct {
	db *sql.DB
}

func NewStorage(dbPath string) (*Storage, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrent read/write performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Storage{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS sessions (
    id          TEXT PRIMARY KEY,
    filename    TEXT NOT NULL,
    file_path   TEXT NOT NULL,
    created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS run_history (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id      TEXT NOT NULL,
    filename        TEXT NOT NULL,
    threshold       REAL NOT NULL,
    min_interval    INTEGER NOT NULL,
    frame_skip      INTEGER NOT NULL,
    scorer          TEXT NOT NULL,
    stage           TEXT NOT NULL,
    frames_detected INTEGER NOT NULL,
    detected_frames TEXT NOT NULL,
    error           TEXT,
    started_at      TEXT NOT NULL,
    finished_at     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_run_session ON run_history(session_id);
CREATE INDEX IF NOT EXISTS idx_run_finished ON run_history(finished_at);

CREATE TABLE IF NOT EXISTS settings (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
`
	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// DB exposes the handle for services sharing the database, such as settings.
func (s *Storage) DB() *sql.DB {
	return s.db
}

func (s *Storage) SaveSession(info models.SessionInfo) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO sessions (id, filename, file_path, created_at)
		VALUES (?, ?, ?, ?)`,
		info.ID, info.Filename, info.FilePath, info.CreatedAt.UTC().Format(dbTimeLayout))
	return err
}

func (s *Storage) DeleteSession(id string) error {
	_, err := s.db.Exec("DELETE FROM sessions WHERE id = ?", id)
	return err
}

func (s *Storage) ListSessions() ([]models.SessionInfo, error) {
	rows, err := s.db.Query("SELECT id, filename, file_path, created_at FROM sessions ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SessionInfo
	for rows.Next() {
		var info models.SessionInfo
		var created string
		if err := rows.Scan(&info.ID, &info.Filename, &info.FilePath, &created); err != nil {
			return nil, err
		}
		info.CreatedAt, _ = time.Parse(dbTimeLayout, created)
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *Storage) AddRunHistory(e models.RunHistoryEntry) error {
	frames, err := json.Marshal(e.DetectedFrames)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO run_history
		(session_id, filename, threshold, min_interval, frame_skip, scorer, stage,
		 frames_detected, detected_frames, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.Filename, e.Threshold, e.MinInterval, e.FrameSkip, e.Scorer, string(e.Stage),
		e.FramesDetected, string(frames), e.Error,
		e.StartedAt.UTC().Format(dbTimeLayout), e.FinishedAt.UTC().Format(dbTimeLayout))
	return err
}

// RunHistory returns the most recent runs first. An empty sessionID returns
// runs of all sessions.
func (s *Storage) RunHistory(sessionID string, limit int) ([]models.RunHistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, session_id, filename, threshold, min_interval, frame_skip, scorer, stage,
		frames_detected, detected_frames, COALESCE(error, ''), started_at, finished_at
		FROM run_history`
	args := []any{}
	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.RunHistoryEntry{}
	for rows.Next() {
		var (
			e                 models.RunHistoryEntry
			stage, frames     string
			started, finished string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Filename, &e.Threshold, &e.MinInterval, &e.FrameSkip,
			&e.Scorer, &stage, &e.FramesDetected, &frames, &e.Error, &started, &finished); err != nil {
			return nil, err
		}
		e.Stage = models.Stage(stage)
		if err := json.Unmarshal([]byte(frames), &e.DetectedFrames); err != nil {
			return nil, fmt.Errorf("decoding detected frames of run %d: %w", e.ID, err)
		}
		e.StartedAt, _ = time.Parse(dbTimeLayout, started)
		e.FinishedAt, _ = time.Parse(dbTimeLayout, finished)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Cleanup drops run history older than the cutoff.
func (s *Storage) Cleanup(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM run_history WHERE finished_at < ?",
		olderThan.UTC().Format(dbTimeLayout))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Storage) Close() error {
	return s.db.Close()
}
