package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mtzanidakis/hive/internal/config"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Enable WAL mode for concurrent read/write access and set a busy
	// timeout so writers retry instead of immediately returning SQLITE_BUSY.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS swarms (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			status      TEXT DEFAULT 'active',
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id           TEXT PRIMARY KEY,
			swarm_id     TEXT NOT NULL,
			description  TEXT,
			type         TEXT,
			capabilities TEXT,
			priority     INTEGER DEFAULT 0,
			status       TEXT DEFAULT 'idle',
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at   DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id                    TEXT PRIMARY KEY,
			swarm_id              TEXT NOT NULL,
			type                  TEXT,
			description           TEXT,
			priority              INTEGER DEFAULT 0,
			status                TEXT DEFAULT 'pending',
			dependencies          TEXT,
			required_capabilities TEXT,
			input                 TEXT,
			metadata              TEXT,
			assigned_to           TEXT,
			created_at            DATETIME NOT NULL,
			started_at            DATETIME,
			completed_at          DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_swarm ON tasks(swarm_id, status)`,
		`CREATE TABLE IF NOT EXISTS proposals (
			id                 TEXT PRIMARY KEY,
			swarm_id           TEXT NOT NULL,
			task_id            TEXT,
			proposer_id        TEXT,
			description        TEXT NOT NULL,
			payload            TEXT,
			required_threshold REAL NOT NULL,
			voters             TEXT,
			strategy           TEXT,
			deadline           DATETIME NOT NULL,
			status             TEXT DEFAULT 'open',
			created_at         DATETIME NOT NULL,
			resolved_at        DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_proposals_swarm ON proposals(swarm_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS votes (
			proposal_id TEXT NOT NULL REFERENCES proposals(id),
			agent_id    TEXT NOT NULL,
			approve     BOOLEAN NOT NULL,
			reason      TEXT,
			cast_at     DATETIME NOT NULL,
			PRIMARY KEY (proposal_id, agent_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id          TEXT PRIMARY KEY,
			swarm_id    TEXT NOT NULL,
			sender      TEXT,
			recipient   TEXT,
			type        TEXT NOT NULL,
			payload     TEXT,
			sent_at     DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_swarm ON messages(swarm_id, sent_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}

// utc normalizes timestamps so stored values compare lexically in order.
func utc(t time.Time) time.Time {
	return t.UTC()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func marshalJSON(v any) (*string, error) {
	switch x := v.(type) {
	case []string:
		if len(x) == 0 {
			return nil, nil
		}
	case map[string]any:
		if len(x) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	str := string(b)
	return &str, nil
}

func unmarshalJSON(raw *string, dst any) error {
	if raw == nil || *raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(*raw), dst)
}
