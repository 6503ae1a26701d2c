package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/LonePheasantWarrior/talkify-core/internal/engine"
	_ "modernc.org/sqlite"
)

const selectedEngineKey = "selected_engine"

// Store persists engine preferences: per-engine credential bundles and
// the selected engine. An empty path yields a memory-only store, used
// by tests and by hosts that manage persistence themselves.
type Store struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time

	mu     sync.Mutex
	memCfg map[engine.ID]engine.Config
	memSel string
	memory bool
}

// Open initializes the preferences store at path, creating parent
// directories and schema as needed.
func Open(ctx context.Context, path string, log *slog.Logger) (*Store, error) {
	if path == "" {
		return &Store{
			log:    log,
			clock:  time.Now,
			memCfg: make(map[engine.ID]engine.Config),
			memory: true,
		}, nil
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS engine_configs (
    engine_id TEXT PRIMARY KEY,
    credential TEXT,
    voice TEXT,
    extra TEXT,
    updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveEngineConfig upserts one engine's credential bundle. The secret
// is stored verbatim but never logged.
func (s *Store) SaveEngineConfig(ctx context.Context, id engine.ID, cfg engine.Config) error {
	if s.memory {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.memCfg[id] = cfg
		return nil
	}

	extra, err := json.Marshal(cfg.Extra)
	if err != nil {
		return fmt.Errorf("encode extra: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO engine_configs(engine_id, credential, voice, extra, updated_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(engine_id) DO UPDATE SET
		   credential=excluded.credential, voice=excluded.voice,
		   extra=excluded.extra, updated_at=excluded.updated_at`,
		string(id), cfg.Credential, cfg.Voice, string(extra), s.clock().UTC())
	if err != nil {
		return err
	}
	s.log.Debug("engine config saved",
		slog.String("engine", string(id)),
		slog.String("credential", engine.MaskCredential(cfg.Credential)))
	return nil
}

// EngineConfig fetches one engine's bundle. The second return is false
// when the engine was never configured.
func (s *Store) EngineConfig(ctx context.Context, id engine.ID) (engine.Config, bool, error) {
	if s.memory {
		s.mu.Lock()
		defer s.mu.Unlock()
		cfg, ok := s.memCfg[id]
		return cfg, ok, nil
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT credential, voice, extra FROM engine_configs WHERE engine_id = ?`, string(id))
	var cfg engine.Config
	var extra string
	if err := row.Scan(&cfg.Credential, &cfg.Voice, &extra); err != nil {
		if err == sql.ErrNoRows {
			return engine.Config{}, false, nil
		}
		return engine.Config{}, false, err
	}
	if extra != "" {
		if err := json.Unmarshal([]byte(extra), &cfg.Extra); err != nil {
			return engine.Config{}, false, fmt.Errorf("decode extra: %w", err)
		}
	}
	return cfg, true, nil
}

// DeleteEngineConfig removes one engine's bundle.
func (s *Store) DeleteEngineConfig(ctx context.Context, id engine.ID) error {
	if s.memory {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.memCfg, id)
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM engine_configs WHERE engine_id = ?`, string(id))
	return err
}

// SetSelectedEngine records the engine the host prefers.
func (s *Store) SetSelectedEngine(ctx context.Context, id engine.ID) error {
	if s.memory {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.memSel = string(id)
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		selectedEngineKey, string(id))
	return err
}

// SelectedEngine returns the recorded preference, or fallback when none
// was ever stored.
func (s *Store) SelectedEngine(ctx context.Context, fallback engine.ID) (engine.ID, error) {
	if s.memory {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.memSel == "" {
			return fallback, nil
		}
		return engine.ID(s.memSel), nil
	}

	row := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, selectedEngineKey)
	var value string
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return fallback, nil
		}
		return fallback, err
	}
	return engine.ID(value), nil
}
