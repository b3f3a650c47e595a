// Package sqlite persists session flags in a local SQLite file, the CLI
// counterpart of browser local storage.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/emperorhan/blood-ledger/internal/store"
	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS session_flags (
	profile      TEXT PRIMARY KEY,
	disconnected INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
)`

// Flags is a store.FlagRepository backed by SQLite.
type Flags struct {
	sqlDB *sql.DB
	nowFn func() time.Time
}

var _ store.FlagRepository = (*Flags)(nil)

// Open opens (creating if needed) the SQLite file at path.
func Open(path string) (*Flags, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path)
	sqlDB, err := sql.Open("sqlite", dsn+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create session_flags: %w", err)
	}
	return &Flags{sqlDB: sqlDB, nowFn: time.Now}, nil
}

func (f *Flags) Close() error {
	if f == nil || f.sqlDB == nil {
		return nil
	}
	return f.sqlDB.Close()
}

func (f *Flags) LoadDisconnected(ctx context.Context, profile string) (bool, error) {
	var disconnected bool
	err := f.sqlDB.QueryRowContext(ctx,
		`SELECT disconnected FROM session_flags WHERE profile = ?`, profile,
	).Scan(&disconnected)
	if errors.Is(err, sql.ErrNoRows) {
		store.RecordFlagOp("sqlite", "load", nil)
		return false, nil
	}
	store.RecordFlagOp("sqlite", "load", err)
	if err != nil {
		return false, fmt.Errorf("load disconnect flag %s: %w", profile, err)
	}
	return disconnected, nil
}

func (f *Flags) StoreDisconnected(ctx context.Context, profile string, disconnected bool) error {
	_, err := f.sqlDB.ExecContext(ctx,
		`INSERT INTO session_flags (profile, disconnected, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(profile) DO UPDATE SET disconnected = excluded.disconnected, updated_at = excluded.updated_at`,
		profile, disconnected, f.nowFn().UTC().UnixMilli(),
	)
	store.RecordFlagOp("sqlite", "store", err)
	if err != nil {
		return fmt.Errorf("store disconnect flag %s: %w", profile, err)
	}
	return nil
}
