package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	dirName       = ".bountyline"
	defaultDBName = "bountyline.db"

	// DefaultBusyTimeout bounds how long a writer waits for the database
	// lock. Write transactions never span ledger calls, so a lock is held for
	// local statements only and this is far above any holder's lifetime.
	DefaultBusyTimeout = 30 * time.Second
)

type Config struct {
	Workspace string
	// Name overrides the database file name inside the workspace directory.
	Name string
	// BusyTimeout overrides DefaultBusyTimeout.
	BusyTimeout time.Duration
}

func dbPath(cfg Config) string {
	workspace := cfg.Workspace
	if workspace == "" {
		workspace = "."
	}
	name := cfg.Name
	if name == "" {
		name = defaultDBName
	}
	return filepath.Join(workspace, dirName, name)
}

// EnsureWorkspace creates workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, dirName)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the SQLite database with foreign keys on. Write transactions take
// the database lock at BEGIN so two writers on the same task serialize instead
// of failing at commit.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = DefaultBusyTimeout
	}
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", dbPath(cfg), busy.Milliseconds())
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return dbPath(Config{Workspace: workspace})
}
