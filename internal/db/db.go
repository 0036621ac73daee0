package db

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/lexfabric/commsledger/internal/config"
)

//go:embed schema.sql
var schemaSQL string

// Queryer is the subset of *sql.DB and *sql.Tx the engine writes through, so
// the same helpers work inside and outside a transaction.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Init initializes the database and creates tables if needed.
func Init() error {
	dataDir, err := config.GetDataDir()
	if err != nil {
		return err
	}

	database, err := OpenPath(filepath.Join(dataDir, "commsledger.db"))
	if err != nil {
		return err
	}
	defer database.Close()

	return InitSchema(database)
}

// InitSchema applies the embedded schema to an already-open database.
func InitSchema(database *sql.DB) error {
	if _, err := database.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Open opens a connection to the database.
func Open() (*sql.DB, error) {
	dataDir, err := config.GetDataDir()
	if err != nil {
		return nil, err
	}
	return OpenPath(filepath.Join(dataDir, "commsledger.db"))
}

// OpenPath opens a database at an explicit path with the standard pragmas.
func OpenPath(dbPath string) (*sql.DB, error) {
	database, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := applyPragmas(database); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}

// applyPragmas sets performance + concurrency pragmas.
// WAL allows concurrent readers while a writer is active.
// busy_timeout reduces SQLITE_BUSY errors under contention.
func applyPragmas(database *sql.DB) error {
	if _, err := database.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := database.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous: %w", err)
	}
	if _, err := database.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if _, err := database.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return nil
}

// GetPath returns the path to the database file.
func GetPath() (string, error) {
	dataDir, err := config.GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "commsledger.db"), nil
}
