// Package testutil provides schema-initialized temp databases for tests.
package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/lexfabric/commsledger/internal/db"
)

// OpenTestDB opens a fresh schema-initialized SQLite database in a temp
// directory that is removed when the test finishes.
func OpenTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "commsledger-test.db")
	database, err := db.OpenPath(dbPath)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.InitSchema(database); err != nil {
		database.Close()
		t.Fatalf("init schema: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}
