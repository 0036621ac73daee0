// Package state persists small per-source key/value state: ingest cursors,
// processed spool files, last staged batch ids.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lexfabric/commsledger/internal/db"
)

func Get(ctx context.Context, q db.Queryer, source string, key string) (string, bool, error) {
	var v string
	err := q.QueryRowContext(ctx, `SELECT value FROM source_state WHERE source = ? AND key = ?`, source, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get source state: %w", err)
	}
	return v, true, nil
}

func Set(ctx context.Context, q db.Queryer, source string, key string, value string) error {
	now := time.Now().Unix()
	_, err := q.ExecContext(ctx, `
		INSERT INTO source_state (source, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(source, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, source, key, value, now)
	if err != nil {
		return fmt.Errorf("failed to set source state: %w", err)
	}
	return nil
}

func Delete(ctx context.Context, q db.Queryer, source string, key string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM source_state WHERE source = ? AND key = ?`, source, key)
	if err != nil {
		return fmt.Errorf("failed to delete source state: %w", err)
	}
	return nil
}
