package identity

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lexfabric/commsledger/internal/db"
	"github.com/lexfabric/commsledger/internal/record"
)

// maxUpsertAttempts bounds the conflict-retry loop before escalating.
const maxUpsertAttempts = 3

// Resolution is the outcome of an upsert, tagged for observability.
type Resolution struct {
	PartyID string
	// Created is true when this call created the party, false when an
	// existing owner of the identifier was resolved.
	Created bool
}

// UpsertParty resolves or creates the party owning (kind, normalized(raw)).
//
// Exactly one party is ever created for a given normalized identifier: the
// UNIQUE(kind, normalized) constraint makes concurrent racing creators
// converge on one winner, and the loser's attempted rows are absorbed without
// error. Display name is first-write-wins and ignored on a hit.
func UpsertParty(ctx context.Context, q db.Queryer, kind record.IdentifierKind, raw, displayName string) (Resolution, error) {
	if _, err := record.ParseKind(string(kind)); err != nil {
		return Resolution{}, err
	}
	normalized := Normalize(kind, raw)
	if normalized == "" {
		return Resolution{}, &record.ValidationError{Field: "identifier", Reason: "empty after normalization"}
	}

	var lastErr error
	for attempt := 0; attempt < maxUpsertAttempts; attempt++ {
		var partyID string
		err := q.QueryRowContext(ctx, `
			SELECT party_id FROM party_identifiers WHERE kind = ? AND normalized = ?
		`, string(kind), normalized).Scan(&partyID)
		if err == nil {
			return Resolution{PartyID: partyID, Created: false}, nil
		}
		if err != sql.ErrNoRows {
			return Resolution{}, &record.StorageError{Op: "party lookup", Err: err}
		}

		now := time.Now().Unix()
		partyID = uuid.New().String()
		var nameVal any
		if strings.TrimSpace(displayName) != "" {
			nameVal = strings.TrimSpace(displayName)
		}
		if _, err := q.ExecContext(ctx, `
			INSERT INTO parties (id, display_name, created_at, updated_at)
			VALUES (?, ?, ?, ?)
		`, partyID, nameVal, now, now); err != nil {
			return Resolution{}, &record.StorageError{Op: "party insert", Err: err}
		}

		res, err := q.ExecContext(ctx, `
			INSERT INTO party_identifiers (id, party_id, kind, raw_value, normalized, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(kind, normalized) DO NOTHING
		`, uuid.New().String(), partyID, string(kind), raw, normalized, now)
		if err != nil {
			return Resolution{}, &record.StorageError{Op: "identifier insert", Err: err}
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return Resolution{PartyID: partyID, Created: true}, nil
		}

		// A concurrent creator won the identifier. Absorb: discard our
		// speculative party and resolve to the winner on the next pass.
		if _, err := q.ExecContext(ctx, `DELETE FROM parties WHERE id = ?`, partyID); err != nil {
			return Resolution{}, &record.StorageError{Op: "party rollback", Err: err}
		}
		lastErr = fmt.Errorf("identifier %s/%s claimed concurrently", kind, normalized)
	}
	return Resolution{}, &record.StorageError{Op: "party upsert", Err: lastErr}
}

// LinkIdentifier attaches an additional identifier to an existing party. If
// the identifier is already owned by a different party, ownership is
// reassigned to partyID (last-write-wins) — this is how two previously
// separate identities become one once cross-platform overlap is discovered.
func LinkIdentifier(ctx context.Context, q db.Queryer, partyID string, kind record.IdentifierKind, raw string) error {
	if _, err := record.ParseKind(string(kind)); err != nil {
		return err
	}
	normalized := Normalize(kind, raw)
	if normalized == "" {
		return &record.ValidationError{Field: "identifier", Reason: "empty after normalization"}
	}

	var exists bool
	if err := q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM parties WHERE id = ?)`, partyID).Scan(&exists); err != nil {
		return &record.StorageError{Op: "party lookup", Err: err}
	}
	if !exists {
		return &record.ValidationError{Field: "party_id", Reason: "party not found"}
	}

	now := time.Now().Unix()
	if _, err := q.ExecContext(ctx, `
		INSERT INTO party_identifiers (id, party_id, kind, raw_value, normalized, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, normalized) DO UPDATE SET party_id = excluded.party_id
	`, uuid.New().String(), partyID, string(kind), raw, normalized, now); err != nil {
		return &record.StorageError{Op: "identifier link", Err: err}
	}
	if _, err := q.ExecContext(ctx, `UPDATE parties SET updated_at = ? WHERE id = ?`, now, partyID); err != nil {
		return &record.StorageError{Op: "party touch", Err: err}
	}
	return nil
}

// LookupParty returns the party owning (kind, normalized(raw)), or "" when no
// party owns it.
func LookupParty(ctx context.Context, q db.Queryer, kind record.IdentifierKind, raw string) (string, error) {
	normalized := Normalize(kind, raw)
	var partyID string
	err := q.QueryRowContext(ctx, `
		SELECT party_id FROM party_identifiers WHERE kind = ? AND normalized = ?
	`, string(kind), normalized).Scan(&partyID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", &record.StorageError{Op: "party lookup", Err: err}
	}
	return partyID, nil
}

// IdentifierInfo is one identifier attached to a party.
type IdentifierInfo struct {
	Kind       record.IdentifierKind
	RawValue   string
	Normalized string
	CreatedAt  time.Time
}

// PartyIdentifiers returns every identifier attached to a party.
func PartyIdentifiers(ctx context.Context, q db.Queryer, partyID string) ([]IdentifierInfo, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT kind, raw_value, normalized, created_at
		FROM party_identifiers
		WHERE party_id = ?
		ORDER BY kind, normalized
	`, partyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query identifiers: %w", err)
	}
	defer rows.Close()

	var out []IdentifierInfo
	for rows.Next() {
		var info IdentifierInfo
		var kind string
		var createdAt int64
		if err := rows.Scan(&kind, &info.RawValue, &info.Normalized, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan identifier: %w", err)
		}
		info.Kind = record.IdentifierKind(kind)
		info.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, info)
	}
	return out, rows.Err()
}

// DisplayString returns the best human-readable label for a party: display
// name when set, else its first identifier.
func DisplayString(ctx context.Context, q db.Queryer, partyID string) (string, error) {
	var name sql.NullString
	err := q.QueryRowContext(ctx, `SELECT display_name FROM parties WHERE id = ?`, partyID).Scan(&name)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query party: %w", err)
	}
	if name.Valid && name.String != "" {
		return name.String, nil
	}
	var normalized string
	err = q.QueryRowContext(ctx, `
		SELECT normalized FROM party_identifiers WHERE party_id = ? ORDER BY created_at, normalized LIMIT 1
	`, partyID).Scan(&normalized)
	if err == sql.ErrNoRows {
		return partyID, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query identifier: %w", err)
	}
	return normalized, nil
}
