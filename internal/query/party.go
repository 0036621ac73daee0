package query

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lexfabric/commsledger/internal/identity"
	"github.com/lexfabric/commsledger/internal/record"
)

// MessageView is one message row as returned by party and timeline queries.
type MessageView struct {
	MessageID string           `json:"message_id"`
	Source    string           `json:"source"`
	Direction string           `json:"direction"`
	Subject   string           `json:"subject,omitempty"`
	Body      string           `json:"body"`
	SentAt    time.Time        `json:"sent_at"`
	Role      record.Role      `json:"role,omitempty"`
	CaseID    string           `json:"case_id,omitempty"`
}

// FindPartyMessages resolves a free-form identifier (kind auto-detected) to a
// party and returns every message where that party holds any role, sorted by
// sent time.
func FindPartyMessages(ctx context.Context, database *sql.DB, rawIdentifier string) ([]MessageView, error) {
	kind := identity.DetectKind(rawIdentifier)
	partyID, err := identity.LookupParty(ctx, database, kind, rawIdentifier)
	if err != nil {
		return nil, err
	}
	if partyID == "" {
		return nil, nil
	}

	rows, err := database.QueryContext(ctx, `
		SELECT m.id, m.source, m.direction, m.subject, m.body, m.sent_at, mp.role, m.case_id
		FROM message_parties mp
		JOIN messages m ON m.id = mp.message_id
		WHERE mp.party_id = ?
		ORDER BY m.sent_at, m.id
	`, partyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query party messages: %w", err)
	}
	defer rows.Close()

	var out []MessageView
	seen := make(map[string]struct{})
	for rows.Next() {
		var v MessageView
		var subject, caseID sql.NullString
		var role string
		var sentAt int64
		if err := rows.Scan(&v.MessageID, &v.Source, &v.Direction, &subject, &v.Body, &sentAt, &role, &caseID); err != nil {
			return nil, fmt.Errorf("failed to scan party message: %w", err)
		}
		// A party can hold several roles on one message; report it once.
		if _, ok := seen[v.MessageID]; ok {
			continue
		}
		seen[v.MessageID] = struct{}{}
		if subject.Valid {
			v.Subject = subject.String
		}
		if caseID.Valid {
			v.CaseID = caseID.String
		}
		v.SentAt = time.Unix(sentAt, 0)
		v.Role = record.Role(role)
		out = append(out, v)
	}
	return out, rows.Err()
}

// Activity is a per-party rollup across every source.
type Activity struct {
	PartyID       string         `json:"party_id"`
	DisplayName   string         `json:"display_name,omitempty"`
	TotalMessages int            `json:"total_messages"`
	BySource      map[string]int `json:"by_source"`
	ByDirection   map[string]int `json:"by_direction"`
	ByRole        map[string]int `json:"by_role"`
	FirstActivity *time.Time     `json:"first_activity,omitempty"`
	LastActivity  *time.Time     `json:"last_activity,omitempty"`
}

// PartyActivity resolves an identifier and aggregates that party's message
// activity by source, direction, and role.
func PartyActivity(ctx context.Context, database *sql.DB, rawIdentifier string) (*Activity, error) {
	kind := identity.DetectKind(rawIdentifier)
	partyID, err := identity.LookupParty(ctx, database, kind, rawIdentifier)
	if err != nil {
		return nil, err
	}
	if partyID == "" {
		return nil, nil
	}

	act := &Activity{
		PartyID:     partyID,
		BySource:    make(map[string]int),
		ByDirection: make(map[string]int),
		ByRole:      make(map[string]int),
	}

	if name, err := identity.DisplayString(ctx, database, partyID); err == nil {
		act.DisplayName = name
	}

	rows, err := database.QueryContext(ctx, `
		SELECT m.source, m.direction, mp.role, COUNT(*), MIN(m.sent_at), MAX(m.sent_at)
		FROM message_parties mp
		JOIN messages m ON m.id = mp.message_id
		WHERE mp.party_id = ?
		GROUP BY m.source, m.direction, mp.role
	`, partyID)
	if err != nil {
		return nil, fmt.Errorf("failed to query party activity: %w", err)
	}
	defer rows.Close()

	var first, last int64
	for rows.Next() {
		var source, direction, role string
		var count int
		var minAt, maxAt int64
		if err := rows.Scan(&source, &direction, &role, &count, &minAt, &maxAt); err != nil {
			return nil, fmt.Errorf("failed to scan activity row: %w", err)
		}
		act.BySource[source] += count
		act.ByDirection[direction] += count
		act.ByRole[role] += count
		act.TotalMessages += count
		if first == 0 || minAt < first {
			first = minAt
		}
		if maxAt > last {
			last = maxAt
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if first > 0 {
		t := time.Unix(first, 0)
		act.FirstActivity = &t
	}
	if last > 0 {
		t := time.Unix(last, 0)
		act.LastActivity = &t
	}
	return act, nil
}
