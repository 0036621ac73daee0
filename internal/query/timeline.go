package query

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lexfabric/commsledger/internal/identity"
	"github.com/lexfabric/commsledger/internal/record"
)

// TimelineRequest scopes a case timeline to a date range and a set of
// party identifiers (kinds auto-detected per identifier).
type TimelineRequest struct {
	Start       time.Time
	End         time.Time
	Identifiers []string
}

// TimelineEntry is one message in a case timeline with aggregated
// sender/recipient display strings.
type TimelineEntry struct {
	SentAt     time.Time `json:"sent_at"`
	Source     string    `json:"source"`
	Direction  string    `json:"direction"`
	Subject    string    `json:"subject,omitempty"`
	Body       string    `json:"body"`
	Sender     string    `json:"sender"`
	Recipients string    `json:"recipients"`
}

// CaseTimeline resolves each identifier to its owning party and returns every
// message in the inclusive date range where at least one of those parties
// holds any role, ordered by sent time.
func CaseTimeline(ctx context.Context, database *sql.DB, req TimelineRequest) ([]TimelineEntry, error) {
	if len(req.Identifiers) == 0 {
		return nil, &record.ValidationError{Field: "identifiers", Reason: "at least one identifier is required"}
	}

	partyIDs := make([]string, 0, len(req.Identifiers))
	seen := make(map[string]struct{})
	for _, raw := range req.Identifiers {
		kind := identity.DetectKind(raw)
		partyID, err := identity.LookupParty(ctx, database, kind, raw)
		if err != nil {
			return nil, err
		}
		if partyID == "" {
			continue
		}
		if _, ok := seen[partyID]; ok {
			continue
		}
		seen[partyID] = struct{}{}
		partyIDs = append(partyIDs, partyID)
	}
	if len(partyIDs) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(partyIDs))
	args := make([]any, 0, len(partyIDs)+2)
	for i, id := range partyIDs {
		placeholders[i] = "?"
		args = append(args, id)
	}
	args = append(args, req.Start.Unix(), req.End.Unix())

	rows, err := database.QueryContext(ctx, `
		SELECT DISTINCT m.id, m.source, m.direction, m.subject, m.body, m.sent_at
		FROM messages m
		JOIN message_parties mp ON mp.message_id = m.id
		WHERE mp.party_id IN (`+strings.Join(placeholders, ",")+`)
		  AND m.sent_at >= ? AND m.sent_at <= ?
		ORDER BY m.sent_at, m.id
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query timeline: %w", err)
	}
	defer rows.Close()

	type rawEntry struct {
		messageID string
		entry     TimelineEntry
	}
	var raw []rawEntry
	for rows.Next() {
		var e rawEntry
		var subject sql.NullString
		var sentAt int64
		if err := rows.Scan(&e.messageID, &e.entry.Source, &e.entry.Direction, &subject, &e.entry.Body, &sentAt); err != nil {
			return nil, fmt.Errorf("failed to scan timeline row: %w", err)
		}
		if subject.Valid {
			e.entry.Subject = subject.String
		}
		e.entry.SentAt = time.Unix(sentAt, 0)
		raw = append(raw, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]TimelineEntry, 0, len(raw))
	for _, e := range raw {
		sender, recipients, err := participantStrings(ctx, database, e.messageID)
		if err != nil {
			return nil, err
		}
		e.entry.Sender = sender
		e.entry.Recipients = recipients
		out = append(out, e.entry)
	}
	return out, nil
}

// participantStrings aggregates display strings for one message: the sender
// label plus a comma-joined list of every non-sender participant.
func participantStrings(ctx context.Context, database *sql.DB, messageID string) (string, string, error) {
	rows, err := database.QueryContext(ctx, `
		SELECT mp.party_id, mp.role,
		       COALESCE(p.display_name, (
		           SELECT pi.normalized FROM party_identifiers pi
		           WHERE pi.party_id = p.id
		           ORDER BY pi.created_at, pi.normalized LIMIT 1
		       ), p.id)
		FROM message_parties mp
		JOIN parties p ON p.id = mp.party_id
		WHERE mp.message_id = ?
		ORDER BY mp.role, mp.party_id
	`, messageID)
	if err != nil {
		return "", "", fmt.Errorf("failed to query participants: %w", err)
	}
	defer rows.Close()

	var sender string
	var recipients []string
	for rows.Next() {
		var partyID, role, label string
		if err := rows.Scan(&partyID, &role, &label); err != nil {
			return "", "", fmt.Errorf("failed to scan participant: %w", err)
		}
		if record.Role(role) == record.RoleSender {
			sender = label
			continue
		}
		recipients = append(recipients, label)
	}
	return sender, strings.Join(recipients, ", "), rows.Err()
}
