// Package bus is an append-only engine event log. The recorder tags each
// upsert outcome (created vs resolved-existing) here so ingestion behavior is
// observable after the fact.
package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lexfabric/commsledger/internal/db"
)

// Event types emitted by the engine.
const (
	TypePartyCreated         = "party.created"
	TypePartyResolved        = "party.resolved"
	TypeIdentifierLinked     = "identifier.linked"
	TypeMessageRecorded      = "message.recorded"
	TypeMessageDuplicate     = "message.duplicate"
	TypeConversationCreated  = "conversation.created"
	TypeConversationResolved = "conversation.resolved"
)

type Event struct {
	Seq       int64   `json:"seq"`
	ID        string  `json:"id"`
	Type      string  `json:"type"`
	Source    *string `json:"source,omitempty"`
	SubjectID *string `json:"subject_id,omitempty"`
	CreatedAt int64   `json:"created_at"`
	Payload   *string `json:"payload_json,omitempty"`
}

// Emit appends one engine event. Payload is marshaled to JSON when non-nil.
// Emit participates in the caller's transaction when given a *sql.Tx.
func Emit(ctx context.Context, q db.Queryer, typ string, source string, subjectID string, payload any) error {
	if typ == "" {
		return fmt.Errorf("type is required")
	}
	now := time.Now().Unix()
	id := uuid.New().String()

	var sourceVal any
	if source != "" {
		sourceVal = source
	}
	var subjectVal any
	if subjectID != "" {
		subjectVal = subjectID
	}
	var payloadVal any
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		payloadVal = string(b)
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO engine_events (id, type, source, subject_id, created_at, payload_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, typ, sourceVal, subjectVal, now, payloadVal)
	if err != nil {
		return fmt.Errorf("failed to insert engine event: %w", err)
	}
	return nil
}

// List returns events after afterSeq, oldest first.
func List(ctx context.Context, q db.Queryer, afterSeq int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.QueryContext(ctx, `
		SELECT seq, id, type, source, subject_id, created_at, payload_json
		FROM engine_events
		WHERE seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query engine events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var source, subject, payload sql.NullString
		if err := rows.Scan(&e.Seq, &e.ID, &e.Type, &source, &subject, &e.CreatedAt, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan engine event: %w", err)
		}
		if source.Valid {
			e.Source = &source.String
		}
		if subject.Valid {
			e.SubjectID = &subject.String
		}
		if payload.Valid {
			e.Payload = &payload.String
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
