// Package recorder orchestrates normalizer, party resolver, duplicate
// detector, and conversation threader for one inbound message as a single
// atomic unit of work.
package recorder

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lexfabric/commsledger/internal/bus"
	"github.com/lexfabric/commsledger/internal/dedup"
	"github.com/lexfabric/commsledger/internal/identity"
	"github.com/lexfabric/commsledger/internal/record"
	"github.com/lexfabric/commsledger/internal/thread"
)

// Recorded describes one accepted message.
type Recorded struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	SenderPartyID  string `json:"sender_party_id"`
	ContentHash    string `json:"content_hash"`
}

// NormalizeText collapses whitespace and case-folds body text. The content
// hash is always derived from this form, never supplied by callers.
func NormalizeText(body string) string {
	return strings.ToLower(strings.Join(strings.Fields(body), " "))
}

// HashBody returns the deterministic content hash of a message body.
func HashBody(body string) string {
	sum := sha256.Sum256([]byte(NormalizeText(body)))
	return hex.EncodeToString(sum[:])
}

// Record runs the full pipeline for one inbound record inside one
// transaction. A probable duplicate returns (nil, nil): the rejection is a
// defined outcome, not an error, and nothing persists for the rejected
// delivery.
func Record(ctx context.Context, database *sql.DB, in record.Input) (*Recorded, error) {
	// Validation happens before any state change.
	if err := in.Validate(); err != nil {
		return nil, err
	}

	tx, err := database.BeginTx(ctx, nil)
	if err != nil {
		return nil, &record.StorageError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	out, err := recordInTx(ctx, tx, in)
	if err != nil {
		return nil, err
	}
	if out == nil {
		// Duplicate: roll back so no rows from this delivery persist, then
		// log the rejection outside the discarded transaction.
		_ = tx.Rollback()
		_ = bus.Emit(ctx, database, bus.TypeMessageDuplicate, string(in.Source), "", map[string]string{
			"external_id": in.ExternalID,
		})
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, &record.StorageError{Op: "commit", Err: err}
	}
	return out, nil
}

func recordInTx(ctx context.Context, tx *sql.Tx, in record.Input) (*Recorded, error) {
	sender, err := identity.UpsertParty(ctx, tx, in.SenderKind, in.SenderIdentifier, in.SenderName)
	if err != nil {
		return nil, err
	}
	emitPartyEvent(ctx, tx, in.Source, sender)

	recipient, err := identity.UpsertParty(ctx, tx, in.RecipientKind, in.RecipientID, in.RecipientName)
	if err != nil {
		return nil, err
	}
	emitPartyEvent(ctx, tx, in.Source, recipient)

	type resolvedExtra struct {
		partyID    string
		role       record.Role
		normalized string
	}
	extras := make([]resolvedExtra, 0, len(in.Extra))
	for _, p := range in.Extra {
		res, err := identity.UpsertParty(ctx, tx, p.Kind, p.Identifier, "")
		if err != nil {
			return nil, err
		}
		emitPartyEvent(ctx, tx, in.Source, res)
		extras = append(extras, resolvedExtra{
			partyID:    res.PartyID,
			role:       p.Role,
			normalized: identity.Normalize(p.Kind, p.Identifier),
		})
	}

	bodyNormalized := NormalizeText(in.Body)
	contentHash := HashBody(in.Body)
	sentAt := in.SentAt.Unix()

	isDup, err := dedup.IsProbableDuplicate(ctx, tx, in.Source, contentHash, sentAt, sender.PartyID)
	if err != nil {
		return nil, err
	}
	if isDup {
		return nil, nil
	}

	messageID := uuid.New().String()
	now := time.Now().Unix()

	var externalIDVal, externalThreadVal, subjectVal, receivedVal, caseVal any
	if in.ExternalID != "" {
		externalIDVal = in.ExternalID
	}
	if in.ExternalThreadID != "" {
		externalThreadVal = in.ExternalThreadID
	}
	if in.Subject != "" {
		subjectVal = in.Subject
	}
	if in.ReceivedAt != nil {
		receivedVal = in.ReceivedAt.Unix()
	}
	if in.CaseID != "" {
		caseVal = in.CaseID
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (
			id, source, external_id, external_thread_id, direction,
			sender_party_id, subject, body, body_normalized, content_hash,
			sent_at, received_at, case_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, messageID, string(in.Source), externalIDVal, externalThreadVal, string(in.Direction),
		sender.PartyID, subjectVal, in.Body, bodyNormalized, contentHash,
		sentAt, receivedVal, caseVal, now); err != nil {
		return nil, &record.StorageError{Op: "message insert", Err: err}
	}

	if err := insertParty(ctx, tx, messageID, sender.PartyID, record.RoleSender); err != nil {
		return nil, err
	}
	if err := insertParty(ctx, tx, messageID, recipient.PartyID, record.RoleRecipient); err != nil {
		return nil, err
	}
	for _, e := range extras {
		if err := insertParty(ctx, tx, messageID, e.partyID, e.role); err != nil {
			return nil, err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages_fts (message_id, subject, body_normalized)
		VALUES (?, ?, ?)
	`, messageID, in.Subject, bodyNormalized); err != nil {
		return nil, &record.StorageError{Op: "fts insert", Err: err}
	}

	for _, a := range in.Attachments {
		var mimeVal, hashVal, sizeVal any
		if a.MimeType != "" {
			mimeVal = a.MimeType
		}
		if a.IntegrityHash != "" {
			hashVal = a.IntegrityHash
		}
		if a.SizeBytes > 0 {
			sizeVal = a.SizeBytes
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO message_attachments (id, message_id, url, mime_type, integrity_hash, size_bytes, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, uuid.New().String(), messageID, a.URL, mimeVal, hashVal, sizeVal, now); err != nil {
			return nil, &record.StorageError{Op: "attachment insert", Err: err}
		}
	}

	participants := []string{
		identity.Normalize(in.SenderKind, in.SenderIdentifier),
		identity.Normalize(in.RecipientKind, in.RecipientID),
	}
	for _, e := range extras {
		participants = append(participants, e.normalized)
	}

	att, err := thread.Attach(ctx, tx, messageID, in.Source, in.ExternalThreadID, sentAt, participants)
	if err != nil {
		return nil, err
	}
	convEvent := bus.TypeConversationResolved
	if att.Created {
		convEvent = bus.TypeConversationCreated
	}
	_ = bus.Emit(ctx, tx, convEvent, string(in.Source), att.ConversationID, nil)
	_ = bus.Emit(ctx, tx, bus.TypeMessageRecorded, string(in.Source), messageID, map[string]string{
		"conversation_id": att.ConversationID,
		"external_id":     in.ExternalID,
	})

	return &Recorded{
		MessageID:      messageID,
		ConversationID: att.ConversationID,
		SenderPartyID:  sender.PartyID,
		ContentHash:    contentHash,
	}, nil
}

func insertParty(ctx context.Context, tx *sql.Tx, messageID, partyID string, role record.Role) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO message_parties (message_id, party_id, role)
		VALUES (?, ?, ?)
		ON CONFLICT(message_id, party_id, role) DO NOTHING
	`, messageID, partyID, string(role)); err != nil {
		return &record.StorageError{Op: "message party insert", Err: err}
	}
	return nil
}

func emitPartyEvent(ctx context.Context, tx *sql.Tx, source record.Source, res identity.Resolution) {
	typ := bus.TypePartyResolved
	if res.Created {
		typ = bus.TypePartyCreated
	}
	_ = bus.Emit(ctx, tx, typ, string(source), res.PartyID, nil)
}

// SetMessageCase updates a message's case scoping; the only mutable metadata
// on an otherwise immutable message row.
func SetMessageCase(ctx context.Context, database *sql.DB, messageID, caseID string) error {
	var caseVal any
	if caseID != "" {
		caseVal = caseID
	}
	res, err := database.ExecContext(ctx, `UPDATE messages SET case_id = ? WHERE id = ?`, caseVal, messageID)
	if err != nil {
		return &record.StorageError{Op: "case update", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &record.ValidationError{Field: "message_id", Reason: "message not found"}
	}
	return nil
}
