// Package thread assigns messages to conversations, creating one when
// necessary, keyed either by the source's explicit thread id or by a derived
// soft key when the source supplies none.
package thread

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lexfabric/commsledger/internal/db"
	"github.com/lexfabric/commsledger/internal/record"
)

const (
	// BucketSeconds is the soft-key time bucket. Without an explicit thread
	// id, rapid back-and-forth between the same participants inside one
	// bucket is the best available signal of a single logical conversation;
	// a longer gap starts a new bucket and accepts some fragmentation rather
	// than merging unrelated messages over long spans.
	BucketSeconds = 2 * 60 * 60

	confidenceExplicit  = 1.0
	confidenceHeuristic = 0.6

	maxUpsertAttempts = 3
)

// Attached is the outcome of attaching a message to a conversation.
type Attached struct {
	ConversationID string
	// Created is true when this attach created the conversation.
	Created bool
}

// SoftKey derives the heuristic grouping key for a message with no explicit
// thread id: source, the 2-hour bucket containing sentAt, and the sorted,
// deduplicated normalized identifiers of every participant.
func SoftKey(source record.Source, sentAtUnix int64, participantIdents []string) string {
	seen := make(map[string]struct{}, len(participantIdents))
	idents := make([]string, 0, len(participantIdents))
	for _, id := range participantIdents {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		idents = append(idents, id)
	}
	sort.Strings(idents)

	bucket := sentAtUnix / BucketSeconds
	if sentAtUnix < 0 && sentAtUnix%BucketSeconds != 0 {
		bucket--
	}

	h := sha256.New()
	h.Write([]byte(string(source)))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatInt(bucket, 10)))
	h.Write([]byte{'|'})
	h.Write([]byte(strings.Join(idents, ",")))
	return hex.EncodeToString(h.Sum(nil))
}

// Attach resolves the conversation for a message and inserts its membership
// row. Membership insert is idempotent: re-attaching an already-member
// message is a no-op.
func Attach(ctx context.Context, q db.Queryer, messageID string, source record.Source, externalThreadID string, sentAtUnix int64, participantIdents []string) (Attached, error) {
	var (
		att Attached
		err error
	)
	if externalThreadID != "" {
		att, err = upsertConversation(ctx, q, source, "external_thread_id", externalThreadID, sentAtUnix, confidenceExplicit)
	} else {
		key := SoftKey(source, sentAtUnix, participantIdents)
		att, err = upsertConversation(ctx, q, source, "soft_key", key, sentAtUnix, confidenceHeuristic)
	}
	if err != nil {
		return Attached{}, err
	}

	if _, err := q.ExecContext(ctx, `
		INSERT INTO conversation_messages (conversation_id, message_id)
		VALUES (?, ?)
		ON CONFLICT(conversation_id, message_id) DO NOTHING
	`, att.ConversationID, messageID); err != nil {
		return Attached{}, &record.StorageError{Op: "conversation membership", Err: err}
	}
	return att, nil
}

// upsertConversation is insert-or-get on (source, keyColumn=keyValue). On an
// existing match last_activity_at only ever advances forward and started_at
// only ever moves back, so attach order does not matter.
func upsertConversation(ctx context.Context, q db.Queryer, source record.Source, keyColumn, keyValue string, sentAtUnix int64, confidence float64) (Attached, error) {
	lookup := `SELECT id FROM conversations WHERE source = ? AND ` + keyColumn + ` = ?`

	var lastErr error
	for attempt := 0; attempt < maxUpsertAttempts; attempt++ {
		var convID string
		err := q.QueryRowContext(ctx, lookup, string(source), keyValue).Scan(&convID)
		if err == nil {
			if _, err := q.ExecContext(ctx, `
				UPDATE conversations
				SET last_activity_at = MAX(last_activity_at, ?),
				    started_at = MIN(started_at, ?)
				WHERE id = ?
			`, sentAtUnix, sentAtUnix, convID); err != nil {
				return Attached{}, &record.StorageError{Op: "conversation touch", Err: err}
			}
			return Attached{ConversationID: convID, Created: false}, nil
		}
		if err != sql.ErrNoRows {
			return Attached{}, &record.StorageError{Op: "conversation lookup", Err: err}
		}

		convID = uuid.New().String()
		now := time.Now().Unix()
		res, err := q.ExecContext(ctx, `
			INSERT INTO conversations (id, source, `+keyColumn+`, started_at, last_activity_at, confidence, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(source, `+keyColumn+`) DO NOTHING
		`, convID, string(source), keyValue, sentAtUnix, sentAtUnix, confidence, now)
		if err != nil {
			return Attached{}, &record.StorageError{Op: "conversation insert", Err: err}
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return Attached{ConversationID: convID, Created: true}, nil
		}

		// Lost the race: a concurrent attach created this key first.
		lastErr = fmt.Errorf("conversation %s/%s=%s claimed concurrently", source, keyColumn, keyValue)
	}
	return Attached{}, &record.StorageError{Op: "conversation upsert", Err: lastErr}
}

// Info is a read view of one conversation.
type Info struct {
	ID               string
	Source           record.Source
	ExternalThreadID string
	SoftKey          string
	StartedAt        time.Time
	LastActivityAt   time.Time
	Confidence       float64
	MessageCount     int
}

// Get loads one conversation with its member count.
func Get(ctx context.Context, q db.Queryer, conversationID string) (*Info, error) {
	var info Info
	var source string
	var externalThreadID, softKey sql.NullString
	var startedAt, lastActivityAt int64
	err := q.QueryRowContext(ctx, `
		SELECT c.id, c.source, c.external_thread_id, c.soft_key,
		       c.started_at, c.last_activity_at, c.confidence,
		       COUNT(cm.message_id)
		FROM conversations c
		LEFT JOIN conversation_messages cm ON cm.conversation_id = c.id
		WHERE c.id = ?
		GROUP BY c.id
	`, conversationID).Scan(&info.ID, &source, &externalThreadID, &softKey,
		&startedAt, &lastActivityAt, &info.Confidence, &info.MessageCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}
	info.Source = record.Source(source)
	if externalThreadID.Valid {
		info.ExternalThreadID = externalThreadID.String
	}
	if softKey.Valid {
		info.SoftKey = softKey.String
	}
	info.StartedAt = time.Unix(startedAt, 0)
	info.LastActivityAt = time.Unix(lastActivityAt, 0)
	return &info, nil
}
