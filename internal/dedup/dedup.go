// Package dedup decides whether an incoming message is a probable
// re-delivery of an already-recorded message.
package dedup

import (
	"context"

	"github.com/lexfabric/commsledger/internal/db"
	"github.com/lexfabric/commsledger/internal/record"
)

// Window is the symmetric sent-time tolerance within which identical-content
// messages from the same sender are treated as one re-delivered event. It
// absorbs clock skew and multi-hop delivery latency between export and import
// pipelines; identical messages outside the window are distinct on purpose
// (a verbatim repeat sent hours apart is a real second message).
const Window = 180 // seconds

// IsProbableDuplicate reports whether a prior message exists with the same
// source, identical content hash, the same sender party (including both
// unattributed), and a sent time within ±Window of sentAtUnix.
func IsProbableDuplicate(ctx context.Context, q db.Queryer, source record.Source, contentHash string, sentAtUnix int64, senderPartyID string) (bool, error) {
	var senderVal any
	if senderPartyID != "" {
		senderVal = senderPartyID
	}
	var exists bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM messages
			WHERE source = ?
			  AND content_hash = ?
			  AND sender_party_id IS ?
			  AND sent_at BETWEEN ? AND ?
		)
	`, string(source), contentHash, senderVal, sentAtUnix-Window, sentAtUnix+Window).Scan(&exists)
	if err != nil {
		return false, &record.StorageError{Op: "duplicate probe", Err: err}
	}
	return exists, nil
}
