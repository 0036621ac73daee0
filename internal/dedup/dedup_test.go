package dedup

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lexfabric/commsledger/internal/record"
	"github.com/lexfabric/commsledger/internal/testutil"
)

func seedMessage(t *testing.T, database *sql.DB, source record.Source, contentHash string, sentAt int64, senderPartyID string) {
	t.Helper()
	var senderVal any
	if senderPartyID != "" {
		now := time.Now().Unix()
		if _, err := database.Exec(`
			INSERT INTO parties (id, created_at, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, senderPartyID, now, now); err != nil {
			t.Fatalf("seed party: %v", err)
		}
		senderVal = senderPartyID
	}
	_, err := database.Exec(`
		INSERT INTO messages (id, source, direction, sender_party_id, body, body_normalized, content_hash, sent_at, created_at)
		VALUES (?, ?, 'inbound', ?, 'x', 'x', ?, ?, ?)
	`, uuid.New().String(), string(source), senderVal, contentHash, sentAt, time.Now().Unix())
	if err != nil {
		t.Fatalf("seed message: %v", err)
	}
}

func TestWindowBoundaries(t *testing.T) {
	database := testutil.OpenTestDB(t)
	ctx := context.Background()

	base := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC).Unix()
	hash := "abc123"
	sender := uuid.New().String()
	seedMessage(t, database, record.SourceEmail, hash, base, sender)

	tests := []struct {
		name   string
		sentAt int64
		want   bool
	}{
		{"same instant", base, true},
		{"90s later", base + 90, true},
		{"window edge later", base + Window, true},
		{"window edge earlier", base - Window, true},
		{"just outside later", base + Window + 1, false},
		{"just outside earlier", base - Window - 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := IsProbableDuplicate(ctx, database, record.SourceEmail, hash, tt.sentAt, sender)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("IsProbableDuplicate(sentAt=%d) = %v, want %v", tt.sentAt, got, tt.want)
			}
		})
	}
}

func TestWindowRequiresAllDimensions(t *testing.T) {
	database := testutil.OpenTestDB(t)
	ctx := context.Background()

	base := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC).Unix()
	hash := "abc123"
	sender := uuid.New().String()
	other := uuid.New().String()
	seedMessage(t, database, record.SourceEmail, hash, base, sender)
	seedMessage(t, database, record.SourceEmail, "unused", base, other)

	// Different source: the same content crossing platforms is two records.
	dup, err := IsProbableDuplicate(ctx, database, record.SourceChat, hash, base, sender)
	if err != nil {
		t.Fatal(err)
	}
	if dup {
		t.Error("same hash on a different source should not be a duplicate")
	}

	// Different content.
	dup, err = IsProbableDuplicate(ctx, database, record.SourceEmail, "otherhash", base, sender)
	if err != nil {
		t.Fatal(err)
	}
	if dup {
		t.Error("different content hash should not be a duplicate")
	}

	// Different sender.
	dup, err = IsProbableDuplicate(ctx, database, record.SourceEmail, hash, base, other)
	if err != nil {
		t.Fatal(err)
	}
	if dup {
		t.Error("different sender should not be a duplicate")
	}
}

func TestWindowUnattributedSenders(t *testing.T) {
	database := testutil.OpenTestDB(t)
	ctx := context.Background()

	base := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC).Unix()
	seedMessage(t, database, record.SourceVoice, "hash-null", base, "")

	// Two unattributed messages with identical content do collide.
	dup, err := IsProbableDuplicate(ctx, database, record.SourceVoice, "hash-null", base+10, "")
	if err != nil {
		t.Fatal(err)
	}
	if !dup {
		t.Error("matching unattributed messages should be duplicates")
	}

	// An unattributed message never matches an attributed one.
	dup, err = IsProbableDuplicate(ctx, database, record.SourceVoice, "hash-null", base+10, uuid.New().String())
	if err != nil {
		t.Fatal(err)
	}
	if dup {
		t.Error("attributed probe should not match an unattributed message")
	}
}
