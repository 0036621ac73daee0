package query

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/lexfabric/commsledger/internal/identity"
	"github.com/lexfabric/commsledger/internal/record"
	"github.com/lexfabric/commsledger/internal/recorder"
	"github.com/lexfabric/commsledger/internal/testutil"
)

func mustRecord(t *testing.T, database *sql.DB, in record.Input) *recorder.Recorded {
	t.Helper()
	rec, err := recorder.Record(context.Background(), database, in)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec == nil {
		t.Fatal("unexpected duplicate during seeding")
	}
	return rec
}

func emailInput(sender, recipient, subject, body string, sentAt time.Time) record.Input {
	return record.Input{
		Source:           record.SourceEmail,
		Direction:        record.DirectionInbound,
		SenderKind:       record.KindEmail,
		SenderIdentifier: sender,
		RecipientKind:    record.KindEmail,
		RecipientID:      recipient,
		Subject:          subject,
		Body:             body,
		SentAt:           sentAt,
	}
}

func TestSearchMessages(t *testing.T) {
	database := testutil.OpenTestDB(t)
	ctx := context.Background()

	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	mustRecord(t, database, emailInput("alice@example.com", "firm@lexfabric.com",
		"Deposition schedule", "The deposition is set for Thursday.", day.Add(9*time.Hour)))
	mustRecord(t, database, emailInput("bob@example.com", "firm@lexfabric.com",
		"Invoices", "March invoices attached.", day.Add(10*time.Hour)))

	chat := record.Input{
		Source:           record.SourceChat,
		Direction:        record.DirectionInbound,
		SenderKind:       record.KindHandle,
		SenderIdentifier: "alice.w",
		RecipientKind:    record.KindHandle,
		RecipientID:      "counsel.bot",
		Body:             "Can we move the deposition to Friday?",
		SentAt:           day.Add(11 * time.Hour),
	}
	mustRecord(t, database, chat)

	results, err := SearchMessages(ctx, database, SearchRequest{Query: "deposition"})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	// Deterministic sent-time ordering.
	if !results[0].SentAt.Before(results[1].SentAt) {
		t.Error("results should be ordered by sent time")
	}

	// Source filter narrows to the email hit.
	results, err = SearchMessages(ctx, database, SearchRequest{Query: "deposition", Source: record.SourceEmail})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Source != "email" {
		t.Fatalf("source filter returned %+v", results)
	}

	// Date filter excludes everything before 10:00.
	start := day.Add(10 * time.Hour)
	results, err = SearchMessages(ctx, database, SearchRequest{Query: "deposition", Start: &start})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Source != "chat" {
		t.Fatalf("date filter returned %+v", results)
	}

	if _, err := SearchMessages(ctx, database, SearchRequest{Query: "   "}); err == nil {
		t.Error("expected error for empty query")
	}
}

func TestSearchSnippetTruncation(t *testing.T) {
	database := testutil.OpenTestDB(t)
	ctx := context.Background()

	long := "settlement " + strings.Repeat("negotiation points and counterpoints ", 10)
	mustRecord(t, database, emailInput("alice@example.com", "firm@lexfabric.com",
		"Long memo", long, time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)))

	results, err := SearchMessages(ctx, database, SearchRequest{Query: "settlement"})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	snippet := results[0].Snippet
	if !strings.HasSuffix(snippet, "...") {
		t.Errorf("long body snippet should end with ellipsis, got %q", snippet)
	}
	if len(snippet) != snippetLen+3 {
		t.Errorf("snippet length = %d, want %d", len(snippet), snippetLen+3)
	}
}

func TestSearchOperatorInputIsLiteral(t *testing.T) {
	database := testutil.OpenTestDB(t)
	ctx := context.Background()

	mustRecord(t, database, emailInput("alice@example.com", "firm@lexfabric.com",
		"Quotes", "he said \"near\" the courthouse", time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)))

	// FTS5 operators in user input must not produce syntax errors.
	for _, q := range []string{`"near"`, `courthouse NOT`, `said AND near`, `(said`} {
		if _, err := SearchMessages(ctx, database, SearchRequest{Query: q}); err != nil {
			t.Errorf("query %q should not error: %v", q, err)
		}
	}
}

func TestFindPartyMessagesAcrossRoles(t *testing.T) {
	database := testutil.OpenTestDB(t)
	ctx := context.Background()

	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	// Alice sends one message and receives another.
	mustRecord(t, database, emailInput("alice@example.com", "firm@lexfabric.com",
		"Question", "When is the hearing?", day.Add(9*time.Hour)))
	mustRecord(t, database, emailInput("firm@lexfabric.com", "alice@example.com",
		"Re: Question", "The hearing is on the 14th.", day.Add(10*time.Hour)))
	// Unrelated traffic.
	mustRecord(t, database, emailInput("bob@example.com", "firm@lexfabric.com",
		"Invoices", "March invoices attached.", day.Add(11*time.Hour)))

	msgs, err := FindPartyMessages(ctx, database, "Alice@Example.COM")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if !msgs[0].SentAt.Before(msgs[1].SentAt) {
		t.Error("party messages should be ordered by sent time")
	}

	// Unknown identifier resolves to nothing, not an error.
	msgs, err = FindPartyMessages(ctx, database, "nobody@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if msgs != nil {
		t.Errorf("expected nil for unknown identifier, got %d messages", len(msgs))
	}
}

func TestPartyActivity(t *testing.T) {
	database := testutil.OpenTestDB(t)
	ctx := context.Background()

	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	in := emailInput("alice@example.com", "firm@lexfabric.com",
		"Question", "When is the hearing?", day.Add(9*time.Hour))
	in.SenderName = "Alice W"
	mustRecord(t, database, in)
	mustRecord(t, database, emailInput("firm@lexfabric.com", "alice@example.com",
		"Re: Question", "The hearing is on the 14th.", day.Add(10*time.Hour)))

	act, err := PartyActivity(ctx, database, "alice@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if act == nil {
		t.Fatal("expected activity")
	}
	if act.DisplayName != "Alice W" {
		t.Errorf("display name = %q, want Alice W", act.DisplayName)
	}
	if act.TotalMessages != 2 {
		t.Errorf("total = %d, want 2", act.TotalMessages)
	}
	if act.ByRole["sender"] != 1 || act.ByRole["recipient"] != 1 {
		t.Errorf("by role = %v, want one sender and one recipient", act.ByRole)
	}
	if act.BySource["email"] != 2 {
		t.Errorf("by source = %v, want email: 2", act.BySource)
	}
	if act.FirstActivity == nil || act.LastActivity == nil {
		t.Fatal("expected first/last activity")
	}
	if !act.FirstActivity.Before(*act.LastActivity) {
		t.Error("first activity should precede last")
	}
}

// One person under two identifiers. Linking reassigns identifier ownership
// going forward; attributions already on record stay with the party that held
// the identifier at record time.
func TestCaseTimelineAcrossSources(t *testing.T) {
	database := testutil.OpenTestDB(t)
	ctx := context.Background()

	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	in := emailInput("alice@example.com", "firm@lexfabric.com",
		"Question", "When is the hearing?", day.Add(9*time.Hour))
	in.SenderName = "Alice W"
	mustRecord(t, database, in)

	chat := record.Input{
		Source:           record.SourceChat,
		Direction:        record.DirectionInbound,
		SenderKind:       record.KindPhone,
		SenderIdentifier: "+1 (555) 000-1111",
		RecipientKind:    record.KindPhone,
		RecipientID:      "+1 555 000 2222",
		Body:             "Running late to the deposition.",
		SentAt:           day.Add(14 * time.Hour),
	}
	mustRecord(t, database, chat)

	req := TimelineRequest{
		Start:       day,
		End:         day.Add(48 * time.Hour),
		Identifiers: []string{"alice@example.com"},
	}

	entries, err := CaseTimeline(ctx, database, req)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries before link = %d, want 1", len(entries))
	}
	if entries[0].Sender != "Alice W" {
		t.Errorf("sender label = %q, want Alice W", entries[0].Sender)
	}
	if !strings.Contains(entries[0].Recipients, "firm@lexfabric.com") {
		t.Errorf("recipients %q should name the firm", entries[0].Recipients)
	}

	// Discovery: the phone belongs to Alice. New traffic from that number
	// now resolves to her party.
	alicePartyID, err := identity.LookupParty(ctx, database, record.KindEmail, "alice@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if err := identity.LinkIdentifier(ctx, database, alicePartyID, record.KindPhone, "+15550001111"); err != nil {
		t.Fatal(err)
	}

	chat2 := chat
	chat2.Body = "Parking now, five minutes out."
	chat2.SentAt = day.Add(15 * time.Hour)
	rec := mustRecord(t, database, chat2)
	if rec.SenderPartyID != alicePartyID {
		t.Errorf("post-link chat sender = %s, want alice %s", rec.SenderPartyID, alicePartyID)
	}

	entries, err = CaseTimeline(ctx, database, req)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries after link = %d, want 2", len(entries))
	}
	if entries[0].Source != "email" || entries[1].Source != "chat" {
		t.Errorf("timeline order: %s then %s, want email then chat", entries[0].Source, entries[1].Source)
	}

	// Either of Alice's identifiers names the same identity; passing both
	// must not double entries.
	entries, err = CaseTimeline(ctx, database, TimelineRequest{
		Start:       req.Start,
		End:         req.End,
		Identifiers: []string{"alice@example.com", "+15550001111"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries with duplicate identifiers = %d, want 2", len(entries))
	}

	if _, err := CaseTimeline(ctx, database, TimelineRequest{Start: day, End: day}); err == nil {
		t.Error("expected error for empty identifier list")
	}
}
