package identity

import (
	"testing"

	"github.com/lexfabric/commsledger/internal/record"
)

func TestNormalizeEmail(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"Alice@Example.COM", "alice@example.com"},
		{"  alice@example.com  ", "alice@example.com"},
		{"alice@example.com", "alice@example.com"},
	}
	for _, tt := range tests {
		if got := Normalize(record.KindEmail, tt.raw); got != tt.want {
			t.Errorf("Normalize(email, %q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"+1 (555) 000-1111", "+15550001111"},
		{"+1-555-000-1111", "+15550001111"},
		{"555 000 1111", "5550001111"},
		{"(555) 000.1111", "5550001111"},
	}
	for _, tt := range tests {
		if got := Normalize(record.KindPhone, tt.raw); got != tt.want {
			t.Errorf("Normalize(phone, %q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []struct {
		kind record.IdentifierKind
		raw  string
	}{
		{record.KindEmail, "Alice@Example.COM"},
		{record.KindPhone, "+1 (555) 000-1111"},
		{record.KindHandle, "  @Alice_W  "},
		{record.KindOther, "Something Opaque"},
	}
	for _, in := range inputs {
		once := Normalize(in.kind, in.raw)
		twice := Normalize(in.kind, once)
		if once != twice {
			t.Errorf("Normalize(%s, %q) not idempotent: %q != %q", in.kind, in.raw, once, twice)
		}
	}
}

func TestNormalizeLeavesNonASCII(t *testing.T) {
	// Case folding is ASCII-only so normalized keys are locale-stable.
	got := Normalize(record.KindHandle, "Ülrich")
	if got != "Ülrich" {
		t.Errorf("Normalize(handle, Ülrich) = %q, want unchanged non-ASCII", got)
	}
}

func TestDetectKind(t *testing.T) {
	tests := []struct {
		identifier string
		want       record.IdentifierKind
	}{
		{"alice@example.com", record.KindEmail},
		{"+1 (555) 000-1111", record.KindPhone},
		{"555.000.1111", record.KindPhone},
		{"@alice_w", record.KindEmail}, // anything addressed with @ resolves as a network address
		{"opaque-token", record.KindOther},
		{"123", record.KindOther}, // too few digits for a phone
	}
	for _, tt := range tests {
		if got := DetectKind(tt.identifier); got != tt.want {
			t.Errorf("DetectKind(%q) = %q, want %q", tt.identifier, got, tt.want)
		}
	}
}
