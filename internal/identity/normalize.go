package identity

import (
	"strings"

	"github.com/lexfabric/commsledger/internal/record"
)

// Normalize maps a raw contact identifier to its canonical comparable form.
// Total and deterministic: malformed input still yields a best-effort string,
// and the same input always yields the same output across processes (plain
// ASCII lowering, no locale-dependent case folding).
func Normalize(kind record.IdentifierKind, raw string) string {
	switch kind {
	case record.KindPhone:
		return normalizePhone(raw)
	default:
		// Network addresses, handles, platform ids: lower-case + trim.
		return lowerASCII(strings.TrimSpace(raw))
	}
}

// normalizePhone strips everything except digits and a single leading plus.
func normalizePhone(raw string) string {
	raw = strings.TrimSpace(raw)
	var b strings.Builder
	b.Grow(len(raw))
	for i, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
			continue
		}
		if r == '+' && i == 0 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// lowerASCII lowers A-Z only, leaving multibyte runes untouched so the result
// is stable regardless of locale or Unicode tables.
func lowerASCII(s string) string {
	hasUpper := false
	for i := 0; i < len(s); i++ {
		if s[i] >= 'A' && s[i] <= 'Z' {
			hasUpper = true
			break
		}
	}
	if !hasUpper {
		return s
	}
	b := []byte(s)
	for i := 0; i < len(b); i++ {
		if b[i] >= 'A' && b[i] <= 'Z' {
			b[i] += 'a' - 'A'
		}
	}
	return string(b)
}

// DetectKind guesses the identifier kind for free-form query input:
// anything with an @ is a network address, digit-heavy strings are phone
// numbers, everything else is treated as an opaque identifier.
func DetectKind(identifier string) record.IdentifierKind {
	identifier = strings.TrimSpace(identifier)
	if strings.Contains(identifier, "@") {
		return record.KindEmail
	}
	if looksLikePhone(identifier) {
		return record.KindPhone
	}
	return record.KindOther
}

func looksLikePhone(s string) bool {
	digits := 0
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return false
		}
	}
	return digits >= 5
}
