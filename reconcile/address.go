// Package reconcile merges partial message lists from multiple logical
// sources into one canonical, deduplicated, time-ordered view: it unifies
// divergent address spellings, folds multiple underlying conversation
// thread ids into one logical thread, and reconciles unread counts tracked
// at two different granularities.
package reconcile

import "strings"

// canonicalDigits is the number of trailing digits that identify one
// logical party across address-format drift ("+1 (555) 123-4567" and
// "5551234567" are the same sender).
const canonicalDigits = 10

// CanonicalAddress normalizes an address to its canonical identity key.
// All characters except digits and a leading '+' are stripped; addresses
// sharing the same trailing 10 digits map to the same key. Addresses with
// no digits at all (short alphanumeric sender ids) are returned unchanged
// and only ever compare equal to themselves.
//
// The function is idempotent: CanonicalAddress(CanonicalAddress(s)) ==
// CanonicalAddress(s).
func CanonicalAddress(address string) string {
	var b strings.Builder
	for i, r := range address {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else if r == '+' && i == 0 {
			b.WriteRune(r)
		}
	}
	normalized := b.String()

	digits := strings.TrimPrefix(normalized, "+")
	if len(digits) == 0 {
		return address
	}
	if len(digits) >= canonicalDigits {
		return digits[len(digits)-canonicalDigits:]
	}
	return normalized
}

// SameParty reports whether two addresses resolve to the same logical
// party.
func SameParty(a, b string) bool {
	return CanonicalAddress(a) == CanonicalAddress(b)
}
