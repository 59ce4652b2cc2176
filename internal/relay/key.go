package relay

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// keySeparator joins the normalized subject and recipient. Neither field is
// expected to contain it; a subject that does simply produces a different key.
const keySeparator = "||"

const trackingIDBytes = 6

// NormalizeKey derives the correlation key for a (subject, recipient) pair:
// case-folded, internal whitespace runs collapsed to single spaces, trimmed,
// joined with keySeparator. Deterministic and pure.
func NormalizeKey(subject, recipient string) string {
	return normalizeField(subject) + keySeparator + normalizeField(recipient)
}

func normalizeField(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// AssignIdentifier produces a new tracking identifier: 48 bits from a
// cryptographically secure source rendered as 12 lowercase hex characters.
// No uniqueness check is performed anywhere; collision probability at
// expected volumes is treated as negligible.
func AssignIdentifier() string {
	buf := make([]byte, trackingIDBytes)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform RNG is broken; there is
		// nothing sensible to fall back to for an identifier that must be
		// unguessable, so give up loudly.
		panic("relay: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}
