package contacts

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// Hash returns the content hash that identifies a contact.
//
// Inputs are normalized first so formatting differences in the source file
// (case, spacing, phone punctuation) do not produce distinct contacts.
func Hash(firstName, lastName, dob, phone string) string {
	parts := []string{
		normalizeName(firstName),
		normalizeName(lastName),
		strings.TrimSpace(dob),
		Digits(phone),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Digits strips everything but 0-9 from s.
func Digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func normalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r)
	}), " ")
}
