// Package uuidutil normalizes UUID literals supplied in query filters.
package uuidutil

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ParseString parses common UUID string formats and returns a normalized lower-case UUID.
func ParseString(raw string) (uuid.UUID, string, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("invalid UUID value")
	}
	return parsed, strings.ToLower(parsed.String()), nil
}

// ParseBytes parses RFC-order UUID bytes and returns a normalized lower-case UUID.
func ParseBytes(raw []byte) (uuid.UUID, string, error) {
	parsed, err := uuid.FromBytes(raw)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("invalid UUID bytes")
	}
	return parsed, strings.ToLower(parsed.String()), nil
}

// Canonical returns the canonical lower-case text form of a UUID given as a
// string, a uuid.UUID, or 16 raw bytes.
func Canonical(value any) (string, error) {
	switch v := value.(type) {
	case string:
		_, canonical, err := ParseString(v)
		return canonical, err
	case uuid.UUID:
		return strings.ToLower(v.String()), nil
	case []byte:
		if len(v) == 16 {
			_, canonical, err := ParseBytes(v)
			return canonical, err
		}
		_, canonical, err := ParseString(string(v))
		return canonical, err
	default:
		return "", fmt.Errorf("UUID value must be a string")
	}
}
