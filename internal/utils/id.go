package utils

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

// ErrInvalidIdentifier is returned for user ids that fail validation.
// Callers are expected to reject these before any network I/O happens.
var ErrInvalidIdentifier = errors.New("invalid identifier")

// NewID returns a best-effort unique identifier.
func NewID() string {
	const size = 12

	buf := make([]byte, size)
	if _, err := rand.Read(buf); err == nil {
		return hex.EncodeToString(buf)
	}

	// Fallback to timestamp if crypto/rand is unavailable.
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}

// ValidateUserID checks that a user id is a well-formed identifier:
// non-empty, at most 64 chars, ASCII letters, digits, '-' or '_'.
func ValidateUserID(id string) error {
	if id == "" || len(id) > 64 {
		return ErrInvalidIdentifier
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return ErrInvalidIdentifier
		}
	}
	return nil
}
