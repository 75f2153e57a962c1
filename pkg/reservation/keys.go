// Package reservation enforces pre-creation uniqueness with TTL-bounded
// claims on keys. A key names one unique thing ("email:a@x.com"); a
// reservation is a time-limited hold on it that either gets confirmed into
// a permanent claim or lapses back to available.
package reservation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/plaenen/commandkernel/pkg/validators"
)

// TTL bounds for a reservation. Out-of-range requests are rejected with
// CodeInvalidTTL rather than clamped.
const (
	MinTTL     = time.Second
	MaxTTL     = 24 * time.Hour
	DefaultTTL = 5 * time.Minute
)

// Validation codes returned in invalid results.
const (
	CodeInvalidType  = "INVALID_KEY_TYPE"
	CodeInvalidValue = "INVALID_KEY_VALUE"
	CodeInvalidTTL   = "INVALID_TTL"
)

// TypeEmail values are lower-cased and checked as addresses during
// normalization and validation.
const TypeEmail = "email"

const (
	maxTypeLength  = 64
	maxValueLength = 512
)

var keyTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// FormatKey joins a type and value into the canonical "type:value" key.
func FormatKey(keyType, value string) string {
	return fmt.Sprintf("%s:%s", keyType, value)
}

// ParseKey splits a key into type and value. The value may itself contain
// colons; only the first separates.
func ParseKey(key string) (keyType, value string, err error) {
	keyType, value, ok := strings.Cut(key, ":")
	if !ok || keyType == "" || value == "" {
		return "", "", fmt.Errorf("malformed reservation key %q", key)
	}
	return keyType, value, nil
}

// NormalizeValue canonicalizes a value before it enters a key: surrounding
// whitespace is trimmed and the text is composed to Unicode NFC, so
// byte-different spellings of the same value collide. Email values are also
// lower-cased.
func NormalizeValue(keyType, value string) string {
	v := norm.NFC.String(strings.TrimSpace(value))
	if keyType == TypeEmail {
		v = strings.ToLower(v)
	}
	return v
}

// ValidateKey checks the type shape and the bounds of an already
// normalized value.
func ValidateKey(keyType, value string) validators.Violations {
	check := validators.NewCheck().
		Require("type", keyType).
		Require("value", value)
	if keyType != "" {
		check.ByteLength("type", keyType, 1, maxTypeLength).
			Match("type", keyType, keyTypePattern, "lowercase letters, digits, '_' or '-'")
	}
	if value != "" {
		check.ByteLength("value", value, 1, maxValueLength)
		if keyType == TypeEmail {
			check.Email("value", value)
		}
	}
	return check.Violations()
}

// ValidateTTL checks a requested TTL against the allowed bounds. Zero
// means the caller wants the default and is valid.
func ValidateTTL(ttl time.Duration) bool {
	if ttl == 0 {
		return true
	}
	return ttl >= MinTTL && ttl <= MaxTTL
}

// ReservationID derives the identifier for a key. The hash makes repeat
// reservations of one key naturally idempotent at the identity level: the
// same key can only ever map to the same row.
func ReservationID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:32]
}
