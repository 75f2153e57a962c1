package reservation

import (
	"strings"
	"testing"
	"time"
)

func TestFormatKey(t *testing.T) {
	if got := FormatKey("email", "a@x.com"); got != "email:a@x.com" {
		t.Errorf("FormatKey = %q", got)
	}
}

func TestParseKey(t *testing.T) {
	keyType, value, err := ParseKey("email:a@x.com")
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	if keyType != "email" || value != "a@x.com" {
		t.Errorf("ParseKey = %q, %q", keyType, value)
	}
}

func TestParseKey_ValueMayContainColons(t *testing.T) {
	keyType, value, err := ParseKey("handle:org:team:alice")
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	if keyType != "handle" || value != "org:team:alice" {
		t.Errorf("ParseKey = %q, %q", keyType, value)
	}
}

func TestParseKey_Malformed(t *testing.T) {
	for _, key := range []string{"", "noseparator", ":value", "type:"} {
		if _, _, err := ParseKey(key); err == nil {
			t.Errorf("ParseKey(%q): expected error", key)
		}
	}
}

func TestNormalizeValue_TrimsAndComposes(t *testing.T) {
	got := NormalizeValue("username", "  café  ")
	if got != "café" {
		t.Errorf("NormalizeValue = %q", got)
	}
}

func TestNormalizeValue_LowercasesEmail(t *testing.T) {
	if got := NormalizeValue(TypeEmail, " User@Example.COM "); got != "user@example.com" {
		t.Errorf("NormalizeValue = %q", got)
	}
	// Only email values are case-folded.
	if got := NormalizeValue("username", "Alice"); got != "Alice" {
		t.Errorf("NormalizeValue = %q", got)
	}
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		keyType string
		value   string
		ok      bool
	}{
		{"valid", "email", "a@x.com", true},
		{"valid with punctuation", "user_name-2", "alice", true},
		{"empty type", "", "alice", false},
		{"empty value", "username", "", false},
		{"uppercase type", "Email", "a@x.com", false},
		{"leading digit", "2fa", "code", false},
		{"type too long", strings.Repeat("a", 65), "v", false},
		{"value too long", "username", strings.Repeat("v", 513), false},
		{"invalid email", "email", "not-an-address", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			violations := ValidateKey(tt.keyType, tt.value)
			if violations.OK() != tt.ok {
				t.Errorf("ValidateKey(%q, len %d) ok = %v, want %v: %v",
					tt.keyType, len(tt.value), violations.OK(), tt.ok, violations.Messages())
			}
		})
	}
}

func TestValidateTTL(t *testing.T) {
	tests := []struct {
		ttl time.Duration
		ok  bool
	}{
		{0, true}, // default requested
		{time.Second, true},
		{5 * time.Minute, true},
		{24 * time.Hour, true},
		{500 * time.Millisecond, false},
		{24*time.Hour + time.Second, false},
		{-time.Minute, false},
	}
	for _, tt := range tests {
		if got := ValidateTTL(tt.ttl); got != tt.ok {
			t.Errorf("ValidateTTL(%s) = %v, want %v", tt.ttl, got, tt.ok)
		}
	}
}

func TestReservationID(t *testing.T) {
	id := ReservationID("email:a@x.com")
	if len(id) != 32 {
		t.Fatalf("ReservationID length = %d, want 32", len(id))
	}
	for _, r := range id {
		if !strings.ContainsRune("0123456789abcdef", r) {
			t.Fatalf("ReservationID contains non-hex rune %q", r)
		}
	}
	if again := ReservationID("email:a@x.com"); again != id {
		t.Error("ReservationID is not deterministic")
	}
	if other := ReservationID("email:b@x.com"); other == id {
		t.Error("distinct keys produced the same ID")
	}
}
