package validators

import "strings"

// MaskValue masks a sensitive value for logs, keeping the last 4
// characters. Reservation values (emails, usernames) are PII and must not
// appear in full in log output.
func MaskValue(value string) string {
	if len(value) < 4 {
		return "************"
	}
	return strings.Repeat("*", len(value)-4) + value[len(value)-4:]
}
