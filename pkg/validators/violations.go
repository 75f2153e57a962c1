package validators

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/asaskevich/govalidator"
)

// Code classifies why a field failed validation.
type Code string

const (
	CodeRequired Code = "REQUIRED"
	CodeInvalid  Code = "INVALID"
	CodeTooShort Code = "TOO_SHORT"
	CodeTooLong  Code = "TOO_LONG"
)

// Violation is a single failed check on a named field.
type Violation struct {
	Field   string `json:"field"`
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// RejectionCode returns the stable machine-readable code for a decider
// rejection, e.g. "INVALID_QUANTITY".
func (v Violation) RejectionCode() string {
	field := strings.ToUpper(strings.ReplaceAll(v.Field, "-", "_"))
	return fmt.Sprintf("%s_%s", v.Code, field)
}

// Violations is the ordered set of failed checks.
type Violations []Violation

// OK reports whether no check failed.
func (v Violations) OK() bool { return len(v) == 0 }

// First returns the first violation, or nil.
func (v Violations) First() *Violation {
	if len(v) == 0 {
		return nil
	}
	return &v[0]
}

// Messages returns all violation messages.
func (v Violations) Messages() []string {
	msgs := make([]string, 0, len(v))
	for _, violation := range v {
		msgs = append(msgs, violation.Message)
	}
	return msgs
}

// Check accumulates field validations. Checks short-circuit per field:
// a failed Require suppresses nothing on other fields.
type Check struct {
	violations Violations
}

// NewCheck creates an empty check.
func NewCheck() *Check {
	return &Check{}
}

func (c *Check) add(field string, code Code, format string, args ...any) *Check {
	c.violations = append(c.violations, Violation{
		Field:   field,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	})
	return c
}

// Require fails when value is empty.
func (c *Check) Require(field, value string) *Check {
	if len(value) == 0 {
		return c.add(field, CodeRequired, "%s is required", ToFriendlyName(field))
	}
	return c
}

// ByteLength fails when value is outside [min, max] bytes.
func (c *Check) ByteLength(field, value string, min, max int) *Check {
	if len(value) < min {
		return c.add(field, CodeTooShort, "%s must be at least %d characters", ToFriendlyName(field), min)
	}
	if !govalidator.IsByteLength(value, min, max) {
		return c.add(field, CodeTooLong, "%s must be no more than %d characters", ToFriendlyName(field), max)
	}
	return c
}

// Email fails when value is not a valid email address.
func (c *Check) Email(field, value string) *Check {
	if !govalidator.IsEmail(value) {
		return c.add(field, CodeInvalid, "%s must be a valid email address", ToFriendlyName(field))
	}
	return c
}

// Match fails when value does not match re. hint names the expected shape
// in the message.
func (c *Check) Match(field, value string, re *regexp.Regexp, hint string) *Check {
	if !re.MatchString(value) {
		return c.add(field, CodeInvalid, "%s must be %s", ToFriendlyName(field), hint)
	}
	return c
}

// Violations returns the accumulated violations.
func (c *Check) Violations() Violations {
	return c.violations
}

// ToFriendlyName converts snake_case field names to readable names,
// e.g. "reservation_key" -> "Reservation key".
func ToFriendlyName(field string) string {
	if field == "" {
		return field
	}
	parts := strings.Split(field, "_")
	for i, part := range parts {
		if i == 0 && len(part) > 0 {
			parts[i] = strings.ToUpper(part[:1]) + strings.ToLower(part[1:])
			continue
		}
		parts[i] = strings.ToLower(part)
	}
	return strings.Join(parts, " ")
}
