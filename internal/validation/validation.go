package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Limits applied to locally written records before they are queued.
const (
	// MaxTableNameLength bounds table names; they become URL path segments
	// and object key prefixes on the remote.
	MaxTableNameLength = 64
	// MaxEntityIDLength bounds record identifiers.
	MaxEntityIDLength = 256
	// MaxPayloadBytes bounds a single record payload (1 MiB).
	MaxPayloadBytes = 1 << 20
)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add appends a validation error to the collector if non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

// HasErrors returns true if the collector has accumulated any errors.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all accumulated validation errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// ValidateUTF8 returns an error if the value is not valid UTF-8.
func ValidateUTF8(field, value string) *ValidationError {
	if !utf8.ValidString(value) {
		return &ValidationError{
			Field:   field,
			Message: "must be valid UTF-8",
		}
	}
	return nil
}

// ValidateNoNullBytes returns an error if the value contains null bytes.
func ValidateNoNullBytes(field, value string) *ValidationError {
	if strings.Contains(value, "\x00") {
		return &ValidationError{
			Field:   field,
			Message: "must not contain null bytes",
		}
	}
	return nil
}

// ValidateMaxLength returns an error if the value exceeds max runes.
func ValidateMaxLength(field, value string, max int) *ValidationError {
	if utf8.RuneCountInString(value) > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", max),
		}
	}
	return nil
}

// ValidateULID returns an error if the value is not a valid ULID format.
// ULIDs are 26 characters using Crockford Base32 (excludes I, L, O, U).
func ValidateULID(field, value string) *ValidationError {
	if len(value) != 26 {
		return &ValidationError{
			Field:   field,
			Message: "must be a valid ULID (26 characters)",
		}
	}

	// Crockford Base32 alphabet: 0123456789ABCDEFGHJKMNPQRSTVWXYZ
	// Excludes: I, L, O, U (to avoid confusion)
	const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
	for _, r := range value {
		upper := strings.ToUpper(string(r))
		if !strings.Contains(crockfordBase32, upper) {
			return &ValidationError{
				Field:   field,
				Message: "must be a valid ULID (invalid character)",
			}
		}
	}
	return nil
}

// ValidateRequired returns an error if the value is empty or whitespace-only.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{
			Field:   field,
			Message: "is required",
		}
	}
	return nil
}

// ValidateTableName returns an error unless the value is a plain identifier:
// ASCII letters, digits and underscores, not starting with a digit. Table
// names travel as URL path segments and remote object key prefixes, so
// anything fancier is rejected outright.
func ValidateTableName(field, value string) *ValidationError {
	if err := ValidateRequired(field, value); err != nil {
		return err
	}
	if err := ValidateMaxLength(field, value, MaxTableNameLength); err != nil {
		return err
	}
	for i, r := range value {
		switch {
		case r == '_':
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return &ValidationError{
					Field:   field,
					Message: "must not start with a digit",
				}
			}
		default:
			return &ValidationError{
				Field:   field,
				Message: "must contain only letters, digits and underscores",
			}
		}
	}
	return nil
}

// ValidateEntityID returns an error unless the value is a usable record
// identifier. IDs are opaque but must survive as a single URL path segment
// and a single object key component.
func ValidateEntityID(field, value string) *ValidationError {
	if err := ValidateRequired(field, value); err != nil {
		return err
	}
	if err := ValidateUTF8(field, value); err != nil {
		return err
	}
	if err := ValidateNoNullBytes(field, value); err != nil {
		return err
	}
	if err := ValidateMaxLength(field, value, MaxEntityIDLength); err != nil {
		return err
	}
	if strings.ContainsAny(value, "/\\") {
		return &ValidationError{
			Field:   field,
			Message: "must not contain path separators",
		}
	}
	return nil
}

// ValidatePayload returns an error unless the value is a non-empty JSON
// document within the size limit.
func ValidatePayload(field string, payload []byte) *ValidationError {
	if len(payload) == 0 {
		return &ValidationError{
			Field:   field,
			Message: "is required",
		}
	}
	if len(payload) > MaxPayloadBytes {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum size of %d bytes", MaxPayloadBytes),
		}
	}
	if !json.Valid(payload) {
		return &ValidationError{
			Field:   field,
			Message: "must be valid JSON",
		}
	}
	return nil
}

// ValidateRecordKey validates the table/id pair addressing a record.
func ValidateRecordKey(table, id string) []ValidationError {
	c := &Collector{}
	c.Add(ValidateTableName("table", table))
	c.Add(ValidateEntityID("id", id))
	return c.Errors()
}

// ValidateRecordWrite validates a full local write: key plus payload.
func ValidateRecordWrite(table, id string, payload []byte) []ValidationError {
	c := &Collector{}
	c.Add(ValidateTableName("table", table))
	c.Add(ValidateEntityID("id", id))
	c.Add(ValidatePayload("payload", payload))
	return c.Errors()
}
