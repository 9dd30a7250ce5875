package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/hyperengineering/waypoint/internal/types"
)

// Field limits for collaborator requests.
const (
	MaxEntityTypeLength = 64
	MaxPayloadBytes     = 1 << 20
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

// ValidateRequired returns an error if the value is empty or whitespace-only.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Field: field, Message: "is required"}
	}
	return nil
}

// ValidateText rejects invalid UTF-8, null bytes, and values longer than max runes.
func ValidateText(field, value string, max int) *ValidationError {
	switch {
	case !utf8.ValidString(value):
		return &ValidationError{Field: field, Message: "must be valid UTF-8"}
	case strings.Contains(value, "\x00"):
		return &ValidationError{Field: field, Message: "must not contain null bytes"}
	case utf8.RuneCountInString(value) > max:
		return &ValidationError{Field: field, Message: fmt.Sprintf("exceeds maximum length of %d characters", max)}
	}
	return nil
}

// ValidateEnum returns an error if the value is not in the allowed list.
func ValidateEnum(field, value string, allowed []string) *ValidationError {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
	}
}

// ValidatePositive returns an error unless value > 0.
func ValidatePositive(field string, value int64) *ValidationError {
	if value <= 0 {
		return &ValidationError{Field: field, Message: "must be a positive integer"}
	}
	return nil
}

// ValidateNonNegative returns an error if value < 0.
func ValidateNonNegative(field string, value float64) *ValidationError {
	if value < 0 {
		return &ValidationError{Field: field, Message: "must not be negative"}
	}
	return nil
}

// ValidatePayload returns an error when raw is present but not valid JSON or too large.
func ValidatePayload(field string, raw json.RawMessage) *ValidationError {
	if len(raw) == 0 {
		return nil
	}
	if len(raw) > MaxPayloadBytes {
		return &ValidationError{Field: field, Message: fmt.Sprintf("exceeds maximum size of %d bytes", MaxPayloadBytes)}
	}
	if !json.Valid(raw) {
		return &ValidationError{Field: field, Message: "must be valid JSON"}
	}
	return nil
}

// ValidateULID returns an error if the value is not a valid ULID format.
// ULIDs are 26 characters using Crockford Base32 (excludes I, L, O, U).
func ValidateULID(field, value string) *ValidationError {
	if len(value) != 26 {
		return &ValidationError{Field: field, Message: "must be a valid ULID (26 characters)"}
	}

	const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
	for _, r := range strings.ToUpper(value) {
		if !strings.ContainsRune(crockfordBase32, r) {
			return &ValidationError{Field: field, Message: "must be a valid ULID (invalid character)"}
		}
	}
	return nil
}

func actionNames() []string {
	names := make([]string, len(types.ActionKinds))
	for i, k := range types.ActionKinds {
		names[i] = string(k)
	}
	return names
}

// EntityTypeNames returns the cacheable categories as strings.
func EntityTypeNames() []string {
	names := make([]string, len(types.EntityTypes))
	for i, t := range types.EntityTypes {
		names[i] = string(t)
	}
	return names
}

// ValidateQueueActionRequest checks a request to enqueue a mutation.
func ValidateQueueActionRequest(req *types.QueueActionRequest) []ValidationError {
	var c Collector

	if err := ValidateRequired("action", string(req.Action)); err != nil {
		c.Add(err)
	} else {
		c.Add(ValidateEnum("action", string(req.Action), actionNames()))
	}

	if err := ValidateRequired("entityType", req.EntityType); err != nil {
		c.Add(err)
	} else {
		c.Add(ValidateText("entityType", req.EntityType, MaxEntityTypeLength))
	}

	c.Add(ValidatePositive("entityId", req.EntityID))
	c.Add(ValidatePayload("payload", req.Payload))

	return c.Errors()
}

// ValidateEntityType checks a cache category path parameter.
func ValidateEntityType(value string) *ValidationError {
	return ValidateEnum("type", value, EntityTypeNames())
}

// ValidateAnalyticsSnapshot checks a snapshot submitted for recording.
func ValidateAnalyticsSnapshot(snap *types.AnalyticsSnapshot) []ValidationError {
	var c Collector
	c.Add(ValidateNonNegative("agentCount", float64(snap.AgentCount)))
	c.Add(ValidateNonNegative("propertyCount", float64(snap.PropertyCount)))
	c.Add(ValidateNonNegative("alertCount", float64(snap.AlertCount)))
	c.Add(ValidateNonNegative("paymentVolume", snap.PaymentVolume))
	if snap.ID != "" {
		c.Add(ValidateULID("id", snap.ID))
	}
	return c.Errors()
}
