// ABOUTME: Structural validation of messages against the protocol contract
// ABOUTME: Pure checks only; registry membership is the router's concern

package protocol

import (
	"fmt"
	"regexp"
	"strings"
)

var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:@-]{0,127}$`)

// ValidAgentID reports whether id is syntactically usable as an agent
// identifier. The address sentinels are reserved.
func ValidAgentID(id string) bool {
	if id == Broadcast || id == Coordinator {
		return false
	}
	return agentIDPattern.MatchString(id)
}

// ValidationResult holds the outcome of Validate.
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Err returns nil for a valid result, otherwise a *ValidationError.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return &ValidationError{Problems: r.Errors}
}

// ValidationError describes why a message was rejected.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid message: " + strings.Join(e.Problems, "; ")
}

// Validate checks the shape of m. It does not consult the registry.
func Validate(m *Message) ValidationResult {
	if m == nil {
		return ValidationResult{Errors: []string{"message is nil"}}
	}

	var errs []string
	required := []struct {
		name  string
		value string
	}{
		{"messageId", m.ID},
		{"correlationId", m.CorrelationID},
		{"from", m.From},
		{"to", m.To},
		{"kind", string(m.Kind)},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			errs = append(errs, f.name+" is required")
		}
	}
	if m.Payload == nil {
		errs = append(errs, "payload is required")
	}

	if m.Kind != "" && !m.Kind.Valid() {
		errs = append(errs, fmt.Sprintf("unknown kind %q", m.Kind))
	}

	if m.To != "" && m.To != Broadcast && m.To != Coordinator && !ValidAgentID(m.To) {
		errs = append(errs, fmt.Sprintf("invalid recipient %q", m.To))
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}
