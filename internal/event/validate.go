package event

import "fmt"

// ValidationResult carries every violation found in a record.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Validate checks required fields and event type membership. All violations
// are reported, in field order.
func Validate(r Record) ValidationResult {
	var errs []string

	if r.UserID == "" {
		errs = append(errs, missingField("userId"))
	}
	if r.SessionID == "" {
		errs = append(errs, missingField("sessionId"))
	}
	if r.Timestamp.IsZero() {
		errs = append(errs, missingField("timestamp"))
	}
	if r.EventType == "" {
		errs = append(errs, missingField("eventType"))
	} else if !r.EventType.Valid() {
		errs = append(errs, fmt.Sprintf("Invalid eventType: %s", r.EventType))
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

func missingField(name string) string {
	return "Missing required field: " + name
}
