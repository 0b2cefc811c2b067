package record

import "fmt"

// Status is a record's lifecycle state.
type Status string

const (
	// StatusActive records participate in search, dedup and retrieval.
	StatusActive Status = "active"
	// StatusArchived records are moved out of the active set but restorable.
	StatusArchived Status = "archived"
	// StatusDeprecated records are superseded and never restored.
	StatusDeprecated Status = "deprecated"
	// StatusConsolidated records were merged into another record.
	StatusConsolidated Status = "consolidated"
)

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusArchived, StatusDeprecated, StatusConsolidated:
		return true
	default:
		return false
	}
}

// String returns the persisted string form.
func (s Status) String() string { return string(s) }

// CanTransition reports whether a status change from s to target is legal.
// Active and archived convert freely into each other; deprecated and
// consolidated are terminal.
func (s Status) CanTransition(target Status) bool {
	if s == target {
		return true
	}
	switch s {
	case StatusActive, StatusArchived:
		return target.Valid()
	default:
		return false
	}
}

// ParseStatus converts a string into a Status.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", v)
	}
	return s, nil
}
