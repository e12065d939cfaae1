package models

import (
	"errors"
	"fmt"
)

// Error variables for better error handling and testability
var (
	ErrEmptySubjectID   = errors.New("subject id cannot be empty")
	ErrInvalidVersion   = errors.New("invalid questionnaire version")
	ErrInvalidEvent     = errors.New("invalid tracking event")
	ErrInvalidDate      = errors.New("invalid date")
	ErrInvalidSubjectID = errors.New("subject id has no digits")
	// ErrAllRowsMalformed is wrapped by a DataError when no input row could be used.
	ErrAllRowsMalformed = errors.New("all rows are malformed")
)

// DataError reports a malformed or unparseable input row. Row-level DataErrors are
// logged and the row dropped; a DataError is only returned when nothing usable remains.
type DataError struct {
	Source string // table or export the row came from
	Row    int    // zero-based row index, -1 when not row specific
	Err    error
}

func (e *DataError) Error() string {
	if e.Row < 0 {
		return fmt.Sprintf("data error in %s: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("data error in %s row %d: %v", e.Source, e.Row, e.Err)
}

func (e *DataError) Unwrap() error { return e.Err }

// ConfigError reports missing or invalid mandatory configuration. It is fatal and is
// raised before any side effect.
type ConfigError struct {
	Key string
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error for %s: %v", e.Key, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// PersistenceError reports a failed tracking store read or write.
type PersistenceError struct {
	Op        string
	SubjectID string
	Err       error
}

func (e *PersistenceError) Error() string {
	if e.SubjectID == "" {
		return fmt.Sprintf("persistence error during %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("persistence error during %s for subject %s: %v", e.Op, e.SubjectID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// DeliveryError reports a message that could not be sent.
type DeliveryError struct {
	Recipient string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s failed: %v", e.Recipient, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
