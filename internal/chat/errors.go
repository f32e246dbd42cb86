package chat

import (
	"errors"
	"fmt"
	"strings"
)

// ErrStorage marks every failure that originates in a message store.
var ErrStorage = errors.New("storage error")

// FormatError reports a payload that is not a JSON object.
type FormatError struct {
	Err error
}

func (e *FormatError) Error() string {
	if e.Err == nil {
		return "invalid message format"
	}
	return fmt.Sprintf("invalid message format: %v", e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// ValidationError is a single field-level problem.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return e.Field + ": " + e.Reason
}

// ValidationErrors holds every problem found in one payload.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	parts := make([]string, len(v))
	for i, e := range v {
		parts[i] = e.Error()
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Reasons returns the human-readable reason of each error, in order.
func (v ValidationErrors) Reasons() []string {
	out := make([]string, len(v))
	for i, e := range v {
		out[i] = e.Reason
	}
	return out
}

// StorageError wraps a failed or timed out store call.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorage, e.Err} }

// NewStorageError returns nil when err is nil.
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
