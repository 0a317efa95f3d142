package store

import (
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
)

var (
	// ErrConnection is returned when the engine cannot be reached, or refuses to open or
	// upgrade a table during Start.
	ErrConnection = errors.New("recstore: connection failed")

	// ErrValidation is returned when caller-supplied data is structurally invalid
	// (missing id, bad names, non-string index values, values DynamoDB cannot store,
	// table not started).
	ErrValidation = errors.New("recstore: invalid input")

	// ErrAlreadyExists is returned by Create when a record with the same id exists.
	ErrAlreadyExists = errors.New("recstore: record already exists")

	// ErrNotFound is returned by Update when no record with the given id exists.
	ErrNotFound = errors.New("recstore: record not found")

	// ErrIndexNotFound is returned by Search when the field has no declared index.
	ErrIndexNotFound = errors.New("recstore: index not found")

	// ErrEngine is returned for any other failure reported by the storage engine.
	ErrEngine = errors.New("recstore: engine fault")
)

// validationError wraps a validation failure.
func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// classify folds an engine error into the taxonomy. Errors the service answered with
// are engine faults; transport, credential and context failures are connection faults.
// Context errors stay reachable through errors.Is.
func classify(op, table string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %s %s: %w", ErrEngine, op, table, err)
	}
	return connectionError(op, table, err)
}

// connectionError wraps err as a connection failure.
func connectionError(op, table string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrConnection, op, table, err)
}
