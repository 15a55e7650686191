package ledger

import "errors"

var (
	// ErrInvalidPayload is returned when an upsert payload is empty.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrNotFound is returned when no record carries the requested id.
	ErrNotFound = errors.New("record not found")

	// ErrPersist is returned under WriteStrict when the collection
	// document could not be written.
	ErrPersist = errors.New("failed to persist collection")
)
