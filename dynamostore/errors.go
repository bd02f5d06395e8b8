package dynamostore

import "errors"

var (
	// ErrAlreadyExists is returned when an entry with the same key is stored.
	ErrAlreadyExists = errors.New("dynamostore: entry already exists")

	// ErrConcurrentModification is returned when an update finds the stored
	// version changed, or the entry deleted, since it was read.
	ErrConcurrentModification = errors.New("dynamostore: entry was modified concurrently")

	// ErrDuplicateValue is returned when a unique property value already
	// belongs to another entry.
	ErrDuplicateValue = errors.New("dynamostore: unique value already taken")

	// ErrUnprocessedItems is returned when a batch write keeps coming back
	// with unprocessed items.
	ErrUnprocessedItems = errors.New("dynamostore: batch write left unprocessed items")
)
