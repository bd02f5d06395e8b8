package memstore

import "errors"

var (
	// ErrConcurrentModification is returned when an update carries a version
	// other than the stored one.
	ErrConcurrentModification = errors.New("memstore: entry was modified concurrently")

	// ErrDuplicateValue is returned when a unique property value already
	// belongs to another entry.
	ErrDuplicateValue = errors.New("memstore: unique value already taken")
)
