package sqlstore

import "errors"

var (
	// ErrConcurrentModification is returned when an update finds no row with
	// the version the entry was read with.
	ErrConcurrentModification = errors.New("sqlstore: entry was modified concurrently")

	// ErrAlreadyExists is returned when an entry is inserted under a key that
	// is already taken.
	ErrAlreadyExists = errors.New("sqlstore: entry already exists")

	// ErrDuplicateValue is returned when a unique property value already
	// belongs to another entry.
	ErrDuplicateValue = errors.New("sqlstore: unique value already taken")

	// ErrUnsupportedDriver is returned by Open for drivers other than
	// "sqlite" and "pgx".
	ErrUnsupportedDriver = errors.New("sqlstore: unsupported driver")

	// ErrInvalidPrefix is returned by Open for table prefixes that are not
	// plain identifiers.
	ErrInvalidPrefix = errors.New("sqlstore: invalid table prefix")
)
