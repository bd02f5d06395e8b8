package s3store

import "errors"

var (
	// ErrAlreadyExists is returned when an entry with the same key is stored.
	ErrAlreadyExists = errors.New("s3store: entry already exists")

	// ErrConcurrentModification is returned when a versioned entry was
	// rewritten or removed since it was read.
	ErrConcurrentModification = errors.New("s3store: entry was modified concurrently")

	// ErrDuplicateValue is returned when a unique property value already
	// belongs to another entry.
	ErrDuplicateValue = errors.New("s3store: unique value already taken")

	// ErrContention is returned when an index object keeps changing under a
	// conditional rewrite.
	ErrContention = errors.New("s3store: index object contended")

	// ErrBucketRequired is returned by Open without a bucket.
	ErrBucketRequired = errors.New("s3store: bucket required")
)
