package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jacentio/graft/mapping"
)

var (
	// ErrNotSupportedInstance is returned when an object's type has no
	// persister, neither its own nor through a registered supertype.
	ErrNotSupportedInstance = errors.New("graft: object type has no registered persister")

	// ErrLockAcquisition is returned by backends that fail to lock an entry.
	ErrLockAcquisition = errors.New("graft: lock acquisition failed")

	// ErrInvalidKey is returned when an identifier cannot be turned into a native key.
	ErrInvalidKey = errors.New("graft: invalid identifier")

	// ErrNotIndexed is returned by FindBy for properties without a value index.
	ErrNotIndexed = errors.New("graft: property is not indexed")

	// ErrFlushOverflow is returned when a flush keeps producing operations
	// beyond Config.MaxFlushOperations.
	ErrFlushOverflow = errors.New("graft: flush exceeded operation limit")

	// ErrUnsupportedPropertyKind aliases mapping.ErrUnsupportedPropertyKind.
	ErrUnsupportedPropertyKind = mapping.ErrUnsupportedPropertyKind

	// ErrMissingAssociatedEntity aliases mapping.ErrMissingAssociatedEntity.
	ErrMissingAssociatedEntity = mapping.ErrMissingAssociatedEntity
)

// UnsupportedTypeError reports an object handed to a persister that cannot handle it.
type UnsupportedTypeError struct {
	Entity string
	Type   string
}

func (e *UnsupportedTypeError) Error() string {
	if e.Entity == "" {
		return fmt.Sprintf("graft: no persister for %s", e.Type)
	}
	return fmt.Sprintf("graft: %s is not an instance of %s", e.Type, e.Entity)
}

func (e *UnsupportedTypeError) Unwrap() error {
	return ErrNotSupportedInstance
}

// PartialFailureError reports cascade actions that failed after their
// operation's commit succeeded. The primary entry stays written.
type PartialFailureError struct {
	Entity string
	Key    any
	Errs   []error
}

func (e *PartialFailureError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("graft: %s %v committed but %d cascade action(s) failed: %s",
		e.Entity, e.Key, len(e.Errs), strings.Join(msgs, "; "))
}

func (e *PartialFailureError) Unwrap() []error {
	return e.Errs
}

// IsPartialFailure reports whether err carries a *PartialFailureError.
func IsPartialFailure(err error) bool {
	var pf *PartialFailureError
	return errors.As(err, &pf)
}
