package mapping

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedPropertyKind is returned when mapping code meets a property
	// kind it cannot handle. It indicates a metadata/engine mismatch.
	ErrUnsupportedPropertyKind = errors.New("graft: unsupported property kind")

	// ErrMissingAssociatedEntity is returned when an association or embedded
	// property targets an entity that was never registered.
	ErrMissingAssociatedEntity = errors.New("graft: associated entity not registered")

	// ErrDuplicateEntity is returned when two entities share a name.
	ErrDuplicateEntity = errors.New("graft: entity already registered")

	// ErrMissingIdentity is returned when a stored entity declares no identity property.
	ErrMissingIdentity = errors.New("graft: entity has no identity property")

	// ErrRegistrySealed is returned when registering into a validated registry.
	ErrRegistrySealed = errors.New("graft: registry is sealed")

	// ErrInvalidMapping is returned for inconsistent property configuration.
	ErrInvalidMapping = errors.New("graft: invalid mapping")
)

// PropertyKindError reports the property whose kind could not be handled.
type PropertyKindError struct {
	Entity   string
	Property string
	Kind     Kind
}

func (e *PropertyKindError) Error() string {
	return fmt.Sprintf("graft: unsupported property kind %s for %s.%s", e.Kind, e.Entity, e.Property)
}

func (e *PropertyKindError) Unwrap() error {
	return ErrUnsupportedPropertyKind
}

// UnsupportedKind returns a *PropertyKindError for p on entity.
func UnsupportedKind(entity *Entity, p *Property) error {
	return &PropertyKindError{Entity: entity.Name, Property: p.Name, Kind: p.Kind}
}
