package dynamostore

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/graft/internal/coerce"
	"github.com/jacentio/graft/mapping"
)

// Purge drops the index rows pointing at an entry that was removed without a
// session, such as by the TTL sweeper. old is the entry's last image. Every
// row is attempted; failures are joined.
func (s *Store) Purge(ctx context.Context, registry *mapping.Registry, entity *mapping.Entity, key string, old map[string]types.AttributeValue) error {
	var errs []error
	for _, prop := range entity.Properties {
		switch {
		case prop.Kind.IsToMany():
			idx := s.AssociationIndexer(entity, prop)
			if inv, invEntity, ok := registry.Inverse(entity, prop); ok && inv.Kind == mapping.ManyToMany {
				related, err := idx.Query(ctx, key)
				if err != nil {
					errs = append(errs, err)
				}
				ridx := s.AssociationIndexer(invEntity, inv)
				for _, k := range related {
					if err := ridx.Remove(ctx, k, key); err != nil {
						errs = append(errs, err)
					}
				}
			}
			if err := idx.Delete(ctx, key); err != nil {
				errs = append(errs, fmt.Errorf("unindex %s.%s: %w", entity.Name, prop.Name, err))
			}
		case prop.Kind == mapping.ToOne && !prop.ForeignKeyInChild:
			av, ok := old[prop.StorageKeyName()]
			if !ok {
				continue
			}
			owner, err := coerce.String(decode(av))
			if err != nil || owner == "" {
				continue
			}
			if prop.Indexed {
				if err := s.PropertyIndexer(entity, prop).Deindex(ctx, owner, key); err != nil {
					errs = append(errs, fmt.Errorf("deindex %s.%s: %w", entity.Name, prop.Name, err))
				}
			}
			if inv, invEntity, ok := registry.Inverse(entity, prop); ok && inv.Kind.IsToMany() {
				if err := s.AssociationIndexer(invEntity, inv).Remove(ctx, owner, key); err != nil {
					errs = append(errs, fmt.Errorf("unlink %s.%s: %w", invEntity.Name, inv.Name, err))
				}
			}
		case prop.Indexed:
			av, ok := old[prop.StorageKeyName()]
			if !ok {
				continue
			}
			value := indexValue(prop, decode(av))
			if value == nil {
				continue
			}
			if err := s.PropertyIndexer(entity, prop).Deindex(ctx, value, key); err != nil {
				errs = append(errs, fmt.Errorf("deindex %s.%s: %w", entity.Name, prop.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// indexValue converts a stored value into the form it was indexed under.
func indexValue(prop *mapping.Property, stored any) any {
	if stored == nil {
		return nil
	}
	if prop.Kind == mapping.Simple || prop.Kind == mapping.Basic {
		if v, err := prop.Convert(stored); err == nil {
			return coerce.Normalize(v)
		}
	}
	return coerce.Normalize(stored)
}
