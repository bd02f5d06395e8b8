package s3store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/jacentio/graft/engine"
	"github.com/jacentio/graft/internal/coerce"
	"github.com/jacentio/graft/internal/shard"
	"github.com/jacentio/graft/mapping"
)

// IndexName names the index of property p of entity.
func IndexName(entity *mapping.Entity, p *mapping.Property) string {
	return entity.FamilyName() + "." + p.Name
}

func (s *Store) AssociationIndexer(entity *mapping.Entity, p *mapping.Property) engine.AssociationIndexer[string] {
	return &assocIndex{store: s, name: IndexName(entity, p)}
}

func (s *Store) PropertyIndexer(entity *mapping.Entity, p *mapping.Property) engine.PropertyIndexer[string] {
	return &valueIndex{
		store:    s,
		name:     IndexName(entity, p),
		family:   entity.FamilyName(),
		property: p.Name,
		unique:   p.Unique,
	}
}

// readList reads a JSON list of keys. A missing object is an empty list with
// no ETag.
func (s *Store) readList(ctx context.Context, key string) ([]string, string, error) {
	body, out, err := s.get(ctx, key)
	if err != nil || out == nil {
		return nil, "", err
	}
	var keys []string
	if err := json.Unmarshal(body, &keys); err != nil {
		return nil, "", fmt.Errorf("decode %s: %w", key, err)
	}
	return keys, aws.ToString(out.ETag), nil
}

// modify rewrites the key list stored at key with fn, conditional on the
// object not changing in between. An empty result removes the object; a nil
// result leaves it untouched.
func (s *Store) modify(ctx context.Context, key string, fn func([]string) ([]string, error)) error {
	for attempt := 1; attempt <= s.config.MaxAttempts; attempt++ {
		current, etag, err := s.readList(ctx, key)
		if err != nil {
			return err
		}
		next, err := fn(current)
		if err != nil || next == nil {
			return err
		}
		if len(next) == 0 {
			err = s.removeList(ctx, key, etag)
		} else {
			err = s.writeList(ctx, key, etag, next)
		}
		if err == nil {
			return nil
		}
		if !preconditionFailed(err) {
			return err
		}
		s.logger.Debug("index object changed, retrying",
			zap.String("key", key),
			zap.Int("attempt", attempt))
	}
	return fmt.Errorf("%w: %s", ErrContention, key)
}

func (s *Store) writeList(ctx context.Context, key, etag string, keys []string) error {
	body, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	in := &s3.PutObjectInput{
		Bucket:      aws.String(s.config.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	}
	if etag == "" {
		in.IfNoneMatch = aws.String("*")
	} else {
		in.IfMatch = aws.String(etag)
	}
	_, err = s.client.PutObject(ctx, in)
	return err
}

func (s *Store) removeList(ctx context.Context, key, etag string) error {
	if etag == "" {
		return nil
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket:  aws.String(s.config.Bucket),
		Key:     aws.String(key),
		IfMatch: aws.String(etag),
	})
	return err
}

// assocIndex keeps the related keys of one owner as an ordered JSON list.
type assocIndex struct {
	store *Store
	name  string
}

func (x *assocIndex) key(owner string) string {
	return x.store.config.Prefix + "associations/" + x.name + "/" + owner + ".json"
}

func (x *assocIndex) Query(ctx context.Context, owner string) ([]string, error) {
	keys, _, err := x.store.readList(ctx, x.key(owner))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", x.name, err)
	}
	return keys, nil
}

func (x *assocIndex) Index(ctx context.Context, owner string, related []string) error {
	next := make([]string, 0, len(related))
	for _, k := range related {
		if !slices.Contains(next, k) {
			next = append(next, k)
		}
	}
	err := x.store.modify(ctx, x.key(owner), func([]string) ([]string, error) { return next, nil })
	if err != nil {
		return fmt.Errorf("index %s: %w", x.name, err)
	}
	return nil
}

// Add appends related after the keys already linked. Linking a key twice
// keeps its position.
func (x *assocIndex) Add(ctx context.Context, owner, related string) error {
	err := x.store.modify(ctx, x.key(owner), func(cur []string) ([]string, error) {
		if slices.Contains(cur, related) {
			return nil, nil
		}
		return append(cur, related), nil
	})
	if err != nil {
		return fmt.Errorf("add to %s: %w", x.name, err)
	}
	return nil
}

func (x *assocIndex) Remove(ctx context.Context, owner, related string) error {
	err := x.store.modify(ctx, x.key(owner), func(cur []string) ([]string, error) {
		i := slices.Index(cur, related)
		if i < 0 {
			return nil, nil
		}
		return slices.Delete(cur, i, i+1), nil
	})
	if err != nil {
		return fmt.Errorf("remove from %s: %w", x.name, err)
	}
	return nil
}

func (x *assocIndex) Delete(ctx context.Context, owner string) error {
	if err := x.store.deleteObjects(ctx, []string{x.key(owner)}); err != nil {
		return fmt.Errorf("delete %s: %w", x.name, err)
	}
	return nil
}

// valueIndex keeps the owners of one property value as a JSON list under a
// hash of the value.
type valueIndex struct {
	store    *Store
	name     string
	family   string
	property string
	unique   bool
}

func (x *valueIndex) key(value any) string {
	return x.store.config.Prefix + "values/" + x.name + "/" +
		shard.ValuePK(x.family, x.property, coerce.Key(value)) + ".json"
}

func (x *valueIndex) Query(ctx context.Context, value any) ([]string, error) {
	owners, _, err := x.store.readList(ctx, x.key(value))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", x.name, err)
	}
	return owners, nil
}

func (x *valueIndex) Index(ctx context.Context, value any, owner string) error {
	err := x.store.modify(ctx, x.key(value), func(cur []string) ([]string, error) {
		if slices.Contains(cur, owner) {
			return nil, nil
		}
		if x.unique && len(cur) > 0 {
			return nil, fmt.Errorf("%w: %s=%v", ErrDuplicateValue, x.name, value)
		}
		return append(cur, owner), nil
	})
	if err != nil {
		return fmt.Errorf("index %s: %w", x.name, err)
	}
	return nil
}

func (x *valueIndex) Deindex(ctx context.Context, value any, owner string) error {
	err := x.store.modify(ctx, x.key(value), func(cur []string) ([]string, error) {
		i := slices.Index(cur, owner)
		if i < 0 {
			return nil, nil
		}
		return slices.Delete(cur, i, i+1), nil
	})
	if err != nil {
		return fmt.Errorf("deindex %s: %w", x.name, err)
	}
	return nil
}
