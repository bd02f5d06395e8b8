// Package stream provides DynamoDB Streams handlers that finish deletes the
// dynamostore backend could not complete inline: items soft-deleted outside
// a session and items removed by the TTL sweeper.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/jacentio/graft/dynamostore"
	"github.com/jacentio/graft/engine"
	"github.com/jacentio/graft/mapping"
)

// ErrUnknownFamily is returned for items of a family no registered entity
// is stored in.
var ErrUnknownFamily = errors.New("stream: no entity stored in family")

// Handler processes DynamoDB stream events of entry tables.
type Handler struct {
	store            *dynamostore.Store
	registry         *mapping.Registry
	logger           *zap.Logger
	discriminatorKey string
}

// Option configures a Handler.
type Option func(*Handler)

// WithDiscriminatorKey sets the entry field naming the concrete entity of
// items in a shared family. It must match the sessions' engine.Config.
func WithDiscriminatorKey(key string) Option {
	return func(h *Handler) {
		if key != "" {
			h.discriminatorKey = key
		}
	}
}

// NewHandler creates a new stream handler.
func NewHandler(s *dynamostore.Store, registry *mapping.Registry, logger *zap.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		store:            s,
		registry:         registry,
		logger:           logger,
		discriminatorKey: engine.DefaultConfig().DiscriminatorKey,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleCascadeDelete processes DynamoDB stream events. When a ttl appears
// on an item, the same ttl is set on the entries its cascading associations
// point to and the item's index rows are purged. Removed items
// have their index rows purged. Every step is idempotent.
// This function is designed to be used as an AWS Lambda handler.
func (h *Handler) HandleCascadeDelete(ctx context.Context, event events.DynamoDBEvent) error {
	for _, record := range event.Records {
		if err := h.processRecord(ctx, record); err != nil {
			h.logger.Error("failed to process record",
				zap.String("eventID", record.EventID),
				zap.Error(err),
			)
			return err // Will retry, eventually DLQ
		}
	}
	return nil
}

// processRecord processes a single DynamoDB stream record.
func (h *Handler) processRecord(ctx context.Context, record events.DynamoDBEventRecord) error {
	var image map[string]events.DynamoDBAttributeValue
	var ttl int64

	switch record.EventName {
	case "MODIFY":
		oldTTL := getNumberAttr(record.Change.OldImage, "ttl")
		ttl = getNumberAttr(record.Change.NewImage, "ttl")
		// Only when the ttl is newly set
		if oldTTL != 0 || ttl == 0 {
			return nil
		}
		image = record.Change.NewImage
	case "REMOVE":
		image = record.Change.OldImage
	default:
		return nil
	}

	entityRef := getStringAttr(image, "entity_ref")
	if entityRef == "" {
		// Not an entry table, or the image was not streamed.
		return nil
	}
	entity, key, err := h.resolve(entityRef, image)
	if err != nil {
		return err
	}

	h.logger.Info("processing cascade delete",
		zap.String("entityRef", entityRef),
		zap.String("event", record.EventName),
		zap.Int64("ttl", ttl),
	)

	cascaded := 0
	if ttl != 0 {
		cascaded = h.cascade(ctx, entity, key, image, ttl)
	}

	old, err := ConvertImage(image)
	if err != nil {
		return fmt.Errorf("convert image of %s: %w", entityRef, err)
	}
	if err := h.store.Purge(ctx, h.registry, entity, key, old); err != nil {
		return fmt.Errorf("purge %s: %w", entityRef, err)
	}

	h.logger.Info("cascade delete completed",
		zap.String("entityRef", entityRef),
		zap.Int("childrenProcessed", cascaded),
	)
	return nil
}

// cascade sets ttl on the entries linked through the cascading associations
// of the entry. Failures are logged and skipped.
func (h *Handler) cascade(ctx context.Context, entity *mapping.Entity, key string, image map[string]events.DynamoDBAttributeValue, ttl int64) int {
	n := 0
	for _, prop := range entity.Properties {
		if !prop.Kind.IsAssociation() || !prop.Cascades(mapping.CascadeRemove) {
			continue
		}
		target, err := h.registry.Target(entity, prop)
		if err != nil {
			h.logger.Warn("unknown cascade target", zap.String("property", prop.Name), zap.Error(err))
			continue
		}
		children, err := h.linked(ctx, entity, prop, key, image)
		if err != nil {
			h.logger.Warn("failed to query children",
				zap.String("index", dynamostore.IndexName(entity, prop)),
				zap.Error(err),
			)
			continue
		}
		table := h.store.Config().TableName(target.FamilyName())
		for _, child := range children {
			if err := h.store.SetTTL(ctx, table, child, ttl); err != nil {
				h.logger.Warn("failed to set TTL on child",
					zap.String("child", dynamostore.EntityRef(target.FamilyName(), child)),
					zap.Error(err),
				)
				continue
			}
			n++
		}
	}
	return n
}

// linked returns the keys prop of the entry points to. A to-one whose foreign
// key lives in the associated entry is found through the indexed inverse.
func (h *Handler) linked(ctx context.Context, entity *mapping.Entity, prop *mapping.Property, key string, image map[string]events.DynamoDBAttributeValue) ([]string, error) {
	if prop.Kind.IsToMany() {
		return h.store.AssociationIndexer(entity, prop).Query(ctx, key)
	}
	if !prop.ForeignKeyInChild {
		if ref := getStringAttr(image, prop.StorageKeyName()); ref != "" {
			return []string{ref}, nil
		}
		return nil, nil
	}
	inv, target, ok := h.registry.Inverse(entity, prop)
	if !ok || !inv.Indexed {
		return nil, fmt.Errorf("%w: %s.%s", engine.ErrNotIndexed, entity.Name, prop.Name)
	}
	return h.store.PropertyIndexer(target, inv).Query(ctx, key)
}

// resolve finds the concrete entity and key of an item from its entity_ref
// and discriminator field.
func (h *Handler) resolve(entityRef string, image map[string]events.DynamoDBAttributeValue) (*mapping.Entity, string, error) {
	family, key, ok := strings.Cut(entityRef, "#")
	if !ok || key == "" {
		return nil, "", fmt.Errorf("malformed entity_ref %q", entityRef)
	}
	var base *mapping.Entity
	for _, e := range h.registry.Entities() {
		if e.Embeddable {
			continue
		}
		if root := h.registry.Root(e); root.FamilyName() == family {
			base = root
			break
		}
	}
	if base == nil {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownFamily, family)
	}
	if sub, ok := h.registry.Discriminate(base, getStringAttr(image, h.discriminatorKey)); ok {
		return sub, key, nil
	}
	return base, key, nil
}
