package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jacentio/graft/access"
	"github.com/jacentio/graft/engine"
	"github.com/jacentio/graft/internal/coerce"
	"github.com/jacentio/graft/mapping"
)

const (
	// batchSize is the BatchWriteItem request limit.
	batchSize = 25

	// maxBatchAttempts bounds resubmission of unprocessed batch items.
	maxBatchAttempts = 5
)

// Client is the subset of the DynamoDB API the Store uses. *dynamodb.Client
// implements it.
type Client interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock replaces time.Now for timestamps, ttl and lock expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is a DynamoDB backend keyed by strings.
type Store struct {
	client Client
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	tokens map[string]string
}

var _ engine.Backend[string, *Item] = (*Store)(nil)
var _ engine.Locker[string] = (*Store)(nil)

// New creates a Store.
func New(client Client, config Config, opts ...Option) *Store {
	config.validate()
	s := &Store{
		client: client,
		config: config,
		logger: zap.NewNop(),
		now:    time.Now,
		tokens: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the validated configuration.
func (s *Store) Config() Config {
	return s.config
}

// EntityRef returns the entity_ref of the entry stored under key in family.
func EntityRef(family, key string) string {
	return family + "#" + key
}

func (s *Store) keyOf(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		s.config.KeyAttribute: &types.AttributeValueMemberS{Value: key},
	}
}

func (s *Store) CreateEntry(family string) *Item {
	return newItem()
}

func (s *Store) GetValue(entry *Item, key string) any {
	return entry.fields[key]
}

func (s *Store) SetValue(entry *Item, key string, value any) {
	entry.set(key, value)
}

// Store puts a new item. An existing live item under the same key fails the
// put with ErrAlreadyExists; a soft-deleted one is replaced.
func (s *Store) Store(ctx context.Context, entity *mapping.Entity, acc *access.Accessor, id string, entry *Item) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	family := entity.FamilyName()
	item, err := entry.attributes()
	if err != nil {
		return "", err
	}
	now := s.now().UTC().Format(time.RFC3339)
	ref := EntityRef(family, id)
	item[s.config.KeyAttribute] = &types.AttributeValueMemberS{Value: id}
	item[attrEntityRef] = &types.AttributeValueMemberS{Value: ref}
	item[attrCreatedAt] = &types.AttributeValueMemberS{Value: now}
	item[attrUpdatedAt] = &types.AttributeValueMemberS{Value: now}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.config.TableName(family)),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(#key) OR attribute_exists(#ttl)"),
		ExpressionAttributeNames: map[string]string{
			"#key": s.config.KeyAttribute,
			"#ttl": attrTTL,
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return "", fmt.Errorf("%w: %s %s", ErrAlreadyExists, entity.Name, id)
		}
		return "", err
	}

	entry.Raw = item
	entry.EntityRef, entry.CreatedAt, entry.UpdatedAt = ref, now, now
	entry.removed = nil
	entry.stamp(entity)
	return id, nil
}

// Update rewrites the mapped attributes of a live item and removes cleared
// ones. Versioned entities additionally require the stored version to equal
// the one the item was read or last written with.
func (s *Store) Update(ctx context.Context, entity *mapping.Entity, acc *access.Accessor, key string, entry *Item) error {
	now := s.now().UTC().Format(time.RFC3339)
	attrs, err := entry.attributes()
	if err != nil {
		return err
	}

	exprNames := map[string]string{
		"#key":        s.config.KeyAttribute,
		"#ttl":        attrTTL,
		"#updated_at": attrUpdatedAt,
	}
	exprValues := map[string]types.AttributeValue{
		":updated_at": &types.AttributeValueMemberS{Value: now},
	}
	setClauses := []string{"#updated_at = :updated_at"}
	var removeClauses []string

	names := make([]string, 0, len(attrs))
	for k := range attrs {
		names = append(names, k)
	}
	slices.Sort(names)
	i := 0
	for _, k := range names {
		if managed(k, s.config.KeyAttribute) {
			continue
		}
		nameKey := fmt.Sprintf("#attr%d", i)
		valueKey := fmt.Sprintf(":val%d", i)
		exprNames[nameKey] = k
		exprValues[valueKey] = attrs[k]
		setClauses = append(setClauses, fmt.Sprintf("%s = %s", nameKey, valueKey))
		i++
	}
	removed := make([]string, 0, len(entry.removed))
	for k := range entry.removed {
		removed = append(removed, k)
	}
	slices.Sort(removed)
	for j, k := range removed {
		if managed(k, s.config.KeyAttribute) {
			continue
		}
		nameKey := fmt.Sprintf("#rm%d", j)
		exprNames[nameKey] = k
		removeClauses = append(removeClauses, nameKey)
	}

	updateExpr := "SET " + strings.Join(setClauses, ", ")
	if len(removeClauses) > 0 {
		updateExpr += " REMOVE " + strings.Join(removeClauses, ", ")
	}

	condExpr := "attribute_exists(#key) AND attribute_not_exists(#ttl)"
	if entity.IsVersioned() && entry.versioned {
		exprNames["#version"] = entity.Version.StorageKeyName()
		if entry.version == nil {
			condExpr += " AND attribute_not_exists(#version)"
		} else {
			expected, err := encode(entry.version)
			if err != nil {
				return err
			}
			exprValues[":expected_version"] = expected
			condExpr += " AND #version = :expected_version"
		}
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.config.TableName(entity.FamilyName())),
		Key:                       s.keyOf(key),
		UpdateExpression:          aws.String(updateExpr),
		ConditionExpression:       aws.String(condExpr),
		ExpressionAttributeNames:  exprNames,
		ExpressionAttributeValues: exprValues,
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return fmt.Errorf("%w: %s %s", ErrConcurrentModification, entity.Name, key)
		}
		return err
	}

	entry.UpdatedAt = now
	entry.removed = nil
	entry.stamp(entity)
	return nil
}

// Retrieve reads an item with a consistent read. Soft-deleted items are
// reported absent.
func (s *Store) Retrieve(ctx context.Context, entity *mapping.Entity, family string, key string) (*Item, bool, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.config.TableName(family)),
		Key:            s.keyOf(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, false, err
	}
	if result.Item == nil || IsDeleted(result.Item, s.now()) {
		return nil, false, nil
	}
	it := itemFrom(result.Item, s.config.KeyAttribute)
	it.stamp(entity)
	return it, true, nil
}

// DeleteMany soft-deletes the items under keys, or removes them when
// SoftDelete is off.
func (s *Store) DeleteMany(ctx context.Context, family string, keys []string) error {
	table := s.config.TableName(family)
	if s.config.SoftDelete {
		ttl := s.now().Unix()
		for _, k := range keys {
			if err := s.SetTTL(ctx, table, k, ttl); err != nil {
				return fmt.Errorf("delete %s %s: %w", family, k, err)
			}
		}
		return nil
	}
	requests := make([]types.WriteRequest, len(keys))
	for i, k := range keys {
		requests[i] = types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: s.keyOf(k)}}
	}
	return s.batchWrite(ctx, table, requests)
}

// Keys lists the keys of the live items of family. It scans the whole table
// and is meant for maintenance jobs, not request paths.
func (s *Store) Keys(ctx context.Context, family string) ([]string, error) {
	var keys []string
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:                 aws.String(s.config.TableName(family)),
		FilterExpression:          aws.String(TTLFilterExpr()),
		ExpressionAttributeNames:  TTLFilterNames(),
		ExpressionAttributeValues: TTLFilterValues(s.now()),
		ConsistentRead:            aws.Bool(true),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", family, err)
		}
		for _, raw := range page.Items {
			if k, ok := raw[s.config.KeyAttribute].(*types.AttributeValueMemberS); ok {
				keys = append(keys, k.Value)
			}
		}
	}
	slices.Sort(keys)
	return keys, nil
}

// SetTTL marks the item under key for deletion at ttl (Unix seconds). Items
// that already carry a ttl keep it.
func (s *Store) SetTTL(ctx context.Context, table, key string, ttl int64) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(table),
		Key:                 s.keyOf(key),
		UpdateExpression:    aws.String("SET #ttl = :ttl"),
		ConditionExpression: aws.String("attribute_exists(#key) AND attribute_not_exists(#ttl)"),
		ExpressionAttributeNames: map[string]string{
			"#key": s.config.KeyAttribute,
			"#ttl": attrTTL,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ttl": unixAttr(time.Unix(ttl, 0)),
		},
	})

	// Missing or already deleted.
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return nil
	}
	return err
}

func (s *Store) GenerateIdentifier(ctx context.Context, entity *mapping.Entity, entry *Item) (string, bool, error) {
	return uuid.NewString(), true, nil
}

func (s *Store) InferNativeKey(family string, identifier any) (string, error) {
	key, err := coerce.String(identifier)
	if err != nil {
		return "", err
	}
	if key == "" {
		return "", fmt.Errorf("empty key for %s", family)
	}
	return key, nil
}

// LockEntry claims the lock attribute of a stored item. A lock held by
// another claimant fails with engine.ErrLockAcquisition until it is released
// or LockTimeout passes.
func (s *Store) LockEntry(ctx context.Context, entity *mapping.Entity, key string) error {
	family := entity.FamilyName()
	token := uuid.NewString()
	now := s.now()
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.config.TableName(family)),
		Key:                 s.keyOf(key),
		UpdateExpression:    aws.String("SET #lock = :token, #lock_until = :until"),
		ConditionExpression: aws.String("attribute_exists(#key) AND (attribute_not_exists(#lock) OR #lock_until <= :now)"),
		ExpressionAttributeNames: map[string]string{
			"#key":        s.config.KeyAttribute,
			"#lock":       attrLock,
			"#lock_until": attrLockUntil,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":token": &types.AttributeValueMemberS{Value: token},
			":until": unixAttr(now.Add(s.config.LockTimeout)),
			":now":   unixAttr(now),
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return fmt.Errorf("%w: %s %s", engine.ErrLockAcquisition, entity.Name, key)
		}
		return fmt.Errorf("%w: %s %s: %v", engine.ErrLockAcquisition, entity.Name, key, err)
	}
	s.mu.Lock()
	s.tokens[EntityRef(family, key)] = token
	s.mu.Unlock()
	return nil
}

// UnlockEntry releases a lock taken by this Store. Locks it does not hold
// are left alone.
func (s *Store) UnlockEntry(ctx context.Context, entity *mapping.Entity, key string) error {
	family := entity.FamilyName()
	ref := EntityRef(family, key)
	s.mu.Lock()
	token, ok := s.tokens[ref]
	delete(s.tokens, ref)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.config.TableName(family)),
		Key:                 s.keyOf(key),
		UpdateExpression:    aws.String("REMOVE #lock, #lock_until"),
		ConditionExpression: aws.String("#lock = :token"),
		ExpressionAttributeNames: map[string]string{
			"#lock":       attrLock,
			"#lock_until": attrLockUntil,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":token": &types.AttributeValueMemberS{Value: token},
		},
	})
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		s.logger.Debug("lock already released",
			zap.String("entity", entity.Name),
			zap.String("key", key))
		return nil
	}
	return err
}

// batchWrite submits requests in chunks of batchSize, resubmitting
// unprocessed items with a growing pause.
func (s *Store) batchWrite(ctx context.Context, table string, requests []types.WriteRequest) error {
	for start := 0; start < len(requests); start += batchSize {
		pending := requests[start:min(start+batchSize, len(requests))]
		for attempt := 0; len(pending) > 0; attempt++ {
			if attempt == maxBatchAttempts {
				return fmt.Errorf("%w: %d left in %s", ErrUnprocessedItems, len(pending), table)
			}
			if attempt > 0 {
				s.logger.Debug("resubmitting unprocessed items",
					zap.String("table", table),
					zap.Int("count", len(pending)),
					zap.Int("attempt", attempt))
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Duration(attempt*attempt) * 50 * time.Millisecond):
				}
			}
			out, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
				RequestItems: map[string][]types.WriteRequest{table: pending},
			})
			if err != nil {
				return err
			}
			pending = out.UnprocessedItems[table]
		}
	}
	return nil
}
