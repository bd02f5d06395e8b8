package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/graft/engine"
	"github.com/jacentio/graft/internal/coerce"
	"github.com/jacentio/graft/internal/shard"
	"github.com/jacentio/graft/mapping"
)

// constraintSK is the sort key of unique value rows.
const constraintSK = "CONSTRAINT"

// IndexName names the index of property p of entity.
func IndexName(entity *mapping.Entity, p *mapping.Property) string {
	return entity.FamilyName() + "." + p.Name
}

// Relationship is a row of the relationship table linking an owner to one
// related key.
type Relationship struct {
	PK         string `dynamodbav:"pk"`
	RelatedKey string `dynamodbav:"child_ref"`
	OwnerRef   string `dynamodbav:"parent_ref"`
	Index      string `dynamodbav:"index_name"`
	Position   int64  `dynamodbav:"pos"`
}

// ValueRow is a row of the value index table.
type ValueRow struct {
	PK    string `dynamodbav:"pk"`
	SK    string `dynamodbav:"sk"`
	Index string `dynamodbav:"index_name"`
	Value string `dynamodbav:"field_value"`
	Owner string `dynamodbav:"owner"`
}

func (s *Store) AssociationIndexer(entity *mapping.Entity, p *mapping.Property) engine.AssociationIndexer[string] {
	return &relationIndex{store: s, name: IndexName(entity, p)}
}

func (s *Store) PropertyIndexer(entity *mapping.Entity, p *mapping.Property) engine.PropertyIndexer[string] {
	return &valueIndex{store: s, scope: entity.FamilyName(), property: p.Name, unique: p.Unique}
}

// relationIndex keeps association keys in the sharded relationship table.
type relationIndex struct {
	store *Store
	name  string
}

// OwnerRef returns the relationship partition prefix of owner in index.
func OwnerRef(index, owner string) string {
	return index + "#" + owner
}

func (x *relationIndex) row(owner, related string, pos int64) Relationship {
	ownerRef := OwnerRef(x.name, owner)
	return Relationship{
		PK:         shard.RelationshipPK(ownerRef, related, x.store.config.NumShards),
		RelatedKey: related,
		OwnerRef:   ownerRef,
		Index:      x.name,
		Position:   pos,
	}
}

func (x *relationIndex) Query(ctx context.Context, owner string) ([]string, error) {
	rows, err := x.store.QueryRelationships(ctx, OwnerRef(x.name, owner))
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(rows))
	for i, r := range rows {
		keys[i] = r.RelatedKey
	}
	return keys, nil
}

func (x *relationIndex) Index(ctx context.Context, owner string, related []string) error {
	existing, err := x.store.QueryRelationships(ctx, OwnerRef(x.name, owner))
	if err != nil {
		return err
	}
	want := dedupe(related)
	var requests []types.WriteRequest
	for _, r := range existing {
		if !slices.Contains(want, r.RelatedKey) {
			requests = append(requests, x.store.deleteRelationship(r))
		}
	}
	for i, k := range want {
		item, err := attributevalue.MarshalMap(x.row(owner, k, int64(i)))
		if err != nil {
			return fmt.Errorf("marshal relationship: %w", err)
		}
		requests = append(requests, types.WriteRequest{PutRequest: &types.PutRequest{Item: item}})
	}
	return x.store.batchWrite(ctx, x.store.config.RelationshipTable, requests)
}

// Add appends related after the keys already linked. Linking a key twice
// keeps its position.
func (x *relationIndex) Add(ctx context.Context, owner, related string) error {
	item, err := attributevalue.MarshalMap(x.row(owner, related, x.store.now().UnixNano()))
	if err != nil {
		return fmt.Errorf("marshal relationship: %w", err)
	}
	_, err = x.store.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(x.store.config.RelationshipTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return nil
	}
	return err
}

func (x *relationIndex) Remove(ctx context.Context, owner, related string) error {
	r := x.row(owner, related, 0)
	_, err := x.store.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(x.store.config.RelationshipTable),
		Key:       relationshipKey(r),
	})
	return err
}

func (x *relationIndex) Delete(ctx context.Context, owner string) error {
	return x.store.DeleteRelationships(ctx, OwnerRef(x.name, owner))
}

func relationshipKey(r Relationship) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk":        &types.AttributeValueMemberS{Value: r.PK},
		"child_ref": &types.AttributeValueMemberS{Value: r.RelatedKey},
	}
}

func (s *Store) deleteRelationship(r Relationship) types.WriteRequest {
	return types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: relationshipKey(r)}}
}

// QueryRelationships returns every relationship row of ownerRef ordered by
// position. With more than one shard the shards are queried concurrently.
func (s *Store) QueryRelationships(ctx context.Context, ownerRef string) ([]Relationship, error) {
	numShards := s.config.NumShards

	// Fast path for single shard (default)
	if numShards == 1 {
		rows, err := s.queryShard(ctx, shard.PK(ownerRef, 0))
		if err != nil {
			return nil, err
		}
		sortRelationships(rows)
		return rows, nil
	}

	var mu sync.Mutex
	var all []Relationship
	var wg sync.WaitGroup
	errs := make(chan error, numShards)

	for shardNum := 0; shardNum < numShards; shardNum++ {
		wg.Add(1)
		go func(shardNum int) {
			defer wg.Done()
			rows, err := s.queryShard(ctx, shard.PK(ownerRef, shardNum))
			if err != nil {
				errs <- fmt.Errorf("shard %02x: %w", shardNum, err)
				return
			}
			mu.Lock()
			all = append(all, rows...)
			mu.Unlock()
		}(shardNum)
	}

	go func() {
		wg.Wait()
		close(errs)
	}()

	for err := range errs {
		if err != nil {
			return nil, err
		}
	}
	sortRelationships(all)
	return all, nil
}

// DeleteRelationships removes every relationship row of ownerRef.
func (s *Store) DeleteRelationships(ctx context.Context, ownerRef string) error {
	rows, err := s.QueryRelationships(ctx, ownerRef)
	if err != nil {
		return err
	}
	requests := make([]types.WriteRequest, len(rows))
	for i, r := range rows {
		requests[i] = s.deleteRelationship(r)
	}
	return s.batchWrite(ctx, s.config.RelationshipTable, requests)
}

func (s *Store) queryShard(ctx context.Context, shardPK string) ([]Relationship, error) {
	var rows []Relationship
	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:              aws.String(s.config.RelationshipTable),
		KeyConditionExpression: aws.String("pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: shardPK},
		},
		ConsistentRead: aws.Bool(true),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		var batch []Relationship
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("unmarshal relationships: %w", err)
		}
		rows = append(rows, batch...)
	}
	return rows, nil
}

func sortRelationships(rows []Relationship) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Position != rows[j].Position {
			return rows[i].Position < rows[j].Position
		}
		return rows[i].RelatedKey < rows[j].RelatedKey
	})
}

// valueIndex maps property values to owner keys in the value table. Rows of
// one value share a hashed partition key; unique indexes hold a single
// constraint row per value.
type valueIndex struct {
	store    *Store
	scope    string
	property string
	unique   bool
}

func (x *valueIndex) name() string {
	return x.scope + "." + x.property
}

func (x *valueIndex) pk(value any) string {
	return shard.ValuePK(x.scope, x.property, coerce.Key(value))
}

func (x *valueIndex) Query(ctx context.Context, value any) ([]string, error) {
	var owners []string
	paginator := dynamodb.NewQueryPaginator(x.store.client, &dynamodb.QueryInput{
		TableName:              aws.String(x.store.config.ValueIndexTable),
		KeyConditionExpression: aws.String("pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: x.pk(value)},
		},
		ConsistentRead: aws.Bool(true),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		var rows []ValueRow
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &rows); err != nil {
			return nil, fmt.Errorf("unmarshal value rows: %w", err)
		}
		for _, r := range rows {
			owners = append(owners, r.Owner)
		}
	}
	slices.Sort(owners)
	return owners, nil
}

func (x *valueIndex) Index(ctx context.Context, value any, owner string) error {
	vk := coerce.Key(value)
	row := ValueRow{PK: x.pk(value), SK: owner, Index: x.name(), Value: vk, Owner: owner}
	input := &dynamodb.PutItemInput{TableName: aws.String(x.store.config.ValueIndexTable)}
	if x.unique {
		row.SK = constraintSK
		input.ConditionExpression = aws.String("attribute_not_exists(pk) OR #owner = :owner")
		input.ExpressionAttributeNames = map[string]string{"#owner": "owner"}
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":owner": &types.AttributeValueMemberS{Value: owner},
		}
	}
	item, err := attributevalue.MarshalMap(row)
	if err != nil {
		return fmt.Errorf("marshal value row: %w", err)
	}
	input.Item = item
	_, err = x.store.client.PutItem(ctx, input)
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return fmt.Errorf("%w: %s=%v", ErrDuplicateValue, x.name(), value)
	}
	return err
}

func (x *valueIndex) Deindex(ctx context.Context, value any, owner string) error {
	input := &dynamodb.DeleteItemInput{
		TableName: aws.String(x.store.config.ValueIndexTable),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: x.pk(value)},
			"sk": &types.AttributeValueMemberS{Value: owner},
		},
	}
	if x.unique {
		input.Key["sk"] = &types.AttributeValueMemberS{Value: constraintSK}
		input.ConditionExpression = aws.String("#owner = :owner")
		input.ExpressionAttributeNames = map[string]string{"#owner": "owner"}
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":owner": &types.AttributeValueMemberS{Value: owner},
		}
	}
	_, err := x.store.client.DeleteItem(ctx, input)

	// The value belongs to another owner.
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return nil
	}
	return err
}

func dedupe(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if !slices.Contains(out, k) {
			out = append(out, k)
		}
	}
	return out
}
