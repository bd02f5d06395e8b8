//go:build e2e

// Package e2e contains end-to-end integration tests using real DynamoDB tables.
// Run with: GRAFT_E2E_PROFILE=<profile> go test -tags=e2e -v ./e2e/...
package e2e

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jacentio/graft/dynamostore"
	"github.com/jacentio/graft/engine"
	"github.com/jacentio/graft/mapping"
)

// Table names are unique per test run to avoid conflicts.
const tablePrefix = "graft-e2e-test"

var (
	testID    string
	storeCfg  dynamostore.Config
	ddbClient *dynamodb.Client
	testStore *dynamostore.Store
)

// --- Test Entities ---

// Organization is a root entity owning studios.
type Organization struct {
	ID      string
	Version int64
	Name    string
	Studios *mapping.Collection[Studio]
}

// Studio belongs to an organization and has a unique slug.
type Studio struct {
	ID           string
	Name         string
	Slug         string
	Organization *Organization
	Titles       *mapping.Collection[Title]
}

// Title belongs to a studio.
type Title struct {
	ID     string
	Name   string
	Studio *Studio
}

var registry = mapping.NewRegistry().MustRegister(
	mapping.NewEntity[Organization]("Organization",
		mapping.Identity(mapping.Scalar("id", func(o *Organization) *string { return &o.ID })),
		mapping.Versioned(mapping.Scalar("version", func(o *Organization) *int64 { return &o.Version })),
		mapping.Properties(
			mapping.Scalar("name", func(o *Organization) *string { return &o.Name }),
			mapping.OneToManyOf("studios", "Studio", func(o *Organization) **mapping.Collection[Studio] { return &o.Studios },
				mapping.MappedBy("organization"), mapping.Cascading(mapping.CascadeAll)),
		),
	),
	mapping.NewEntity[Studio]("Studio",
		mapping.Identity(mapping.Scalar("id", func(s *Studio) *string { return &s.ID })),
		mapping.Properties(
			mapping.Scalar("name", func(s *Studio) *string { return &s.Name }),
			mapping.Scalar("slug", func(s *Studio) *string { return &s.Slug }, mapping.Unique()),
			mapping.ToOneOf("organization", "Organization", func(s *Studio) **Organization { return &s.Organization },
				mapping.MappedBy("studios"), mapping.Indexed()),
			mapping.OneToManyOf("titles", "Title", func(s *Studio) **mapping.Collection[Title] { return &s.Titles },
				mapping.MappedBy("studio"), mapping.Cascading(mapping.CascadeAll), mapping.Lazy()),
		),
	),
	mapping.NewEntity[Title]("Title",
		mapping.Identity(mapping.Scalar("id", func(t *Title) *string { return &t.ID })),
		mapping.Properties(
			mapping.Scalar("name", func(t *Title) *string { return &t.Name }),
			mapping.ToOneOf("studio", "Studio", func(t *Title) **Studio { return &t.Studio },
				mapping.MappedBy("titles")),
		),
	),
)

// --- Test Setup & Teardown ---

func TestMain(m *testing.M) {
	testID = uuid.New().String()[:8]
	prefix := fmt.Sprintf("%s-%s-", tablePrefix, testID)
	storeCfg = dynamostore.DefaultConfig()
	storeCfg.TablePrefix = prefix
	storeCfg.RelationshipTable = prefix + "relationships"
	storeCfg.ValueIndexTable = prefix + "values"
	storeCfg.NumShards = 4

	fmt.Printf("Test ID: %s\n", testID)

	ctx := context.Background()
	var opts []func(*config.LoadOptions) error
	if profile := os.Getenv("GRAFT_E2E_PROFILE"); profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		fmt.Printf("Failed to load AWS config: %v\n", err)
		os.Exit(1)
	}
	ddbClient = dynamodb.NewFromConfig(cfg)

	if err := createTables(ctx); err != nil {
		fmt.Printf("Failed to create tables: %v\n", err)
		os.Exit(1)
	}

	logger, _ := zap.NewDevelopment()
	testStore = dynamostore.New(ddbClient, storeCfg, dynamostore.WithLogger(logger))

	code := m.Run()

	if err := deleteTables(ctx); err != nil {
		fmt.Printf("Failed to delete tables: %v\n", err)
	}
	os.Exit(code)
}

func tableNames() []string {
	return []string{
		storeCfg.TableName("Organization"),
		storeCfg.TableName("Studio"),
		storeCfg.TableName("Title"),
		storeCfg.RelationshipTable,
		storeCfg.ValueIndexTable,
	}
}

func createTables(ctx context.Context) error {
	fmt.Println("Creating test tables...")

	for _, family := range []string{"Organization", "Studio", "Title"} {
		if err := createTable(ctx, storeCfg.TableName(family), storeCfg.KeyAttribute, ""); err != nil {
			return err
		}
	}
	if err := createTable(ctx, storeCfg.RelationshipTable, "pk", "child_ref"); err != nil {
		return err
	}
	if err := createTable(ctx, storeCfg.ValueIndexTable, "pk", "sk"); err != nil {
		return err
	}

	for _, tableName := range tableNames() {
		waiter := dynamodb.NewTableExistsWaiter(ddbClient)
		if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{
			TableName: aws.String(tableName),
		}, 2*time.Minute); err != nil {
			return fmt.Errorf("wait for table %s: %w", tableName, err)
		}
	}

	fmt.Println("All tables created and active")
	return nil
}

func createTable(ctx context.Context, name, hash, rng string) error {
	input := &dynamodb.CreateTableInput{
		TableName: aws.String(name),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(hash), KeyType: types.KeyTypeHash},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(hash), AttributeType: types.ScalarAttributeTypeS},
		},
		BillingMode: types.BillingModePayPerRequest,
	}
	if rng != "" {
		input.KeySchema = append(input.KeySchema, types.KeySchemaElement{AttributeName: aws.String(rng), KeyType: types.KeyTypeRange})
		input.AttributeDefinitions = append(input.AttributeDefinitions, types.AttributeDefinition{AttributeName: aws.String(rng), AttributeType: types.ScalarAttributeTypeS})
	}
	if _, err := ddbClient.CreateTable(ctx, input); err != nil {
		return fmt.Errorf("create table %s: %w", name, err)
	}
	return nil
}

func deleteTables(ctx context.Context) error {
	fmt.Println("Deleting test tables...")

	for _, tableName := range tableNames() {
		_, err := ddbClient.DeleteTable(ctx, &dynamodb.DeleteTableInput{
			TableName: aws.String(tableName),
		})
		if err != nil {
			fmt.Printf("Warning: failed to delete table %s: %v\n", tableName, err)
		}
	}

	fmt.Println("Tables deleted")
	return nil
}

func newSession(t *testing.T) *engine.Session[string, *dynamostore.Item] {
	t.Helper()
	s, err := engine.NewSession[string, *dynamostore.Item](testStore, registry)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return s
}

func save(t *testing.T, s *engine.Session[string, *dynamostore.Item], objs ...any) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.PersistAll(ctx, objs...); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func newOrganization() *Organization {
	id := uuid.New().String()[:8]
	return &Organization{
		Name: "Org " + id,
		Studios: mapping.NewCollection(
			&Studio{Name: "North", Slug: "north-" + id, Titles: mapping.NewCollection(&Title{Name: "Dawn"})},
			&Studio{Name: "South", Slug: "south-" + id},
		),
	}
}

// --- CRUD Tests ---

func TestCreate_Graph(t *testing.T) {
	ctx := context.Background()
	org := newOrganization()
	save(t, newSession(t), org)

	got, err := engine.Get[Organization](ctx, newSession(t), org.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Name != org.Name || got.Version != 0 {
		t.Fatalf("expected organization at version 0, got %+v", got)
	}
	studios := got.Studios.All()
	if len(studios) != 2 || studios[0].Name != "North" || studios[1].Name != "South" {
		t.Fatalf("expected [North South], got %d studios", len(studios))
	}
	titles := studios[0].Titles.All()
	if len(titles) != 1 || titles[0].Name != "Dawn" || titles[0].Studio != studios[0] {
		t.Errorf("expected lazily loaded title Dawn, got %v", titles)
	}
}

func TestGet_NotFound(t *testing.T) {
	got, err := engine.Get[Organization](context.Background(), newSession(t), uuid.New().String())
	if err != nil || got != nil {
		t.Errorf("expected nil, nil for a missing key, got %v, %v", got, err)
	}
}

func TestInsert_Duplicate(t *testing.T) {
	ctx := context.Background()
	org := &Organization{ID: uuid.New().String(), Name: "Once"}
	s := newSession(t)
	if _, err := s.Insert(ctx, org); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, err := newSession(t).Insert(ctx, &Organization{ID: org.ID, Name: "Twice"})
	if !errors.Is(err, dynamostore.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestUpdate_OptimisticLockFailure(t *testing.T) {
	ctx := context.Background()
	org := newOrganization()
	save(t, newSession(t), org)

	s1, s2 := newSession(t), newSession(t)
	a, _ := engine.Get[Organization](ctx, s1, org.ID)
	b, _ := engine.Get[Organization](ctx, s2, org.ID)

	a.Name = "First"
	save(t, s1, a)

	b.Name = "Second"
	if _, err := s2.Persist(ctx, b); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := s2.Flush(ctx); !errors.Is(err, dynamostore.ErrConcurrentModification) {
		t.Errorf("expected ErrConcurrentModification, got %v", err)
	}
}

func TestUniqueConstraint_Enforced(t *testing.T) {
	ctx := context.Background()
	org := newOrganization()
	save(t, newSession(t), org)

	dup := &Studio{Name: "Copy", Slug: org.Studios.All()[0].Slug}
	s := newSession(t)
	if _, err := s.Persist(ctx, dup); err != nil {
		t.Fatalf("persist: %v", err)
	}
	err := s.Flush(ctx)
	if !engine.IsPartialFailure(err) || !errors.Is(err, dynamostore.ErrDuplicateValue) {
		t.Errorf("expected partial failure with ErrDuplicateValue, got %v", err)
	}
}

func TestFindBy_Association(t *testing.T) {
	ctx := context.Background()
	org := newOrganization()
	save(t, newSession(t), org)

	found, err := newSession(t).FindBy(ctx, "Studio", "organization", org.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(found) != 2 {
		t.Errorf("expected 2 studios, got %d", len(found))
	}
}

func TestDelete_SoftDeleteCascades(t *testing.T) {
	ctx := context.Background()
	org := newOrganization()
	save(t, newSession(t), org)

	s := newSession(t)
	got, _ := engine.Get[Organization](ctx, s, org.ID)
	if err := s.Delete(ctx, got); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	check := newSession(t)
	if o, _ := engine.Get[Organization](ctx, check, org.ID); o != nil {
		t.Error("expected organization gone")
	}
	for _, st := range org.Studios.All() {
		if got, _ := engine.Get[Studio](ctx, check, st.ID); got != nil {
			t.Errorf("expected studio %s gone", st.Name)
		}
	}
	keys, err := testStore.Keys(ctx, "Title")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	title := org.Studios.All()[0].Titles.All()[0]
	for _, k := range keys {
		if k == title.ID {
			t.Error("expected the title soft-deleted through the lazy association")
		}
	}
}

func TestLock_Exclusive(t *testing.T) {
	ctx := context.Background()
	org := &Organization{Name: "Locked"}
	s1 := newSession(t)
	save(t, s1, org)

	if err := s1.Lock(ctx, org); err != nil {
		t.Fatalf("lock: %v", err)
	}
	other := dynamostore.New(ddbClient, storeCfg)
	s2, _ := engine.NewSession[string, *dynamostore.Item](other, registry)
	copyOrg, _ := engine.Get[Organization](ctx, s2, org.ID)
	if err := s2.Lock(ctx, copyOrg); !errors.Is(err, engine.ErrLockAcquisition) {
		t.Errorf("expected ErrLockAcquisition, got %v", err)
	}
	if err := s1.Unlock(ctx, org); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if err := s2.Lock(ctx, copyOrg); err != nil {
		t.Errorf("expected lock after release, got %v", err)
	}
}
