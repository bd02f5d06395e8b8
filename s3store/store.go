package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jacentio/graft/access"
	"github.com/jacentio/graft/engine"
	"github.com/jacentio/graft/internal/coerce"
	"github.com/jacentio/graft/internal/payload"
	"github.com/jacentio/graft/mapping"
)

const (
	// deleteBatch is the DeleteObjects request limit.
	deleteBatch = 1000

	metaCreatedAt = "created-at"
	metaUpdatedAt = "updated-at"

	contentType = "application/json"
)

// Client is the subset of the S3 API the Store uses. *s3.Client implements
// it.
type Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
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

// WithClock replaces time.Now for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is an S3 backend keyed by uuid strings.
type Store struct {
	client Client
	config Config
	logger *zap.Logger
	now    func() time.Time
}

var _ engine.Backend[string, *Object] = (*Store)(nil)

// New creates a Store on client.
func New(client Client, config Config, opts ...Option) *Store {
	config.validate()
	s := &Store{
		client: client,
		config: config,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open creates a Store on an S3 client built from the default AWS
// configuration chain.
func Open(ctx context.Context, config Config, opts ...Option) (*Store, error) {
	if config.Bucket == "" {
		return nil, ErrBucketRequired
	}
	config.validate()
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(config.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = config.PathStyle
		if config.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.Endpoint)
		}
	})
	return New(client, config, opts...), nil
}

// Config returns the validated configuration.
func (s *Store) Config() Config {
	return s.config
}

func (s *Store) CreateEntry(family string) *Object {
	return newObject()
}

func (s *Store) GetValue(entry *Object, key string) any {
	return entry.Fields[key]
}

func (s *Store) SetValue(entry *Object, key string, value any) {
	if value == nil {
		delete(entry.Fields, key)
		return
	}
	entry.Fields[key] = value
}

// Store creates the object of a new entry. An object already under the key
// fails the put with ErrAlreadyExists.
func (s *Store) Store(ctx context.Context, entity *mapping.Entity, acc *access.Accessor, id string, entry *Object) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	now := s.timestamp()
	out, err := s.put(ctx, entity.FamilyName(), id, entry, now, now, func(in *s3.PutObjectInput) {
		in.IfNoneMatch = aws.String("*")
	})
	if err != nil {
		if preconditionFailed(err) {
			return "", fmt.Errorf("%w: %s %s", ErrAlreadyExists, entity.Name, id)
		}
		return "", fmt.Errorf("put %s %s: %w", entity.Name, id, err)
	}
	entry.ETag = aws.ToString(out.ETag)
	entry.CreatedAt, entry.UpdatedAt = now, now
	return id, nil
}

// Update rewrites the object of an entry. Versioned entities only overwrite
// the object they were read or last written from.
func (s *Store) Update(ctx context.Context, entity *mapping.Entity, acc *access.Accessor, key string, entry *Object) error {
	now := s.timestamp()
	created := entry.CreatedAt
	if created == "" {
		created = now
	}
	conditional := entity.IsVersioned() && entry.ETag != ""
	out, err := s.put(ctx, entity.FamilyName(), key, entry, created, now, func(in *s3.PutObjectInput) {
		if conditional {
			in.IfMatch = aws.String(entry.ETag)
		}
	})
	if err != nil {
		if conditional && (preconditionFailed(err) || notFound(err)) {
			return fmt.Errorf("%w: %s %s", ErrConcurrentModification, entity.Name, key)
		}
		return fmt.Errorf("put %s %s: %w", entity.Name, key, err)
	}
	entry.ETag = aws.ToString(out.ETag)
	entry.UpdatedAt = now
	return nil
}

func (s *Store) put(ctx context.Context, family, key string, entry *Object, created, updated string, condition func(*s3.PutObjectInput)) (*s3.PutObjectOutput, error) {
	body, err := payload.Marshal(entry.Fields)
	if err != nil {
		return nil, err
	}
	in := &s3.PutObjectInput{
		Bucket:      aws.String(s.config.Bucket),
		Key:         aws.String(s.config.EntryKey(family, key)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			metaCreatedAt: created,
			metaUpdatedAt: updated,
		},
	}
	condition(in)
	return s.client.PutObject(ctx, in)
}

func (s *Store) Retrieve(ctx context.Context, entity *mapping.Entity, family string, key string) (*Object, bool, error) {
	body, out, err := s.get(ctx, s.config.EntryKey(family, key))
	if err != nil {
		return nil, false, fmt.Errorf("get %s %s: %w", family, key, err)
	}
	if out == nil {
		return nil, false, nil
	}
	fields, err := payload.Unmarshal(body)
	if err != nil {
		return nil, false, fmt.Errorf("%s %s: %w", family, key, err)
	}
	return &Object{
		Fields:    fields,
		ETag:      aws.ToString(out.ETag),
		CreatedAt: out.Metadata[metaCreatedAt],
		UpdatedAt: out.Metadata[metaUpdatedAt],
	}, true, nil
}

// get reads an object. A missing object returns a nil output and no error.
func (s *Store) get(ctx context.Context, key string) ([]byte, *s3.GetObjectOutput, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(key),
	})
	if notFound(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = out.Body.Close() }()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", key, err)
	}
	return body, out, nil
}

// DeleteMany removes the objects of keys in batches.
func (s *Store) DeleteMany(ctx context.Context, family string, keys []string) error {
	objects := make([]string, len(keys))
	for i, k := range keys {
		objects[i] = s.config.EntryKey(family, k)
	}
	if err := s.deleteObjects(ctx, objects); err != nil {
		return fmt.Errorf("delete %s: %w", family, err)
	}
	return nil
}

func (s *Store) deleteObjects(ctx context.Context, keys []string) error {
	for start := 0; start < len(keys); start += deleteBatch {
		chunk := keys[start:min(start+deleteBatch, len(keys))]
		ids := make([]types.ObjectIdentifier, len(chunk))
		for i, k := range chunk {
			ids[i] = types.ObjectIdentifier{Key: aws.String(k)}
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.config.Bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return err
		}
		if len(out.Errors) > 0 {
			errs := make([]error, len(out.Errors))
			for i, e := range out.Errors {
				errs[i] = fmt.Errorf("%s: %s", aws.ToString(e.Key), aws.ToString(e.Message))
			}
			return errors.Join(errs...)
		}
	}
	return nil
}

func (s *Store) GenerateIdentifier(ctx context.Context, entity *mapping.Entity, entry *Object) (string, bool, error) {
	return uuid.NewString(), true, nil
}

func (s *Store) InferNativeKey(family string, identifier any) (string, error) {
	key, err := coerce.String(identifier)
	if err != nil {
		return "", err
	}
	if key == "" || strings.ContainsAny(key, "/") {
		return "", fmt.Errorf("%q is not a %s key", key, family)
	}
	return key, nil
}

// Keys lists the keys stored in family in ascending order.
func (s *Store) Keys(ctx context.Context, family string) ([]string, error) {
	prefix := s.config.Prefix + "entries/" + family + "/"
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.config.Bucket),
		Prefix: aws.String(prefix),
	})
	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", family, err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if k, ok := strings.CutSuffix(name, ".json"); ok && !strings.Contains(k, "/") {
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

func preconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "PreconditionFailed", "ConditionalRequestConflict":
		return true
	}
	return false
}

func notFound(err error) bool {
	if err == nil {
		return false
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound"
}
