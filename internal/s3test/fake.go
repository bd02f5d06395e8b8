// Package s3test provides an in-memory implementation of the S3 calls used by
// s3store, with ETags and conditional writes.
package s3test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// defaultMaxKeys is the page size of ListObjectsV2 without MaxKeys.
const defaultMaxKeys = 1000

type object struct {
	body     []byte
	etag     string
	metadata map[string]string
}

// Fake is an in-memory S3 with any number of buckets. It is safe for
// concurrent use.
type Fake struct {
	mu      sync.Mutex
	objects map[string]map[string]object
	seq     int
	calls   map[string]int
	fail    map[string]error

	// BeforePut, when set, runs before every PutObject with the lock
	// released, so tests can interleave a competing write.
	BeforePut func(key string)
}

// New creates an empty Fake.
func New() *Fake {
	return &Fake{
		objects: make(map[string]map[string]object),
		calls:   make(map[string]int),
		fail:    make(map[string]error),
	}
}

// Calls returns how often op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// FailNext makes the next call of op return err.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[op] = err
}

// Keys lists the object keys of bucket with prefix in ascending order.
func (f *Fake) Keys(bucket, prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects[bucket] {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Body returns the content of an object.
func (f *Fake) Body(bucket, key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[bucket][key]
	return bytes.Clone(o.body), ok
}

func (f *Fake) enter(op string) error {
	f.calls[op]++
	if err, ok := f.fail[op]; ok {
		delete(f.fail, op)
		return err
	}
	return nil
}

func preconditionFailed(key string) error {
	return &smithy.GenericAPIError{
		Code:    "PreconditionFailed",
		Message: fmt.Sprintf("precondition failed for %s", key),
	}
}

func (f *Fake) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GetObject"); err != nil {
		return nil, err
	}
	o, ok := f.objects[aws.ToString(in.Bucket)][aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String(aws.ToString(in.Key))}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(bytes.Clone(o.body))),
		ContentLength: aws.Int64(int64(len(o.body))),
		ETag:          aws.String(o.etag),
		Metadata:      maps.Clone(o.metadata),
	}, nil
}

func (f *Fake) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.BeforePut != nil {
		f.BeforePut(aws.ToString(in.Key))
	}
	var body []byte
	if in.Body != nil {
		b, err := io.ReadAll(in.Body)
		if err != nil {
			return nil, err
		}
		body = b
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("PutObject"); err != nil {
		return nil, err
	}
	bucket, key := aws.ToString(in.Bucket), aws.ToString(in.Key)
	cur, exists := f.objects[bucket][key]
	if aws.ToString(in.IfNoneMatch) == "*" && exists {
		return nil, preconditionFailed(key)
	}
	if in.IfMatch != nil && (!exists || cur.etag != *in.IfMatch) {
		return nil, preconditionFailed(key)
	}
	if f.objects[bucket] == nil {
		f.objects[bucket] = make(map[string]object)
	}
	f.seq++
	etag := fmt.Sprintf("\"%08x\"", f.seq)
	f.objects[bucket][key] = object{body: body, etag: etag, metadata: maps.Clone(in.Metadata)}
	return &s3.PutObjectOutput{ETag: aws.String(etag)}, nil
}

func (f *Fake) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteObject"); err != nil {
		return nil, err
	}
	bucket, key := aws.ToString(in.Bucket), aws.ToString(in.Key)
	cur, exists := f.objects[bucket][key]
	if in.IfMatch != nil && (!exists || cur.etag != *in.IfMatch) {
		return nil, preconditionFailed(key)
	}
	delete(f.objects[bucket], key)
	return &s3.DeleteObjectOutput{}, nil
}

func (f *Fake) DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("DeleteObjects"); err != nil {
		return nil, err
	}
	bucket := aws.ToString(in.Bucket)
	out := &s3.DeleteObjectsOutput{}
	if in.Delete == nil {
		return out, nil
	}
	if len(in.Delete.Objects) > 1000 {
		return nil, &smithy.GenericAPIError{Code: "MalformedXML", Message: "too many keys"}
	}
	for _, id := range in.Delete.Objects {
		key := aws.ToString(id.Key)
		delete(f.objects[bucket], key)
		if !aws.ToBool(in.Delete.Quiet) {
			out.Deleted = append(out.Deleted, types.DeletedObject{Key: aws.String(key)})
		}
	}
	return out, nil
}

// ListObjectsV2 pages through keys in ascending order. The continuation token
// is the last key of the previous page.
func (f *Fake) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ListObjectsV2"); err != nil {
		return nil, err
	}
	bucket, prefix := aws.ToString(in.Bucket), aws.ToString(in.Prefix)
	after := aws.ToString(in.ContinuationToken)
	limit := int(aws.ToInt32(in.MaxKeys))
	if limit <= 0 {
		limit = defaultMaxKeys
	}

	var keys []string
	for k := range f.objects[bucket] {
		if strings.HasPrefix(k, prefix) && k > after {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	if len(keys) > limit {
		keys = keys[:limit]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[limit-1])
	}
	for _, k := range keys {
		o := f.objects[bucket][k]
		out.Contents = append(out.Contents, types.Object{
			Key:  aws.String(k),
			ETag: aws.String(o.etag),
			Size: aws.Int64(int64(len(o.body))),
		})
	}
	out.KeyCount = aws.Int32(int32(len(out.Contents)))
	return out, nil
}
