// Package provider defines the storage contract every backend satisfies.
package provider

import (
	"context"
	"errors"
	"io"
	"time"
)

// Error kinds shared by all backends. The s3 layer maps these to wire codes.
var (
	ErrNoSuchBucket       = errors.New("no such bucket")
	ErrNoSuchKey          = errors.New("no such key")
	ErrBucketNotEmpty     = errors.New("bucket not empty")
	ErrBucketExists       = errors.New("bucket already owned by you")
	ErrInvalidBucketName  = errors.New("invalid bucket name")
	ErrBadDigest          = errors.New("content md5 mismatch")
	ErrReadOnly           = errors.New("provider is read-only")
	ErrServiceUnavailable = errors.New("backend unavailable")
)

// Bucket describes a bucket.
type Bucket struct {
	Name      string
	CreatedAt time.Time
}

// ObjectInfo describes object metadata.
type ObjectInfo struct {
	Bucket       string
	Key          string
	Size         int64
	ContentType  string
	ETag         string
	LastModified time.Time
	UserMetadata map[string]string
	// HashFallback is set when ETag is not an MD5 of the payload but the
	// backend's native hash (remote provider without a cache entry).
	HashFallback bool
}

// PutOptions carries optional PutObject inputs.
type PutOptions struct {
	ContentType  string
	UserMetadata map[string]string
	// ExpectedMD5 is the raw Content-MD5 digest; the write fails with
	// ErrBadDigest when the streamed body hashes differently.
	ExpectedMD5 []byte
}

// DeleteOutcome reports a per-key DeleteObjects result.
type DeleteOutcome struct {
	Key     string
	Deleted bool
	Code    string
	Message string
}

// Storage is the operation set each backend implements. Bodies are streamed;
// implementations must not buffer whole payloads.
type Storage interface {
	ListBuckets(ctx context.Context) ([]Bucket, error)
	CreateBucket(ctx context.Context, bucket string) (Bucket, error)
	DeleteBucket(ctx context.Context, bucket string) error
	BucketExists(ctx context.Context, bucket string) (bool, error)

	PutObject(ctx context.Context, bucket, key string, body io.Reader, opts PutOptions) (ObjectInfo, error)
	GetObject(ctx context.Context, bucket, key string, offset, length int64) (ObjectInfo, io.ReadCloser, error)
	HeadObject(ctx context.Context, bucket, key string) (ObjectInfo, error)
	DeleteObject(ctx context.Context, bucket, key string) error
	DeleteObjects(ctx context.Context, bucket string, keys []string) ([]DeleteOutcome, error)
	CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (ObjectInfo, error)

	// ListObjects returns keys after the continuation key in lexicographic
	// order. The delimiter grouping is applied by the caller; providers only
	// guarantee ordering, prefix filtering, and stable continuation.
	ListObjects(ctx context.Context, bucket, prefix, afterKey string, limit int) ([]ObjectInfo, bool, error)
}

// DefaultContentType is assumed when a PUT carries no Content-Type.
const DefaultContentType = "application/octet-stream"
