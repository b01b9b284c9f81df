// Package storage defines the object storage contract shared by the
// outbound and inbound paths, with S3 and in-memory backends.
package storage

import (
	"context"
	"time"
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// ObjectStore is a flat key/value object store partitioned into buckets.
// Errors wrap email.ErrNotFound when the object is absent and
// email.ErrStorageUnavailable when the backend cannot be reached.
type ObjectStore interface {
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	// List returns the objects whose key starts with prefix, ordered by key.
	List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
	Stat(ctx context.Context, bucket, key string) (ObjectInfo, error)
	EnsureBucket(ctx context.Context, bucket string) error
}
