package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shineum/mail-gateway/internal/email"
)

type memoryObject struct {
	data        []byte
	contentType string
	modified    time.Time
}

// MemoryStore is an in-process ObjectStore. Put creates buckets on demand.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]map[string]memoryObject
	now     func() time.Time
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		buckets: make(map[string]map[string]memoryObject),
		now:     time.Now,
	}
}

// Put stores a copy of data under bucket/key.
func (m *MemoryStore) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("put %s/%s: %w: %w", bucket, key, email.ErrStorageUnavailable, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[bucket]
	if !ok {
		b = make(map[string]memoryObject)
		m.buckets[bucket] = b
	}
	b[key] = memoryObject{
		data:        append([]byte(nil), data...),
		contentType: contentType,
		modified:    m.now().UTC(),
	}
	return nil
}

// Get returns a copy of the content of bucket/key.
func (m *MemoryStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := m.lookup(ctx, "get", bucket, key)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), obj.data...), nil
}

// List returns objects under prefix ordered by key.
func (m *MemoryStore) List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("list %s/%s: %w: %w", bucket, prefix, email.ErrStorageUnavailable, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ObjectInfo
	for key, obj := range m.buckets[bucket] {
		if strings.HasPrefix(key, prefix) {
			out = append(out, obj.info(key))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Stat returns metadata for bucket/key.
func (m *MemoryStore) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	obj, err := m.lookup(ctx, "stat", bucket, key)
	if err != nil {
		return ObjectInfo{}, err
	}
	return obj.info(key), nil
}

// EnsureBucket creates bucket if missing.
func (m *MemoryStore) EnsureBucket(ctx context.Context, bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[bucket]; !ok {
		m.buckets[bucket] = make(map[string]memoryObject)
	}
	return nil
}

func (m *MemoryStore) lookup(ctx context.Context, op, bucket, key string) (memoryObject, error) {
	if err := ctx.Err(); err != nil {
		return memoryObject{}, fmt.Errorf("%s %s/%s: %w: %w", op, bucket, key, email.ErrStorageUnavailable, err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.buckets[bucket][key]
	if !ok {
		return memoryObject{}, fmt.Errorf("%s %s/%s: %w", op, bucket, key, email.ErrNotFound)
	}
	return obj, nil
}

func (o memoryObject) info(key string) ObjectInfo {
	return ObjectInfo{
		Key:          key,
		Size:         int64(len(o.data)),
		LastModified: o.modified,
		ContentType:  o.contentType,
	}
}
