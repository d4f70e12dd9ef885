package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/samber/lo"
)

// Object is a stored body with its metadata.
type Object struct {
	Body     []byte
	Metadata map[string]string
}

// MemoryStore is an ObjectStore kept in process.
type MemoryStore struct {
	mu      sync.Mutex
	bucket  string
	objects map[string]Object
}

func NewMemoryStore(bucket string) *MemoryStore {
	return &MemoryStore{bucket: bucket, objects: make(map[string]Object)}
}

func (m *MemoryStore) Bucket() string { return m.bucket }

func (m *MemoryStore) Put(_ context.Context, key string, body []byte, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = Object{Body: append([]byte(nil), body...), Metadata: lo.Assign(metadata)}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	return append([]byte(nil), obj.Body...), nil
}

func (m *MemoryStore) Move(_ context.Context, src, dst string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[src]
	if !ok {
		return fmt.Errorf("copy %s: %w", src, ErrNotFound)
	}
	m.objects[dst] = obj
	delete(m.objects, src)
	return nil
}

// Object returns the stored object for inspection.
func (m *MemoryStore) Object(key string) (Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	return obj, ok
}

// Keys lists every key in sorted order.
func (m *MemoryStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := lo.Keys(m.objects)
	sort.Strings(keys)
	return keys
}

// Fetch reads key when bucket is this store's bucket.
func (m *MemoryStore) Fetch(ctx context.Context, bucket, key string) ([]byte, error) {
	if bucket != m.bucket {
		return nil, fmt.Errorf("bucket %s: %w", bucket, ErrNotFound)
	}
	return m.Get(ctx, key)
}
