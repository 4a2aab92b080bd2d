// Package lake lands raw domain records in the object store as
// time-partitioned JSONL objects (the bronze layer) and provides the
// object-store abstraction shared with the ETL side.
package lake

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Object describes a stored object for listing and discovery.
type Object struct {
	Key          string
	LastModified time.Time
	Size         int64
}

// PutOptions carries content headers and user metadata for a put.
type PutOptions struct {
	ContentType     string
	ContentEncoding string
	Metadata        map[string]string
}

// ErrNotFound is returned by Get for missing keys.
var ErrNotFound = fmt.Errorf("object not found")

// ObjectStore is the object-store surface the pipeline depends on.
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte, opts PutOptions) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]Object, error)
	HeadBucket(ctx context.Context) error
}

// MemoryStore is an in-memory ObjectStore for tests and local development.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	now     func() time.Time
}

type memoryObject struct {
	body         []byte
	opts         PutOptions
	lastModified time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject), now: time.Now}
}

// Put stores the body under key, overwriting any previous object.
func (m *MemoryStore) Put(_ context.Context, key string, body []byte, opts PutOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make([]byte, len(body))
	copy(copied, body)
	m.objects[key] = memoryObject{body: copied, opts: opts, lastModified: m.now()}
	return nil
}

// Get returns the body stored under key.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	copied := make([]byte, len(obj.body))
	copy(copied, obj.body)
	return copied, nil
}

// List returns objects under prefix sorted by key.
func (m *MemoryStore) List(_ context.Context, prefix string) ([]Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Object
	for key, obj := range m.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, Object{Key: key, LastModified: obj.lastModified, Size: int64(len(obj.body))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// HeadBucket always succeeds for the in-memory store.
func (m *MemoryStore) HeadBucket(context.Context) error { return nil }

// Options returns the put options recorded for key, for test assertions.
func (m *MemoryStore) Options(key string) (PutOptions, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	return obj.opts, ok
}

// SetLastModified overrides an object's timestamp, for test setups that
// need deterministic discovery ordering.
func (m *MemoryStore) SetLastModified(key string, ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if obj, ok := m.objects[key]; ok {
		obj.lastModified = ts
		m.objects[key] = obj
	}
}
