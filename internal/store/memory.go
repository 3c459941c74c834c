package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

type memoryObject struct {
	data        []byte
	contentType string
	metadata    map[string]string
	etag        string
}

// MemoryStore is an in-memory Store used by tests and by the memory
// artifact_store type in acceptance tests.
type MemoryStore struct {
	name    string
	mu      sync.RWMutex
	objects map[string]*memoryObject
	version atomic.Int64
	writes  atomic.Int64
	heads   atomic.Int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(name string) *MemoryStore {
	return &MemoryStore{
		name:    name,
		objects: make(map[string]*memoryObject),
	}
}

func (m *MemoryStore) Name() string { return m.name }

// Writes returns the number of successful Put and PutIfAbsent calls.
func (m *MemoryStore) Writes() int64 { return m.writes.Load() }

// Heads returns the number of Head calls.
func (m *MemoryStore) Heads() int64 { return m.heads.Load() }

func (m *MemoryStore) Locate(key string) Location {
	return Location{Scheme: "memory", Bucket: m.name, Key: key}
}

func (m *MemoryStore) newObject(body io.Reader, opts PutOptions) (*memoryObject, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	meta := make(map[string]string, len(opts.Metadata))
	for k, v := range opts.Metadata {
		meta[k] = v
	}
	return &memoryObject{
		data:        data,
		contentType: opts.ContentType,
		metadata:    meta,
		etag:        fmt.Sprintf(`"%d"`, m.version.Add(1)),
	}, nil
}

func (m *MemoryStore) Put(_ context.Context, key string, body io.Reader, opts PutOptions) error {
	obj, err := m.newObject(body, opts)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = obj
	m.writes.Add(1)
	return nil
}

func (m *MemoryStore) PutIfAbsent(_ context.Context, key string, body io.Reader, opts PutOptions) error {
	obj, err := m.newObject(body, opts)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.objects[key]; exists {
		return ErrExists
	}
	m.objects[key] = obj
	m.writes.Add(1)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, ObjectMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, ObjectMeta{}, ErrNotFound
	}

	// Copy so callers cannot mutate the stored body.
	buf := make([]byte, len(obj.data))
	copy(buf, obj.data)
	return io.NopCloser(bytes.NewReader(buf)), obj.meta(), nil
}

func (m *MemoryStore) Head(_ context.Context, key string) (ObjectMeta, error) {
	m.heads.Add(1)

	m.mu.RLock()
	defer m.mu.RUnlock()

	obj, ok := m.objects[key]
	if !ok {
		return ObjectMeta{}, ErrNotFound
	}
	return obj.meta(), nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemoryStore) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []ObjectInfo
	for k, obj := range m.objects {
		if strings.HasPrefix(k, prefix) {
			results = append(results, ObjectInfo{Key: k, Size: int64(len(obj.data)), ETag: obj.etag})
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Key < results[j].Key })
	return results, nil
}

func (o *memoryObject) meta() ObjectMeta {
	md := make(map[string]string, len(o.metadata))
	for k, v := range o.metadata {
		md[k] = v
	}
	return ObjectMeta{ETag: o.etag, Size: int64(len(o.data)), Metadata: md}
}
