package objectstore

import (
	"context"
	"sync"
)

// Ensure Memory implements Store.
var _ Store = (*Memory)(nil)

// Memory is an in-process Store that also counts calls, for tests and local
// development.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
	gets    int
	puts    int
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

// GetObject returns a copy of the stored object.
func (m *Memory) GetObject(_ context.Context, bucket, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.gets++
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, &StoreError{Op: "GetObject", Bucket: bucket, Key: key, Err: ErrNotFound}
	}
	return append([]byte(nil), data...), nil
}

// PutObject stores a copy of body.
func (m *Memory) PutObject(_ context.Context, bucket, key string, body []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.puts++
	m.objects[bucket+"/"+key] = append([]byte(nil), body...)
	return nil
}

// Calls returns the number of GetObject and PutObject calls made so far.
func (m *Memory) Calls() (gets, puts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gets, m.puts
}

// Keys returns the bucket-qualified keys currently stored.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	return keys
}
