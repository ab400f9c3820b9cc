// Package storagetest provides an in-memory ObjectStore for tests.
package storagetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethpandaops/regressoor/pkg/storage"
)

// Compile-time interface check.
var _ storage.ObjectStore = (*Memory)(nil)

// Memory is a goroutine-safe in-memory ObjectStore.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		objects: make(map[string][]byte),
		types:   make(map[string]string),
	}
}

func (m *Memory) Get(_ context.Context, bucket, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("getting object %s/%s: %w", bucket, key, storage.ErrObjectNotFound)
	}

	return data, nil
}

func (m *Memory) Put(_ context.Context, bucket, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.objects[bucket+"/"+key] = append([]byte(nil), data...)
	m.types[bucket+"/"+key] = contentType

	return nil
}

// Object returns a stored object and whether it exists.
func (m *Memory) Object(bucket, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.objects[bucket+"/"+key]

	return data, ok
}
