package storage

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore is an AssetStore held in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	baseURL string
	objects map[string][]byte
	puts    int
}

func NewMemoryStore(baseURL string) *MemoryStore {
	return &MemoryStore{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		objects: make(map[string][]byte),
	}
}

func (m *MemoryStore) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		m.objects[key] = append([]byte(nil), data...)
		m.puts++
	}
	return m.URL(key), nil
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) PutMask(ctx context.Context, imageID string, data []byte) (string, error) {
	return m.Put(ctx, MaskKey(imageID), data, "image/png")
}

func (m *MemoryStore) URL(key string) string {
	return m.baseURL + "/" + key
}

// Writes counts objects actually stored.
func (m *MemoryStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}
