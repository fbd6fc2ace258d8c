package store

import (
	"strings"
	"sync"
)

// memoryKV is a map-backed kv, intended for dev and tests.
type memoryKV struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewMemory returns an in-memory Store.
func NewMemory() Store {
	return &docStore{kv: &memoryKV{docs: make(map[string][]byte)}}
}

func (m *memoryKV) put(key string, doc []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[key] = append([]byte(nil), doc...)
	return nil
}

func (m *memoryKV) get(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.docs[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), b...), true, nil
}

func (m *memoryKV) list(prefix string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]byte)
	for k, v := range m.docs {
		if strings.HasPrefix(k, prefix) {
			out[k] = append([]byte(nil), v...)
		}
	}
	return out, nil
}

func (m *memoryKV) del(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, key)
	return nil
}

func (m *memoryKV) update(key string, fn func([]byte) ([]byte, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.docs[key]
	if !ok {
		cur = nil
	}
	next, err := fn(cur)
	if err != nil {
		return err
	}
	m.docs[key] = next
	return nil
}
