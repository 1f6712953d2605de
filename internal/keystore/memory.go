package keystore

import (
	"context"
	"sync"
)

// Memory is an in-memory Backend.
type Memory struct {
	mu   sync.RWMutex
	data map[Kind]map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{data: map[Kind]map[string][]byte{}}
}

func (m *Memory) Get(_ context.Context, kind Kind, ids []string) (map[string][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]byte, len(ids))
	for _, id := range ids {
		if v, ok := m.data[kind][id]; ok {
			out[id] = append([]byte(nil), v...)
		}
	}
	return out, nil
}

func (m *Memory) Set(_ context.Context, patch Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for kind, values := range patch {
		if m.data[kind] == nil {
			m.data[kind] = map[string][]byte{}
		}
		for id, v := range values {
			if v == nil {
				delete(m.data[kind], id)
				continue
			}
			m.data[kind][id] = append([]byte(nil), v...)
		}
	}
	return nil
}
