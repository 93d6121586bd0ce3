package storage

import (
	"context"
	"sync"
)

// MemoryStore is a sync.Mutex-guarded, in-process implementation of Store.
// It is used by the engine's own unit tests and is available as a local
// development backend; it has no durability across process restarts, so
// timer recovery against it is a no-op beyond running the connected
// callback once.
type MemoryStore struct {
	mu    sync.Mutex
	hash  map[string]map[string]string
	sets  map[string]map[string]struct{}
	order map[string][]string // insertion order of set members, for stable iteration
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		hash:  make(map[string]map[string]string),
		sets:  make(map[string]map[string]struct{}),
		order: make(map[string][]string),
	}
}

func (m *MemoryStore) HSet(_ context.Context, table, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.hash[table]
	if !ok {
		t = make(map[string]string)
		m.hash[table] = t
	}
	if _, exists := t[field]; !exists {
		m.order[table] = append(m.order[table], field)
	}
	t[field] = value
	return nil
}

func (m *MemoryStore) HGet(_ context.Context, table, field string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.hash[table]
	if !ok {
		return "", ErrNotFound
	}
	v, ok := t[field]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) HGetAll(_ context.Context, table string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make(map[string]string)
	t, ok := m.hash[table]
	if !ok {
		return result, nil
	}
	for _, field := range m.order[table] {
		if v, ok := t[field]; ok {
			result[field] = v
		}
	}
	return result, nil
}

func (m *MemoryStore) HDel(_ context.Context, table, field string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.hash[table]
	if !ok {
		return nil
	}
	delete(t, field)
	m.order[table] = removeString(m.order[table], field)
	if len(t) == 0 {
		delete(m.hash, table)
		delete(m.order, table)
	}
	return nil
}

func (m *MemoryStore) HDrop(_ context.Context, table string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hash, table)
	delete(m.order, table)
	return nil
}

func (m *MemoryStore) HSetN(_ context.Context, table string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.hash[table]
	if !ok {
		t = make(map[string]string)
		m.hash[table] = t
	}
	for field, value := range fields {
		if _, exists := t[field]; !exists {
			m.order[table] = append(m.order[table], field)
		}
		t[field] = value
	}
	return nil
}

func (m *MemoryStore) SAdd(_ context.Context, set, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[set]
	if !ok {
		s = make(map[string]struct{})
		m.sets[set] = s
	}
	if _, exists := s[member]; !exists {
		s[member] = struct{}{}
		m.order[set] = append(m.order[set], member)
	}
	return nil
}

func (m *MemoryStore) SRem(_ context.Context, set, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[set]
	if !ok {
		return nil
	}
	delete(s, member)
	m.order[set] = removeString(m.order[set], member)
	if len(s) == 0 {
		delete(m.sets, set)
		delete(m.order, set)
	}
	return nil
}

func (m *MemoryStore) SGetAll(_ context.Context, set string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[set]
	if !ok {
		return nil, nil
	}
	result := make([]string, 0, len(s))
	for _, member := range m.order[set] {
		if _, ok := s[member]; ok {
			result = append(result, member)
		}
	}
	return result, nil
}

// AddCallbackOnConnected has no separate connected event for an in-memory
// store: it is ready the instant it is constructed, so fn runs immediately.
func (m *MemoryStore) AddCallbackOnConnected(fn func(context.Context)) {
	fn(context.Background())
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
