package kv

import (
	"bytes"
	"context"
	"sort"
	"sync"
)

// Memory is an in-memory collection. Its records survive Close and a later
// Open, the way a file-backed collection's would.
type Memory struct {
	guard
	mu      sync.RWMutex
	records map[string][]byte
}

// NewMemory creates an empty, closed in-memory collection.
func NewMemory(name string) *Memory {
	return &Memory{
		guard:   guard{name: name},
		records: make(map[string][]byte),
	}
}

func (m *Memory) Open(ctx context.Context, mode Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = true
	m.mode = mode
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = false
	return nil
}

func (m *Memory) Drop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writable(); err != nil {
		return err
	}
	m.records = make(map[string][]byte)
	return nil
}

func (m *Memory) Count(ctx context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.readable(); err != nil {
		return 0, err
	}
	return uint64(len(m.records)), nil
}

func (m *Memory) Get(ctx context.Context, key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.readable(); err != nil {
		return nil, err
	}
	v, ok := m.records[string(key)]
	if !ok {
		return nil, notFound(m.name, key)
	}
	return bytes.Clone(v), nil
}

func (m *Memory) Put(ctx context.Context, key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writable(); err != nil {
		return err
	}
	m.records[string(key)] = bytes.Clone(value)
	return nil
}

func (m *Memory) Remove(ctx context.Context, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writable(); err != nil {
		return err
	}
	delete(m.records, string(key))
	return nil
}

func (m *Memory) Keys(ctx context.Context, fn func(key []byte) error) error {
	m.mu.RLock()
	if err := m.readable(); err != nil {
		m.mu.RUnlock()
		return err
	}
	keys := make([]string, 0, len(m.records))
	for k := range m.records {
		keys = append(keys, k)
	}
	m.mu.RUnlock()

	sort.Strings(keys)
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn([]byte(k)); err != nil {
			return err
		}
	}
	return nil
}
