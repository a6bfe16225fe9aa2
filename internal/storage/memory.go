package storage

import (
	"context"
	"sync"
)

// Memory is an in-process Store used for tests and ephemeral deployments.
type Memory struct {
	mu       sync.Mutex
	items    map[string]Item
	readErr  error
	writeErr error
	puts     int
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]Item)}
}

// FailReads makes every subsequent Get return err. Pass nil to restore.
func (m *Memory) FailReads(err error) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
	return m
}

// FailWrites makes every subsequent Put return err. Pass nil to restore.
func (m *Memory) FailWrites(err error) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
	return m
}

// Raw replaces a key's value without a revision check, bumping the revision.
func (m *Memory) Raw(key string, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.items[key]
	m.items[key] = Item{Value: append([]byte(nil), value...), Revision: cur.Revision + 1}
}

// Puts returns the number of successful writes.
func (m *Memory) Puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

func (m *Memory) Get(_ context.Context, key string) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return Item{}, m.readErr
	}
	it := m.items[key]
	return Item{Value: append([]byte(nil), it.Value...), Revision: it.Revision}, nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte, expectedRevision int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	cur := m.items[key]
	if cur.Revision != expectedRevision {
		return 0, ErrRevisionMismatch
	}
	next := cur.Revision + 1
	m.items[key] = Item{Value: append([]byte(nil), value...), Revision: next}
	m.puts++
	return next, nil
}

func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readErr
}

func (m *Memory) Close() error { return nil }
