// Package kvstore defines the durable key/value blob storage used by the
// local queue. Implementations include SQLite (on-device file), Redis, and
// in-memory (for testing). Encrypted wraps any of them.
package kvstore

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned by Get when the key has never been set.
var ErrNotFound = errors.New("kvstore: key not found")

// Store persists string blobs across process restarts.
type Store interface {
	// Get returns the blob for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set overwrites the blob for key.
	Set(ctx context.Context, key, value string) error

	// Update reads the blob for key and replaces it with fn's result as one
	// atomic step, also against other processes sharing the storage. fn gets
	// found=false when the key is unset and may run more than once. Nothing is
	// written when fn returns an error.
	Update(ctx context.Context, key string, fn UpdateFunc) error
}

// UpdateFunc computes the next blob from the current one.
type UpdateFunc func(current string, found bool) (string, error)

// Memory implements Store with a map. Not durable; used in tests.
type Memory struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = value
	return nil
}

func (m *Memory) Update(_ context.Context, key string, fn UpdateFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, found := m.data[key]
	next, err := fn(cur, found)
	if err != nil {
		return err
	}
	m.data[key] = next
	return nil
}
