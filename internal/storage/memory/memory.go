// Package memory is a process-local Secure Storage used for tests and
// ephemeral runs. Values do not survive a restart.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/LucasBBacon/tabletop-homebrew-app/internal/storage"
)

type Storage struct {
	mu     sync.RWMutex
	values map[string]string
}

func New() *Storage {
	return &Storage{values: make(map[string]string)}
}

func (s *Storage) Get(_ context.Context, key string) (string, error) {
	const op = "storage.memory.Get"

	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[key]
	if !ok {
		return "", fmt.Errorf("%s: %w", op, storage.ErrKeyNotFound)
	}

	return v, nil
}

func (s *Storage) Set(_ context.Context, key, value string) error {
	const op = "storage.memory.Set"

	if key == "" {
		return fmt.Errorf("%s: %w", op, storage.ErrEmptyKey)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value

	return nil
}

func (s *Storage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)

	return nil
}

// Len reports the number of stored keys.
func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

func (s *Storage) Close() error { return nil }
