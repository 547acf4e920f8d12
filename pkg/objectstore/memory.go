package objectstore

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process store for tests and ephemeral runs.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (s *Memory) Put(ctx context.Context, hash string, data []byte) error {
	if err := ValidateHash(hash); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[hash]; ok {
		return nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.objects[hash] = cp
	return nil
}

func (s *Memory) Get(ctx context.Context, hash string) ([]byte, error) {
	if err := ValidateHash(hash); err != nil {
		return nil, err
	}
	s.mu.RLock()
	data, ok := s.objects[hash]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if err := verify(hash, data); err != nil {
		return nil, err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (s *Memory) Has(ctx context.Context, hash string) (bool, error) {
	if err := ValidateHash(hash); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[hash]
	return ok, nil
}

func (s *Memory) URI(hash string) string {
	return "memory://" + hash[:2] + "/" + hash + ".bin"
}

// Corrupt replaces stored bytes without touching the key. Test hook for
// integrity-failure paths.
func (s *Memory) Corrupt(hash string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[hash] = data
}
