package session

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory Store for tests and single-process dev
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string]any
}

// NewMemoryStore creates an in-memory session store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]map[string]any),
	}
}

func (s *MemoryStore) key(botID, sessionID string) string {
	return fmt.Sprintf("%s:%s", botID, sessionID)
}

// Get retrieves one conversation variable
func (s *MemoryStore) Get(ctx context.Context, botID, sessionID, key string) (any, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vars, exists := s.data[s.key(botID, sessionID)]
	if !exists {
		return nil, false, nil
	}
	value, found := vars[key]
	return value, found, nil
}

// GetAll retrieves every conversation variable for the session
func (s *MemoryStore) GetAll(ctx context.Context, botID, sessionID string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vars := s.data[s.key(botID, sessionID)]
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out, nil
}

// Set writes one conversation variable
func (s *MemoryStore) Set(ctx context.Context, botID, sessionID, key string, value any) error {
	return s.SetMany(ctx, botID, sessionID, map[string]any{key: value})
}

// SetMany writes a batch of conversation variables
func (s *MemoryStore) SetMany(ctx context.Context, botID, sessionID string, values map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.key(botID, sessionID)
	vars, exists := s.data[key]
	if !exists {
		vars = make(map[string]any)
		s.data[key] = vars
	}
	for k, v := range values {
		vars[k] = v
	}
	return nil
}

// Delete removes one conversation variable
func (s *MemoryStore) Delete(ctx context.Context, botID, sessionID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if vars, exists := s.data[s.key(botID, sessionID)]; exists {
		delete(vars, key)
	}
	return nil
}
