// Package session persists conversation variables across turns of a
// chat session. Values are keyed by (bot_id, session_id, key) and are
// written through by assigner nodes during a run.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	redisclient "github.com/lyzr/chatflow/common/redis"
)

// Store reads and writes conversation variables for one session
type Store interface {
	Get(ctx context.Context, botID, sessionID, key string) (any, bool, error)
	GetAll(ctx context.Context, botID, sessionID string) (map[string]any, error)
	Set(ctx context.Context, botID, sessionID, key string, value any) error
	SetMany(ctx context.Context, botID, sessionID string, values map[string]any) error
	Delete(ctx context.Context, botID, sessionID, key string) error
}

// RedisStore is the Redis-backed session store. Conversation variables
// for one session live in a single hash; concurrent runs sharing a
// session serialize their flushes through a per-session mutex held only
// for the duration of the write, not the whole run.
type RedisStore struct {
	client *redisclient.Client

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRedisStore creates a Redis-backed session store
func NewRedisStore(client *redisclient.Client) *RedisStore {
	return &RedisStore{
		client: client,
		locks:  make(map[string]*sync.Mutex),
	}
}

func sessionKey(botID, sessionID string) string {
	return fmt.Sprintf("conv:%s:%s", botID, sessionID)
}

func (s *RedisStore) sessionLock(botID, sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey(botID, sessionID)
	lock, exists := s.locks[key]
	if !exists {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

// Get retrieves one conversation variable
func (s *RedisStore) Get(ctx context.Context, botID, sessionID, key string) (any, bool, error) {
	raw, found, err := s.client.GetHash(ctx, sessionKey(botID, sessionID), key)
	if err != nil || !found {
		return nil, false, err
	}

	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, false, fmt.Errorf("decode conversation variable %s: %w", key, err)
	}
	return value, true, nil
}

// GetAll retrieves every conversation variable for the session
func (s *RedisStore) GetAll(ctx context.Context, botID, sessionID string) (map[string]any, error) {
	fields, err := s.client.GetAllHash(ctx, sessionKey(botID, sessionID))
	if err != nil {
		return nil, err
	}

	values := make(map[string]any, len(fields))
	for key, raw := range fields {
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			return nil, fmt.Errorf("decode conversation variable %s: %w", key, err)
		}
		values[key] = value
	}
	return values, nil
}

// Set writes one conversation variable through to Redis
func (s *RedisStore) Set(ctx context.Context, botID, sessionID, key string, value any) error {
	return s.SetMany(ctx, botID, sessionID, map[string]any{key: value})
}

// SetMany writes a batch of conversation variables atomically with
// respect to other flushes on the same session
func (s *RedisStore) SetMany(ctx context.Context, botID, sessionID string, values map[string]any) error {
	lock := s.sessionLock(botID, sessionID)
	lock.Lock()
	defer lock.Unlock()

	hashKey := sessionKey(botID, sessionID)
	for key, value := range values {
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode conversation variable %s: %w", key, err)
		}
		if err := s.client.SetHash(ctx, hashKey, key, string(raw)); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes one conversation variable
func (s *RedisStore) Delete(ctx context.Context, botID, sessionID, key string) error {
	return s.client.DeleteHashField(ctx, sessionKey(botID, sessionID), key)
}
