package allowlist

import (
	"context"
	"errors"
	"sync"
)

type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[string]map[string]struct{}
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: make(map[string]map[string]struct{})}
}

func (s *InMemoryStore) Allow(_ context.Context, userID, permission string) error {
	userID, permission = normalize(userID, permission)
	if userID == "" || permission == "" {
		return errors.New("user id and permission are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	perms := s.entries[userID]
	if perms == nil {
		perms = make(map[string]struct{})
		s.entries[userID] = perms
	}
	perms[permission] = struct{}{}
	return nil
}

func (s *InMemoryStore) Allowed(_ context.Context, userID, permission string) (bool, error) {
	userID, permission = normalize(userID, permission)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[userID][permission]
	return ok, nil
}

func (s *InMemoryStore) Close() error { return nil }
