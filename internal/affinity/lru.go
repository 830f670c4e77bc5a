package affinity

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultCacheSize = 4096

// LRUStore keeps mappings in process. Least recently used and expired
// entries are evicted.
type LRUStore struct {
	cache *expirable.LRU[string, string]
}

func NewLRUStore(size int, ttl time.Duration) *LRUStore {
	if size <= 0 {
		size = defaultCacheSize
	}
	return &LRUStore{cache: expirable.NewLRU[string, string](size, nil, ttl)}
}

func (s *LRUStore) Get(_ context.Context, conversationID string) (string, bool, error) {
	v, ok := s.cache.Get(conversationID)
	return v, ok, nil
}

func (s *LRUStore) Set(_ context.Context, conversationID, sessionID string) error {
	s.cache.Add(conversationID, sessionID)
	return nil
}

func (s *LRUStore) Delete(_ context.Context, conversationID string) error {
	s.cache.Remove(conversationID)
	return nil
}

func (s *LRUStore) Len() int { return s.cache.Len() }

func (s *LRUStore) Close() error {
	s.cache.Purge()
	return nil
}
