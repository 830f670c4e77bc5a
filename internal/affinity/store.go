package affinity

import (
	"context"
	"strings"
	"time"
)

// Store maps conversation ids to agent session ids.
type Store interface {
	Get(ctx context.Context, conversationID string) (sessionID string, ok bool, err error)
	Set(ctx context.Context, conversationID, sessionID string) error
	Delete(ctx context.Context, conversationID string) error
	Close() error
}

// NewStore creates a postgres-backed store when configured, otherwise a
// bounded in-memory one.
func NewStore(ctx context.Context, databaseURL string, size int, ttl time.Duration) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewLRUStore(size, ttl), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
