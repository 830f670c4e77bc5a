package allowlist

import (
	"context"
	"strings"
)

// Store remembers which permissions a user approved with "always".
type Store interface {
	Allow(ctx context.Context, userID, permission string) error
	Allowed(ctx context.Context, userID, permission string) (bool, error)
	Close() error
}

// NewStore creates a postgres-backed store when configured, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}

func normalize(userID, permission string) (string, string) {
	return strings.TrimSpace(userID), strings.ToLower(strings.TrimSpace(permission))
}
