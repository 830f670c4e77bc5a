package memory

import (
	"context"
	"fmt"
	"strings"
)

// NewStore creates a postgres-backed transcript store when configured,
// otherwise in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	s, err := NewPostgresStore(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("transcript store: %w", err)
	}
	return s, nil
}
