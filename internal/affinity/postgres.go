package affinity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists conversation mappings in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation_sessions (
			conversation_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, conversationID string) (string, bool, error) {
	var sessionID string
	err := s.pool.QueryRow(ctx,
		`SELECT session_id FROM conversation_sessions WHERE conversation_id=$1`,
		conversationID,
	).Scan(&sessionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query conversation session: %w", err)
	}
	return sessionID, true, nil
}

func (s *PostgresStore) Set(ctx context.Context, conversationID, sessionID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_sessions (conversation_id, session_id, updated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (conversation_id) DO UPDATE SET
			session_id = EXCLUDED.session_id,
			updated_at = EXCLUDED.updated_at`,
		conversationID, sessionID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert conversation session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, conversationID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM conversation_sessions WHERE conversation_id=$1`, conversationID); err != nil {
		return fmt.Errorf("delete conversation session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
