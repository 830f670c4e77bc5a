package allowlist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists "always" approvals in PostgreSQL.
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
		`CREATE TABLE IF NOT EXISTS permission_allowlist (
			user_id TEXT NOT NULL,
			permission TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, permission)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Allow(ctx context.Context, userID, permission string) error {
	userID, permission = normalize(userID, permission)
	if userID == "" || permission == "" {
		return errors.New("user id and permission are required")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO permission_allowlist (user_id, permission, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, permission) DO NOTHING`,
		userID, permission, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("allow permission: %w", err)
	}
	return nil
}

func (s *PostgresStore) Allowed(ctx context.Context, userID, permission string) (bool, error) {
	userID, permission = normalize(userID, permission)
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM permission_allowlist WHERE user_id=$1 AND permission=$2`,
		userID, permission,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query allowlist: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
