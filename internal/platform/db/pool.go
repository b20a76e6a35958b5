package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool creates the shared connection pool. Every physical connection the
// pool opens starts with its search_path pointing at the directory schema.
func NewPool(ctx context.Context, databaseURL string, maxConns, minConns int32, directorySchema string) (*pgxpool.Pool, error) {
	if !schemaPattern.MatchString(directorySchema) {
		return nil, fmt.Errorf("invalid directory schema: %q", directorySchema)
	}

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = maxConns
	cfg.MinConns = minConns
	cfg.ConnConfig.RuntimeParams["search_path"] = directorySchema

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}
