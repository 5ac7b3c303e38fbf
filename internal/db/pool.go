package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// NewPool connects to Postgres with the given bounds and verifies the
// connection. The application name shows up in pg_stat_activity so long
// propagation runs can be told apart from ad-hoc sessions.
func NewPool(ctx context.Context, dsn, appName string, maxConns, minConns int32, logger *zap.Logger) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("db: parsing DSN: %w", err)
	}

	cfg.MaxConns = maxConns
	cfg.MinConns = minConns
	if appName != "" {
		cfg.ConnConfig.RuntimeParams["application_name"] = appName
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("db: creating pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db: pinging database: %w", err)
	}

	logger.Info("database connected",
		zap.Int32("max_conns", maxConns),
		zap.Int32("min_conns", minConns),
	)
	return pool, nil
}
