package database

import (
	"context"
	"fmt"

	"crypto-live-feed/internal/infrastructure/config"
	"crypto-live-feed/internal/infrastructure/logger"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS transactions (
		network      TEXT        NOT NULL,
		hash         TEXT        NOT NULL,
		block_number BIGINT      NOT NULL,
		timestamp    TIMESTAMPTZ NOT NULL,
		value        NUMERIC(78, 0) NOT NULL,
		fee          NUMERIC(78, 0),
		gas_price    NUMERIC(78, 0),
		gas_used     BIGINT,
		from_address TEXT NOT NULL DEFAULT '',
		to_address   TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (network, hash)
	)`,
	`CREATE INDEX IF NOT EXISTS transactions_network_timestamp ON transactions (network, timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS transactions_network_block ON transactions (network, block_number DESC)`,
	`CREATE TABLE IF NOT EXISTS sync_cursors (
		network    TEXT PRIMARY KEY,
		position   BIGINT      NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS stats_snapshots (
		id       BIGSERIAL PRIMARY KEY,
		network  TEXT        NOT NULL,
		taken_at TIMESTAMPTZ NOT NULL,
		data     JSONB       NOT NULL,
		UNIQUE (network, taken_at)
	)`,
	`CREATE INDEX IF NOT EXISTS stats_snapshots_network_taken_at ON stats_snapshots (network, taken_at DESC)`,
}

// PostgresClient owns the connection pool of the relational store
type PostgresClient struct {
	pool   *pgxpool.Pool
	config *config.PostgresConfig
	logger *logger.Logger
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(cfg *config.PostgresConfig, logger *logger.Logger) *PostgresClient {
	return &PostgresClient{
		config: cfg,
		logger: logger.WithComponent("postgres-client"),
	}
}

// Connect opens the pool and applies the schema
func (p *PostgresClient) Connect(ctx context.Context) error {
	p.logger.Info("Connecting to PostgreSQL database")

	poolConfig, err := pgxpool.ParseConfig(p.config.DSN)
	if err != nil {
		return fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if p.config.MaxConns > 0 {
		poolConfig.MaxConns = p.config.MaxConns
	}
	if p.config.ConnectTimeout > 0 {
		poolConfig.ConnConfig.ConnectTimeout = p.config.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		p.logger.Error("Failed to create PostgreSQL pool", zap.Error(err))
		return fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		p.logger.Error("Failed to verify PostgreSQL connectivity", zap.Error(err))
		return fmt.Errorf("failed to verify postgres connectivity: %w", err)
	}

	p.pool = pool
	p.logger.Info("Successfully connected to PostgreSQL database")

	if err := p.setupSchema(ctx); err != nil {
		return fmt.Errorf("failed to setup schema: %w", err)
	}
	return nil
}

// Close closes the pool
func (p *PostgresClient) Close() {
	if p.pool != nil {
		p.logger.Info("Closing PostgreSQL connection")
		p.pool.Close()
	}
}

// GetPool returns the connection pool
func (p *PostgresClient) GetPool() *pgxpool.Pool {
	return p.pool
}

// IsConnected checks if the database answers
func (p *PostgresClient) IsConnected(ctx context.Context) bool {
	if p.pool == nil {
		return false
	}
	return p.pool.Ping(ctx) == nil
}

func (p *PostgresClient) setupSchema(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	p.logger.Info("Schema setup completed")
	return nil
}
