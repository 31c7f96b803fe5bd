package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"crypto-live-feed/internal/domain/entity"
	"crypto-live-feed/internal/domain/repository"
	"crypto-live-feed/internal/infrastructure/logger"

	"github.com/jackc/pgx/v5"
)

// PostgresStatsRepository stores stats snapshots as JSONB
type PostgresStatsRepository struct {
	client *PostgresClient
	logger *logger.Logger
}

// NewPostgresStatsRepository creates a new PostgreSQL stats repository
func NewPostgresStatsRepository(client *PostgresClient, logger *logger.Logger) repository.StatsRepository {
	return &PostgresStatsRepository{
		client: client,
		logger: logger.WithComponent("postgres-stats-repo"),
	}
}

// SaveSnapshot appends a snapshot
func (r *PostgresStatsRepository) SaveSnapshot(ctx context.Context, snapshot *entity.StatsSnapshot) error {
	_, err := r.client.GetPool().Exec(ctx,
		`INSERT INTO stats_snapshots (network, taken_at, data) VALUES ($1, $2, $3)
		 ON CONFLICT (network, taken_at) DO NOTHING`,
		snapshot.Network.String(), snapshot.TakenAt.UTC(), snapshot.Data,
	)
	if err != nil {
		return fmt.Errorf("failed to save stats snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the newest snapshot of a network
func (r *PostgresStatsRepository) LatestSnapshot(ctx context.Context, network entity.Network) (*entity.StatsSnapshot, error) {
	snapshot := &entity.StatsSnapshot{Network: network}
	var data []byte
	err := r.client.GetPool().QueryRow(ctx, `
		SELECT taken_at, data FROM stats_snapshots
		WHERE network = $1
		ORDER BY taken_at DESC
		LIMIT 1`,
		network.String(),
	).Scan(&snapshot.TakenAt, &data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entity.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest stats snapshot: %w", err)
	}
	snapshot.Data = json.RawMessage(data)
	snapshot.TakenAt = snapshot.TakenAt.UTC()
	return snapshot, nil
}
