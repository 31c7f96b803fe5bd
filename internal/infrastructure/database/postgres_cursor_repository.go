package database

import (
	"context"
	"errors"
	"fmt"

	"crypto-live-feed/internal/domain/entity"
	"crypto-live-feed/internal/domain/repository"
	"crypto-live-feed/internal/infrastructure/logger"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// PostgresCursorRepository stores sync cursors in the sync_cursors table
type PostgresCursorRepository struct {
	client *PostgresClient
	logger *logger.Logger
}

// NewPostgresCursorRepository creates a new PostgreSQL cursor repository
func NewPostgresCursorRepository(client *PostgresClient, logger *logger.Logger) repository.CursorRepository {
	return &PostgresCursorRepository{
		client: client,
		logger: logger.WithComponent("postgres-cursor-repo"),
	}
}

// GetCursor returns the stored cursor of a network
func (r *PostgresCursorRepository) GetCursor(ctx context.Context, network entity.Network) (*entity.Cursor, error) {
	cursor := &entity.Cursor{Network: network}
	err := r.client.GetPool().QueryRow(ctx,
		`SELECT position, updated_at FROM sync_cursors WHERE network = $1`,
		network.String(),
	).Scan(&cursor.Position, &cursor.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entity.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}
	return cursor, nil
}

// AdvanceCursor moves the cursor forward only; a lower position leaves the row untouched
func (r *PostgresCursorRepository) AdvanceCursor(ctx context.Context, network entity.Network, position int64) (bool, error) {
	tag, err := r.client.GetPool().Exec(ctx, `
		INSERT INTO sync_cursors (network, position, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (network) DO UPDATE
		SET position = EXCLUDED.position, updated_at = EXCLUDED.updated_at
		WHERE sync_cursors.position < EXCLUDED.position`,
		network.String(), position,
	)
	if err != nil {
		return false, fmt.Errorf("failed to advance cursor: %w", err)
	}

	if tag.RowsAffected() == 0 {
		r.logger.Debug("Ignored cursor regression",
			zap.String("network", network.String()),
			zap.Int64("position", position))
		return false, nil
	}
	return true, nil
}
