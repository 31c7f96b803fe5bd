package repository

import (
	"context"

	"crypto-live-feed/internal/domain/entity"
)

// StatsRepository stores network stats snapshots
type StatsRepository interface {
	SaveSnapshot(ctx context.Context, snapshot *entity.StatsSnapshot) error

	// LatestSnapshot returns entity.ErrNotFound when nothing is stored yet
	LatestSnapshot(ctx context.Context, network entity.Network) (*entity.StatsSnapshot, error)
}

// SnapshotCache caches read-model responses for a short time
type SnapshotCache interface {
	Get(ctx context.Context, key string, dest any) (hit bool, err error)
	Set(ctx context.Context, key string, value any) error
}
