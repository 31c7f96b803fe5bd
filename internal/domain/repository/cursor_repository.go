package repository

import (
	"context"

	"crypto-live-feed/internal/domain/entity"
)

// CursorRepository persists the ingestion position of every network
type CursorRepository interface {
	// GetCursor returns entity.ErrNotFound when the network has no cursor yet
	GetCursor(ctx context.Context, network entity.Network) (*entity.Cursor, error)

	// AdvanceCursor moves the cursor forward. Positions at or below the stored
	// one are ignored and reported with advanced=false.
	AdvanceCursor(ctx context.Context, network entity.Network, position int64) (advanced bool, err error)
}
