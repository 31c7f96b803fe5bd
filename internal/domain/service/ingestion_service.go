package service

import (
	"context"

	"crypto-live-feed/internal/domain/entity"
)

// IngestionService defines the dedup/upsert operation of the ingestion pipeline
type IngestionService interface {
	// Upsert persists a record idempotently. Presenting the same natural key
	// again reports entity.UpsertAlreadyPresent, never an error.
	Upsert(ctx context.Context, tx *entity.TransactionRecord) (entity.UpsertResult, error)

	// Known reports whether the natural key is already stored
	Known(ctx context.Context, network entity.Network, hash string) (bool, error)
}
