package service

import (
	"context"
	"encoding/json"

	"crypto-live-feed/internal/domain/entity"
)

// TransactionSource is the external, rate-limited data source.
// Failures are *entity.SourceError values classified as transient or permanent.
type TransactionSource interface {
	// LatestPosition returns the newest block height the source knows about
	LatestPosition(ctx context.Context, network entity.Network) (int64, error)

	// FetchWindow returns every transaction of the blocks in [from, to], ordered by block.
	// A window with more rows than the source can page through fails with entity.ErrWindowTooLarge.
	FetchWindow(ctx context.Context, network entity.Network, from, to int64) ([]*entity.TransactionRecord, error)

	// FetchDetail looks up a single transaction, including its addresses
	FetchDetail(ctx context.Context, network entity.Network, hash string) (*entity.TransactionRecord, error)

	// FetchDetails looks up several transactions at once. Hashes the source
	// does not know are absent from the result.
	FetchDetails(ctx context.Context, network entity.Network, hashes []string) (map[string]*entity.TransactionRecord, error)

	// FetchStats returns the raw network statistics object
	FetchStats(ctx context.Context, network entity.Network) (json.RawMessage, error)
}
