package repository

import (
	"context"

	"crypto-live-feed/internal/domain/entity"
)

// TransactionRepository defines the interface for transaction data operations
type TransactionRepository interface {
	// Exists reports whether a row with the record's natural key is stored
	Exists(ctx context.Context, network entity.Network, hash string) (bool, error)

	// Insert stores a new record. A concurrent insert of the same natural key
	// yields entity.ErrPersistenceConflict.
	Insert(ctx context.Context, tx *entity.TransactionRecord) error

	// RefreshAddresses fills in addresses the stored row is missing
	RefreshAddresses(ctx context.Context, tx *entity.TransactionRecord) error

	// LatestBlock returns the highest stored block of a network, ok=false when none
	LatestBlock(ctx context.Context, network entity.Network) (block int64, ok bool, err error)

	// QueryLatest returns a page of the newest records; an empty network means all networks
	QueryLatest(ctx context.Context, network entity.Network, page, limit int) (*entity.TransactionPage, error)

	// QueryBlock returns every stored record of one block, oldest first
	QueryBlock(ctx context.Context, network entity.Network, block int64) ([]*entity.TransactionRecord, error)
}
