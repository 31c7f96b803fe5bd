package service

import (
	"context"

	"crypto-live-feed/internal/domain/entity"
)

// TransferProjector mirrors newly inserted transactions into the address graph
type TransferProjector interface {
	Project(ctx context.Context, tx *entity.TransactionRecord) error
}
