package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crypto-live-feed/internal/domain/entity"
	"crypto-live-feed/internal/domain/repository"
	"crypto-live-feed/internal/domain/service"
	"crypto-live-feed/internal/infrastructure/logger"
	"crypto-live-feed/internal/infrastructure/metrics"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
)

// IngestionApplicationService implements IngestionService interface
type IngestionApplicationService struct {
	transactionRepo repository.TransactionRepository
	projector       service.TransferProjector
	metrics         *metrics.Metrics
	logger          *logger.Logger

	// natural keys known to be stored with both addresses
	recent *ttlcache.Cache[string, struct{}]
	now    func() time.Time
}

// NewIngestionApplicationService creates a new ingestion application service.
// projector may be nil when the address graph is disabled.
func NewIngestionApplicationService(
	transactionRepo repository.TransactionRepository,
	projector service.TransferProjector,
	recentTTL time.Duration,
	recentSize uint64,
	m *metrics.Metrics,
	logger *logger.Logger,
) *IngestionApplicationService {
	opts := []ttlcache.Option[string, struct{}]{ttlcache.WithTTL[string, struct{}](recentTTL)}
	if recentSize > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, struct{}](recentSize))
	}

	return &IngestionApplicationService{
		transactionRepo: transactionRepo,
		projector:       projector,
		metrics:         m,
		logger:          logger.WithComponent("ingestion-service"),
		recent:          ttlcache.New[string, struct{}](opts...),
		now:             time.Now,
	}
}

// Upsert stores a record at most once per natural key. Re-presenting a stored
// key never creates a second row; it may only fill addresses the row lacks.
func (s *IngestionApplicationService) Upsert(ctx context.Context, tx *entity.TransactionRecord) (entity.UpsertResult, error) {
	if err := tx.Validate(); err != nil {
		return entity.UpsertAlreadyPresent, fmt.Errorf("%w: %w", entity.ErrInvalidRecord, err)
	}

	key := tx.Key()
	if s.recent.Get(key) != nil {
		s.metrics.IncUpserted(tx.Network.String(), entity.UpsertAlreadyPresent.String())
		return entity.UpsertAlreadyPresent, nil
	}

	exists, err := s.transactionRepo.Exists(ctx, tx.Network, tx.Hash)
	if err != nil {
		return entity.UpsertAlreadyPresent, fmt.Errorf("failed to check transaction: %w", err)
	}
	if exists {
		return s.alreadyPresent(ctx, tx)
	}

	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = s.now().UTC()
	}

	if err := s.transactionRepo.Insert(ctx, tx); err != nil {
		if errors.Is(err, entity.ErrPersistenceConflict) {
			// another writer inserted the key between Exists and Insert
			return s.alreadyPresent(ctx, tx)
		}
		return entity.UpsertAlreadyPresent, fmt.Errorf("failed to insert transaction: %w", err)
	}

	s.remember(tx)
	s.metrics.IncUpserted(tx.Network.String(), entity.UpsertInserted.String())
	s.logger.Debug("Inserted transaction",
		zap.String("network", tx.Network.String()),
		zap.String("hash", tx.Hash),
		zap.Int64("block", tx.BlockNumber))

	if s.projector != nil {
		if err := s.projector.Project(ctx, tx); err != nil {
			// the graph is a secondary view and never fails ingestion
			s.logger.Warn("Failed to project transaction",
				zap.String("network", tx.Network.String()),
				zap.String("hash", tx.Hash),
				zap.Error(err))
		}
	}

	return entity.UpsertInserted, nil
}

// Known checks the recent keys before asking storage
func (s *IngestionApplicationService) Known(ctx context.Context, network entity.Network, hash string) (bool, error) {
	key := (&entity.TransactionRecord{Network: network, Hash: hash}).Key()
	if s.recent.Get(key) != nil {
		return true, nil
	}

	exists, err := s.transactionRepo.Exists(ctx, network, hash)
	if err != nil {
		return false, fmt.Errorf("failed to check transaction: %w", err)
	}
	return exists, nil
}

func (s *IngestionApplicationService) alreadyPresent(ctx context.Context, tx *entity.TransactionRecord) (entity.UpsertResult, error) {
	if tx.FromAddress != "" || tx.ToAddress != "" {
		if err := s.transactionRepo.RefreshAddresses(ctx, tx); err != nil {
			return entity.UpsertAlreadyPresent, fmt.Errorf("failed to refresh addresses: %w", err)
		}
	}
	s.remember(tx)
	s.metrics.IncUpserted(tx.Network.String(), entity.UpsertAlreadyPresent.String())
	return entity.UpsertAlreadyPresent, nil
}

func (s *IngestionApplicationService) remember(tx *entity.TransactionRecord) {
	if tx.HasAddresses() {
		s.recent.Set(tx.Key(), struct{}{}, ttlcache.DefaultTTL)
	}
}
