package service

import (
	"context"
	"fmt"

	"crypto-live-feed/internal/domain/entity"
	"crypto-live-feed/internal/domain/repository"
	"crypto-live-feed/internal/infrastructure/logger"

	"go.uber.org/zap"
)

const (
	DefaultPageLimit = 10
	MaxPageLimit     = 100
)

// SnapshotService serves the paginated latest-transactions backfill query
type SnapshotService struct {
	transactionRepo repository.TransactionRepository
	cache           repository.SnapshotCache
	logger          *logger.Logger
}

// NewSnapshotService creates a new snapshot service. cache may be nil.
func NewSnapshotService(transactionRepo repository.TransactionRepository, cache repository.SnapshotCache, logger *logger.Logger) *SnapshotService {
	return &SnapshotService{
		transactionRepo: transactionRepo,
		cache:           cache,
		logger:          logger.WithComponent("snapshot-service"),
	}
}

// Latest returns one page of the newest transactions. An empty network means all.
func (s *SnapshotService) Latest(ctx context.Context, network entity.Network, page, limit int) (*entity.TransactionPage, error) {
	page, limit = NormalizePage(page, limit)

	scope := network.String()
	if scope == "" {
		scope = "all"
	}
	key := fmt.Sprintf("latest:%s:%d:%d", scope, page, limit)

	if s.cache != nil {
		var cached entity.TransactionPage
		hit, err := s.cache.Get(ctx, key, &cached)
		if err != nil {
			s.logger.Warn("Snapshot cache read failed", zap.String("key", key), zap.Error(err))
		} else if hit {
			return &cached, nil
		}
	}

	result, err := s.transactionRepo.QueryLatest(ctx, network, page, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest transactions: %w", err)
	}
	if result.Transactions == nil {
		result.Transactions = []*entity.TransactionRecord{}
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, result); err != nil {
			s.logger.Warn("Snapshot cache write failed", zap.String("key", key), zap.Error(err))
		}
	}
	return result, nil
}

// Block returns the stored transactions of one block
func (s *SnapshotService) Block(ctx context.Context, network entity.Network, block int64) ([]*entity.TransactionRecord, error) {
	records, err := s.transactionRepo.QueryBlock(ctx, network, block)
	if err != nil {
		return nil, fmt.Errorf("failed to query block: %w", err)
	}
	if records == nil {
		records = []*entity.TransactionRecord{}
	}
	return records, nil
}

// NormalizePage clamps paging parameters to sane bounds
func NormalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	return page, limit
}
