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
	DefaultConnectionLimit = 20
	MaxConnectionLimit     = 200
)

// WalletProjectionService keeps the address graph in step with inserted transactions
type WalletProjectionService struct {
	walletRepo repository.WalletRepository
	graphRepo  repository.TransferGraphRepository
	logger     *logger.Logger
}

// NewWalletProjectionService creates a new wallet projection service
func NewWalletProjectionService(
	walletRepo repository.WalletRepository,
	graphRepo repository.TransferGraphRepository,
	logger *logger.Logger,
) *WalletProjectionService {
	return &WalletProjectionService{
		walletRepo: walletRepo,
		graphRepo:  graphRepo,
		logger:     logger.WithComponent("wallet-projection-service"),
	}
}

// Project merges both wallets and the transfer edge of a transaction.
// Records without both addresses are not projected.
func (s *WalletProjectionService) Project(ctx context.Context, tx *entity.TransactionRecord) error {
	if !tx.HasAddresses() {
		return nil
	}

	edge := entity.NewTransferEdge(tx)

	if err := s.walletRepo.UpsertWallets(ctx, edge); err != nil {
		return fmt.Errorf("failed to create/update wallets: %w", err)
	}
	if err := s.graphRepo.CreateTransfer(ctx, edge); err != nil {
		return fmt.Errorf("failed to create transfer: %w", err)
	}

	s.logger.Debug("Projected transfer",
		zap.String("network", tx.Network.String()),
		zap.String("hash", tx.Hash))
	return nil
}

// Connections returns the busiest counterparties of an address
func (s *WalletProjectionService) Connections(ctx context.Context, network entity.Network, address string, limit int) ([]*entity.WalletConnection, error) {
	if limit < 1 {
		limit = DefaultConnectionLimit
	}
	if limit > MaxConnectionLimit {
		limit = MaxConnectionLimit
	}

	connections, err := s.walletRepo.GetWalletConnections(ctx, network, address, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet connections: %w", err)
	}
	return connections, nil
}

// Wallet returns a single wallet node
func (s *WalletProjectionService) Wallet(ctx context.Context, network entity.Network, address string) (*entity.Wallet, error) {
	return s.walletRepo.GetWallet(ctx, network, address)
}
