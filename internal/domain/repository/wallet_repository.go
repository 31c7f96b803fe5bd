package repository

import (
	"context"

	"crypto-live-feed/internal/domain/entity"
)

// WalletRepository defines the interface for the address graph
type WalletRepository interface {
	// UpsertWallets creates both endpoint wallets of a transfer or bumps their counters
	UpsertWallets(ctx context.Context, edge *entity.TransferEdge) error

	// GetWallet retrieves a wallet by network and address
	GetWallet(ctx context.Context, network entity.Network, address string) (*entity.Wallet, error)

	// GetWalletConnections retrieves outgoing and incoming connections for a wallet
	GetWalletConnections(ctx context.Context, network entity.Network, address string, limit int) ([]*entity.WalletConnection, error)
}

// TransferGraphRepository records transactions as graph edges
type TransferGraphRepository interface {
	// CreateTransfer merges the transaction node and its SENT_TO relationship
	CreateTransfer(ctx context.Context, edge *entity.TransferEdge) error
}
