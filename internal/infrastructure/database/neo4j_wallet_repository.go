package database

import (
	"context"
	"fmt"
	"time"

	"crypto-live-feed/internal/domain/entity"
	"crypto-live-feed/internal/domain/repository"
	"crypto-live-feed/internal/infrastructure/logger"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Neo4JWalletRepository implements WalletRepository interface
type Neo4JWalletRepository struct {
	client *Neo4JClient
	logger *logger.Logger
}

// NewNeo4JWalletRepository creates a new Neo4J wallet repository
func NewNeo4JWalletRepository(client *Neo4JClient, logger *logger.Logger) repository.WalletRepository {
	return &Neo4JWalletRepository{
		client: client,
		logger: logger.WithComponent("neo4j-wallet-repo"),
	}
}

// UpsertWallets creates both endpoints of a transfer or bumps their counters
func (r *Neo4JWalletRepository) UpsertWallets(ctx context.Context, edge *entity.TransferEdge) error {
	session := r.client.NewSession(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	query := `
		UNWIND $addresses AS address
		MERGE (w:Wallet {network: $network, address: address})
		ON CREATE SET
			w.first_seen = datetime($seen),
			w.last_seen = datetime($seen),
			w.total_transactions = 1
		ON MATCH SET
			w.last_seen = CASE WHEN w.last_seen < datetime($seen) THEN datetime($seen) ELSE w.last_seen END,
			w.total_transactions = w.total_transactions + 1
	`

	addresses := []string{edge.FromAddress}
	if edge.ToAddress != edge.FromAddress {
		addresses = append(addresses, edge.ToAddress)
	}

	params := map[string]any{
		"network":   edge.Network.String(),
		"addresses": addresses,
		// ISO-8601 string for datetime()
		"seen": edge.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"),
	}

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, query, params)
	})
	if err != nil {
		return fmt.Errorf("failed to upsert wallets: %w", err)
	}

	return nil
}

// GetWallet retrieves a wallet by address
func (r *Neo4JWalletRepository) GetWallet(ctx context.Context, network entity.Network, address string) (*entity.Wallet, error) {
	session := r.client.NewSession(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	query := `
		MATCH (w:Wallet {network: $network, address: $address})
		RETURN w.address, w.first_seen, w.last_seen, w.total_transactions
	`

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{"network": network.String(), "address": address})
		if err != nil {
			return nil, err
		}
		if !res.Next(ctx) {
			return nil, res.Err()
		}
		return res.Record(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	if result == nil {
		return nil, fmt.Errorf("wallet %s: %w", address, entity.ErrNotFound)
	}

	values := result.(*neo4j.Record).Values
	return &entity.Wallet{
		Address:           values[0].(string),
		Network:           network,
		FirstSeen:         values[1].(time.Time).UTC(),
		LastSeen:          values[2].(time.Time).UTC(),
		TotalTransactions: values[3].(int64),
	}, nil
}

// GetWalletConnections retrieves the busiest counterparties of a wallet in both directions
func (r *Neo4JWalletRepository) GetWalletConnections(ctx context.Context, network entity.Network, address string, limit int) ([]*entity.WalletConnection, error) {
	session := r.client.NewSession(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	query := `
		MATCH (from:Wallet)-[r:SENT_TO]->(to:Wallet)
		WHERE r.network = $network AND (from.address = $address OR to.address = $address)
			AND from.network = $network AND to.network = $network
		WITH from, to, count(r) AS tx_count, min(r.timestamp) AS first_tx, max(r.timestamp) AS last_tx
		RETURN from.address, to.address, tx_count, first_tx, last_tx
		ORDER BY tx_count DESC, last_tx DESC
		LIMIT $limit
	`

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{
			"network": network.String(),
			"address": address,
			"limit":   limit,
		})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet connections: %w", err)
	}

	records := result.([]*neo4j.Record)
	connections := make([]*entity.WalletConnection, 0, len(records))
	for _, record := range records {
		values := record.Values
		connections = append(connections, &entity.WalletConnection{
			FromAddress: values[0].(string),
			ToAddress:   values[1].(string),
			TxCount:     values[2].(int64),
			FirstTx:     values[3].(time.Time).UTC(),
			LastTx:      values[4].(time.Time).UTC(),
		})
	}

	return connections, nil
}
