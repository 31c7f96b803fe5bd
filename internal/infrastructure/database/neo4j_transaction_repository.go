package database

import (
	"context"
	"fmt"

	"crypto-live-feed/internal/domain/entity"
	"crypto-live-feed/internal/domain/repository"
	"crypto-live-feed/internal/infrastructure/logger"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Neo4JTransactionRepository writes transfers into the graph
type Neo4JTransactionRepository struct {
	client *Neo4JClient
	logger *logger.Logger
}

// NewNeo4JTransactionRepository creates a new Neo4J transaction repository
func NewNeo4JTransactionRepository(client *Neo4JClient, logger *logger.Logger) repository.TransferGraphRepository {
	return &Neo4JTransactionRepository{
		client: client,
		logger: logger.WithComponent("neo4j-transaction-repo"),
	}
}

// CreateTransfer merges the transaction node and the SENT_TO relationship
// between its wallets. Both wallets must already exist.
func (r *Neo4JTransactionRepository) CreateTransfer(ctx context.Context, edge *entity.TransferEdge) error {
	session := r.client.NewSession(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	query := `
		MERGE (t:Transaction {network: $network, hash: $tx_hash})
		ON CREATE SET
			t.block_number = $block_number,
			t.value = $value,
			t.timestamp = datetime($timestamp)
		WITH t
		MATCH (from:Wallet {network: $network, address: $from_address})
		MATCH (to:Wallet {network: $network, address: $to_address})
		MERGE (from)-[r:SENT_TO {network: $network, tx_hash: $tx_hash}]->(to)
		ON CREATE SET
			r.value = $value,
			r.timestamp = datetime($timestamp)
	`

	params := map[string]any{
		"network":      edge.Network.String(),
		"tx_hash":      edge.TxHash,
		"block_number": edge.BlockNumber,
		"value":        edge.Value,
		"from_address": edge.FromAddress,
		"to_address":   edge.ToAddress,
		"timestamp":    edge.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"),
	}

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return tx.Run(ctx, query, params)
	})
	if err != nil {
		return fmt.Errorf("failed to create transfer: %w", err)
	}

	return nil
}
