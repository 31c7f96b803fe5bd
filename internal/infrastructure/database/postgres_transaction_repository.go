package database

import (
	"context"
	"errors"
	"fmt"

	"crypto-live-feed/internal/domain/entity"
	"crypto-live-feed/internal/domain/repository"
	"crypto-live-feed/internal/infrastructure/logger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

const transactionColumns = `network, hash, block_number, timestamp, value::text,
	COALESCE(fee::text, ''), COALESCE(gas_price::text, ''), COALESCE(gas_used, 0),
	from_address, to_address, created_at`

// PostgresTransactionRepository implements TransactionRepository on PostgreSQL
type PostgresTransactionRepository struct {
	client *PostgresClient
	logger *logger.Logger
}

// NewPostgresTransactionRepository creates a new PostgreSQL transaction repository
func NewPostgresTransactionRepository(client *PostgresClient, logger *logger.Logger) repository.TransactionRepository {
	return &PostgresTransactionRepository{
		client: client,
		logger: logger.WithComponent("postgres-transaction-repo"),
	}
}

// Exists reports whether the natural key is already stored
func (r *PostgresTransactionRepository) Exists(ctx context.Context, network entity.Network, hash string) (bool, error) {
	var exists bool
	err := r.client.GetPool().QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM transactions WHERE network = $1 AND hash = $2)`,
		network.String(), hash,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check transaction: %w", err)
	}
	return exists, nil
}

// Insert stores a new row; a row that appeared concurrently yields ErrPersistenceConflict
func (r *PostgresTransactionRepository) Insert(ctx context.Context, tx *entity.TransactionRecord) error {
	var gasUsed *int64
	if tx.Network == entity.NetworkEthereum {
		gasUsed = &tx.GasUsed
	}

	tag, err := r.client.GetPool().Exec(ctx, `
		INSERT INTO transactions (
			network, hash, block_number, timestamp, value, fee, gas_price, gas_used, from_address, to_address, created_at
		) VALUES (
			$1, $2, $3, $4, CAST($5::text AS NUMERIC), CAST(NULLIF($6::text, '') AS NUMERIC),
			CAST(NULLIF($7::text, '') AS NUMERIC), $8, $9, $10, $11
		)
		ON CONFLICT (network, hash) DO NOTHING`,
		tx.Network.String(), tx.Hash, tx.BlockNumber, tx.Timestamp.UTC(), tx.Value, tx.Fee,
		tx.GasPrice, gasUsed, tx.FromAddress, tx.ToAddress, tx.CreatedAt.UTC(),
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("insert %s: %w", tx.Key(), entity.ErrPersistenceConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("insert %s: %w", tx.Key(), entity.ErrPersistenceConflict)
	}
	return nil
}

// RefreshAddresses fills only the address columns that are still empty
func (r *PostgresTransactionRepository) RefreshAddresses(ctx context.Context, tx *entity.TransactionRecord) error {
	_, err := r.client.GetPool().Exec(ctx, `
		UPDATE transactions SET
			from_address = CASE WHEN from_address = '' THEN $3 ELSE from_address END,
			to_address   = CASE WHEN to_address = '' THEN $4 ELSE to_address END
		WHERE network = $1 AND hash = $2 AND (from_address = '' OR to_address = '')`,
		tx.Network.String(), tx.Hash, tx.FromAddress, tx.ToAddress,
	)
	if err != nil {
		return fmt.Errorf("failed to refresh transaction addresses: %w", err)
	}
	return nil
}

// LatestBlock returns the highest stored block of a network
func (r *PostgresTransactionRepository) LatestBlock(ctx context.Context, network entity.Network) (int64, bool, error) {
	var block *int64
	err := r.client.GetPool().QueryRow(ctx,
		`SELECT MAX(block_number) FROM transactions WHERE network = $1`,
		network.String(),
	).Scan(&block)
	if err != nil {
		return 0, false, fmt.Errorf("failed to get latest block: %w", err)
	}
	if block == nil {
		return 0, false, nil
	}
	return *block, true, nil
}

// QueryLatest returns one page of the newest transactions
func (r *PostgresTransactionRepository) QueryLatest(ctx context.Context, network entity.Network, page, limit int) (*entity.TransactionPage, error) {
	pool := r.client.GetPool()

	var total int64
	err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM transactions WHERE ($1::text = '' OR network = $1::text)`,
		network.String(),
	).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("failed to count transactions: %w", err)
	}

	rows, err := pool.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE ($1::text = '' OR network = $1::text)
		ORDER BY timestamp DESC, hash
		LIMIT $2 OFFSET $3`,
		network.String(), limit, (page-1)*limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}

	records, err := pgx.CollectRows(rows, scanTransaction)
	if err != nil {
		return nil, fmt.Errorf("failed to scan transactions: %w", err)
	}

	return &entity.TransactionPage{
		Transactions: records,
		Pagination: entity.Pagination{
			Total:      total,
			Page:       page,
			Limit:      limit,
			TotalPages: int((total + int64(limit) - 1) / int64(limit)),
		},
	}, nil
}

// QueryBlock returns the stored transactions of one block
func (r *PostgresTransactionRepository) QueryBlock(ctx context.Context, network entity.Network, block int64) ([]*entity.TransactionRecord, error) {
	rows, err := r.client.GetPool().Query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE network = $1 AND block_number = $2
		ORDER BY timestamp, hash`,
		network.String(), block,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query block %d: %w", block, err)
	}

	records, err := pgx.CollectRows(rows, scanTransaction)
	if err != nil {
		return nil, fmt.Errorf("failed to scan block %d: %w", block, err)
	}
	return records, nil
}

func scanTransaction(row pgx.CollectableRow) (*entity.TransactionRecord, error) {
	var (
		tx      entity.TransactionRecord
		network string
	)
	err := row.Scan(&network, &tx.Hash, &tx.BlockNumber, &tx.Timestamp, &tx.Value,
		&tx.Fee, &tx.GasPrice, &tx.GasUsed, &tx.FromAddress, &tx.ToAddress, &tx.CreatedAt)
	if err != nil {
		return nil, err
	}
	tx.Network = entity.Network(network)
	tx.Timestamp = tx.Timestamp.UTC()
	tx.CreatedAt = tx.CreatedAt.UTC()
	return &tx, nil
}
