package entity

import (
	"time"
)

// Wallet is an address node of the transfer graph
type Wallet struct {
	Address           string    `json:"address"`
	Network           Network   `json:"network"`
	FirstSeen         time.Time `json:"first_seen"`
	LastSeen          time.Time `json:"last_seen"`
	TotalTransactions int64     `json:"total_transactions"`
}

// WalletConnection aggregates the transfers between two wallets
type WalletConnection struct {
	FromAddress string    `json:"from_address"`
	ToAddress   string    `json:"to_address"`
	TxCount     int64     `json:"tx_count"`
	FirstTx     time.Time `json:"first_tx"`
	LastTx      time.Time `json:"last_tx"`
}

// TransferEdge is the graph projection of one inserted transaction
type TransferEdge struct {
	Network     Network   `json:"network"`
	TxHash      string    `json:"tx_hash"`
	BlockNumber int64     `json:"block_number"`
	FromAddress string    `json:"from_address"`
	ToAddress   string    `json:"to_address"`
	Value       string    `json:"value"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewTransferEdge projects a transaction record onto the graph
func NewTransferEdge(tx *TransactionRecord) *TransferEdge {
	return &TransferEdge{
		Network:     tx.Network,
		TxHash:      tx.Hash,
		BlockNumber: tx.BlockNumber,
		FromAddress: tx.FromAddress,
		ToAddress:   tx.ToAddress,
		Value:       tx.Value,
		Timestamp:   tx.Timestamp,
	}
}
