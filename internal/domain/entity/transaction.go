package entity

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Network identifies a supported blockchain
type Network string

const (
	NetworkBitcoin  Network = "bitcoin"
	NetworkEthereum Network = "ethereum"
)

// Networks lists every supported network in a stable order
var Networks = []Network{NetworkBitcoin, NetworkEthereum}

// ParseNetwork converts a raw string into a Network
func ParseNetwork(s string) (Network, error) {
	switch Network(strings.ToLower(strings.TrimSpace(s))) {
	case NetworkBitcoin:
		return NetworkBitcoin, nil
	case NetworkEthereum:
		return NetworkEthereum, nil
	}
	return "", fmt.Errorf("unsupported network: %q", s)
}

func (n Network) String() string {
	return string(n)
}

// TransactionRecord is a persisted transaction. (Network, Hash) is its natural key.
// Value, Fee and GasPrice are decimal integers in base units (satoshi or wei).
type TransactionRecord struct {
	Network     Network   `json:"network"`
	Hash        string    `json:"hash"`
	BlockNumber int64     `json:"blockNumber"`
	Timestamp   time.Time `json:"timestamp"`
	Value       string    `json:"value"`
	Fee         string    `json:"fee,omitempty"`
	GasPrice    string    `json:"gasPrice,omitempty"`
	GasUsed     int64     `json:"gasUsed,omitempty"`
	FromAddress string    `json:"fromAddress"`
	ToAddress   string    `json:"toAddress"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Key returns the natural key of the record
func (t *TransactionRecord) Key() string {
	return string(t.Network) + ":" + t.Hash
}

// HasAddresses reports whether both sides of the transfer are known
func (t *TransactionRecord) HasAddresses() bool {
	return t.FromAddress != "" && t.ToAddress != ""
}

// Validate checks the fields every stored record must carry
func (t *TransactionRecord) Validate() error {
	if _, err := ParseNetwork(string(t.Network)); err != nil {
		return err
	}
	if t.Hash == "" {
		return errors.New("transaction hash is empty")
	}
	if t.BlockNumber < 0 {
		return fmt.Errorf("negative block number %d for %s", t.BlockNumber, t.Hash)
	}
	for name, v := range map[string]string{"value": t.Value, "fee": t.Fee, "gas_price": t.GasPrice} {
		if v != "" && !isDecimalInteger(v) {
			return fmt.Errorf("invalid %s %q for %s", name, v, t.Hash)
		}
	}
	return nil
}

func isDecimalInteger(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// UpsertResult reports what the dedup layer did with a record
type UpsertResult int

const (
	UpsertInserted UpsertResult = iota
	UpsertAlreadyPresent
)

func (r UpsertResult) String() string {
	if r == UpsertInserted {
		return "inserted"
	}
	return "already_present"
}

// Cursor is the last fully ingested block height of a network
type Cursor struct {
	Network   Network   `json:"network"`
	Position  int64     `json:"position"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TransactionPage is one page of the latest-transactions snapshot query
type TransactionPage struct {
	Transactions []*TransactionRecord `json:"transactions"`
	Pagination   Pagination           `json:"pagination"`
}

// Pagination describes a TransactionPage
type Pagination struct {
	Total      int64 `json:"total"`
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	TotalPages int   `json:"totalPages"`
}
