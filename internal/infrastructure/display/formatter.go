package display

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"crypto-live-feed/internal/domain/entity"
)

// TimeLayout renders e.g. "1 Mar 2024, 9:00 PM"
const TimeLayout = "2 Jan 2006, 3:04 PM"

var decimals = map[entity.Network]int{
	entity.NetworkBitcoin:  8,
	entity.NetworkEthereum: 18,
}

var symbols = map[entity.Network]string{
	entity.NetworkBitcoin:  "BTC",
	entity.NetworkEthereum: "ETH",
}

// Formatter presents stored UTC values in one configured time zone.
// Conversion happens exactly once, here.
type Formatter struct {
	loc *time.Location
}

// NewFormatter loads an IANA zone such as "Australia/Sydney"
func NewFormatter(timezone string) (*Formatter, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", timezone, err)
	}
	return &Formatter{loc: loc}, nil
}

// FormatTime converts t to the display zone
func (f *Formatter) FormatTime(t time.Time) string {
	return t.In(f.loc).Format(TimeLayout)
}

// FormatAmount turns a base-unit integer into whole coins, e.g. "0.00005 BTC"
func (f *Formatter) FormatAmount(network entity.Network, value string) string {
	n, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return value
	}

	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals[network])), nil)
	whole, frac := new(big.Int).QuoRem(n, scale, new(big.Int))

	out := whole.String()
	if frac.Sign() != 0 {
		digits := frac.String()
		digits = strings.Repeat("0", decimals[network]-len(digits)) + digits
		out += "." + strings.TrimRight(digits, "0")
	}
	if symbol := symbols[network]; symbol != "" {
		out += " " + symbol
	}
	return out
}

// FormatTransaction renders a one-line summary of a record
func (f *Formatter) FormatTransaction(tx *entity.TransactionRecord) string {
	from, to := tx.FromAddress, tx.ToAddress
	if from == "" {
		from = "?"
	}
	if to == "" {
		to = "?"
	}
	return fmt.Sprintf("[%s] %s  block %d  %s  %s  %s -> %s",
		tx.Network, f.FormatTime(tx.Timestamp), tx.BlockNumber, shortHash(tx.Hash),
		f.FormatAmount(tx.Network, tx.Value), from, to)
}

func shortHash(hash string) string {
	if len(hash) <= 16 {
		return hash
	}
	return hash[:8] + "…" + hash[len(hash)-6:]
}
