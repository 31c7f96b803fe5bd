package display

import (
	"testing"
	"time"
	_ "time/tzdata"

	"crypto-live-feed/internal/domain/entity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatter_FormatTimeConvertsOnce(t *testing.T) {
	f, err := NewFormatter("Australia/Sydney")
	require.NoError(t, err)

	// daylight saving, UTC+11
	assert.Equal(t, "1 Mar 2024, 9:00 PM", f.FormatTime(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)))
	// standard time, UTC+10
	assert.Equal(t, "1 Jun 2024, 10:00 AM", f.FormatTime(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)))

	// an already converted value renders the same instant
	local := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC).In(time.FixedZone("x", 3600))
	assert.Equal(t, "1 Mar 2024, 9:00 PM", f.FormatTime(local))
}

func TestFormatter_UnknownZone(t *testing.T) {
	_, err := NewFormatter("Mars/Olympus")
	assert.Error(t, err)
}

func TestFormatter_FormatAmount(t *testing.T) {
	f, err := NewFormatter("UTC")
	require.NoError(t, err)

	assert.Equal(t, "0.00005 BTC", f.FormatAmount(entity.NetworkBitcoin, "5000"))
	assert.Equal(t, "1 BTC", f.FormatAmount(entity.NetworkBitcoin, "100000000"))
	assert.Equal(t, "1.5 ETH", f.FormatAmount(entity.NetworkEthereum, "1500000000000000000"))
	assert.Equal(t, "0 ETH", f.FormatAmount(entity.NetworkEthereum, "0"))
	assert.Equal(t, "n/a", f.FormatAmount(entity.NetworkEthereum, "n/a"))
}

func TestFormatter_FormatTransaction(t *testing.T) {
	f, err := NewFormatter("UTC")
	require.NoError(t, err)

	line := f.FormatTransaction(&entity.TransactionRecord{
		Network:     entity.NetworkBitcoin,
		Hash:        "abc",
		BlockNumber: 100,
		Timestamp:   time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		Value:       "5000",
	})
	assert.Equal(t, "[bitcoin] 1 Mar 2024, 10:00 AM  block 100  abc  0.00005 BTC  ? -> ?", line)
}
