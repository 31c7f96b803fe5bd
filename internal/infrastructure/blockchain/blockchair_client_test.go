package blockchain

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"crypto-live-feed/internal/domain/entity"
	"crypto-live-feed/internal/infrastructure/config"
	"crypto-live-feed/internal/infrastructure/logger"
	"crypto-live-feed/internal/infrastructure/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *BlockchairClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := &config.Config{Source: config.SourceConfig{
		BaseURL:           server.URL,
		APIKey:            "secret",
		RequestTimeout:    time.Second,
		RetryAttempts:     3,
		RetryInitialDelay: 2 * time.Second,
		RetryMaxDelay:     10 * time.Second,
		RetryMultiplier:   2,
		PageLimit:         2,
		MaxOffset:         10,
		DetailBatchSize:   2,
		StatsCacheTTL:     time.Minute,
	}}
	client := NewBlockchairClient(cfg, metrics.NewMetrics(), logger.NewNopLogger())
	client.retrier.sleep = func(context.Context, time.Duration) error { return nil }
	return client
}

func TestBlockchairClient_LatestPositionUsesCachedStats(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/bitcoin/stats", r.URL.Path)
		assert.Equal(t, "secret", r.URL.Query().Get("key"))
		fmt.Fprint(w, `{"data":{"blocks":840001,"best_block_height":840000,"mempool_transactions":5}}`)
	})

	height, err := client.LatestPosition(context.Background(), entity.NetworkBitcoin)
	require.NoError(t, err)
	assert.Equal(t, int64(840000), height)

	stats, err := client.FetchStats(context.Background(), entity.NetworkBitcoin)
	require.NoError(t, err)
	assert.JSONEq(t, `{"blocks":840001,"best_block_height":840000,"mempool_transactions":5}`, string(stats))
	assert.Equal(t, int32(1), calls.Load())
}

func TestBlockchairClient_LatestPositionFallsBackToBlocks(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{"blocks":19000000}}`)
	})

	height, err := client.LatestPosition(context.Background(), entity.NetworkEthereum)
	require.NoError(t, err)
	assert.Equal(t, int64(18999999), height)
}

func TestBlockchairClient_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}
		fmt.Fprint(w, `{"data":{"best_block_height":7}}`)
	})

	height, err := client.LatestPosition(context.Background(), entity.NetworkEthereum)
	require.NoError(t, err)
	assert.Equal(t, int64(7), height)
	assert.Equal(t, int32(3), calls.Load())
}

func TestBlockchairClient_RetryBudgetExhausted(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.FetchStats(context.Background(), entity.NetworkEthereum)
	require.Error(t, err)
	assert.True(t, entity.IsTransient(err))
	assert.ErrorIs(t, err, entity.ErrRetryBudgetExhausted)
	assert.Equal(t, int32(3), calls.Load())
}

func TestBlockchairClient_PermanentStatusNotRetried(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := client.FetchStats(context.Background(), entity.NetworkBitcoin)
	require.Error(t, err)
	assert.True(t, entity.IsPermanent(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestBlockchairClient_MalformedBodyIsPermanent(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":`)
	})

	_, err := client.FetchStats(context.Background(), entity.NetworkBitcoin)
	require.Error(t, err)
	assert.True(t, entity.IsPermanent(err))
}

func TestBlockchairClient_FetchWindowPaginates(t *testing.T) {
	pages := map[int]string{
		0: `{"data":[
			{"hash":"b1","block_id":101,"time":"2024-03-01 10:00:00","output_total":5000,"fee":120},
			{"hash":"a1","block_id":100,"time":"2024-03-01 09:50:00","output_total":"2500","fee":100}]}`,
		2: `{"data":[{"hash":"c1","block_id":102,"time":"2024-03-01 10:10:00","output_total":1,"fee":1}]}`,
	}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bitcoin/transactions", r.URL.Path)
		assert.Equal(t, "block_id(100..102)", r.URL.Query().Get("q"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		fmt.Fprint(w, pages[offset])
	})

	records, err := client.FetchWindow(context.Background(), entity.NetworkBitcoin, 100, 102)
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, "a1", records[0].Hash)
	assert.Equal(t, "2500", records[0].Value)
	assert.Equal(t, time.Date(2024, 3, 1, 9, 50, 0, 0, time.UTC), records[0].Timestamp)
	assert.Equal(t, "b1", records[1].Hash)
	assert.Equal(t, "c1", records[2].Hash)
	assert.False(t, records[0].HasAddresses())
}

func TestBlockchairClient_FetchWindowParsesEthereumRows(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"hash":"0xabc","block_id":5,"time":"2024-03-01 10:00:00",
			"value":"1000000000000000000","fee":"21000000000000","gas_price":1000000000,"gas_used":21000,
			"sender":"0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA","recipient":"0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"}]}`)
	})

	records, err := client.FetchWindow(context.Background(), entity.NetworkEthereum, 5, 5)
	require.NoError(t, err)
	require.Len(t, records, 1)

	tx := records[0]
	assert.Equal(t, "1000000000000000000", tx.Value)
	assert.Equal(t, "1000000000", tx.GasPrice)
	assert.Equal(t, int64(21000), tx.GasUsed)
	assert.Equal(t, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", tx.FromAddress)
	assert.True(t, tx.HasAddresses())
	assert.NoError(t, tx.Validate())
}

// blockServer serves one block of n rows named t00, t01, ... in id order
func blockServer(n int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		offset, _ := strconv.Atoi(q.Get("offset"))
		limit, _ := strconv.Atoi(q.Get("limit"))

		rows := make([]string, 0, limit)
		for i := offset; i < offset+limit && i < n; i++ {
			idx := i
			if q.Get("s") == "id(desc)" {
				idx = n - 1 - i
			}
			rows = append(rows, fmt.Sprintf(`{"hash":"t%02d","block_id":7,"time":"2024-03-01 10:00:00","output_total":1,"fee":1}`, idx))
		}
		fmt.Fprintf(w, `{"data":[%s]}`, strings.Join(rows, ","))
	}
}

func TestBlockchairClient_FetchWindowTooLarge(t *testing.T) {
	client := newTestClient(t, blockServer(40))

	_, err := client.FetchWindow(context.Background(), entity.NetworkBitcoin, 6, 7)
	require.Error(t, err)
	assert.True(t, entity.IsPermanent(err))
	assert.ErrorIs(t, err, entity.ErrWindowTooLarge)
}

func TestBlockchairClient_FetchWindowReadsLargeBlockFromBothEnds(t *testing.T) {
	// page limit 2 and offset cap 10 reach 12 rows from each end
	client := newTestClient(t, blockServer(16))

	records, err := client.FetchWindow(context.Background(), entity.NetworkBitcoin, 7, 7)
	require.NoError(t, err)
	require.Len(t, records, 16)
	for i, r := range records {
		assert.Equal(t, fmt.Sprintf("t%02d", i), r.Hash)
	}
}

func TestBlockchairClient_FetchWindowBlockBeyondBothEnds(t *testing.T) {
	client := newTestClient(t, blockServer(30))

	_, err := client.FetchWindow(context.Background(), entity.NetworkBitcoin, 7, 7)
	require.Error(t, err)
	assert.ErrorIs(t, err, entity.ErrWindowTooLarge)
}

func TestBlockchairClient_FetchDetailsBatches(t *testing.T) {
	var paths []string
	var mu sync.Mutex
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()

		switch r.URL.Path {
		case "/bitcoin/dashboards/transactions/aa,bb":
			fmt.Fprint(w, `{"data":{
				"aa":{"transaction":{"hash":"aa","block_id":1,"time":"2024-03-01 10:00:00","output_total":1,"fee":1},
					"inputs":[{"recipient":"bc1qaafrom"}],"outputs":[{"recipient":"bc1qaato"}]},
				"bb":{"transaction":{"hash":"bb","block_id":1,"time":"2024-03-01 10:00:00","output_total":2,"fee":1},
					"inputs":[{"recipient":"bc1qbbfrom"}],"outputs":[{"recipient":"bc1qbbto"}]}}}`)
		default:
			// cc is unknown to the source
			fmt.Fprint(w, `{"data":[]}`)
		}
	})

	details, err := client.FetchDetails(context.Background(), entity.NetworkBitcoin, []string{"aa", "bb", "cc"})
	require.NoError(t, err)

	assert.Equal(t, []string{"/bitcoin/dashboards/transactions/aa,bb", "/bitcoin/dashboards/transactions/cc"}, paths)
	require.Len(t, details, 2)
	assert.Equal(t, "bc1qaafrom", details["aa"].FromAddress)
	assert.Equal(t, "bc1qbbto", details["bb"].ToAddress)
	assert.NotContains(t, details, "cc")
}

func TestBlockchairClient_FetchDetailsTransientFailure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	})

	_, err := client.FetchDetails(context.Background(), entity.NetworkBitcoin, []string{"aa"})
	require.Error(t, err)
	assert.True(t, entity.IsTransient(err))
	assert.ErrorIs(t, err, entity.ErrRetryBudgetExhausted)
}

func TestBlockchairClient_FetchDetail(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bitcoin/dashboards/transaction/abc", r.URL.Path)
		fmt.Fprint(w, `{"data":{"abc":{
			"transaction":{"hash":"abc","block_id":100,"time":"2024-03-01 10:00:00","output_total":5000,"fee":10},
			"inputs":[{"recipient":"bc1qsenderaddress0000000"}],
			"outputs":[{"recipient":"bc1qrecipientaddress0000"}]}}}`)
	})

	tx, err := client.FetchDetail(context.Background(), entity.NetworkBitcoin, "abc")
	require.NoError(t, err)
	assert.Equal(t, "bc1qsenderaddress0000000", tx.FromAddress)
	assert.Equal(t, "bc1qrecipientaddress0000", tx.ToAddress)
	assert.Equal(t, int64(100), tx.BlockNumber)
}

func TestBlockchairClient_FetchDetailNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[]}`)
	})

	_, err := client.FetchDetail(context.Background(), entity.NetworkBitcoin, "missing")
	require.Error(t, err)
	assert.True(t, entity.IsPermanent(err))
	assert.ErrorIs(t, err, entity.ErrNotFound)
}

func TestClassifyStatus(t *testing.T) {
	transient := []int{402, 429, 502, 503, 504}
	permanent := []int{400, 401, 403, 404, 500}

	for _, status := range transient {
		assert.True(t, entity.IsTransient(classifyStatus("stats", entity.NetworkBitcoin, status)), status)
	}
	for _, status := range permanent {
		assert.True(t, entity.IsPermanent(classifyStatus("stats", entity.NetworkBitcoin, status)), status)
	}
	assert.NoError(t, classifyStatus("stats", entity.NetworkBitcoin, 200))
}

func TestDecimalField(t *testing.T) {
	cases := []struct {
		body string
		want string
	}{
		{`{"v":12}`, "12"},
		{`{"v":"340282366920938463463"}`, "340282366920938463463"},
		{`{"v":1.5e+21}`, "1500000000000000000000"},
		{`{"v":null}`, "0"},
		{`{}`, "0"},
	}
	for _, tc := range cases {
		got, err := decimalField(gjson.Parse(tc.body), "v")
		require.NoError(t, err, tc.body)
		assert.Equal(t, tc.want, got, tc.body)
	}

	_, err := decimalField(gjson.Parse(`{"v":1.5}`), "v")
	assert.Error(t, err)
	_, err = decimalField(gjson.Parse(`{"v":"-3"}`), "v")
	assert.Error(t, err)
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		NormalizeAddress(entity.NetworkEthereum, " 0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA "))
	assert.Empty(t, NormalizeAddress(entity.NetworkEthereum, "0x123"))
	assert.Equal(t, "1BoatSLRHtKNngkdXEeobR76b53LETtpyT", NormalizeAddress(entity.NetworkBitcoin, "1BoatSLRHtKNngkdXEeobR76b53LETtpyT"))
	assert.Empty(t, NormalizeAddress(entity.NetworkBitcoin, "not an address"))
}
