package blockchain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"crypto-live-feed/internal/domain/entity"
	"crypto-live-feed/internal/infrastructure/config"
	"crypto-live-feed/internal/infrastructure/logger"
	"crypto-live-feed/internal/infrastructure/metrics"

	"github.com/jellydator/ttlcache/v3"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	blockchairTimeLayout = "2006-01-02 15:04:05"
	maxResponseBytes     = 8 << 20

	endpointStats        = "stats"
	endpointTransactions = "transactions"
	endpointDetail       = "detail"
	endpointDetails      = "details"
)

var errMalformedBody = errors.New("malformed response body")

// BlockchairClient reads transactions and network stats from the Blockchair REST API
type BlockchairClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	timeout    time.Duration
	pageLimit  int
	maxOffset  int
	batchSize  int
	retrier    *Retrier
	metrics    *metrics.Metrics
	logger     *logger.Logger

	statsCache *ttlcache.Cache[entity.Network, json.RawMessage]
	// one lock per network so a slow network never delays the other
	statsLocks map[entity.Network]*sync.Mutex
}

// NewBlockchairClient creates a new Blockchair client
func NewBlockchairClient(cfg *config.Config, m *metrics.Metrics, logger *logger.Logger) *BlockchairClient {
	src := cfg.Source
	c := &BlockchairClient{
		baseURL:    strings.TrimRight(src.BaseURL, "/"),
		apiKey:     src.APIKey,
		httpClient: &http.Client{},
		timeout:    src.RequestTimeout,
		pageLimit:  src.PageLimit,
		maxOffset:  src.MaxOffset,
		batchSize:  max(1, src.DetailBatchSize),
		metrics:    m,
		logger:     logger.WithComponent("blockchair-client"),
		statsLocks: make(map[entity.Network]*sync.Mutex),
	}

	c.retrier = NewRetrier(RetryPolicy{
		MaxAttempts:  src.RetryAttempts,
		InitialDelay: src.RetryInitialDelay,
		MaxDelay:     src.RetryMaxDelay,
		Multiplier:   src.RetryMultiplier,
	}, logger)
	c.retrier.OnRetry = func(_ string, _ int, err error) {
		var se *entity.SourceError
		if errors.As(err, &se) {
			c.metrics.IncSourceRetry(se.Network.String())
		}
	}

	if src.StatsCacheTTL > 0 {
		c.statsCache = ttlcache.New[entity.Network, json.RawMessage](
			ttlcache.WithTTL[entity.Network, json.RawMessage](src.StatsCacheTTL),
		)
	}
	for _, n := range entity.Networks {
		c.statsLocks[n] = &sync.Mutex{}
	}

	return c
}

// LatestPosition returns the best block height reported by the stats endpoint
func (c *BlockchairClient) LatestPosition(ctx context.Context, network entity.Network) (int64, error) {
	stats, err := c.FetchStats(ctx, network)
	if err != nil {
		return 0, err
	}

	if best := gjson.GetBytes(stats, "best_block_height"); best.Exists() {
		return best.Int(), nil
	}
	if blocks := gjson.GetBytes(stats, "blocks"); blocks.Exists() && blocks.Int() > 0 {
		return blocks.Int() - 1, nil
	}
	return 0, entity.NewPermanentError(endpointStats, network, 0, fmt.Errorf("%w: no block height in stats", errMalformedBody))
}

// FetchStats returns the `data` object of /{network}/stats
func (c *BlockchairClient) FetchStats(ctx context.Context, network entity.Network) (json.RawMessage, error) {
	lock, ok := c.statsLocks[network]
	if !ok {
		return nil, entity.NewPermanentError(endpointStats, network, 0, fmt.Errorf("unsupported network %q", network))
	}
	lock.Lock()
	defer lock.Unlock()

	if c.statsCache != nil {
		if item := c.statsCache.Get(network); item != nil {
			return item.Value(), nil
		}
	}

	body, err := c.get(ctx, network, endpointStats, "/"+network.String()+"/stats", nil)
	if err != nil {
		return nil, err
	}

	data := gjson.GetBytes(body, "data")
	if !data.IsObject() {
		return nil, entity.NewPermanentError(endpointStats, network, 0, fmt.Errorf("%w: stats without data object", errMalformedBody))
	}

	raw := json.RawMessage(data.Raw)
	if c.statsCache != nil {
		c.statsCache.Set(network, raw, ttlcache.DefaultTTL)
	}
	return raw, nil
}

// FetchWindow pages through every transaction of the blocks in [from, to].
// Offsets are capped by the source, so a window holding more rows fails with
// entity.ErrWindowTooLarge. A single block is read from both ends before giving up.
func (c *BlockchairClient) FetchWindow(ctx context.Context, network entity.Network, from, to int64) ([]*entity.TransactionRecord, error) {
	if from > to {
		return nil, nil
	}

	seen := make(map[string]bool)
	records, complete, err := c.pageWindow(ctx, network, from, to, false, seen)
	if err != nil {
		return nil, err
	}

	if !complete && from == to {
		var tail []*entity.TransactionRecord
		tail, complete, err = c.pageWindow(ctx, network, from, to, true, seen)
		if err != nil {
			return nil, err
		}
		for i := len(tail) - 1; i >= 0; i-- {
			records = append(records, tail[i])
		}
	}

	if !complete {
		return nil, entity.NewPermanentError(endpointTransactions, network, 0,
			fmt.Errorf("blocks %d..%d beyond offset %d: %w", from, to, c.maxOffset, entity.ErrWindowTooLarge))
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].BlockNumber < records[j].BlockNumber
	})

	c.logger.Debug("Fetched transaction window",
		zap.String("network", network.String()),
		zap.Int64("from", from),
		zap.Int64("to", to),
		zap.Int("count", len(records)))

	return records, nil
}

// pageWindow reads pages by id until a short page or the offset cap. The
// descending pass also stops at the first row already in seen. complete is
// false only when the cap was hit.
func (c *BlockchairClient) pageWindow(ctx context.Context, network entity.Network, from, to int64, descending bool, seen map[string]bool) ([]*entity.TransactionRecord, bool, error) {
	order := "id(asc)"
	if descending {
		order = "id(desc)"
	}

	var records []*entity.TransactionRecord
	for offset := 0; offset <= c.maxOffset; offset += c.pageLimit {
		query := url.Values{}
		query.Set("q", fmt.Sprintf("block_id(%d..%d)", from, to))
		query.Set("s", order)
		query.Set("limit", strconv.Itoa(c.pageLimit))
		query.Set("offset", strconv.Itoa(offset))

		body, err := c.get(ctx, network, endpointTransactions, "/"+network.String()+"/transactions", query)
		if err != nil {
			return nil, false, err
		}

		rows := gjson.GetBytes(body, "data")
		if !rows.IsArray() {
			return nil, false, entity.NewPermanentError(endpointTransactions, network, 0, fmt.Errorf("%w: transactions without data array", errMalformedBody))
		}

		page := rows.Array()
		for _, row := range page {
			if descending && seen[row.Get("hash").String()] {
				// reached rows the ascending pass already read
				return records, true, nil
			}
			record, err := parseTransactionRow(network, row)
			if err != nil {
				c.logger.Warn("Skipping malformed transaction row",
					zap.String("network", network.String()),
					zap.Error(err))
				continue
			}
			seen[record.Hash] = true
			records = append(records, record)
		}

		if len(page) < c.pageLimit {
			return records, true, nil
		}
	}
	return records, false, nil
}

// FetchDetail looks up one transaction on the dashboard endpoint
func (c *BlockchairClient) FetchDetail(ctx context.Context, network entity.Network, hash string) (*entity.TransactionRecord, error) {
	path := "/" + network.String() + "/dashboards/transaction/" + url.PathEscape(hash)
	body, err := c.get(ctx, network, endpointDetail, path, nil)
	if err != nil {
		return nil, err
	}

	entry := gjson.GetBytes(body, "data."+gjson.Escape(hash))
	if !entry.Exists() {
		return nil, entity.NewPermanentError(endpointDetail, network, 0, fmt.Errorf("transaction %s: %w", hash, entity.ErrNotFound))
	}

	record, err := parseDetail(network, entry)
	if err != nil {
		return nil, entity.NewPermanentError(endpointDetail, network, 0, err)
	}
	return record, nil
}

// FetchDetails looks hashes up on the multi-transaction dashboard, batchSize per request
func (c *BlockchairClient) FetchDetails(ctx context.Context, network entity.Network, hashes []string) (map[string]*entity.TransactionRecord, error) {
	details := make(map[string]*entity.TransactionRecord, len(hashes))

	for start := 0; start < len(hashes); start += c.batchSize {
		batch := hashes[start:min(len(hashes), start+c.batchSize)]
		escaped := make([]string, len(batch))
		for i, h := range batch {
			escaped[i] = url.PathEscape(h)
		}

		path := "/" + network.String() + "/dashboards/transactions/" + strings.Join(escaped, ",")
		body, err := c.get(ctx, network, endpointDetails, path, nil)
		if err != nil {
			return nil, err
		}

		data := gjson.GetBytes(body, "data")
		for _, h := range batch {
			entry := data.Get(gjson.Escape(h))
			if !entry.Exists() {
				continue
			}
			record, err := parseDetail(network, entry)
			if err != nil {
				c.logger.Warn("Skipping malformed transaction detail",
					zap.String("network", network.String()),
					zap.String("hash", h),
					zap.Error(err))
				continue
			}
			details[h] = record
		}
	}

	return details, nil
}

// parseDetail reads one dashboard entry; bitcoin addresses come from the first input and output
func parseDetail(network entity.Network, entry gjson.Result) (*entity.TransactionRecord, error) {
	tx := entry.Get("transaction")
	if !tx.IsObject() {
		return nil, fmt.Errorf("%w: detail without transaction", errMalformedBody)
	}

	record, err := parseTransactionRow(network, tx)
	if err != nil {
		return nil, err
	}

	if network == entity.NetworkBitcoin {
		record.FromAddress = NormalizeAddress(network, entry.Get("inputs.0.recipient").String())
		record.ToAddress = NormalizeAddress(network, entry.Get("outputs.0.recipient").String())
	}
	return record, nil
}

// get performs a GET with the retry budget and returns the validated JSON body
func (c *BlockchairClient) get(ctx context.Context, network entity.Network, endpoint, path string, query url.Values) ([]byte, error) {
	if query == nil {
		query = url.Values{}
	}
	if c.apiKey != "" {
		query.Set("key", c.apiKey)
	}
	target := c.baseURL + path
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
	}

	var body []byte
	err := c.retrier.Do(ctx, endpoint, func(ctx context.Context) error {
		var err error
		body, err = c.doRequest(ctx, network, endpoint, target)
		c.metrics.IncSourceRequest(network.String(), endpoint, outcome(err))
		return err
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *BlockchairClient) doRequest(ctx context.Context, network entity.Network, endpoint, target string) ([]byte, error) {
	reqCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return nil, entity.NewPermanentError(endpoint, network, 0, fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// timeouts and connection failures
		return nil, entity.NewTransientError(endpoint, network, 0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, entity.NewTransientError(endpoint, network, resp.StatusCode, fmt.Errorf("failed to read body: %w", err))
	}

	if err := classifyStatus(endpoint, network, resp.StatusCode); err != nil {
		return nil, err
	}

	if !gjson.ValidBytes(body) {
		return nil, entity.NewPermanentError(endpoint, network, resp.StatusCode, errMalformedBody)
	}
	return body, nil
}

// classifyStatus maps an HTTP status onto the transient/permanent split
func classifyStatus(endpoint string, network entity.Network, status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusPaymentRequired,
		status == http.StatusTooManyRequests,
		status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout:
		return entity.NewTransientError(endpoint, network, status, nil)
	case status == http.StatusNotFound:
		return entity.NewPermanentError(endpoint, network, status, entity.ErrNotFound)
	default:
		return entity.NewPermanentError(endpoint, network, status, nil)
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case entity.IsTransient(err):
		return "transient"
	case entity.IsPermanent(err):
		return "permanent"
	default:
		return "cancelled"
	}
}

// parseTransactionRow reads a Blockchair transaction object
func parseTransactionRow(network entity.Network, row gjson.Result) (*entity.TransactionRecord, error) {
	hash := row.Get("hash").String()
	if hash == "" {
		return nil, fmt.Errorf("%w: transaction without hash", errMalformedBody)
	}

	ts, err := time.ParseInLocation(blockchairTimeLayout, row.Get("time").String(), time.UTC)
	if err != nil {
		return nil, fmt.Errorf("transaction %s: invalid time: %w", hash, err)
	}

	record := &entity.TransactionRecord{
		Network:     network,
		Hash:        hash,
		BlockNumber: row.Get("block_id").Int(),
		Timestamp:   ts,
	}

	switch network {
	case entity.NetworkBitcoin:
		if record.Value, err = decimalField(row, "output_total"); err != nil {
			return nil, fmt.Errorf("transaction %s: %w", hash, err)
		}
		if record.Fee, err = decimalField(row, "fee"); err != nil {
			return nil, fmt.Errorf("transaction %s: %w", hash, err)
		}
	case entity.NetworkEthereum:
		if record.Value, err = decimalField(row, "value"); err != nil {
			return nil, fmt.Errorf("transaction %s: %w", hash, err)
		}
		if record.Fee, err = decimalField(row, "fee"); err != nil {
			return nil, fmt.Errorf("transaction %s: %w", hash, err)
		}
		if record.GasPrice, err = decimalField(row, "gas_price"); err != nil {
			return nil, fmt.Errorf("transaction %s: %w", hash, err)
		}
		record.GasUsed = row.Get("gas_used").Int()
		record.FromAddress = NormalizeAddress(network, row.Get("sender").String())
		record.ToAddress = NormalizeAddress(network, row.Get("recipient").String())
	}

	return record, nil
}

// decimalField reads an integer amount that may be encoded as a JSON number or string
func decimalField(row gjson.Result, field string) (string, error) {
	value := row.Get(field)
	if !value.Exists() || value.Type == gjson.Null {
		return "0", nil
	}

	raw := strings.TrimSpace(value.String())
	if raw == "" {
		return "0", nil
	}
	if _, ok := new(big.Int).SetString(raw, 10); ok && !strings.HasPrefix(raw, "-") && !strings.HasPrefix(raw, "+") {
		return raw, nil
	}

	// numbers like 1.5e+21 still carry an integer amount
	f, ok := new(big.Float).SetPrec(256).SetString(raw)
	if !ok || f.Sign() < 0 || !f.IsInt() {
		return "", fmt.Errorf("invalid %s %q", field, raw)
	}
	return f.Text('f', 0), nil
}
