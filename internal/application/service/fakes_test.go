package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"crypto-live-feed/internal/domain/entity"
)

// FakeSource serves canned blocks per network
type FakeSource struct {
	mu        sync.Mutex
	latest    map[entity.Network]int64
	blocks    map[entity.Network]map[int64][]*entity.TransactionRecord
	details   map[string]*entity.TransactionRecord
	detailErr map[string]error
	latestErr map[entity.Network]error
	windowErr map[entity.Network]error
	stats     map[entity.Network]json.RawMessage
	statsErr  map[entity.Network]error

	// block, when set, holds FetchWindow until closed or ctx ends
	block chan struct{}

	// maxWindow, when set, rejects wider windows with ErrWindowTooLarge
	maxWindow int64

	windows      []string
	detailCalls  int
	detailLookup []string
}

func NewFakeSource() *FakeSource {
	return &FakeSource{
		latest:    make(map[entity.Network]int64),
		blocks:    make(map[entity.Network]map[int64][]*entity.TransactionRecord),
		details:   make(map[string]*entity.TransactionRecord),
		detailErr: make(map[string]error),
		latestErr: make(map[entity.Network]error),
		windowErr: make(map[entity.Network]error),
		stats:     make(map[entity.Network]json.RawMessage),
		statsErr:  make(map[entity.Network]error),
	}
}

func (f *FakeSource) SetLatest(network entity.Network, latest int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest[network] = latest
}

// AddRecords adds window rows. Bitcoin rows without addresses get a detail
// carrying the addresses btcRecord would have.
func (f *FakeSource) AddRecords(records ...*entity.TransactionRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range records {
		if f.blocks[r.Network] == nil {
			f.blocks[r.Network] = make(map[int64][]*entity.TransactionRecord)
		}
		f.blocks[r.Network][r.BlockNumber] = append(f.blocks[r.Network][r.BlockNumber], r)
		if _, ok := f.details[r.Hash]; !ok && r.Network == entity.NetworkBitcoin && !r.HasAddresses() {
			f.details[r.Hash] = btcRecord(r.Hash, r.BlockNumber)
		}
	}
}

// DetailLookups returns every hash looked up, in order
func (f *FakeSource) DetailLookups() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.detailLookup...)
}

// DetailCalls counts requests made for details, batched or not
func (f *FakeSource) DetailCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detailCalls
}

func (f *FakeSource) SetStats(network entity.Network, data string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats[network] = json.RawMessage(data)
	f.statsErr[network] = err
}

func (f *FakeSource) Windows() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.windows...)
}

func (f *FakeSource) LatestPosition(ctx context.Context, network entity.Network) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.latestErr[network]; err != nil {
		return 0, err
	}
	return f.latest[network], nil
}

func (f *FakeSource) FetchWindow(ctx context.Context, network entity.Network, from, to int64) ([]*entity.TransactionRecord, error) {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.windows = append(f.windows, fmt.Sprintf("%s:%d..%d", network, from, to))
	if err := f.windowErr[network]; err != nil {
		return nil, err
	}
	if f.maxWindow > 0 && to-from+1 > f.maxWindow {
		return nil, entity.NewPermanentError("transactions", network, 0,
			fmt.Errorf("blocks %d..%d: %w", from, to, entity.ErrWindowTooLarge))
	}

	var heights []int64
	for h := range f.blocks[network] {
		if h >= from && h <= to {
			heights = append(heights, h)
		}
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })

	var out []*entity.TransactionRecord
	for _, h := range heights {
		for _, r := range f.blocks[network][h] {
			c := *r
			out = append(out, &c)
		}
	}
	return out, nil
}

func (f *FakeSource) FetchDetail(ctx context.Context, network entity.Network, hash string) (*entity.TransactionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detailCalls++
	f.detailLookup = append(f.detailLookup, hash)
	if err := f.detailErr[hash]; err != nil {
		return nil, err
	}
	d, ok := f.details[hash]
	if !ok {
		return nil, entity.NewPermanentError("detail", network, 404, entity.ErrNotFound)
	}
	c := *d
	return &c, nil
}

// FetchDetails fails the whole batch with the first hash's error, like a single request would
func (f *FakeSource) FetchDetails(ctx context.Context, network entity.Network, hashes []string) (map[string]*entity.TransactionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detailCalls++
	f.detailLookup = append(f.detailLookup, hashes...)
	for _, h := range hashes {
		if err := f.detailErr[h]; err != nil {
			return nil, err
		}
	}
	out := make(map[string]*entity.TransactionRecord)
	for _, h := range hashes {
		if d, ok := f.details[h]; ok {
			c := *d
			out[h] = &c
		}
	}
	return out, nil
}

func (f *FakeSource) FetchStats(ctx context.Context, network entity.Network) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.statsErr[network]; err != nil {
		return nil, err
	}
	return f.stats[network], nil
}

// FakeTransactionRepository is an in-memory transaction table keyed by natural key
type FakeTransactionRepository struct {
	mu        sync.Mutex
	rows      map[string]*entity.TransactionRecord
	insertErr map[string]error
	inserts   int
}

func NewFakeTransactionRepository() *FakeTransactionRepository {
	return &FakeTransactionRepository{
		rows:      make(map[string]*entity.TransactionRecord),
		insertErr: make(map[string]error),
	}
}

func (f *FakeTransactionRepository) FailInsert(hash string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertErr[hash] = err
}

func (f *FakeTransactionRepository) Rows() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func (f *FakeTransactionRepository) Row(network entity.Network, hash string) *entity.TransactionRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[string(network)+":"+hash]
}

func (f *FakeTransactionRepository) Exists(ctx context.Context, network entity.Network, hash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.rows[string(network)+":"+hash]
	return ok, nil
}

func (f *FakeTransactionRepository) Insert(ctx context.Context, tx *entity.TransactionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.insertErr[tx.Hash]; err != nil {
		return err
	}
	if _, ok := f.rows[tx.Key()]; ok {
		return entity.ErrPersistenceConflict
	}
	c := *tx
	f.rows[tx.Key()] = &c
	f.inserts++
	return nil
}

func (f *FakeTransactionRepository) RefreshAddresses(ctx context.Context, tx *entity.TransactionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[tx.Key()]
	if !ok {
		return nil
	}
	if row.FromAddress == "" {
		row.FromAddress = tx.FromAddress
	}
	if row.ToAddress == "" {
		row.ToAddress = tx.ToAddress
	}
	return nil
}

func (f *FakeTransactionRepository) LatestBlock(ctx context.Context, network entity.Network) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var (
		best int64
		ok   bool
	)
	for _, r := range f.rows {
		if r.Network == network && (!ok || r.BlockNumber > best) {
			best, ok = r.BlockNumber, true
		}
	}
	return best, ok, nil
}

func (f *FakeTransactionRepository) QueryBlock(ctx context.Context, network entity.Network, block int64) ([]*entity.TransactionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*entity.TransactionRecord
	for _, r := range f.rows {
		if r.Network == network && r.BlockNumber == block {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Hash < out[j].Hash
	})
	return out, nil
}

func (f *FakeTransactionRepository) QueryLatest(ctx context.Context, network entity.Network, page, limit int) (*entity.TransactionPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []*entity.TransactionRecord
	for _, r := range f.rows {
		if network == "" || r.Network == network {
			all = append(all, r)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].Timestamp.Equal(all[j].Timestamp) {
			return all[i].Timestamp.After(all[j].Timestamp)
		}
		return all[i].Hash < all[j].Hash
	})

	start := min((page-1)*limit, len(all))
	end := min(start+limit, len(all))
	total := int64(len(all))
	return &entity.TransactionPage{
		Transactions: all[start:end],
		Pagination: entity.Pagination{
			Total:      total,
			Page:       page,
			Limit:      limit,
			TotalPages: int((total + int64(limit) - 1) / int64(limit)),
		},
	}, nil
}

// FakeCursorRepository keeps monotonic cursors in memory
type FakeCursorRepository struct {
	mu      sync.Mutex
	cursors map[entity.Network]int64
}

func NewFakeCursorRepository() *FakeCursorRepository {
	return &FakeCursorRepository{cursors: make(map[entity.Network]int64)}
}

func (f *FakeCursorRepository) Set(network entity.Network, position int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors[network] = position
}

func (f *FakeCursorRepository) Position(network entity.Network) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.cursors[network]
	return p, ok
}

func (f *FakeCursorRepository) GetCursor(ctx context.Context, network entity.Network) (*entity.Cursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.cursors[network]
	if !ok {
		return nil, entity.ErrNotFound
	}
	return &entity.Cursor{Network: network, Position: p, UpdatedAt: time.Now().UTC()}, nil
}

func (f *FakeCursorRepository) AdvanceCursor(ctx context.Context, network entity.Network, position int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.cursors[network]; ok && position <= p {
		return false, nil
	}
	f.cursors[network] = position
	return true, nil
}

// FakePublisher records published events
type FakePublisher struct {
	mu     sync.Mutex
	events map[entity.Topic][]entity.BroadcastEvent
}

func NewFakePublisher() *FakePublisher {
	return &FakePublisher{events: make(map[entity.Topic][]entity.BroadcastEvent)}
}

func (f *FakePublisher) Publish(topic entity.Topic, event entity.BroadcastEvent) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[topic] = append(f.events[topic], event)
	return 1
}

func (f *FakePublisher) Events(topic entity.Topic) []entity.BroadcastEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]entity.BroadcastEvent(nil), f.events[topic]...)
}

// Updates returns the transaction_update events of a network
func (f *FakePublisher) Updates(network entity.Network) []*entity.TransactionUpdateEvent {
	var out []*entity.TransactionUpdateEvent
	for _, e := range f.Events(entity.TopicTransactions) {
		if u, ok := e.(*entity.TransactionUpdateEvent); ok && u.Network == network {
			out = append(out, u)
		}
	}
	return out
}

// FakeProjector records projected hashes
type FakeProjector struct {
	mu     sync.Mutex
	hashes []string
	err    error
}

func (f *FakeProjector) Project(ctx context.Context, tx *entity.TransactionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hashes = append(f.hashes, tx.Hash)
	return f.err
}

func (f *FakeProjector) Hashes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.hashes...)
}

// FakeStatsRepository keeps snapshots in memory
type FakeStatsRepository struct {
	mu        sync.Mutex
	snapshots map[entity.Network][]*entity.StatsSnapshot
	saveErr   error
}

func NewFakeStatsRepository() *FakeStatsRepository {
	return &FakeStatsRepository{snapshots: make(map[entity.Network][]*entity.StatsSnapshot)}
}

func (f *FakeStatsRepository) SaveSnapshot(ctx context.Context, s *entity.StatsSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.snapshots[s.Network] = append(f.snapshots[s.Network], s)
	return nil
}

func (f *FakeStatsRepository) LatestSnapshot(ctx context.Context, network entity.Network) (*entity.StatsSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.snapshots[network]
	if len(s) == 0 {
		return nil, entity.ErrNotFound
	}
	return s[len(s)-1], nil
}

func (f *FakeStatsRepository) Count(network entity.Network) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.snapshots[network])
}

// FakeSnapshotCache is an in-memory SnapshotCache
type FakeSnapshotCache struct {
	mu   sync.Mutex
	data map[string][]byte
	sets int
}

func NewFakeSnapshotCache() *FakeSnapshotCache {
	return &FakeSnapshotCache{data: make(map[string][]byte)}
}

func (f *FakeSnapshotCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, dest)
}

func (f *FakeSnapshotCache) Set(ctx context.Context, key string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.data[key] = b
	f.sets++
	return nil
}

func (f *FakeSnapshotCache) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var errStorage = errors.New("connection reset by peer")

func btcRecord(hash string, block int64) *entity.TransactionRecord {
	return &entity.TransactionRecord{
		Network:     entity.NetworkBitcoin,
		Hash:        hash,
		BlockNumber: block,
		Timestamp:   time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC).Add(time.Duration(block) * time.Minute),
		Value:       "150000000",
		Fee:         "1200",
		FromAddress: "bc1qsender" + hash,
		ToAddress:   "bc1qrecipient" + hash,
	}
}

// btcRow is a bitcoin window row; the window never carries addresses
func btcRow(hash string, block int64) *entity.TransactionRecord {
	r := btcRecord(hash, block)
	r.FromAddress, r.ToAddress = "", ""
	return r
}

func ethRecord(hash string, block int64) *entity.TransactionRecord {
	return &entity.TransactionRecord{
		Network:     entity.NetworkEthereum,
		Hash:        hash,
		BlockNumber: block,
		Timestamp:   time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC).Add(time.Duration(block) * time.Second),
		Value:       "1000000000000000000",
		Fee:         "21000000000000",
		GasPrice:    "1000000000",
		GasUsed:     21000,
		FromAddress: "0x00000000000000000000000000000000000000aa",
		ToAddress:   "0x00000000000000000000000000000000000000bb",
	}
}
