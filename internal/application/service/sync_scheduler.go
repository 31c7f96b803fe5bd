package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"crypto-live-feed/internal/domain/entity"
	"crypto-live-feed/internal/domain/repository"
	"crypto-live-feed/internal/domain/service"
	"crypto-live-feed/internal/infrastructure/logger"
	"crypto-live-feed/internal/infrastructure/metrics"

	"go.uber.org/zap"
)

// ErrCycleInFlight is returned when a cycle is triggered while one is running
var ErrCycleInFlight = errors.New("sync cycle already in flight")

// SyncState is the scheduler state of one network
type SyncState string

const (
	StateIdle       SyncState = "idle"
	StateFetching   SyncState = "fetching"
	StatePersisting SyncState = "persisting"
	StatePublishing SyncState = "publishing"
	StateBackoff    SyncState = "backoff"
)

var syncStates = []string{
	string(StateIdle), string(StateFetching), string(StatePersisting), string(StatePublishing), string(StateBackoff),
}

// SchedulerConfig tunes one network's scheduler
type SchedulerConfig struct {
	Network           entity.Network
	Interval          time.Duration
	MaxBackoff        time.Duration
	HeartbeatEvery    int
	OverlapBlocks     int64
	MaxBlocksPerCycle int64
	// DetailBatchSize is the number of records whose details are looked up per request
	DetailBatchSize   int
}

// CycleResult summarizes one sync cycle
type CycleResult struct {
	From     int64
	To       int64
	Fetched  int
	Inserted int
	Skipped  int
	Cursor   int64
}

// SchedulerStatus is a point-in-time view of a scheduler
type SchedulerStatus struct {
	Network     entity.Network `json:"network"`
	State       SyncState      `json:"state"`
	Cursor      *int64         `json:"cursor"`
	Failures    int            `json:"consecutive_failures"`
	LastError   string         `json:"last_error,omitempty"`
	LastCycleAt *time.Time     `json:"last_cycle_at,omitempty"`
}

// SyncScheduler pulls new transactions of one network on a timer, stores them
// idempotently and announces the inserted ones. The cursor only moves forward
// and only past blocks whose transactions are all stored or skipped.
type SyncScheduler struct {
	cfg       SchedulerConfig
	source    service.TransactionSource
	ingestion service.IngestionService
	cursors   repository.CursorRepository
	txRepo    repository.TransactionRepository
	publisher service.Publisher
	metrics   *metrics.Metrics
	logger    *logger.Logger

	inFlight atomic.Bool
	trigger  chan struct{}
	now      func() time.Time

	mu          sync.RWMutex
	state       SyncState
	cursor      int64
	hasCursor   bool
	failures    int
	successes   int
	lastErr     error
	lastCycleAt time.Time
}

// NewSyncScheduler creates the scheduler of one network
func NewSyncScheduler(
	cfg SchedulerConfig,
	source service.TransactionSource,
	ingestion service.IngestionService,
	cursors repository.CursorRepository,
	txRepo repository.TransactionRepository,
	publisher service.Publisher,
	m *metrics.Metrics,
	logger *logger.Logger,
) *SyncScheduler {
	if cfg.MaxBlocksPerCycle < 1 {
		cfg.MaxBlocksPerCycle = 1
	}
	if cfg.DetailBatchSize < 1 {
		cfg.DetailBatchSize = 1
	}
	if cfg.MaxBackoff < cfg.Interval {
		cfg.MaxBackoff = cfg.Interval
	}

	return &SyncScheduler{
		cfg:       cfg,
		source:    source,
		ingestion: ingestion,
		cursors:   cursors,
		txRepo:    txRepo,
		publisher: publisher,
		metrics:   m,
		logger:    logger.WithComponent("sync-scheduler").WithNetwork(cfg.Network.String()),
		trigger:   make(chan struct{}, 1),
		now:       time.Now,
		state:     StateIdle,
	}
}

// Network returns the network this scheduler syncs
func (s *SyncScheduler) Network() entity.Network {
	return s.cfg.Network
}

// Run executes cycles until ctx is cancelled. The first cycle starts immediately.
func (s *SyncScheduler) Run(ctx context.Context) {
	s.logger.Info("Starting sync scheduler",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int64("max_blocks_per_cycle", s.cfg.MaxBlocksPerCycle))

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sync scheduler stopped")
			return
		case <-timer.C:
		case <-s.trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		if _, err := s.RunCycle(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("Sync cycle failed", zap.Error(err), zap.Duration("retry_in", s.NextDelay()))
		}
		timer.Reset(s.NextDelay())
	}
}

// Trigger requests an immediate cycle; ignored while one is pending
func (s *SyncScheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// RunCycle performs one fetch, persist and publish pass. A call while
// another cycle is running returns ErrCycleInFlight without doing anything.
func (s *SyncScheduler) RunCycle(ctx context.Context) (CycleResult, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return CycleResult{}, ErrCycleInFlight
	}
	defer s.inFlight.Store(false)

	result, err := s.cycle(ctx)

	s.mu.Lock()
	s.lastCycleAt = s.now().UTC()
	if err != nil {
		s.failures++
		s.lastErr = err
	} else {
		s.failures = 0
		s.lastErr = nil
	}
	s.mu.Unlock()

	if err != nil {
		s.setState(StateBackoff)
		s.metrics.IncSyncCycle(s.cfg.Network.String(), "failure")
		return result, err
	}

	s.setState(StateIdle)
	s.metrics.IncSyncCycle(s.cfg.Network.String(), "success")
	return result, nil
}

func (s *SyncScheduler) cycle(ctx context.Context) (CycleResult, error) {
	network := s.cfg.Network
	s.setState(StateFetching)

	cursor, err := s.loadCursor(ctx)
	if err != nil {
		return CycleResult{}, err
	}
	result := CycleResult{Cursor: cursor}

	latest, err := s.source.LatestPosition(ctx, network)
	if err != nil {
		return result, fmt.Errorf("failed to get latest position: %w", err)
	}

	result.From = max(0, cursor+1-s.cfg.OverlapBlocks)
	result.To = min(latest, cursor+s.cfg.MaxBlocksPerCycle)

	var records []*entity.TransactionRecord
	if result.From <= result.To {
		// nothing is persisted before the whole window is in hand
		result.From, result.To, records, err = s.fetchWindow(ctx, cursor, result.From, result.To)
		if err != nil {
			return result, fmt.Errorf("failed to fetch blocks %d..%d: %w", result.From, result.To, err)
		}
	}
	result.Fetched = len(records)

	s.setState(StatePersisting)
	inserted, skipped, failedBlock, persistErr := s.persist(ctx, records)
	result.Inserted = len(inserted)
	result.Skipped = skipped

	s.setState(StatePublishing)
	target := result.To
	if persistErr != nil {
		target = failedBlock - 1
	}
	if target > cursor {
		if err := s.advance(ctx, target); err != nil {
			s.announce(inserted)
			return result, err
		}
	}
	result.Cursor = s.currentCursor()

	// inserted records are announced even when the batch stopped early:
	// a later upsert of the same key reports already-present and is never announced
	s.announce(inserted)

	if persistErr != nil {
		return result, persistErr
	}

	s.mu.Lock()
	s.successes++
	heartbeat := s.cfg.HeartbeatEvery > 0 && s.successes%s.cfg.HeartbeatEvery == 0
	s.mu.Unlock()
	if heartbeat {
		s.publisher.Publish(entity.TopicTransactions, entity.NewTransactionsUpdateEvent(s.now()))
	}

	s.logger.Info("Sync cycle completed",
		zap.Int64("from", result.From),
		zap.Int64("to", result.To),
		zap.Int("fetched", result.Fetched),
		zap.Int("inserted", result.Inserted),
		zap.Int("skipped", result.Skipped),
		zap.Int64("cursor", result.Cursor))
	return result, nil
}

// fetchWindow narrows [from, to] while the source rejects it as too large. It
// halves the window down to the first block past the cursor, then drops the
// overlap, so the cursor can always move at least one block.
func (s *SyncScheduler) fetchWindow(ctx context.Context, cursor, from, to int64) (int64, int64, []*entity.TransactionRecord, error) {
	floor := max(from, cursor+1)
	for {
		records, err := s.source.FetchWindow(ctx, s.cfg.Network, from, to)
		if err == nil || !errors.Is(err, entity.ErrWindowTooLarge) {
			return from, to, records, err
		}

		switch {
		case to > floor:
			to = max(floor, from+(to-from)/2)
		case from < to:
			from = to
		default:
			return from, to, nil, err
		}
		s.logger.Warn("Window too large for the source, narrowing",
			zap.Int64("from", from),
			zap.Int64("to", to))
	}
}

// persist upserts records in order. Details of bitcoin rows are looked up
// DetailBatchSize records at a time, skipping keys already stored. It stops at
// the first transient or storage failure and reports the block it happened in.
func (s *SyncScheduler) persist(ctx context.Context, records []*entity.TransactionRecord) (inserted []*entity.TransactionRecord, skipped int, failedBlock int64, err error) {
	for start := 0; start < len(records); start += s.cfg.DetailBatchSize {
		chunk := records[start:min(len(records), start+s.cfg.DetailBatchSize)]
		details, known, lookupErr := s.lookupDetails(ctx, chunk)

		for _, rec := range chunk {
			if known[rec.Hash] {
				continue
			}
			if s.needsDetail(rec) {
				if lookupErr != nil {
					return inserted, skipped, rec.BlockNumber, lookupErr
				}
				detail, ok := details[rec.Hash]
				if !ok {
					s.skip(rec, fmt.Errorf("no detail for %s: %w", rec.Hash, entity.ErrNotFound))
					skipped++
					continue
				}
				if rec.FromAddress == "" {
					rec.FromAddress = detail.FromAddress
				}
				if rec.ToAddress == "" {
					rec.ToAddress = detail.ToAddress
				}
			}

			res, err := s.ingestion.Upsert(ctx, rec)
			if err != nil {
				if errors.Is(err, entity.ErrInvalidRecord) {
					s.skip(rec, err)
					skipped++
					continue
				}
				return inserted, skipped, rec.BlockNumber, fmt.Errorf("failed to store %s: %w", rec.Hash, err)
			}
			if res == entity.UpsertInserted {
				inserted = append(inserted, rec)
			}
		}
	}
	return inserted, skipped, 0, nil
}

// needsDetail reports whether rec comes without addresses from the window
func (s *SyncScheduler) needsDetail(rec *entity.TransactionRecord) bool {
	return s.cfg.Network == entity.NetworkBitcoin && !rec.HasAddresses()
}

// lookupDetails fetches the details of chunk records that need them and are
// not stored yet. known holds the stored ones; on error it is filled up to
// the record the lookup failed at.
func (s *SyncScheduler) lookupDetails(ctx context.Context, chunk []*entity.TransactionRecord) (map[string]*entity.TransactionRecord, map[string]bool, error) {
	network := s.cfg.Network
	known := make(map[string]bool)

	var hashes []string
	for _, rec := range chunk {
		if !s.needsDetail(rec) {
			continue
		}
		stored, err := s.ingestion.Known(ctx, network, rec.Hash)
		if err != nil {
			return nil, known, fmt.Errorf("failed to check %s: %w", rec.Hash, err)
		}
		if stored {
			known[rec.Hash] = true
			continue
		}
		hashes = append(hashes, rec.Hash)
	}
	if len(hashes) == 0 {
		return nil, known, nil
	}

	details, err := s.source.FetchDetails(ctx, network, hashes)
	if err == nil {
		return details, known, nil
	}
	if !entity.IsPermanent(err) {
		return nil, known, fmt.Errorf("failed to fetch details of %d transactions: %w", len(hashes), err)
	}

	// a rejected batch is retried hash by hash so a bad hash only skips itself
	s.logger.Warn("Detail batch rejected, looking up one by one", zap.Int("hashes", len(hashes)), zap.Error(err))
	details = make(map[string]*entity.TransactionRecord, len(hashes))
	for _, h := range hashes {
		detail, err := s.source.FetchDetail(ctx, network, h)
		switch {
		case err == nil:
			details[h] = detail
		case entity.IsPermanent(err):
			s.logger.Debug("No detail for transaction", zap.String("hash", h), zap.Error(err))
		default:
			return nil, known, fmt.Errorf("failed to fetch detail of %s: %w", h, err)
		}
	}
	return details, known, nil
}

func (s *SyncScheduler) skip(rec *entity.TransactionRecord, err error) {
	s.metrics.IncSkipped(s.cfg.Network.String())
	s.logger.Warn("Skipping transaction",
		zap.String("hash", rec.Hash),
		zap.Int64("block", rec.BlockNumber),
		zap.Error(err))
}

func (s *SyncScheduler) announce(inserted []*entity.TransactionRecord) {
	for _, rec := range inserted {
		s.publisher.Publish(entity.TopicTransactions, entity.NewTransactionUpdateEvent(rec))
	}
}

// loadCursor returns the in-memory cursor, reading or seeding the store on first use
func (s *SyncScheduler) loadCursor(ctx context.Context) (int64, error) {
	s.mu.RLock()
	cursor, ok := s.cursor, s.hasCursor
	s.mu.RUnlock()
	if ok {
		return cursor, nil
	}

	stored, err := s.cursors.GetCursor(ctx, s.cfg.Network)
	if err == nil {
		s.setCursor(stored.Position)
		return stored.Position, nil
	}
	if !errors.Is(err, entity.ErrNotFound) {
		return 0, fmt.Errorf("failed to load cursor: %w", err)
	}

	seed, err := s.seedPosition(ctx)
	if err != nil {
		return 0, err
	}
	if _, err := s.cursors.AdvanceCursor(ctx, s.cfg.Network, seed); err != nil {
		return 0, fmt.Errorf("failed to seed cursor: %w", err)
	}
	s.setCursor(seed)
	s.logger.Info("Seeded cursor", zap.Int64("position", seed))
	return seed, nil
}

// seedPosition is the newest stored block, else one below the source tip
func (s *SyncScheduler) seedPosition(ctx context.Context) (int64, error) {
	block, ok, err := s.txRepo.LatestBlock(ctx, s.cfg.Network)
	if err != nil {
		return 0, fmt.Errorf("failed to read latest stored block: %w", err)
	}
	if ok {
		return block, nil
	}

	latest, err := s.source.LatestPosition(ctx, s.cfg.Network)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest position: %w", err)
	}
	return max(0, latest-1), nil
}

func (s *SyncScheduler) advance(ctx context.Context, position int64) error {
	advanced, err := s.cursors.AdvanceCursor(ctx, s.cfg.Network, position)
	if err != nil {
		return fmt.Errorf("failed to advance cursor: %w", err)
	}
	if advanced {
		s.setCursor(position)
	}
	return nil
}

func (s *SyncScheduler) setCursor(position int64) {
	s.mu.Lock()
	if !s.hasCursor || position > s.cursor {
		s.cursor = position
		s.hasCursor = true
	}
	position = s.cursor
	s.mu.Unlock()
	s.metrics.SetCursorPosition(s.cfg.Network.String(), position)
}

func (s *SyncScheduler) currentCursor() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursor
}

func (s *SyncScheduler) setState(state SyncState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.metrics.SetSyncState(s.cfg.Network.String(), string(state), syncStates)
}

// State returns the current state
func (s *SyncScheduler) State() SyncState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Cursor returns the last fully ingested block; ok is false before the first cycle
func (s *SyncScheduler) Cursor() (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursor, s.hasCursor
}

// NextDelay is the interval, doubled per consecutive failure up to MaxBackoff
func (s *SyncScheduler) NextDelay() time.Duration {
	s.mu.RLock()
	failures := s.failures
	s.mu.RUnlock()

	delay := s.cfg.Interval
	for i := 1; i < failures && delay < s.cfg.MaxBackoff; i++ {
		delay *= 2
	}
	return min(delay, s.cfg.MaxBackoff)
}

// Status returns a snapshot for the health endpoint
func (s *SyncScheduler) Status() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		Network:  s.cfg.Network,
		State:    s.state,
		Failures: s.failures,
	}
	if s.hasCursor {
		cursor := s.cursor
		status.Cursor = &cursor
	}
	if s.lastErr != nil {
		status.LastError = s.lastErr.Error()
	}
	if !s.lastCycleAt.IsZero() {
		at := s.lastCycleAt
		status.LastCycleAt = &at
	}
	return status
}
