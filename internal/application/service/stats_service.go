package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"crypto-live-feed/internal/domain/entity"
	"crypto-live-feed/internal/domain/repository"
	"crypto-live-feed/internal/domain/service"
	"crypto-live-feed/internal/infrastructure/logger"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrNoStats is returned by Poll when no network produced stats
var ErrNoStats = errors.New("no network stats available")

// StatsService polls network stats, stores them and publishes what changed
type StatsService struct {
	source    service.TransactionSource
	statsRepo repository.StatsRepository
	publisher service.Publisher
	interval  time.Duration
	logger    *logger.Logger
	now       func() time.Time

	mu       sync.Mutex
	previous map[entity.Network]*entity.StatsSnapshot
	loaded   map[entity.Network]bool
}

// NewStatsService creates a new stats service
func NewStatsService(
	source service.TransactionSource,
	statsRepo repository.StatsRepository,
	publisher service.Publisher,
	interval time.Duration,
	logger *logger.Logger,
) *StatsService {
	return &StatsService{
		source:    source,
		statsRepo: statsRepo,
		publisher: publisher,
		interval:  interval,
		logger:    logger.WithComponent("stats-service"),
		now:       time.Now,
		previous:  make(map[entity.Network]*entity.StatsSnapshot),
		loaded:    make(map[entity.Network]bool),
	}
}

// Run polls immediately and then every interval until ctx is cancelled
func (s *StatsService) Run(ctx context.Context) {
	s.logger.Info("Starting stats poller", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.Poll(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("Stats poll failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			s.logger.Info("Stats poller stopped")
			return
		case <-ticker.C:
		}
	}
}

type networkStats struct {
	data json.RawMessage
	err  error
}

// Poll fetches both networks concurrently and publishes one stats_update.
// A failed network repeats its previous data with no changes.
func (s *StatsService) Poll(ctx context.Context) (*entity.StatsUpdateEvent, error) {
	takenAt := s.now().UTC().Truncate(time.Second)

	results := make(map[entity.Network]*networkStats, len(entity.Networks))
	for _, network := range entity.Networks {
		results[network] = &networkStats{}
	}

	var g errgroup.Group
	for _, network := range entity.Networks {
		network := network
		res := results[network]
		g.Go(func() error {
			res.data, res.err = s.source.FetchStats(ctx, network)
			return res.err
		})
	}
	firstErr := g.Wait()

	updates := make(map[entity.Network]entity.NetworkStatsUpdate, len(entity.Networks))
	fresh := 0
	for _, network := range entity.Networks {
		res := results[network]
		prev := s.previousSnapshot(ctx, network)

		if res.err != nil {
			s.logger.Warn("Failed to fetch stats",
				zap.String("network", network.String()),
				zap.Error(res.err))
			update := entity.NetworkStatsUpdate{Changes: map[string]bool{}}
			if prev != nil {
				update.Data = prev.Data
			}
			updates[network] = update
			continue
		}

		fresh++
		var prevData json.RawMessage
		if prev != nil {
			prevData = prev.Data
		}
		updates[network] = entity.NetworkStatsUpdate{
			Data:    res.data,
			Changes: ChangedFields(prevData, res.data),
		}

		snapshot := &entity.StatsSnapshot{Network: network, TakenAt: takenAt, Data: res.data}
		if err := s.statsRepo.SaveSnapshot(ctx, snapshot); err != nil {
			s.logger.Warn("Failed to save stats snapshot",
				zap.String("network", network.String()),
				zap.Error(err))
		}
		s.mu.Lock()
		s.previous[network] = snapshot
		s.mu.Unlock()
	}

	if fresh == 0 {
		return nil, fmt.Errorf("%w: %w", ErrNoStats, firstErr)
	}

	event := entity.NewStatsUpdateEvent(updates[entity.NetworkBitcoin], updates[entity.NetworkEthereum], takenAt)
	delivered := s.publisher.Publish(entity.TopicStats, event)
	s.logger.Debug("Published stats update", zap.Int("delivered", delivered))
	return event, nil
}

// previousSnapshot returns the last known snapshot, reading storage once after start
func (s *StatsService) previousSnapshot(ctx context.Context, network entity.Network) *entity.StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.previous[network]; ok || s.loaded[network] {
		return prev
	}
	s.loaded[network] = true

	snapshot, err := s.statsRepo.LatestSnapshot(ctx, network)
	if err != nil {
		if !errors.Is(err, entity.ErrNotFound) {
			s.logger.Warn("Failed to load previous stats snapshot",
				zap.String("network", network.String()),
				zap.Error(err))
		}
		return nil
	}
	s.previous[network] = snapshot
	return snapshot
}

// ChangedFields marks every top-level field of curr whose value differs from
// prev. Without a previous object nothing is marked.
func ChangedFields(prev, curr json.RawMessage) map[string]bool {
	changes := make(map[string]bool)
	if len(prev) == 0 || len(curr) == 0 {
		return changes
	}

	previous := gjson.ParseBytes(prev)
	if !previous.IsObject() {
		return changes
	}
	old := make(map[string]interface{})
	previous.ForEach(func(key, value gjson.Result) bool {
		old[key.String()] = value.Value()
		return true
	})

	gjson.ParseBytes(curr).ForEach(func(key, value gjson.Result) bool {
		before, ok := old[key.String()]
		// stored JSON may be reformatted, so compare decoded values
		if !ok || !reflect.DeepEqual(before, value.Value()) {
			changes[key.String()] = true
		}
		return true
	})
	return changes
}
