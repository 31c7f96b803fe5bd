package database

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"crypto-live-feed/internal/domain/entity"
	"crypto-live-feed/internal/infrastructure/logger"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"
)

const cursorKeyPrefix = "cursor/"

// PebbleCursorRepository keeps sync cursors in an embedded pebble store.
// Values are the position followed by the update time, both big-endian.
type PebbleCursorRepository struct {
	db     *pebble.DB
	logger *logger.Logger

	// serializes read-compare-write in AdvanceCursor
	mu sync.Mutex
}

// NewPebbleCursorRepository opens (or creates) the cursor store in dir
func NewPebbleCursorRepository(dir string, logger *logger.Logger) (*PebbleCursorRepository, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble cursor store: %w", err)
	}
	return &PebbleCursorRepository{
		db:     db,
		logger: logger.WithComponent("pebble-cursor-repo"),
	}, nil
}

// GetCursor returns the stored cursor of a network
func (r *PebbleCursorRepository) GetCursor(_ context.Context, network entity.Network) (*entity.Cursor, error) {
	return r.get(network)
}

// AdvanceCursor moves the cursor forward only
func (r *PebbleCursorRepository) AdvanceCursor(_ context.Context, network entity.Network, position int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.get(network)
	if err != nil && !errors.Is(err, entity.ErrNotFound) {
		return false, err
	}
	if current != nil && position <= current.Position {
		r.logger.Debug("Ignored cursor regression",
			zap.String("network", network.String()),
			zap.Int64("stored", current.Position),
			zap.Int64("position", position))
		return false, nil
	}

	value := make([]byte, 0, 16)
	value = binary.BigEndian.AppendUint64(value, uint64(position))
	value = binary.BigEndian.AppendUint64(value, uint64(time.Now().UTC().UnixNano()))

	if err := r.db.Set(cursorKey(network), value, pebble.Sync); err != nil {
		return false, fmt.Errorf("failed to advance cursor: %w", err)
	}
	return true, nil
}

// Close closes the store
func (r *PebbleCursorRepository) Close() error {
	return r.db.Close()
}

func (r *PebbleCursorRepository) get(network entity.Network) (*entity.Cursor, error) {
	value, closer, err := r.db.Get(cursorKey(network))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, entity.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}
	defer closer.Close()

	if len(value) != 16 {
		return nil, fmt.Errorf("corrupt cursor value for %s: %d bytes", network, len(value))
	}
	return &entity.Cursor{
		Network:   network,
		Position:  int64(binary.BigEndian.Uint64(value[:8])),
		UpdatedAt: time.Unix(0, int64(binary.BigEndian.Uint64(value[8:]))).UTC(),
	}, nil
}

func cursorKey(network entity.Network) []byte {
	return []byte(cursorKeyPrefix + network.String())
}
