package entity

import (
	"encoding/json"
	"fmt"
	"time"
)

// Topic is an independent subscription stream of the broadcast hub
type Topic string

const (
	TopicTransactions Topic = "transactions"
	TopicStats        Topic = "stats"
)

// ParseTopic converts a raw string into a Topic
func ParseTopic(s string) (Topic, error) {
	switch Topic(s) {
	case TopicTransactions, TopicStats:
		return Topic(s), nil
	}
	return "", fmt.Errorf("unknown topic: %q", s)
}

func (t Topic) String() string {
	return string(t)
}

// EventType is the `type` field of every pushed envelope
type EventType string

const (
	EventConnected          EventType = "connected"
	EventTransactionUpdate  EventType = "transaction_update"
	EventTransactionsUpdate EventType = "transactions_update"
	EventStatsUpdate        EventType = "stats_update"
)

// BroadcastEvent is anything the hub can fan out. Events are never stored.
type BroadcastEvent interface {
	EventType() EventType
}

// ConnectedEvent is written to a subscriber right after it registers
type ConnectedEvent struct {
	Type EventType `json:"type"`
}

func NewConnectedEvent() *ConnectedEvent {
	return &ConnectedEvent{Type: EventConnected}
}

func (e *ConnectedEvent) EventType() EventType { return e.Type }

// TransactionUpdateEvent announces one newly inserted transaction
type TransactionUpdateEvent struct {
	Type        EventType          `json:"type"`
	Network     Network            `json:"network"`
	Transaction *TransactionRecord `json:"transaction"`
}

func NewTransactionUpdateEvent(tx *TransactionRecord) *TransactionUpdateEvent {
	return &TransactionUpdateEvent{Type: EventTransactionUpdate, Network: tx.Network, Transaction: tx}
}

func (e *TransactionUpdateEvent) EventType() EventType { return e.Type }

// TransactionsUpdateEvent is the periodic refresh signal for transaction views
type TransactionsUpdateEvent struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func NewTransactionsUpdateEvent(at time.Time) *TransactionsUpdateEvent {
	return &TransactionsUpdateEvent{Type: EventTransactionsUpdate, Timestamp: at.UTC()}
}

func (e *TransactionsUpdateEvent) EventType() EventType { return e.Type }

// NetworkStatsUpdate carries the latest stats of one network and the fields
// that changed since the previous snapshot
type NetworkStatsUpdate struct {
	Data    json.RawMessage `json:"data"`
	Changes map[string]bool `json:"changes"`
}

// StatsUpdateEvent is published on the stats topic
type StatsUpdateEvent struct {
	Type      EventType          `json:"type"`
	Bitcoin   NetworkStatsUpdate `json:"bitcoin"`
	Ethereum  NetworkStatsUpdate `json:"ethereum"`
	Timestamp time.Time          `json:"timestamp"`
}

func NewStatsUpdateEvent(bitcoin, ethereum NetworkStatsUpdate, at time.Time) *StatsUpdateEvent {
	return &StatsUpdateEvent{
		Type:      EventStatsUpdate,
		Bitcoin:   bitcoin,
		Ethereum:  ethereum,
		Timestamp: at.UTC(),
	}
}

func (e *StatsUpdateEvent) EventType() EventType { return e.Type }

// Envelope is the decoded form of a pushed message on the consumer side
type Envelope struct {
	Type EventType       `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// DecodeEnvelope reads the type of a pushed message and keeps the full payload
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope without type: %s", data)
	}
	env.Raw = append(json.RawMessage(nil), data...)
	return &env, nil
}
