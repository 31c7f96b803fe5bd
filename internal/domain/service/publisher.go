package service

import (
	"crypto-live-feed/internal/domain/entity"
)

// Publisher fans an event out to the current subscribers of a topic.
// It never blocks on slow subscribers and returns the number of deliveries.
type Publisher interface {
	Publish(topic entity.Topic, event entity.BroadcastEvent) int
}
