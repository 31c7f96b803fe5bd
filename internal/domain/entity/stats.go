package entity

import (
	"encoding/json"
	"time"
)

// StatsSnapshot is one persisted stats response of a network
type StatsSnapshot struct {
	Network Network         `json:"network"`
	TakenAt time.Time       `json:"taken_at"`
	Data    json.RawMessage `json:"data"`
}
