package postgres

import (
	"database/sql"
	"time"
)

// Share is one submitted share and its eventual outcome
type Share struct {
	ID         int64
	ShareID    string
	JobID      string
	Height     uint64
	EdgeBits   int
	Nonce      uint64
	DeviceID   string
	Status     string // "submitted", "accepted", "rejected", "lost"
	Reason     string
	FoundAt    time.Time
	ResolvedAt sql.NullTime
}
