package messaging

import "time"

// JobEvent reports a job the orchestrator dispatched
type JobEvent struct {
	JobID      string    `json:"job_id"`
	Height     uint64    `json:"height"`
	Difficulty uint64    `json:"difficulty"`
	ReceivedAt time.Time `json:"received_at"`
}

// ShareFoundEvent reports a locally validated solution handed to submission
type ShareFoundEvent struct {
	ShareID  string    `json:"share_id"`
	JobID    string    `json:"job_id"`
	Height   uint64    `json:"height"`
	EdgeBits int       `json:"edge_bits"`
	Nonce    uint64    `json:"nonce"`
	DeviceID string    `json:"device_id"`
	FoundAt  time.Time `json:"found_at"`
}

// ShareResultEvent reports the server's verdict on a submitted share
type ShareResultEvent struct {
	ShareID    string    `json:"share_id"`
	JobID      string    `json:"job_id"`
	Height     uint64    `json:"height"`
	DeviceID   string    `json:"device_id"`
	Status     string    `json:"status"` // "accepted", "rejected", "lost"
	Reason     string    `json:"reason,omitempty"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// SessionEvent reports a stratum session lifecycle transition
type SessionEvent struct {
	Kind       string    `json:"kind"` // "connected", "connection_lost"
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
