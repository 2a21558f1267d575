// Package mining implements the job orchestration core: solver devices,
// the solver pool that multiplexes them, and the orchestrator that keeps
// devices working on the newest job and correlates solutions back to
// submissions.
package mining

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/Pdpe/grin-miner/internal/stratum"
)

// ProofSize is the number of cycle nonces in a cuckoo-style proof
const ProofSize = 42

// Job identifies one unit of work to search
type Job struct {
	// ID is the opaque job identifier used for solution correlation
	ID string
	// WireID is the numeric job id as issued by the server
	WireID uint64
	// Height is the monotonic ordinal used for staleness comparison
	Height uint64
	// Difficulty is the minimum share difficulty the server will accept
	Difficulty uint64
	// PrePow is the header material the solver searches over, opaque here
	PrePow []byte

	ReceivedAt time.Time
}

// JobFromTemplate converts a wire job template into a Job
func JobFromTemplate(tmpl *stratum.JobTemplate) (Job, error) {
	prePow, err := hex.DecodeString(tmpl.PrePow)
	if err != nil {
		return Job{}, fmt.Errorf("invalid pre_pow hex: %w", err)
	}

	if len(prePow) == 0 {
		return Job{}, fmt.Errorf("empty pre_pow")
	}

	return Job{
		ID:         strconv.FormatUint(tmpl.JobID, 10),
		WireID:     tmpl.JobID,
		Height:     tmpl.Height,
		Difficulty: tmpl.Difficulty,
		PrePow:     prePow,
		ReceivedAt: time.Now(),
	}, nil
}

// Solution is a candidate proof-of-work result produced by a device
// against a specific job.
type Solution struct {
	ShareID   string
	JobID     string
	WireJobID uint64
	Height    uint64
	EdgeBits  int
	Nonce     uint64
	Pow       []uint64
	DeviceID  string
	FoundAt   time.Time
}

// SubmitParams builds the wire submission for this solution
func (s *Solution) SubmitParams() stratum.SubmitParams {
	return stratum.SubmitParams{
		Height:   s.Height,
		JobID:    s.WireJobID,
		EdgeBits: s.EdgeBits,
		Nonce:    s.Nonce,
		Pow:      s.Pow,
	}
}

// DeviceStatus represents the lifecycle state of a solver device
type DeviceStatus int

const (
	// DeviceStopped - device registered but not running
	DeviceStopped DeviceStatus = iota
	// DeviceStarting - device start requested, solver initializing
	DeviceStarting
	// DeviceRunning - device searching
	DeviceRunning
	// DeviceErrored - device failed and is excluded from dispatch
	DeviceErrored
)

// String returns string representation of the status
func (s DeviceStatus) String() string {
	switch s {
	case DeviceStopped:
		return "stopped"
	case DeviceStarting:
		return "starting"
	case DeviceRunning:
		return "running"
	case DeviceErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// DeviceRecord is the pool's view of one managed device
type DeviceRecord struct {
	DeviceID  string            `json:"device_id"`
	Family    string            `json:"family"`
	Index     int               `json:"index"`
	Params    map[string]string `json:"params,omitempty"`
	Status    DeviceStatus      `json:"status"`
	Attempts  uint64            `json:"attempts"`
	Solutions uint64            `json:"solutions"`
	Restarts  int               `json:"restarts"`
	LastError string            `json:"last_error,omitempty"`

	// LastSolutionTime is the duration of the most recent graph attempt
	LastSolutionTime time.Duration `json:"last_solution_time"`
}

// GraphsPerSecond derives device throughput from the last attempt duration
func (r *DeviceRecord) GraphsPerSecond() float64 {
	if r.LastSolutionTime <= 0 {
		return 0
	}
	return 1.0 / r.LastSolutionTime.Seconds()
}
