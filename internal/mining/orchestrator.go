package mining

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Pdpe/grin-miner/internal/stratum"
	"github.com/Pdpe/grin-miner/pkg/log"
)

// OrchestratorState describes where the coordination loop is in its
// lifecycle
type OrchestratorState int

const (
	// StateIdle means no job has been received yet
	StateIdle OrchestratorState = iota
	// StateDispatching means the current job is being worked on
	StateDispatching
	// StateDraining means a newer job superseded the previous one, which
	// is still eligible for late solutions inside its grace window
	StateDraining
	// StateShuttingDown means a stop was requested
	StateShuttingDown
)

func (s OrchestratorState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDispatching:
		return "dispatching"
	case StateDraining:
		return "draining"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// Counters aggregates the orchestrator's share accounting. All fields are
// updated atomically so snapshots can be taken from any goroutine.
type Counters struct {
	jobsReceived atomic.Uint64
	jobsIgnored  atomic.Uint64
	found        atomic.Uint64
	accepted     atomic.Uint64
	rejected     atomic.Uint64
	stale        atomic.Uint64
	localInvalid atomic.Uint64
	lost         atomic.Uint64
}

// CounterSnapshot is an immutable copy of the counters
type CounterSnapshot struct {
	JobsReceived uint64 `json:"jobs_received"`
	JobsIgnored  uint64 `json:"jobs_ignored"`
	Found        uint64 `json:"found"`
	Accepted     uint64 `json:"accepted"`
	Rejected     uint64 `json:"rejected"`
	Stale        uint64 `json:"stale"`
	LocalInvalid uint64 `json:"local_invalid"`
	Lost         uint64 `json:"lost"`
}

// Snapshot copies the counters at a point in time
func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		JobsReceived: c.jobsReceived.Load(),
		JobsIgnored:  c.jobsIgnored.Load(),
		Found:        c.found.Load(),
		Accepted:     c.accepted.Load(),
		Rejected:     c.rejected.Load(),
		Stale:        c.stale.Load(),
		LocalInvalid: c.localInvalid.Load(),
		Lost:         c.lost.Load(),
	}
}

// Session is the slice of the stratum client the orchestrator drives
type Session interface {
	Events() <-chan stratum.Event
	SubmitShare(params stratum.SubmitParams) (stratum.RequestHandle, error)
	Stop()
}

// Recorder receives mining lifecycle events for external reporting. All
// methods must be non-blocking or internally bounded; a nil Recorder
// disables reporting.
type Recorder interface {
	RecordJob(job *Job)
	RecordShareFound(sol Solution)
	RecordShareResult(sol Solution, accepted bool, reason string)
	RecordSessionEvent(kind, detail string)
}

// Recorders fans recording out to several recorders
type Recorders []Recorder

func (rs Recorders) RecordJob(job *Job) {
	for _, r := range rs {
		r.RecordJob(job)
	}
}

func (rs Recorders) RecordShareFound(sol Solution) {
	for _, r := range rs {
		r.RecordShareFound(sol)
	}
}

func (rs Recorders) RecordShareResult(sol Solution, accepted bool, reason string) {
	for _, r := range rs {
		r.RecordShareResult(sol, accepted, reason)
	}
}

func (rs Recorders) RecordSessionEvent(kind, detail string) {
	for _, r := range rs {
		r.RecordSessionEvent(kind, detail)
	}
}

// OrchestratorConfig holds orchestration policy knobs
type OrchestratorConfig struct {
	// GraceWindow bounds how long solutions against the immediately
	// superseded job remain submittable
	GraceWindow time.Duration
}

// Orchestrator owns the notion of "current job". It consumes session events
// and pool solutions in one select-driven loop, enforces height-monotonic
// dispatch with a grace window for the superseded job, and correlates
// submissions with their accept/reject responses.
type Orchestrator struct {
	cfg      *OrchestratorConfig
	client   Session
	pool     *Pool
	recorder Recorder
	logger   *log.Logger

	counters Counters

	// Loop-owned state, touched only inside Run
	current    *Job
	prev       *Job
	prevExpiry time.Time
	resync     bool
	inflight   map[stratum.RequestHandle]Solution

	state    atomic.Int64
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewOrchestrator wires the coordination loop to a session and a pool
func NewOrchestrator(cfg *OrchestratorConfig, client Session, pool *Pool,
	recorder Recorder, logger *log.Logger) *Orchestrator {

	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = 5 * time.Second
	}

	return &Orchestrator{
		cfg:      cfg,
		client:   client,
		pool:     pool,
		recorder: recorder,
		logger:   logger.WithComponent("orchestrator"),
		inflight: make(map[stratum.RequestHandle]Solution),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// State returns the loop's current lifecycle state
func (o *Orchestrator) State() OrchestratorState {
	return OrchestratorState(o.state.Load())
}

// Counters exposes the share accounting for snapshots
func (o *Orchestrator) Counters() *Counters {
	return &o.counters
}

// Stop requests shutdown. Idempotent; the second call is a no-op and the
// terminal state is the same either way.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
	<-o.done
}

// Run drives the coordination loop until the context is cancelled or Stop
// is called. Shutdown is hierarchical: the pool stops first so no further
// solutions are produced, the session socket closes last so a final
// in-flight submission can still complete.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer close(o.done)

	events := o.client.Events()
	solutions := o.pool.Solutions()

	// The grace window is also retired on a timer, so State does not report
	// Draining long after the window lapsed on a quiet pool
	interval := o.cfg.GraceWindow / 2
	if interval > time.Second {
		interval = time.Second
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	housekeeping := time.NewTicker(interval)
	defer housekeeping.Stop()

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return ctx.Err()

		case <-o.stopCh:
			o.shutdown()
			return nil

		case ev, ok := <-events:
			if !ok {
				o.shutdown()
				return nil
			}
			o.handleEvent(ev)

		case sol := <-solutions:
			o.handleSolution(sol)

		case <-housekeeping.C:
			o.expirePrev()
		}
	}
}

func (o *Orchestrator) shutdown() {
	o.state.Store(int64(StateShuttingDown))
	o.logger.Info("stopping mining")
	o.pool.StopAll()
	o.client.Stop()
}

func (o *Orchestrator) handleEvent(ev stratum.Event) {
	switch ev.Kind {
	case stratum.EventConnected:
		// After a reconnect the login session may have invalidated the
		// work we were mining; the next template settles it
		if o.current != nil {
			o.resync = true
		}
		if o.recorder != nil {
			o.recorder.RecordSessionEvent("connected", "")
		}

	case stratum.EventConnectionLost:
		// Devices keep searching the current job; solutions found while
		// reconnecting queue inside the session and flush on reconnect
		detail := ""
		if ev.Err != nil {
			detail = ev.Err.Error()
		}
		if o.recorder != nil {
			o.recorder.RecordSessionEvent("connection_lost", detail)
		}

	case stratum.EventJobReceived:
		o.handleJobTemplate(ev.Job)

	case stratum.EventSubmitResult:
		o.handleSubmitResult(ev)

	case stratum.EventHeartbeat:
		// Keepalive acknowledged, nothing to do
	}
}

// handleJobTemplate applies the height-monotonic dispatch rule: only a job
// with strictly greater height than the current one is dispatched. The
// superseded job is demoted to the grace window, not discarded.
func (o *Orchestrator) handleJobTemplate(tmpl *stratum.JobTemplate) {
	if tmpl == nil {
		return
	}
	o.counters.jobsReceived.Add(1)

	converted, err := JobFromTemplate(tmpl)
	if err != nil {
		o.logger.WithError(err).Warn("discarding malformed job template")
		o.counters.jobsIgnored.Add(1)
		return
	}
	job := &converted

	if o.resync {
		o.resync = false
		if o.current != nil && job.Height <= o.current.Height {
			// The re-established session reports a height at or below the
			// one we were mining: the server invalidated our outstanding
			// work. Adopt its template instead of ignoring it.
			o.logger.WithJob(job.ID, job.Height).Info("adopting job after reconnect",
				"previous_height", o.current.Height)
			o.prev = nil
			o.pool.Pause()
			o.current = job
			o.state.Store(int64(StateDispatching))
			o.pool.Dispatch(job)
			if o.recorder != nil {
				o.recorder.RecordJob(job)
			}
			return
		}
	}

	if o.current != nil && job.Height <= o.current.Height {
		o.counters.jobsIgnored.Add(1)
		o.logger.WithJob(job.ID, job.Height).Debug("ignoring job at stale height",
			"current_height", o.current.Height)
		return
	}

	if o.current != nil {
		o.prev = o.current
		o.prevExpiry = time.Now().Add(o.cfg.GraceWindow)
		o.state.Store(int64(StateDraining))
	} else {
		o.state.Store(int64(StateDispatching))
	}

	o.current = job
	o.logger.LogJobReceived(job.ID, job.Height, job.Difficulty)

	o.pool.Dispatch(job)

	if o.recorder != nil {
		o.recorder.RecordJob(job)
	}
}

// handleSolution forwards a solution for submission when it references the
// current job or the superseded job still inside its grace window; anything
// older is discarded as stale.
func (o *Orchestrator) handleSolution(sol Solution) {
	o.expirePrev()

	var job *Job
	switch {
	case o.current != nil && sol.JobID == o.current.ID:
		job = o.current
	case o.prev != nil && sol.JobID == o.prev.ID:
		job = o.prev
	default:
		o.counters.stale.Add(1)
		o.logger.Debug("discarding stale solution",
			"share_id", sol.ShareID, "job_id", sol.JobID, "device_id", sol.DeviceID)
		return
	}

	if err := ValidateSolution(&sol, job); err != nil {
		o.counters.localInvalid.Add(1)
		o.logger.WithError(err).Warn("solution failed local validation",
			"device_id", sol.DeviceID)
		return
	}

	o.counters.found.Add(1)
	o.logger.LogSolutionFound(sol.DeviceID, sol.JobID, sol.Height, sol.Nonce)

	handle, err := o.client.SubmitShare(sol.SubmitParams())
	if err != nil {
		o.counters.lost.Add(1)
		o.logger.WithError(err).Warn("share submission failed", "share_id", sol.ShareID)
		return
	}
	o.inflight[handle] = sol

	if o.recorder != nil {
		o.recorder.RecordShareFound(sol)
	}
}

// handleSubmitResult correlates an accept/reject response with the solution
// it answers. Rejections are accounting events, never fatal.
func (o *Orchestrator) handleSubmitResult(ev stratum.Event) {
	sol, ok := o.inflight[ev.Handle]
	if !ok {
		return
	}
	delete(o.inflight, ev.Handle)

	switch {
	case ev.Accepted:
		o.counters.accepted.Add(1)
	case ev.RejectReason == stratum.ReasonConnectionLost:
		o.counters.lost.Add(1)
	default:
		o.counters.rejected.Add(1)
	}

	status := "accepted"
	if !ev.Accepted {
		status = "rejected"
	}
	o.logger.LogShareResult(sol.ShareID, sol.JobID, status, ev.RejectReason)

	if o.recorder != nil {
		o.recorder.RecordShareResult(sol, ev.Accepted, ev.RejectReason)
	}
}

// expirePrev lazily retires the superseded job once its grace window ends
func (o *Orchestrator) expirePrev() {
	if o.prev != nil && time.Now().After(o.prevExpiry) {
		o.prev = nil
		if o.State() == StateDraining {
			o.state.Store(int64(StateDispatching))
		}
	}
}
