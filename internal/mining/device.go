package mining

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Pdpe/grin-miner/pkg/errors"
	"github.com/Pdpe/grin-miner/pkg/log"
)

// Solver is the capability contract a device family implements. The search
// algorithm behind it is opaque to the orchestration core.
type Solver interface {
	// Name returns a human-readable device name
	Name() string

	// Init prepares the solver with its free-form tuning parameters
	Init(params map[string]string) error

	// Attempt runs one graph search over the header material with the given
	// nonce. It returns the cycle proof when one is found, or nil when the
	// graph holds no cycle. The context cancels the attempt cooperatively;
	// a cancelled attempt returns (nil, ctx.Err()).
	Attempt(ctx context.Context, prePow []byte, nonce uint64) ([]uint64, error)

	// Release frees any native resources the solver holds
	Release()
}

// SolverFactory constructs one solver instance for a device index
type SolverFactory func(index, edgeBits int) Solver

// DeviceDescriptor names a device to bring up: a solver family, a device
// index within that family and pass-through tuning parameters.
type DeviceDescriptor struct {
	Family string
	Index  int
	Params map[string]string
}

var (
	familiesMu sync.RWMutex
	families   = make(map[string]SolverFactory)
)

// RegisterFamily registers a solver family under a name. Families are
// resolved from configuration at startup, not discovered at runtime.
func RegisterFamily(name string, factory SolverFactory) {
	familiesMu.Lock()
	defer familiesMu.Unlock()
	families[name] = factory
}

// NewSolver resolves a descriptor's family and builds a solver for it
func NewSolver(desc DeviceDescriptor, edgeBits int) (Solver, error) {
	familiesMu.RLock()
	factory, ok := families[desc.Family]
	familiesMu.RUnlock()

	if !ok {
		return nil, errors.New(errors.ErrorTypeConfig, "device_resolve",
			"unknown solver family").
			WithContext("family", desc.Family).
			WithContext("known", RegisteredFamilies())
	}

	return factory(desc.Index, edgeBits), nil
}

// RegisteredFamilies lists the registered solver family names
func RegisteredFamilies() []string {
	familiesMu.RLock()
	defer familiesMu.RUnlock()

	names := make([]string, 0, len(families))
	for name := range families {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// deviceError reports an adapter failure to the pool's monitor
type deviceError struct {
	deviceID string
	err      error
}

// jobUpdate pairs a job with its generation so the search loop stamps the
// generation of the job it actually consumed
type jobUpdate struct {
	job *Job
	gen uint64
}

// DeviceAdapter wraps one solver behind the uniform device contract: it owns
// the solver's search goroutine, applies the newest job (latest wins), and
// surfaces solutions and stats. It has no knowledge of the network.
type DeviceAdapter struct {
	id       string
	desc     DeviceDescriptor
	edgeBits int
	solver   Solver
	logger   *log.Logger

	// jobCh carries the newest job; a nil job pauses the search loop
	jobCh     chan jobUpdate
	solutions chan<- Solution
	errs      chan<- deviceError

	// stopGrace bounds how long Stop waits for the search loop to exit
	stopGrace time.Duration

	// attemptCancel interrupts the in-flight attempt when a new job lands
	attemptMu     sync.Mutex
	attemptCancel context.CancelFunc

	// wantGen/appliedGen track job generations so the pool can detect a
	// search loop that ignores cancellation
	wantGen    atomic.Uint64
	appliedGen atomic.Uint64

	mu     sync.Mutex
	record DeviceRecord

	cancel context.CancelFunc
	done   chan struct{}
}

// NewDeviceAdapter creates an adapter in Stopped state
func NewDeviceAdapter(desc DeviceDescriptor, edgeBits int, solver Solver,
	solutions chan<- Solution, errs chan<- deviceError, logger *log.Logger) *DeviceAdapter {

	id := fmt.Sprintf("%s-%d", desc.Family, desc.Index)

	return &DeviceAdapter{
		id:        id,
		desc:      desc,
		edgeBits:  edgeBits,
		solver:    solver,
		logger:    logger.WithDevice(id, desc.Family),
		jobCh:     make(chan jobUpdate, 1),
		solutions: solutions,
		errs:      errs,
		stopGrace: 3 * time.Second,
		record: DeviceRecord{
			DeviceID: id,
			Family:   desc.Family,
			Index:    desc.Index,
			Params:   desc.Params,
			Status:   DeviceStopped,
		},
	}
}

// ID returns the device identifier
func (d *DeviceAdapter) ID() string {
	return d.id
}

// Start initializes the solver and launches the search loop. Starting an
// already-running adapter is a no-op.
func (d *DeviceAdapter) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.record.Status == DeviceStarting || d.record.Status == DeviceRunning {
		d.mu.Unlock()
		return nil
	}
	d.record.Status = DeviceStarting
	d.record.LastError = ""
	d.mu.Unlock()

	if err := d.solver.Init(d.desc.Params); err != nil {
		derr := errors.Wrap(err, errors.ErrorTypeDevice, "device_start",
			"solver initialization failed").
			WithContext("device_id", d.id)
		d.setError(derr)
		return derr
	}

	runCtx, cancel := context.WithCancel(ctx)

	d.mu.Lock()
	d.cancel = cancel
	d.done = make(chan struct{})
	d.record.Status = DeviceRunning
	d.mu.Unlock()

	d.logger.LogDeviceEvent(d.id, "started")

	go d.run(runCtx)
	return nil
}

// Stop terminates the search loop and releases the solver. Safe to call on
// a stopped adapter.
func (d *DeviceAdapter) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	done := d.done
	d.cancel = nil
	d.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	d.cancelAttempt()

	select {
	case <-done:
	case <-time.After(d.stopGrace):
		// The search loop is hung inside a solver that ignores cancellation;
		// leave the goroutine behind rather than block shutdown.
		d.mu.Lock()
		d.record.Status = DeviceErrored
		if d.record.LastError == "" {
			d.record.LastError = "stop deadline exceeded"
		}
		d.mu.Unlock()
		d.logger.LogDeviceEvent(d.id, "abandoned")
		return
	}

	d.mu.Lock()
	if d.record.Status != DeviceErrored {
		d.record.Status = DeviceStopped
	}
	d.mu.Unlock()

	d.logger.LogDeviceEvent(d.id, "stopped")
}

// SetJob hands the adapter a new job. Latest wins: an unconsumed older job
// is overwritten. A nil job pauses the search loop. Safe to call while a
// previous job's search is in flight; the in-flight attempt is cancelled
// cooperatively. Returns the job generation for deadline tracking.
func (d *DeviceAdapter) SetJob(job *Job) uint64 {
	gen := d.wantGen.Add(1)
	upd := jobUpdate{job: job, gen: gen}
	for {
		select {
		case d.jobCh <- upd:
			d.cancelAttempt()
			return gen
		default:
			// Drain the stale entry and retry
			select {
			case <-d.jobCh:
			default:
			}
		}
	}
}

// AppliedGen returns the generation of the last job the search loop applied
func (d *DeviceAdapter) AppliedGen() uint64 {
	return d.appliedGen.Load()
}

// Abandon marks the adapter Errored and signals its search loop to stop
// without waiting for it. Used when the loop may be hung inside a solver
// that ignores cancellation; the goroutine is left to die on its own.
func (d *DeviceAdapter) Abandon() {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.record.Status = DeviceErrored
	if d.record.LastError == "" {
		d.record.LastError = "abandoned"
	}
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.cancelAttempt()
}

// restoreCounters carries cumulative counters over from a replaced adapter
func (d *DeviceAdapter) restoreCounters(old DeviceRecord) {
	d.mu.Lock()
	d.record.Attempts = old.Attempts
	d.record.Solutions = old.Solutions
	d.record.LastSolutionTime = old.LastSolutionTime
	d.mu.Unlock()
}

// Record returns a copy of the device record
func (d *DeviceAdapter) Record() DeviceRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.record
}

// run is the device search loop: apply the newest job, attempt graphs,
// surface solutions. It never suspends on external I/O.
func (d *DeviceAdapter) run(ctx context.Context) {
	defer close(d.done)
	defer d.solver.Release()

	var job *Job
	nonce := rand.Uint64()

	for {
		// Pick up the newest job without blocking; block only when idle
		select {
		case u := <-d.jobCh:
			job = u.job
			nonce = rand.Uint64()
			d.appliedGen.Store(u.gen)
		case <-ctx.Done():
			return
		default:
		}

		if job == nil {
			select {
			case u := <-d.jobCh:
				job = u.job
				nonce = rand.Uint64()
				d.appliedGen.Store(u.gen)
				continue
			case <-ctx.Done():
				return
			}
		}

		attemptCtx, cancel := context.WithCancel(ctx)
		d.setAttemptCancel(cancel)

		start := time.Now()
		pow, err := d.solver.Attempt(attemptCtx, job.PrePow, nonce)
		elapsed := time.Since(start)

		cancelled := attemptCtx.Err() != nil
		d.setAttemptCancel(nil)
		cancel()

		if err != nil {
			if cancelled {
				// Cancelled by a newer job or shutdown, not a failure
				continue
			}
			derr := errors.Wrap(err, errors.ErrorTypeDevice, "device_attempt",
				"solver attempt failed").
				WithContext("device_id", d.id)
			d.setError(derr)
			select {
			case d.errs <- deviceError{deviceID: d.id, err: derr}:
			case <-ctx.Done():
			}
			return
		}

		d.mu.Lock()
		d.record.Attempts++
		d.record.LastSolutionTime = elapsed
		d.mu.Unlock()

		if len(pow) > 0 {
			d.mu.Lock()
			d.record.Solutions++
			d.mu.Unlock()

			sol := Solution{
				ShareID:   uuid.NewString(),
				JobID:     job.ID,
				WireJobID: job.WireID,
				Height:    job.Height,
				EdgeBits:  d.edgeBits,
				Nonce:     nonce,
				Pow:       pow,
				DeviceID:  d.id,
				FoundAt:   time.Now(),
			}

			select {
			case d.solutions <- sol:
			case <-ctx.Done():
				return
			}
		}

		nonce++
	}
}

func (d *DeviceAdapter) setAttemptCancel(cancel context.CancelFunc) {
	d.attemptMu.Lock()
	d.attemptCancel = cancel
	d.attemptMu.Unlock()
}

func (d *DeviceAdapter) cancelAttempt() {
	d.attemptMu.Lock()
	if d.attemptCancel != nil {
		d.attemptCancel()
	}
	d.attemptMu.Unlock()
}

func (d *DeviceAdapter) setError(err error) {
	d.mu.Lock()
	d.record.Status = DeviceErrored
	d.record.LastError = err.Error()
	d.mu.Unlock()
	d.logger.WithError(err).Error("device errored")
}
