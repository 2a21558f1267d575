package mining

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Pdpe/grin-miner/pkg/errors"
	"github.com/Pdpe/grin-miner/pkg/log"
)

// PoolConfig holds solver pool configuration
type PoolConfig struct {
	EdgeBits       int
	CancelDeadline time.Duration
	MaxRestarts    int
	RestartBase    time.Duration
	SolutionBuffer int
}

// managedDevice pairs an adapter with its restart bookkeeping
type managedDevice struct {
	adapter  *DeviceAdapter
	desc     DeviceDescriptor
	restarts int
	parked   bool
}

// Pool owns a set of device adapters: it starts and stops them, fans jobs
// out to all of them and merges their solutions into one stream. Individual
// device failures are isolated and handled by a restart policy; they never
// become pool-wide failures.
type Pool struct {
	cfg    *PoolConfig
	logger *log.Logger

	solutions chan Solution
	errs      chan deviceError

	mu      sync.Mutex
	devices map[string]*managedDevice
	order   []string
	lastJob *Job
	runCtx  context.Context
	started bool

	monitorOnce sync.Once
	monitorStop chan struct{}
}

// NewPool creates an empty solver pool
func NewPool(cfg *PoolConfig, logger *log.Logger) *Pool {
	if cfg.SolutionBuffer <= 0 {
		cfg.SolutionBuffer = 256
	}
	if cfg.CancelDeadline <= 0 {
		cfg.CancelDeadline = 2 * time.Second
	}
	if cfg.RestartBase <= 0 {
		cfg.RestartBase = time.Second
	}

	return &Pool{
		cfg:         cfg,
		logger:      logger.WithComponent("pool"),
		solutions:   make(chan Solution, cfg.SolutionBuffer),
		errs:        make(chan deviceError, 16),
		devices:     make(map[string]*managedDevice),
		monitorStop: make(chan struct{}),
	}
}

// AddDevice registers a device in Stopped state and returns its id.
// The id is stable across restarts: family-index.
func (p *Pool) AddDevice(desc DeviceDescriptor) (string, error) {
	solver, err := NewSolver(desc, p.cfg.EdgeBits)
	if err != nil {
		return "", err
	}

	adapter := NewDeviceAdapter(desc, p.cfg.EdgeBits, solver, p.solutions, p.errs, p.logger)

	p.mu.Lock()
	defer p.mu.Unlock()

	id := adapter.ID()
	if _, exists := p.devices[id]; exists {
		return "", errors.New(errors.ErrorTypeConfig, "add_device",
			"duplicate device").
			WithContext("device_id", id)
	}

	p.devices[id] = &managedDevice{adapter: adapter, desc: desc}
	p.order = append(p.order, id)

	p.logger.LogDeviceEvent(id, "registered")
	return id, nil
}

// StartAll starts every managed device. Startup failures are isolated:
// a device that fails to start is recorded Errored while the others run.
func (p *Pool) StartAll(ctx context.Context) {
	p.monitorOnce.Do(func() { go p.monitor() })

	p.mu.Lock()
	p.runCtx = ctx
	p.started = true
	job := p.lastJob
	ids := append([]string(nil), p.order...)
	p.mu.Unlock()

	for _, id := range ids {
		p.mu.Lock()
		md := p.devices[id]
		p.mu.Unlock()
		if md == nil || md.parked {
			continue
		}

		if err := md.adapter.Start(ctx); err != nil {
			p.logger.WithError(err).Error("device failed to start", "device_id", id)
			continue
		}

		// Devices buffer the latest job and apply it once started
		if job != nil {
			md.adapter.SetJob(job)
		}
	}
}

// StopAll stops every managed device. Idempotent.
func (p *Pool) StopAll() {
	p.mu.Lock()
	p.started = false
	ids := append([]string(nil), p.order...)
	p.mu.Unlock()

	for _, id := range ids {
		p.mu.Lock()
		md := p.devices[id]
		p.mu.Unlock()
		if md != nil {
			md.adapter.Stop()
		}
	}
}

// Dispatch fans the job out to every running device, fire-and-forget.
// Devices that miss the cancellation deadline are reported Errored and
// restarted rather than left to deadlock the dispatch path.
func (p *Pool) Dispatch(job *Job) {
	p.mu.Lock()
	p.lastJob = job
	ids := append([]string(nil), p.order...)
	p.mu.Unlock()

	for _, id := range ids {
		p.mu.Lock()
		md := p.devices[id]
		p.mu.Unlock()
		if md == nil || md.parked {
			continue
		}

		rec := md.adapter.Record()
		if rec.Status != DeviceRunning {
			continue
		}

		adapter := md.adapter
		gen := adapter.SetJob(job)

		time.AfterFunc(p.cfg.CancelDeadline, func() {
			if adapter.AppliedGen() >= gen {
				return
			}
			if adapter.Record().Status != DeviceRunning {
				return
			}
			derr := errors.New(errors.ErrorTypeDevice, "dispatch",
				"device missed cancellation deadline").
				WithContext("device_id", adapter.ID()).
				WithContext("deadline", p.cfg.CancelDeadline.String())
			select {
			case p.errs <- deviceError{deviceID: adapter.ID(), err: derr}:
			default:
			}
		})
	}
}

// Pause idles all devices: the current job is cleared and devices sit
// waiting for the next dispatch. Used when the server invalidates
// outstanding work across a reconnect.
func (p *Pool) Pause() {
	p.mu.Lock()
	p.lastJob = nil
	ids := append([]string(nil), p.order...)
	p.mu.Unlock()

	for _, id := range ids {
		p.mu.Lock()
		md := p.devices[id]
		p.mu.Unlock()
		if md == nil {
			continue
		}
		if md.adapter.Record().Status == DeviceRunning {
			md.adapter.SetJob(nil)
		}
	}
}

// Solutions returns the merged, arrival-ordered solution stream
func (p *Pool) Solutions() <-chan Solution {
	return p.solutions
}

// Records returns a stable-ordered copy of all device records
func (p *Pool) Records() []DeviceRecord {
	p.mu.Lock()
	defer p.mu.Unlock()

	records := make([]DeviceRecord, 0, len(p.order))
	for _, id := range p.order {
		md := p.devices[id]
		rec := md.adapter.Record()
		rec.Restarts = md.restarts
		records = append(records, rec)
	}
	return records
}

// RestartDevice clears a device's restart budget and brings it back up.
// This is the external restart command for permanently parked devices.
func (p *Pool) RestartDevice(id string) error {
	p.mu.Lock()
	md, ok := p.devices[id]
	if !ok {
		p.mu.Unlock()
		return errors.New(errors.ErrorTypeDevice, "restart_device",
			"unknown device").WithContext("device_id", id)
	}
	md.restarts = 0
	md.parked = false
	p.mu.Unlock()

	return p.replaceAdapter(id)
}

// Reload reconciles the managed set against a new descriptor table:
// removed devices are stopped and dropped, new devices are added and,
// when the pool is running, started. Idempotent.
func (p *Pool) Reload(descs []DeviceDescriptor) error {
	wanted := make(map[string]DeviceDescriptor, len(descs))
	for _, desc := range descs {
		wanted[deviceKey(desc)] = desc
	}

	p.mu.Lock()
	var toRemove []string
	for id := range p.devices {
		if _, ok := wanted[id]; !ok {
			toRemove = append(toRemove, id)
		}
	}
	existing := make(map[string]bool, len(p.devices))
	for id := range p.devices {
		existing[id] = true
	}
	started := p.started
	ctx := p.runCtx
	job := p.lastJob
	p.mu.Unlock()

	for _, id := range toRemove {
		p.mu.Lock()
		md := p.devices[id]
		delete(p.devices, id)
		for i, oid := range p.order {
			if oid == id {
				p.order = append(p.order[:i], p.order[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
		md.adapter.Stop()
		p.logger.LogDeviceEvent(id, "removed")
	}

	// Stable add order for new devices
	var newKeys []string
	for key := range wanted {
		if !existing[key] {
			newKeys = append(newKeys, key)
		}
	}
	sort.Strings(newKeys)

	for _, key := range newKeys {
		id, err := p.AddDevice(wanted[key])
		if err != nil {
			p.logger.WithError(err).Error("reload: failed to add device", "device_id", key)
			continue
		}
		if started {
			p.mu.Lock()
			md := p.devices[id]
			p.mu.Unlock()
			if err := md.adapter.Start(ctx); err != nil {
				p.logger.WithError(err).Error("reload: device failed to start", "device_id", id)
				continue
			}
			if job != nil {
				md.adapter.SetJob(job)
			}
		}
	}

	return nil
}

// monitor applies the per-device restart policy. Runs until the solution
// consumers are torn down with the process.
func (p *Pool) monitor() {
	for {
		select {
		case <-p.monitorStop:
			return
		case devErr := <-p.errs:
			p.handleDeviceError(devErr)
		}
	}
}

// Close stops the restart monitor. Devices must already be stopped.
func (p *Pool) Close() {
	select {
	case <-p.monitorStop:
	default:
		close(p.monitorStop)
	}
}

func (p *Pool) handleDeviceError(devErr deviceError) {
	p.mu.Lock()
	md, ok := p.devices[devErr.deviceID]
	if !ok {
		p.mu.Unlock()
		return
	}

	// The failed or hung search loop is abandoned either way
	md.adapter.Abandon()

	md.restarts++
	restarts := md.restarts
	if restarts > p.cfg.MaxRestarts {
		md.parked = true
		p.mu.Unlock()
		p.logger.WithError(devErr.err).Error("device parked after repeated failures",
			"device_id", devErr.deviceID, "restarts", restarts-1)
		return
	}
	started := p.started
	p.mu.Unlock()

	if !started {
		return
	}

	delay := p.cfg.RestartBase << (restarts - 1)
	p.logger.WithError(devErr.err).Warn("device errored, scheduling restart",
		"device_id", devErr.deviceID, "restart", restarts, "delay", delay.String())

	time.AfterFunc(delay, func() {
		if err := p.replaceAdapter(devErr.deviceID); err != nil {
			p.logger.WithError(err).Error("device restart failed", "device_id", devErr.deviceID)
		}
	})
}

// replaceAdapter builds a fresh adapter (and solver instance) for a device,
// carrying over its cumulative counters, and starts it if the pool runs.
func (p *Pool) replaceAdapter(id string) error {
	p.mu.Lock()
	md, ok := p.devices[id]
	if !ok {
		p.mu.Unlock()
		return errors.New(errors.ErrorTypeDevice, "restart_device",
			"unknown device").WithContext("device_id", id)
	}

	old := md.adapter.Record()
	desc := md.desc
	started := p.started
	ctx := p.runCtx
	job := p.lastJob
	p.mu.Unlock()

	solver, err := NewSolver(desc, p.cfg.EdgeBits)
	if err != nil {
		return err
	}

	adapter := NewDeviceAdapter(desc, p.cfg.EdgeBits, solver, p.solutions, p.errs, p.logger)
	adapter.restoreCounters(old)

	p.mu.Lock()
	md.adapter = adapter
	p.mu.Unlock()

	if !started {
		return nil
	}

	if err := adapter.Start(ctx); err != nil {
		return err
	}
	if job != nil {
		adapter.SetJob(job)
	}

	p.logger.LogDeviceEvent(id, "restarted")
	return nil
}

func deviceKey(desc DeviceDescriptor) string {
	return fmt.Sprintf("%s-%d", desc.Family, desc.Index)
}
