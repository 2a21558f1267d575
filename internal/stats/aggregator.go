package stats

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Pdpe/grin-miner/internal/mining"
	"github.com/Pdpe/grin-miner/internal/stratum"
	"github.com/Pdpe/grin-miner/pkg/log"
)

// Snapshot is an immutable point-in-time aggregate of the mining session.
// It is superseded on each sampling tick, never mutated.
type Snapshot struct {
	TakenAt       time.Time              `json:"taken_at"`
	SessionState  string                 `json:"session_state"`
	Uptime        time.Duration          `json:"uptime"`
	Reconnects    uint64                 `json:"reconnects"`
	QueuedSubmits int                    `json:"queued_submits"`
	Shares        mining.CounterSnapshot `json:"shares"`
	Devices       []mining.DeviceRecord  `json:"devices"`
	TotalGPS      float64                `json:"total_gps"`
}

// Session is the read-only view of the stratum client the sampler needs
type Session interface {
	State() stratum.SessionState
	Uptime() time.Duration
	Reconnects() uint64
	QueuedSubmits() int
}

// Sink consumes snapshots for external reporting. Delivery is best-effort:
// a sink still busy with the previous snapshot skips a tick rather than
// stalling the sampler.
type Sink interface {
	Consume(snap *Snapshot)
}

type sinkWorker struct {
	sink Sink
	ch   chan *Snapshot
}

// Aggregator samples session, pool and share state on a fixed interval and
// publishes immutable snapshots to its sinks and to Current.
type Aggregator struct {
	interval time.Duration
	client   Session
	pool     *mining.Pool
	counters *mining.Counters
	logger   *log.Logger

	current atomic.Pointer[Snapshot]
	workers []*sinkWorker

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewAggregator creates a sampler over the given session and pool
func NewAggregator(interval time.Duration, client Session, pool *mining.Pool,
	counters *mining.Counters, logger *log.Logger) *Aggregator {

	if interval <= 0 {
		interval = time.Second
	}

	return &Aggregator{
		interval: interval,
		client:   client,
		pool:     pool,
		counters: counters,
		logger:   logger.WithComponent("stats"),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// AddSink registers a snapshot consumer. Must be called before Run.
func (a *Aggregator) AddSink(sink Sink) {
	a.workers = append(a.workers, &sinkWorker{
		sink: sink,
		ch:   make(chan *Snapshot, 1),
	})
}

// Current returns the most recent snapshot, or nil before the first tick
func (a *Aggregator) Current() *Snapshot {
	return a.current.Load()
}

// Run samples until the context is cancelled or Stop is called
func (a *Aggregator) Run(ctx context.Context) {
	defer close(a.done)

	for _, w := range a.workers {
		a.wg.Add(1)
		go a.runSink(w)
	}
	defer func() {
		for _, w := range a.workers {
			close(w.ch)
		}
		a.wg.Wait()
	}()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.sample()
		}
	}
}

// Stop halts sampling. Idempotent.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	<-a.done
}

func (a *Aggregator) sample() {
	devices := a.pool.Records()

	var totalGPS float64
	for _, rec := range devices {
		totalGPS += rec.GraphsPerSecond()
	}

	snap := &Snapshot{
		TakenAt:       time.Now(),
		SessionState:  a.client.State().String(),
		Uptime:        a.client.Uptime(),
		Reconnects:    a.client.Reconnects(),
		QueuedSubmits: a.client.QueuedSubmits(),
		Shares:        a.counters.Snapshot(),
		Devices:       devices,
		TotalGPS:      totalGPS,
	}

	a.current.Store(snap)

	for _, w := range a.workers {
		select {
		case w.ch <- snap:
		default:
			// Sink still busy with the previous snapshot, skip this tick
		}
	}
}

func (a *Aggregator) runSink(w *sinkWorker) {
	defer a.wg.Done()
	for snap := range w.ch {
		w.sink.Consume(snap)
	}
}
