package main

import (
	"context"
	"sync"

	"github.com/Pdpe/grin-miner/internal/config"
	"github.com/Pdpe/grin-miner/internal/mining"
	"github.com/Pdpe/grin-miner/internal/stats"
	"github.com/Pdpe/grin-miner/internal/stratum"
	"github.com/Pdpe/grin-miner/pkg/log"
	"github.com/Pdpe/grin-miner/pkg/retry"
)

// Miner is the top-level control facade. It assembles the session, pool,
// orchestrator and stats sampler and exposes idempotent start/stop/reload.
type Miner struct {
	cfg      *config.Config
	logger   *log.Logger
	recorder mining.Recorder
	sinks    []stats.Sink

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	client *stratum.Client
	pool   *mining.Pool
	orch   *mining.Orchestrator
	agg    *stats.Aggregator
}

// NewMiner creates a miner from configuration. The recorder and sinks are
// optional reporting hooks; nil and empty disable them.
func NewMiner(cfg *config.Config, logger *log.Logger, recorder mining.Recorder, sinks []stats.Sink) *Miner {
	return &Miner{
		cfg:      cfg,
		logger:   logger,
		recorder: recorder,
		sinks:    sinks,
	}
}

// StartMining brings up the full mining stack. Calling it while already
// running is a no-op.
func (m *Miner) StartMining() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	m.client = stratum.NewClient(&stratum.Config{
		Addr:              m.cfg.NodeAddr,
		Login:             m.cfg.NodeLogin,
		Password:          m.cfg.NodePassword,
		Agent:             m.cfg.ServiceName + "/" + m.cfg.Version,
		ReadTimeout:       m.cfg.ReadTimeout,
		WriteTimeout:      m.cfg.WriteTimeout,
		KeepaliveInterval: m.cfg.KeepaliveInterval,
		SubmitQueueSize:   m.cfg.SubmitQueueSize,
		Backoff: &retry.Config{
			BaseDelay:  m.cfg.ReconnectBaseDelay,
			MaxDelay:   m.cfg.ReconnectMaxDelay,
			Multiplier: 2.0,
			Jitter:     true,
		},
	}, m.logger)

	m.pool = mining.NewPool(&mining.PoolConfig{
		EdgeBits:       m.cfg.EdgeBits,
		CancelDeadline: m.cfg.CancelDeadline,
		MaxRestarts:    m.cfg.DeviceMaxRestarts,
		RestartBase:    m.cfg.DeviceRestartBase,
	}, m.logger)

	for _, dev := range m.cfg.Devices {
		desc := mining.DeviceDescriptor{
			Family: dev.Family,
			Index:  dev.Index,
			Params: dev.Params,
		}
		if _, err := m.pool.AddDevice(desc); err != nil {
			cancel()
			m.pool.Close()
			return err
		}
	}

	m.orch = mining.NewOrchestrator(&mining.OrchestratorConfig{
		GraceWindow: m.cfg.GraceWindow,
	}, m.client, m.pool, m.recorder, m.logger)

	m.agg = stats.NewAggregator(m.cfg.StatsInterval, m.client, m.pool,
		m.orch.Counters(), m.logger)
	for _, sink := range m.sinks {
		m.agg.AddSink(sink)
	}

	m.wg.Add(3)
	go func() {
		defer m.wg.Done()
		if err := m.client.Run(ctx); err != nil {
			m.logger.WithError(err).Error("session terminated")
		}
	}()
	go func() {
		defer m.wg.Done()
		if err := m.orch.Run(ctx); err != nil && err != context.Canceled {
			m.logger.WithError(err).Error("orchestrator terminated")
		}
	}()
	go func() {
		defer m.wg.Done()
		m.agg.Run(ctx)
	}()

	m.pool.StartAll(ctx)

	m.cancel = cancel
	m.running = true
	m.logger.Info("mining started",
		"node_addr", m.cfg.NodeAddr,
		"devices", len(m.cfg.Devices),
		"edge_bits", m.cfg.EdgeBits,
	)
	return nil
}

// StopMining tears the stack down: the pool stops first so no further
// solutions arrive, the session socket closes last. Calling it on a
// stopped miner is a no-op with the same terminal state.
func (m *Miner) StopMining() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	m.agg.Stop()
	m.orch.Stop()
	m.pool.Close()
	m.cancel()
	m.wg.Wait()

	m.running = false
	m.logger.Info("mining stopped")
}

// ReloadDevices reconciles the running pool against a new device table.
// A no-op when the miner is not running.
func (m *Miner) ReloadDevices(devices []config.DeviceConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}

	descs := make([]mining.DeviceDescriptor, 0, len(devices))
	for _, dev := range devices {
		descs = append(descs, mining.DeviceDescriptor{
			Family: dev.Family,
			Index:  dev.Index,
			Params: dev.Params,
		})
	}

	return m.pool.Reload(descs)
}

// Stats returns the most recent snapshot, or nil when not running
func (m *Miner) Stats() *stats.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	return m.agg.Current()
}
