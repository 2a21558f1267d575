// Package database coordinates the miner's optional storage backends:
// PostgreSQL for share history, Redis for live state, InfluxDB for
// time-series metrics. Each backend is independently optional.
package database

import (
	"context"
	"time"

	"github.com/Pdpe/grin-miner/internal/database/influx"
	"github.com/Pdpe/grin-miner/internal/database/postgres"
	redisdb "github.com/Pdpe/grin-miner/internal/database/redis"
	"github.com/Pdpe/grin-miner/internal/mining"
	"github.com/Pdpe/grin-miner/internal/stats"
	"github.com/Pdpe/grin-miner/internal/stratum"
	"github.com/Pdpe/grin-miner/pkg/errors"
	"github.com/Pdpe/grin-miner/pkg/log"
	"github.com/Pdpe/grin-miner/pkg/retry"
)

const (
	opsBuffer  = 256
	opsTimeout = 5 * time.Second
)

// Config holds configuration for the storage backends. A nil backend
// config disables that backend.
type Config struct {
	Postgres *postgres.Config
	Redis    *redisdb.Config
	Influx   *influx.Config
}

// Manager coordinates storage operations across the configured backends.
// Recording methods never block the mining path: operations queue on a
// bounded channel and a single worker drains it.
type Manager struct {
	Postgres *postgres.Client
	Redis    *redisdb.Client
	Influx   *influx.Client
	Shares   *postgres.ShareRepository

	retryConfig *retry.Config
	logger      *log.Logger

	ops  chan func(ctx context.Context)
	done chan struct{}
}

// NewManager connects the configured backends and starts the write worker
func NewManager(cfg *Config, logger *log.Logger) (*Manager, error) {
	m := &Manager{
		retryConfig: retry.DatabaseConfig(),
		logger:      logger.WithComponent("database"),
		ops:         make(chan func(ctx context.Context), opsBuffer),
		done:        make(chan struct{}),
	}

	if cfg.Postgres != nil {
		pgClient, err := postgres.NewClient(cfg.Postgres)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "postgres_connection",
				"failed to connect to PostgreSQL")
		}
		m.Postgres = pgClient
		m.Shares = postgres.NewShareRepository(pgClient.DB())
	}

	if cfg.Redis != nil {
		redisClient, err := redisdb.NewClient(cfg.Redis)
		if err != nil {
			m.closeClients()
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "redis_connection",
				"failed to connect to Redis")
		}
		m.Redis = redisClient
	}

	if cfg.Influx != nil {
		influxClient, err := influx.NewClient(cfg.Influx)
		if err != nil {
			m.closeClients()
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "influx_connection",
				"failed to connect to InfluxDB")
		}
		m.Influx = influxClient
	}

	go m.run()
	return m, nil
}

// Close drains pending writes and closes all backend connections
func (m *Manager) Close() {
	close(m.ops)
	<-m.done
	m.closeClients()
}

func (m *Manager) closeClients() {
	if m.Postgres != nil {
		if err := m.Postgres.Close(); err != nil {
			m.logger.WithError(err).Error("failed to close PostgreSQL")
		}
	}
	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			m.logger.WithError(err).Error("failed to close Redis")
		}
	}
	if m.Influx != nil {
		m.Influx.Close()
	}
}

// Health checks every configured backend
func (m *Manager) Health(ctx context.Context) error {
	if m.Postgres != nil {
		if err := m.Postgres.Health(ctx); err != nil {
			return errors.Wrap(err, errors.ErrorTypeStorage, "health", "PostgreSQL health check failed")
		}
	}
	if m.Redis != nil {
		if err := m.Redis.Health(ctx); err != nil {
			return errors.Wrap(err, errors.ErrorTypeStorage, "health", "Redis health check failed")
		}
	}
	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return errors.Wrap(err, errors.ErrorTypeStorage, "health", "InfluxDB health check failed")
		}
	}
	return nil
}

func (m *Manager) run() {
	defer close(m.done)
	for op := range m.ops {
		ctx, cancel := context.WithTimeout(context.Background(), opsTimeout)
		op(ctx)
		cancel()
	}
}

func (m *Manager) enqueue(name string, op func(ctx context.Context)) {
	select {
	case m.ops <- op:
	default:
		m.logger.Warn("storage queue full, dropping write", "op", name)
	}
}

// RecordJob caches the dispatched job as the miner's current work
func (m *Manager) RecordJob(job *mining.Job) {
	if m.Redis == nil {
		return
	}
	snapshot := *job
	m.enqueue("record_job", func(ctx context.Context) {
		if err := m.Redis.SetCurrentJob(ctx, &snapshot); err != nil {
			m.logger.WithError(err).Warn("failed to cache current job")
		}
	})
}

// RecordShareFound persists a submitted share
func (m *Manager) RecordShareFound(sol mining.Solution) {
	if m.Shares == nil {
		return
	}
	m.enqueue("record_share", func(ctx context.Context) {
		share := &postgres.Share{
			ShareID:  sol.ShareID,
			JobID:    sol.JobID,
			Height:   sol.Height,
			EdgeBits: sol.EdgeBits,
			Nonce:    sol.Nonce,
			DeviceID: sol.DeviceID,
			Status:   "submitted",
			FoundAt:  sol.FoundAt,
		}
		err := retry.Do(ctx, m.retryConfig, func() error {
			return m.Shares.CreateShare(ctx, share)
		})
		if err != nil {
			m.logger.WithError(err).Warn("failed to persist share", "share_id", sol.ShareID)
		}
	})
}

// RecordShareResult persists the server's verdict and writes the outcome metric
func (m *Manager) RecordShareResult(sol mining.Solution, accepted bool, reason string) {
	status := "rejected"
	switch {
	case accepted:
		status = "accepted"
	case reason == stratum.ReasonConnectionLost:
		status = "lost"
	}

	if m.Shares != nil {
		m.enqueue("resolve_share", func(ctx context.Context) {
			err := retry.Do(ctx, m.retryConfig, func() error {
				return m.Shares.ResolveShare(ctx, sol.ShareID, status, reason)
			})
			if err != nil {
				m.logger.WithError(err).Warn("failed to resolve share", "share_id", sol.ShareID)
			}
		})
	}

	if m.Influx != nil {
		m.enqueue("share_metric", func(ctx context.Context) {
			m.Influx.WriteShareMetric(sol.DeviceID, sol.Height, status)
		})
	}
}

// RecordSessionEvent caches the session's latest lifecycle transition
func (m *Manager) RecordSessionEvent(kind, detail string) {
	if m.Redis == nil {
		return
	}
	m.enqueue("session_event", func(ctx context.Context) {
		if err := m.Redis.SetSessionState(ctx, kind); err != nil {
			m.logger.WithError(err).Warn("failed to cache session state")
		}
	})
}

// Consume stores a stats snapshot in Redis and feeds InfluxDB
func (m *Manager) Consume(snap *stats.Snapshot) {
	if m.Redis != nil {
		m.enqueue("snapshot_cache", func(ctx context.Context) {
			if err := m.Redis.SetSnapshot(ctx, snap); err != nil {
				m.logger.WithError(err).Warn("failed to cache snapshot")
			}
		})
	}

	if m.Influx != nil {
		m.enqueue("snapshot_metrics", func(ctx context.Context) {
			m.Influx.WriteSessionMetric(snap.SessionState, snap.Uptime,
				snap.Reconnects, snap.QueuedSubmits, snap.TotalGPS)
			for _, rec := range snap.Devices {
				m.Influx.WriteDeviceMetric(rec.DeviceID, rec.Family, rec.Status.String(),
					rec.Attempts, rec.Solutions, rec.GraphsPerSecond())
			}
		})
	}
}
