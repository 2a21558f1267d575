// Package redis caches the miner's live state so external dashboards can
// read the current job, session state and latest stats snapshot without
// touching the miner itself.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyCurrentJob   = "miner:current_job"
	keySessionState = "miner:session_state"
	keySnapshot     = "miner:snapshot"
)

// Client wraps Redis operations for the miner
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient creates a new Redis client
func NewClient(cfg *Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// SetCurrentJob stores the job the miner is currently working on
func (c *Client) SetCurrentJob(ctx context.Context, jobData any) error {
	data, err := json.Marshal(jobData)
	if err != nil {
		return fmt.Errorf("failed to marshal job data: %w", err)
	}

	if err := c.rdb.Set(ctx, keyCurrentJob, data, 10*time.Minute).Err(); err != nil {
		return fmt.Errorf("failed to set current job: %w", err)
	}

	return nil
}

// GetCurrentJob retrieves the job the miner is currently working on
func (c *Client) GetCurrentJob(ctx context.Context, dest any) error {
	data, err := c.rdb.Get(ctx, keyCurrentJob).Result()
	if err != nil {
		if err == redis.Nil {
			return fmt.Errorf("no current job")
		}
		return fmt.Errorf("failed to get current job: %w", err)
	}

	return json.Unmarshal([]byte(data), dest)
}

// SetSessionState stores the stratum session's lifecycle state
func (c *Client) SetSessionState(ctx context.Context, state string) error {
	if err := c.rdb.Set(ctx, keySessionState, state, 10*time.Minute).Err(); err != nil {
		return fmt.Errorf("failed to set session state: %w", err)
	}
	return nil
}

// SetSnapshot stores the latest stats snapshot
func (c *Client) SetSnapshot(ctx context.Context, snap any) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := c.rdb.Set(ctx, keySnapshot, data, 10*time.Minute).Err(); err != nil {
		return fmt.Errorf("failed to set snapshot: %w", err)
	}

	return nil
}

// GetSnapshot retrieves the latest stats snapshot
func (c *Client) GetSnapshot(ctx context.Context, dest any) error {
	data, err := c.rdb.Get(ctx, keySnapshot).Result()
	if err != nil {
		if err == redis.Nil {
			return fmt.Errorf("no snapshot available")
		}
		return fmt.Errorf("failed to get snapshot: %w", err)
	}

	return json.Unmarshal([]byte(data), dest)
}
