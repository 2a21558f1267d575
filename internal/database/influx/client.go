// Package influx writes the miner's time-series metrics: per-device
// throughput, share outcomes and session health.
package influx

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	bucket   string
	org      string
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client
func NewClient(cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	return &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

// Close closes the InfluxDB connection
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("health check failed: %s", msg)
	}

	return nil
}

// WriteShareMetric writes one share outcome
func (c *Client) WriteShareMetric(deviceID string, height uint64, status string) {
	tags := map[string]string{
		"device_id": deviceID,
		"status":    status,
	}

	fields := map[string]interface{}{
		"height": int64(height),
		"count":  1,
	}

	point := write.NewPoint("shares", tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WriteDeviceMetric writes one device's throughput sample
func (c *Client) WriteDeviceMetric(deviceID, family, status string, attempts, solutions uint64, gps float64) {
	tags := map[string]string{
		"device_id": deviceID,
		"family":    family,
		"status":    status,
	}

	fields := map[string]interface{}{
		"attempts":  int64(attempts),
		"solutions": int64(solutions),
		"gps":       gps,
	}

	point := write.NewPoint("devices", tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WriteSessionMetric writes a session health sample
func (c *Client) WriteSessionMetric(state string, uptime time.Duration, reconnects uint64, queuedSubmits int, totalGPS float64) {
	tags := map[string]string{
		"state": state,
	}

	fields := map[string]interface{}{
		"uptime_seconds": uptime.Seconds(),
		"reconnects":     int64(reconnects),
		"queued_submits": int64(queuedSubmits),
		"total_gps":      totalGPS,
	}

	point := write.NewPoint("session", tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// Flush forces pending writes to be sent
func (c *Client) Flush() {
	c.writeAPI.Flush()
}
