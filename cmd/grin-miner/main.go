// Package main implements the grin-miner client. It connects to a node or
// pool over stratum, fans work out to the configured solver devices and
// submits the shares they find.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Pdpe/grin-miner/internal/config"
	"github.com/Pdpe/grin-miner/internal/database"
	"github.com/Pdpe/grin-miner/internal/database/influx"
	"github.com/Pdpe/grin-miner/internal/database/postgres"
	"github.com/Pdpe/grin-miner/internal/database/redis"
	"github.com/Pdpe/grin-miner/internal/messaging"
	"github.com/Pdpe/grin-miner/internal/mining"
	"github.com/Pdpe/grin-miner/internal/stats"
	"github.com/Pdpe/grin-miner/pkg/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting grin-miner",
		"version", cfg.Version,
		"node_addr", cfg.NodeAddr,
		"devices", len(cfg.Devices),
	)

	var recorders mining.Recorders
	var sinks []stats.Sink

	// Kafka event feed (optional)
	var publisher *messaging.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)
		publisher = messaging.NewPublisher(kafkaClient, logger)
		recorders = append(recorders, publisher)
		sinks = append(sinks, publisher)
		defer func() {
			publisher.Close()
			if err := kafkaClient.Close(); err != nil {
				logger.WithError(err).Error("failed to close Kafka client")
			}
		}()
	}

	// Storage backends (each optional)
	dbConfig := &database.Config{}
	if cfg.PostgresURL != "" {
		dbConfig.Postgres = &postgres.Config{
			URL:          cfg.PostgresURL,
			MaxOpenConns: 10,
			MaxIdleConns: 2,
			MaxLifetime:  5 * time.Minute,
		}
	}
	if cfg.RedisURL != "" {
		dbConfig.Redis = &redis.Config{
			Addr:         cfg.RedisURL,
			PoolSize:     4,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		}
	}
	if cfg.InfluxURL != "" {
		dbConfig.Influx = &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}
	}

	if dbConfig.Postgres != nil || dbConfig.Redis != nil || dbConfig.Influx != nil {
		dbManager, err := database.NewManager(dbConfig, logger)
		if err != nil {
			logger.WithError(err).Error("failed to create database manager")
			os.Exit(1)
		}
		recorders = append(recorders, dbManager)
		sinks = append(sinks, dbManager)
		defer dbManager.Close()
	}

	var recorder mining.Recorder
	if len(recorders) > 0 {
		recorder = recorders
	}

	miner := NewMiner(cfg, logger, recorder, sinks)

	if err := miner.StartMining(); err != nil {
		logger.WithError(err).Error("failed to start mining")
		os.Exit(1)
	}

	// SIGHUP reloads the device table, SIGINT/SIGTERM stop the miner
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			logger.Info("reloading device table")
			devices, err := config.ParseDevices(os.Getenv("DEVICES"))
			if err != nil {
				logger.WithError(err).Error("device reload failed, keeping current table")
				continue
			}
			if err := miner.ReloadDevices(devices); err != nil {
				logger.WithError(err).Error("device reload failed")
			}
			continue
		}

		logger.Info("shutdown signal received", "signal", sig.String())
		break
	}

	miner.StopMining()
	logger.Info("grin-miner stopped")
}
