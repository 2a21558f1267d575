package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Pdpe/grin-miner/internal/mining"
	"github.com/Pdpe/grin-miner/internal/stats"
	"github.com/Pdpe/grin-miner/internal/stratum"
	"github.com/Pdpe/grin-miner/pkg/log"
)

const (
	publishBuffer  = 256
	publishTimeout = 5 * time.Second
)

type publishReq struct {
	topic string
	key   string
	data  []byte
}

// Publisher feeds mining events and stats snapshots to Kafka without ever
// blocking the mining path: events queue on a bounded channel and a single
// worker drains it; when the queue is full the event is dropped with a
// warning.
type Publisher struct {
	client *KafkaClient
	logger *log.Logger
	ch     chan publishReq
	done   chan struct{}
}

// NewPublisher starts a publisher over the given client
func NewPublisher(client *KafkaClient, logger *log.Logger) *Publisher {
	p := &Publisher{
		client: client,
		logger: logger.WithComponent("publisher"),
		ch:     make(chan publishReq, publishBuffer),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

// Close drains the queue and stops the worker
func (p *Publisher) Close() {
	close(p.ch)
	<-p.done
}

func (p *Publisher) run() {
	defer close(p.done)
	for req := range p.ch {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := p.client.PublishJSON(ctx, req.topic, req.key, req.data); err != nil {
			p.logger.WithError(err).Warn("dropping event after publish failure",
				"topic", req.topic, "key", req.key)
		}
		cancel()
	}
}

func (p *Publisher) enqueue(topic, key string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.WithError(err).Error("failed to encode event", "topic", topic)
		return
	}

	select {
	case p.ch <- publishReq{topic: topic, key: key, data: data}:
	default:
		p.logger.Warn("publish queue full, dropping event", "topic", topic, "key", key)
	}
}

// RecordJob publishes a dispatched job
func (p *Publisher) RecordJob(job *mining.Job) {
	p.enqueue(TopicEvents, job.ID, JobEvent{
		JobID:      job.ID,
		Height:     job.Height,
		Difficulty: job.Difficulty,
		ReceivedAt: job.ReceivedAt,
	})
}

// RecordShareFound publishes a solution handed to submission
func (p *Publisher) RecordShareFound(sol mining.Solution) {
	p.enqueue(TopicShares, sol.ShareID, ShareFoundEvent{
		ShareID:  sol.ShareID,
		JobID:    sol.JobID,
		Height:   sol.Height,
		EdgeBits: sol.EdgeBits,
		Nonce:    sol.Nonce,
		DeviceID: sol.DeviceID,
		FoundAt:  sol.FoundAt,
	})
}

// RecordShareResult publishes the server's verdict on a share
func (p *Publisher) RecordShareResult(sol mining.Solution, accepted bool, reason string) {
	status := "rejected"
	switch {
	case accepted:
		status = "accepted"
	case reason == stratum.ReasonConnectionLost:
		status = "lost"
	}

	p.enqueue(TopicShares, sol.ShareID, ShareResultEvent{
		ShareID:    sol.ShareID,
		JobID:      sol.JobID,
		Height:     sol.Height,
		DeviceID:   sol.DeviceID,
		Status:     status,
		Reason:     reason,
		ResolvedAt: time.Now(),
	})
}

// RecordSessionEvent publishes a session lifecycle transition
func (p *Publisher) RecordSessionEvent(kind, detail string) {
	p.enqueue(TopicEvents, kind, SessionEvent{
		Kind:       kind,
		Detail:     detail,
		OccurredAt: time.Now(),
	})
}

// Consume publishes a stats snapshot
func (p *Publisher) Consume(snap *stats.Snapshot) {
	p.enqueue(TopicStats, "snapshot", snap)
}
