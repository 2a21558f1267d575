package messaging

import (
	"testing"

	"github.com/Pdpe/grin-miner/pkg/log"
)

func messagingTestLogger() *log.Logger {
	return log.New("messaging-test", "dev", "error", "text")
}

func TestNewKafkaClient(t *testing.T) {
	brokers := []string{"localhost:9092"}

	client := NewKafkaClient(brokers, messagingTestLogger())

	if client == nil {
		t.Fatal("NewKafkaClient returned nil")
	}

	if len(client.brokers) != 1 || client.brokers[0] != "localhost:9092" {
		t.Errorf("Expected brokers [localhost:9092], got %v", client.brokers)
	}

	if client.logger == nil {
		t.Error("Logger should not be nil")
	}

	if client.writers == nil {
		t.Error("Writers map should not be nil")
	}

	if client.circuitBreaker == nil {
		t.Error("Circuit breaker should not be nil")
	}

	if client.retryConfig == nil {
		t.Error("Retry config should not be nil")
	}
}

func TestKafkaClient_GetProducer(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, messagingTestLogger())

	topic := "test-topic"

	// First call should create a new producer
	producer1 := client.GetProducer(topic)
	if producer1 == nil {
		t.Fatal("GetProducer returned nil")
	}

	if producer1.Topic != topic {
		t.Errorf("Expected topic %s, got %s", topic, producer1.Topic)
	}

	// Second call should return the same producer (cached)
	producer2 := client.GetProducer(topic)
	if producer1 != producer2 {
		t.Error("Expected same producer instance from cache")
	}

	// Verify producer is stored in map
	if len(client.writers) != 1 {
		t.Errorf("Expected 1 writer in map, got %d", len(client.writers))
	}
}

func TestKafkaClient_Close(t *testing.T) {
	client := NewKafkaClient([]string{"localhost:9092"}, messagingTestLogger())

	client.GetProducer("topic-a")
	client.GetProducer("topic-b")

	if err := client.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}

	if len(client.writers) != 0 {
		t.Errorf("Expected writers map to be cleared, got %d entries", len(client.writers))
	}
}
