// Package publish carries encoded events to and from the message and
// data topics. Outbound, every backend implements ports.EventPublisher.
// Inbound, Memory and Kafka also implement Source for the serve loop.
package publish

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/careflow/internal/ports"
)

// Publisher is an EventPublisher holding a connection.
type Publisher interface {
	ports.EventPublisher
	Close() error
}

// Handler receives one inbound payload.
type Handler func(ctx context.Context, topic string, payload []byte) error

// Source delivers inbound payloads from topics until ctx is cancelled.
// Handler errors are logged and the payload is not redelivered.
type Source interface {
	Consume(ctx context.Context, topics []string, h Handler) error
}

// Config selects and configures a publisher backend.
type Config struct {
	// Backend is "memory" (default), "kafka", "mqtt" or "amqp".
	Backend    string   `yaml:"backend"`
	Brokers    []string `yaml:"brokers"`
	MQTTBroker string   `yaml:"mqtt_broker"`
	AMQPURL    string   `yaml:"amqp_url"`
	ClientID   string   `yaml:"client_id"`
}

// New creates a publisher for cfg. Network backends connect eagerly,
// except Kafka whose writers dial on first publish.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Backend {
	case "memory", "":
		return NewMemory(WithMemoryLogger(logger)), nil
	case "kafka":
		if len(cfg.Brokers) == 0 {
			return nil, fmt.Errorf("brokers are required when backend=kafka")
		}
		return NewKafka(cfg.Brokers, logger), nil
	case "mqtt":
		if cfg.MQTTBroker == "" {
			return nil, fmt.Errorf("mqtt_broker is required when backend=mqtt")
		}
		return DialMQTT(ctx, cfg.MQTTBroker, cfg.ClientID, logger)
	case "amqp":
		if cfg.AMQPURL == "" {
			return nil, fmt.Errorf("amqp_url is required when backend=amqp")
		}
		return DialAMQP(cfg.AMQPURL, logger)
	default:
		return nil, fmt.Errorf("unknown publisher backend: %s", cfg.Backend)
	}
}
