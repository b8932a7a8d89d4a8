package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"
)

// Kafka publishes to Kafka topics with one writer per topic.
//
// Thread-safety: safe for concurrent use; kafka.Writer is goroutine-safe
// and the writer map is guarded.
type Kafka struct {
	brokers []string
	logger  *slog.Logger

	mu      sync.Mutex
	writers map[string]*kafka.Writer
}

// NewKafka creates a Kafka publisher. No connection is made until the
// first publish.
func NewKafka(brokers []string, logger *slog.Logger) *Kafka {
	if logger == nil {
		logger = slog.Default()
	}
	return &Kafka{
		brokers: brokers,
		logger:  logger,
		writers: make(map[string]*kafka.Writer),
	}
}

func (k *Kafka) writer(topic string) *kafka.Writer {
	k.mu.Lock()
	defer k.mu.Unlock()
	w, ok := k.writers[topic]
	if !ok {
		w = &kafka.Writer{
			Addr:     kafka.TCP(k.brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		}
		k.writers[topic] = w
	}
	return w
}

// Publish implements ports.EventPublisher.
func (k *Kafka) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := k.writer(topic).WriteMessages(ctx, kafka.Message{Value: payload}); err != nil {
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	return nil
}

// Close closes every writer.
func (k *Kafka) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	var errs []error
	for topic, w := range k.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close writer %s: %w", topic, err))
		}
	}
	k.writers = make(map[string]*kafka.Writer)
	return errors.Join(errs...)
}

// KafkaSource consumes topics as one consumer group.
type KafkaSource struct {
	brokers []string
	groupID string
	logger  *slog.Logger
}

// NewKafkaSource creates a consumer for brokers in groupID.
func NewKafkaSource(brokers []string, groupID string, logger *slog.Logger) *KafkaSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaSource{brokers: brokers, groupID: groupID, logger: logger}
}

// Consume implements Source. Each topic gets its own reader; offsets are
// committed after the handler returns, whatever its result.
func (s *KafkaSource) Consume(ctx context.Context, topics []string, h Handler) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, topic := range topics {
		g.Go(func() error {
			return s.consumeTopic(ctx, topic, h)
		})
	}
	return g.Wait()
}

func (s *KafkaSource) consumeTopic(ctx context.Context, topic string, h Handler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  s.brokers,
		Topic:    topic,
		GroupID:  s.groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer reader.Close()

	s.logger.Info("kafka consumer started", "topic", topic, "group", s.groupID)
	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch from %s: %w", topic, err)
		}
		if err := h(ctx, topic, m.Value); err != nil {
			s.logger.Error("handling message failed", "topic", topic, "offset", m.Offset, "error", err)
		}
		if err := reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			return fmt.Errorf("kafka commit on %s: %w", topic, err)
		}
	}
}
