package publish

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// Message is one payload published to Memory.
type Message struct {
	Topic   string
	Payload []byte
}

// Memory is an in-process publisher. It keeps every published message
// and loops them back to active consumers, so a single process can run
// the full publish/consume cycle without a broker.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Memory struct {
	mu        sync.Mutex
	published []Message
	consumers []*memConsumer
	buffer    int
	logger    *slog.Logger
}

type memConsumer struct {
	topics []string
	ch     chan Message
}

// MemoryOption configures a Memory publisher.
type MemoryOption func(*Memory)

// WithMemoryLogger sets the logger used for handler failures.
func WithMemoryLogger(l *slog.Logger) MemoryOption {
	return func(m *Memory) {
		m.logger = l
	}
}

// WithBuffer sets each consumer's queue capacity.
//
// Default: 256
func WithBuffer(n int) MemoryOption {
	return func(m *Memory) {
		m.buffer = n
	}
}

// NewMemory creates an empty Memory publisher.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{buffer: 256, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Publish implements ports.EventPublisher. It fails when a consumer's
// queue is full.
func (m *Memory) Publish(_ context.Context, topic string, payload []byte) error {
	msg := Message{Topic: topic, Payload: slices.Clone(payload)}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, msg)
	for _, c := range m.consumers {
		if !slices.Contains(c.topics, topic) {
			continue
		}
		select {
		case c.ch <- msg:
		default:
			return fmt.Errorf("publish to %s: consumer queue full", topic)
		}
	}
	return nil
}

// Consume implements Source. Only messages published after Consume
// starts are delivered.
func (m *Memory) Consume(ctx context.Context, topics []string, h Handler) error {
	c := &memConsumer{topics: topics, ch: make(chan Message, m.buffer)}
	m.mu.Lock()
	m.consumers = append(m.consumers, c)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.consumers = slices.DeleteFunc(m.consumers, func(x *memConsumer) bool { return x == c })
		m.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-c.ch:
			if err := h(ctx, msg.Topic, msg.Payload); err != nil {
				m.logger.Error("handling message failed", "topic", msg.Topic, "error", err)
			}
		}
	}
}

// Published returns the messages published to topic, oldest first. An
// empty topic returns every message.
func (m *Memory) Published(topic string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Message{}
	for _, msg := range m.published {
		if topic == "" || msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

// Reset forgets published messages.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = nil
}

// Close implements Publisher.
func (m *Memory) Close() error {
	return nil
}
