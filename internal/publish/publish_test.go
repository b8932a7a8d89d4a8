package publish

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMemory_RecordsPublished(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Publish(ctx, "message", []byte(`{"a":1}`)))
	require.NoError(t, m.Publish(ctx, "data", []byte(`{"b":2}`)))

	msgs := m.Published("message")
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"a":1}`, string(msgs[0].Payload))
	assert.Len(t, m.Published(""), 2)

	m.Reset()
	assert.Empty(t, m.Published(""))
}

func TestMemory_LoopbackConsume(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())

	got := make(chan string, 4)
	done := make(chan error, 1)
	go func() {
		done <- m.Consume(ctx, []string{"message"}, func(_ context.Context, topic string, payload []byte) error {
			got <- topic + ":" + string(payload)
			if string(payload) == "bad" {
				return errors.New("rejected")
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.consumers) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, m.Publish(ctx, "data", []byte("ignored")))
	require.NoError(t, m.Publish(ctx, "message", []byte("bad")))
	require.NoError(t, m.Publish(ctx, "message", []byte("hello")))

	assert.Equal(t, "message:bad", <-got)
	assert.Equal(t, "message:hello", <-got, "handler errors do not stop the loop")

	cancel()
	require.NoError(t, <-done)
}

func TestMemory_FullQueueFailsPublish(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := NewMemory(WithBuffer(1))
	ctx, cancel := context.WithCancel(context.Background())
	block := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- m.Consume(ctx, []string{"message"}, func(context.Context, string, []byte) error {
			<-block
			return nil
		})
	}()
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.consumers) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, m.Publish(ctx, "message", []byte("1")))
	require.Eventually(t, func() bool {
		return m.Publish(ctx, "message", []byte("x")) != nil
	}, time.Second, time.Millisecond)

	close(block)
	cancel()
	require.NoError(t, <-done)
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	p, err := New(ctx, Config{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, p)

	p, err = New(ctx, Config{Backend: "kafka", Brokers: []string{"localhost:9092"}}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Kafka{}, p)
	assert.NoError(t, p.Close())

	tests := []struct {
		cfg  Config
		want string
	}{
		{Config{Backend: "kafka"}, "brokers are required"},
		{Config{Backend: "mqtt"}, "mqtt_broker is required"},
		{Config{Backend: "amqp"}, "amqp_url is required"},
		{Config{Backend: "pigeon"}, "unknown publisher backend"},
	}
	for _, tt := range tests {
		t.Run(tt.cfg.Backend, func(t *testing.T) {
			_, err := New(ctx, tt.cfg, nil)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}
