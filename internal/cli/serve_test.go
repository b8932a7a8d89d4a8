package cli

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/careflow/internal/config"
	"github.com/roach88/careflow/internal/publish"
)

func TestServe_StopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t,
		goleak.IgnoreTopFunction("os/signal.signal_recv"),
		goleak.IgnoreTopFunction("os/signal.loop"),
	)

	env := newTestEnv(t)
	writeFile(t, env.config, "logging: {level: error}\ntasks: {poll_interval: 20ms}\n")

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	cmd := NewServeCommand(env.opts("text"))
	cmd.SetContext(ctx)
	out, err := execute(cmd)
	require.NoError(t, err)
	assert.Contains(t, out, "careflow serving")
}

func TestServe_BadConfig(t *testing.T) {
	env := newTestEnv(t)
	writeFile(t, env.config, "tasks: {backend: sqs}\n")

	_, err := execute(NewServeCommand(env.opts("text")))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestInboundSource(t *testing.T) {
	cfg := config.Default()
	mem := publish.NewMemory()

	src, err := inboundSource(&App{Config: cfg, Publisher: mem})
	require.NoError(t, err)
	assert.Same(t, mem, src)

	cfg.Consumer.Brokers = []string{"kafka-1:9092"}
	src, err = inboundSource(&App{Config: cfg, Publisher: mem})
	require.NoError(t, err)
	assert.IsType(t, &publish.KafkaSource{}, src)

	cfg = config.Default()
	cfg.Publisher.Backend = "kafka"
	kafka := publish.NewKafka([]string{"kafka-1:9092"}, nil)
	defer kafka.Close()
	_, err = inboundSource(&App{Config: cfg, Publisher: kafka})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "consumer.brokers is required")
}
