package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/careflow/internal/publish"
	"github.com/roach88/careflow/internal/taskq"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Consume events and deliver due tasks",
		Long: `Run careflow as a long-lived process.

serve consumes the message and data topics, running every event through
the engine, and polls the task queue for due tasks, delivering each one.
With consumer.brokers set, topics are read from Kafka; otherwise serve
consumes the in-memory publisher, so rows published by actions loop back
into the same process.

Example:
  careflow serve --config careflow.yaml
  careflow serve --db /tmp/careflow.db --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(rootOpts, cmd)
		},
	}

	return cmd
}

func runServe(opts *RootOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	logger := newLogger(opts, cfg, cmd.ErrOrStderr())

	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	app, err := openApp(ctx, cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start", err)
	}
	defer func() {
		if closeErr := app.Close(); closeErr != nil {
			logger.Error("error closing careflow", "error", closeErr)
		}
	}()

	source, err := inboundSource(app)
	if err != nil {
		return WrapExitError(ExitCommandError, "no inbound source", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	poller := taskq.NewPoller(app.Queue, app.Deliver,
		taskq.WithInterval(cfg.Tasks.PollInterval),
		taskq.WithBatchSize(cfg.Tasks.BatchSize),
		taskq.WithPollerLogger(logger),
	)

	logger.Info("careflow serving", "db", cfg.Database, "topics", app.Topics())
	fmt.Fprintln(cmd.OutOrStdout(), "careflow serving. Press Ctrl-C to stop.")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return source.Consume(gctx, app.Topics(), app.HandlePayload)
	})
	g.Go(func() error {
		return poller.Run(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "serve failed", err)
	}

	logger.Info("careflow stopped")
	return nil
}

// inboundSource picks where serve reads events from: Kafka when
// consumer brokers are configured, else the in-memory publisher itself.
func inboundSource(app *App) (publish.Source, error) {
	if brokers := app.Config.Consumer.Brokers; len(brokers) > 0 {
		return publish.NewKafkaSource(brokers, app.Config.Consumer.GroupID, app.Logger), nil
	}
	if mem, ok := app.Publisher.(*publish.Memory); ok {
		return mem, nil
	}
	return nil, fmt.Errorf("consumer.brokers is required with publisher backend %q", app.Config.Publisher.Backend)
}
