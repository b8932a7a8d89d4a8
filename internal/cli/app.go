package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/careflow/internal/config"
	"github.com/roach88/careflow/internal/engine"
	"github.com/roach88/careflow/internal/handlers"
	"github.com/roach88/careflow/internal/ir"
	"github.com/roach88/careflow/internal/publish"
	"github.com/roach88/careflow/internal/scheduler"
	"github.com/roach88/careflow/internal/store"
	"github.com/roach88/careflow/internal/taskq"
)

// App is one wired careflow process: store, task queue, publisher,
// scheduler and engine built from the configuration.
type App struct {
	Config    *config.Config
	Store     *store.Store
	Queue     taskq.Queue
	Publisher publish.Publisher
	Scheduler *scheduler.Scheduler
	Engine    *engine.Engine
	Logger    *slog.Logger
}

// commandContext returns the command's context, or Background when the
// command was executed without one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// loadConfig reads the configuration and applies flag overrides.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, err
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	return cfg, nil
}

// newLogger builds the process logger on w. --verbose forces debug
// level; otherwise logging.level applies.
func newLogger(opts *RootOptions, cfg *config.Config, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		level = slog.LevelInfo
	}
	if opts.Verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Logging.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

// openApp wires every component from cfg. The caller must Close the
// returned App.
func openApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	logger.Info("opening database", "path", cfg.Database)
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	queue, err := taskq.New(ctx, cfg.Tasks.Config)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open task queue: %w", err)
	}

	pub, err := publish.New(ctx, cfg.Publisher, logger)
	if err != nil {
		closeQueue(queue)
		st.Close()
		return nil, fmt.Errorf("open publisher: %w", err)
	}

	sched := scheduler.New(queue, st,
		scheduler.WithLogger(logger),
		scheduler.WithHorizon(cfg.DefaultHorizon),
		scheduler.WithPublisher(pub, cfg.Topics.Message),
	)

	reg := engine.NewRegistry()
	handlers.Register(reg, handlers.Deps{
		Docs:         st,
		Series:       st,
		Publisher:    pub,
		Scheduler:    sched,
		Messages:     st,
		SystemPhone:  cfg.SystemPhone,
		ProxyPhones:  cfg.ProxyPhones,
		MessageTopic: cfg.Topics.Message,
		DataTopic:    cfg.Topics.Data,
		Providers:    cfg.HandlerProviders(),
		StateBaseURL: cfg.OAuth.StateBaseURL,
		Logger:       logger,
	})

	eng := engine.New(st, st, reg,
		engine.WithLogger(logger),
		engine.WithSystemGroup(cfg.SystemGroup),
		engine.WithHandlerTimeout(cfg.HandlerTimeout),
		engine.WithTimeSeries(st, true),
		engine.WithMessageLog(st),
		engine.WithEngager(sched),
	)

	logger.Debug("careflow wired",
		"tasks", cfg.Tasks.Backend,
		"publisher", cfg.Publisher.Backend,
		"handlers", len(reg.Types()),
	)

	return &App{
		Config:    cfg,
		Store:     st,
		Queue:     queue,
		Publisher: pub,
		Scheduler: sched,
		Engine:    eng,
		Logger:    logger,
	}, nil
}

// Close releases the publisher, the queue and the store.
func (a *App) Close() error {
	return errors.Join(
		a.Publisher.Close(),
		closeQueue(a.Queue),
		a.Store.Close(),
	)
}

func closeQueue(q taskq.Queue) error {
	if c, ok := q.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Topics returns the inbound topics in message, data order.
func (a *App) Topics() []string {
	return []string{a.Config.Topics.Message, a.Config.Topics.Data}
}

// channelFor maps a configured topic to its event channel.
func (a *App) channelFor(topic string) (ir.Channel, error) {
	switch topic {
	case a.Config.Topics.Message:
		return ir.ChannelMessage, nil
	case a.Config.Topics.Data:
		return ir.ChannelData, nil
	default:
		return "", fmt.Errorf("unknown topic %q", topic)
	}
}

// Process decodes one topic-form row and runs it through the engine.
// A row without a time is stamped now; a message without a status is
// taken as received.
func (a *App) Process(ctx context.Context, ch ir.Channel, payload []byte) (*engine.Outcome, error) {
	ev, err := ir.DecodeEvent(ch, payload)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if m := ev.Message; m != nil {
		if m.Time.IsZero() {
			m.Time = now
		}
		if m.Status == "" {
			m.Status = ir.StatusReceived
		}
	}
	if d := ev.Data; d != nil && d.Time.IsZero() {
		d.Time = now
	}
	out, err := a.Engine.HandleEvent(ctx, ev)
	if out != nil {
		a.Logger.Debug("event processed",
			"channel", string(ch),
			"resource", out.Resource.String(),
			"fired", out.Report.FiredIDs(),
			"failed", len(out.Report.Failed),
		)
	}
	return out, err
}

// HandlePayload is the publish.Handler serve consumes topics with.
func (a *App) HandlePayload(ctx context.Context, topic string, payload []byte) error {
	ch, err := a.channelFor(topic)
	if err != nil {
		return err
	}
	_, err = a.Process(ctx, ch, payload)
	return err
}

// Deliver delivers one claimed task. It is the poller's DeliverFunc.
func (a *App) Deliver(ctx context.Context, task ir.TaskHandle) error {
	d, err := a.Scheduler.Deliver(ctx, task.Payload)
	if err != nil {
		return err
	}
	a.Logger.Debug("task delivered",
		"task_id", task.ID,
		"action_id", d.ActionID,
		"recipients", len(d.Recipients),
		"missing", d.Missing,
	)
	return nil
}
