package taskq

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/careflow/internal/ir"
	"github.com/roach88/careflow/internal/ports"
)

// DeliverFunc handles one claimed task.
type DeliverFunc func(ctx context.Context, task ir.TaskHandle) error

// Poller periodically claims due tasks and delivers them one at a time.
// A failed delivery is logged and not retried.
type Poller struct {
	queue    Queue
	deliver  DeliverFunc
	interval time.Duration
	batch    int
	clock    ports.Clock
	logger   *slog.Logger
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithInterval sets the time between polls.
//
// Default: 1s
func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) {
		p.interval = d
	}
}

// WithBatchSize caps the tasks claimed per poll.
//
// Default: 100
func WithBatchSize(n int) PollerOption {
	return func(p *Poller) {
		p.batch = n
	}
}

// WithPollerClock sets the clock due times are compared against.
func WithPollerClock(c ports.Clock) PollerOption {
	return func(p *Poller) {
		p.clock = c
	}
}

// WithPollerLogger sets the poller logger.
func WithPollerLogger(l *slog.Logger) PollerOption {
	return func(p *Poller) {
		p.logger = l
	}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// NewPoller creates a Poller.
func NewPoller(q Queue, deliver DeliverFunc, opts ...PollerOption) *Poller {
	p := &Poller{
		queue:    q,
		deliver:  deliver,
		interval: time.Second,
		batch:    100,
		clock:    systemClock{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls until ctx is cancelled. It always returns nil.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("task poller started", "interval", p.interval)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("task poller stopped")
			return nil
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll claims and delivers one batch of due tasks, returning how many
// were delivered without error.
func (p *Poller) Poll(ctx context.Context) int {
	tasks, err := p.queue.Claim(ctx, p.clock.Now(), p.batch)
	if err != nil {
		p.logger.Error("claiming due tasks failed", "error", err)
	}
	delivered := 0
	for _, t := range tasks {
		if err := p.deliver(ctx, t); err != nil {
			p.logger.Error("task delivery failed", "task_id", t.ID, "owner", t.Owner.Key(), "error", err)
			continue
		}
		delivered++
	}
	return delivered
}
