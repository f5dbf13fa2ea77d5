package publish

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/discharge-tracker/internal/domain"
	"github.com/couchcryptid/discharge-tracker/internal/observability"
)

// Outcomes of one cycle, also used as the publishes_total label.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeEmpty   = "empty"
	OutcomeCapped  = "capped"
)

// Queue is the subset of the threshold queue the cycle drives.
type Queue interface {
	Cleanup(now time.Time) int
	Postable() []domain.Event
	MarkDispatched(key string)
}

// DispatchRecorder persists dispatch state so a restart does not publish
// the same events again.
type DispatchRecorder interface {
	MarkDispatched(ctx context.Context, key string) error
}

// CycleConfig tunes the publishing cycle.
type CycleConfig struct {
	Interval     time.Duration
	MaxPerDay    int
	WriteTimeout time.Duration
	Clock        clockwork.Clock
}

// Cycle coordinates periodic publishing.
type Cycle struct {
	queue     Queue
	publisher Publisher
	recorder  DispatchRecorder
	logger    *slog.Logger
	metrics   *observability.Metrics
	cfg       CycleConfig

	mu       sync.Mutex
	day      string
	dayCount int
}

// NewCycle creates a Cycle. recorder may be nil.
func NewCycle(q Queue, p Publisher, recorder DispatchRecorder, logger *slog.Logger, metrics *observability.Metrics, cfg CycleConfig) *Cycle {
	if cfg.Interval <= 0 {
		cfg.Interval = 90 * time.Minute
	}
	if cfg.MaxPerDay <= 0 {
		cfg.MaxPerDay = 16
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = domain.Clock()
	}
	return &Cycle{
		queue:     q,
		publisher: p,
		recorder:  recorder,
		logger:    logger,
		metrics:   metrics,
		cfg:       cfg,
	}
}

// Run publishes every interval until the context is cancelled. The first
// publish happens one interval after start.
func (c *Cycle) Run(ctx context.Context) error {
	c.logger.Info("publish cycle started",
		"interval", c.cfg.Interval,
		"max_per_day", c.cfg.MaxPerDay,
	)
	ticker := c.cfg.Clock.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("publish cycle stopping", "reason", ctx.Err())
			return nil
		case <-ticker.Chan():
			_, _ = c.RunOnce(ctx)
		}
	}
}

// RunOnce performs one cycle and reports its outcome. On a publish failure
// nothing is dispatched and the returned error is a *domain.PublishError.
func (c *Cycle) RunOnce(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.Clock.Now()
	c.queue.Cleanup(now)

	events := c.queue.Postable()
	if len(events) == 0 {
		c.metrics.Publishes.WithLabelValues(OutcomeEmpty).Inc()
		c.logger.Debug("nothing to publish")
		return OutcomeEmpty, nil
	}

	day := now.UTC().Format(time.DateOnly)
	if day != c.day {
		c.day, c.dayCount = day, 0
	}
	if c.dayCount >= c.cfg.MaxPerDay {
		c.metrics.Publishes.WithLabelValues(OutcomeCapped).Inc()
		c.logger.Info("daily publish limit reached, deferring",
			"day", day,
			"limit", c.cfg.MaxPerDay,
			"pending", len(events),
		)
		return OutcomeCapped, nil
	}

	batch := NewBatch(events, now)
	if err := c.publisher.Publish(ctx, batch); err != nil {
		var perr *domain.PublishError
		if !errors.As(err, &perr) {
			perr = &domain.PublishError{Publisher: c.publisher.Name(), BatchID: batch.ID, Err: err}
		}
		c.metrics.Publishes.WithLabelValues(OutcomeError).Inc()
		c.logger.Error("publish failed, batch left pending",
			"batch_id", batch.ID,
			"events", len(events),
			"error", perr,
		)
		return OutcomeError, perr
	}

	c.dayCount++
	for _, e := range events {
		c.queue.MarkDispatched(e.Key())
		c.record(ctx, e.Key())
	}
	c.metrics.Publishes.WithLabelValues(OutcomeSuccess).Inc()
	c.metrics.EventsDispatched.Add(float64(len(events)))
	c.logger.Info("batch published",
		"batch_id", batch.ID,
		"events", len(events),
		"published_today", c.dayCount,
	)
	return OutcomeSuccess, nil
}

func (c *Cycle) record(ctx context.Context, key string) {
	if c.recorder == nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.WriteTimeout)
	defer cancel()
	if err := c.recorder.MarkDispatched(writeCtx, key); err != nil {
		c.logger.Warn("failed to persist dispatch state", "key", key, "error", err)
		c.metrics.PersistenceErrors.Inc()
	}
}
