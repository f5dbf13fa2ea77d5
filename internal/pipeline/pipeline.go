// Package pipeline runs the poll loop: fetch every source, parse the
// features, and feed each snapshot to the tracker.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/discharge-tracker/internal/domain"
	"github.com/couchcryptid/discharge-tracker/internal/observability"
	"github.com/couchcryptid/discharge-tracker/internal/parser"
	"github.com/couchcryptid/discharge-tracker/internal/tracker"
)

// Fetcher returns the current features of one source.
type Fetcher interface {
	FetchAll(ctx context.Context) ([]domain.RawFeature, error)
}

// Ingester reconciles one source's snapshot.
type Ingester interface {
	IngestSnapshot(ctx context.Context, sourceID string, observations []domain.Observation, now time.Time) tracker.Result
}

// Cleaner evicts aged-out queue entries.
type Cleaner interface {
	Cleanup(now time.Time) int
}

// Source pairs a feed with the adapter that reads it.
type Source struct {
	ID      string
	Fetcher Fetcher
	Parser  parser.Adapter
}

// Config tunes the poll loop.
type Config struct {
	Interval    time.Duration
	Concurrency int
	Clock       clockwork.Clock
}

// Poller drives periodic snapshot ingestion.
type Poller struct {
	sources []Source
	tracker Ingester
	queue   Cleaner
	logger  *slog.Logger
	metrics *observability.Metrics
	clock   clockwork.Clock

	interval    time.Duration
	concurrency int
	ready       atomic.Bool
}

// New creates a Poller. At least one source is required.
func New(sources []Source, t Ingester, q Cleaner, logger *slog.Logger, metrics *observability.Metrics, cfg Config) (*Poller, error) {
	if len(sources) == 0 {
		return nil, domain.ErrNoSources
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Clock == nil {
		cfg.Clock = domain.Clock()
	}
	return &Poller{
		sources:     sources,
		tracker:     t,
		queue:       q,
		logger:      logger,
		metrics:     metrics,
		clock:       cfg.Clock,
		interval:    cfg.Interval,
		concurrency: cfg.Concurrency,
	}, nil
}

// CheckReadiness returns nil once a poll has fetched at least one source.
func (p *Poller) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("no source has been polled successfully yet")
	}
	return nil
}

// Run polls immediately and then every interval until the context is
// cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller started",
		"sources", len(p.sources),
		"interval", p.interval,
		"concurrency", p.concurrency,
	)
	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)

	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	p.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopping", "reason", ctx.Err())
			return nil
		case <-ticker.Chan():
			p.Tick(ctx)
		}
	}
}

// snapshot is one source's parsed poll result.
type snapshot struct {
	ok           bool
	observations []domain.Observation
}

// Tick runs one poll cycle. Sources are fetched concurrently; a failing
// source is skipped for this tick and its Active events are left alone.
// Successful snapshots are then ingested one source at a time.
func (p *Poller) Tick(ctx context.Context) {
	start := p.clock.Now()
	snaps := make([]snapshot, len(p.sources))

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i, src := range p.sources {
		g.Go(func() error {
			snaps[i] = p.poll(ctx, src)
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return
	}

	now := p.clock.Now()
	polled := 0
	for i, src := range p.sources {
		if !snaps[i].ok {
			continue
		}
		polled++
		res := p.tracker.IngestSnapshot(ctx, src.ID, snaps[i].observations, now)
		p.logger.Debug("snapshot ingested",
			"source_id", src.ID,
			"observations", len(snaps[i].observations),
			"started", res.Started,
			"updated", res.Updated,
			"completed", len(res.Completed),
			"enqueued", res.Enqueued,
		)
	}

	if evicted := p.queue.Cleanup(now); evicted > 0 {
		p.logger.Info("evicted aged queue entries", "count", evicted)
	}

	p.metrics.PollTicks.Inc()
	p.metrics.TickDuration.Observe(p.clock.Since(start).Seconds())
	if polled > 0 {
		p.ready.Store(true)
	}
}

func (p *Poller) poll(ctx context.Context, src Source) snapshot {
	raws, err := src.Fetcher.FetchAll(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("source fetch failed, skipping for this tick", "source_id", src.ID, "error", err)
			p.metrics.FetchErrors.WithLabelValues(src.ID).Inc()
		}
		return snapshot{}
	}

	observations, errs := parser.ParseAll(src.Parser, src.ID, raws)
	for _, err := range errs {
		p.logger.Warn("skipping unparseable feature", "source_id", src.ID, "error", err)
	}
	if len(errs) > 0 {
		p.metrics.ParseErrors.WithLabelValues(src.ID).Add(float64(len(errs)))
	}
	// A feed whose every feature fails to parse has most likely changed
	// schema; ingesting it as empty would end all of its Active events.
	if len(raws) > 0 && len(observations) == 0 {
		p.logger.Error("no feature of the source could be parsed, skipping snapshot", "source_id", src.ID, "features", len(raws))
		return snapshot{}
	}
	return snapshot{ok: true, observations: observations}
}
