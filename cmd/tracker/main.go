package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/discharge-tracker/internal/adapter/arcgis"
	httpadapter "github.com/couchcryptid/discharge-tracker/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/discharge-tracker/internal/adapter/kafka"
	"github.com/couchcryptid/discharge-tracker/internal/adapter/site"
	"github.com/couchcryptid/discharge-tracker/internal/adapter/sqlite"
	"github.com/couchcryptid/discharge-tracker/internal/config"
	"github.com/couchcryptid/discharge-tracker/internal/domain"
	"github.com/couchcryptid/discharge-tracker/internal/observability"
	"github.com/couchcryptid/discharge-tracker/internal/parser"
	"github.com/couchcryptid/discharge-tracker/internal/pipeline"
	"github.com/couchcryptid/discharge-tracker/internal/publish"
	"github.com/couchcryptid/discharge-tracker/internal/queue"
	"github.com/couchcryptid/discharge-tracker/internal/tracker"
)

func main() {
	if err := run(); err != nil {
		slog.Error("discharge tracker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()

	store, err := sqlite.Open(cfg.StorePath)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("store close error", "error", err)
		}
	}()

	clock := domain.Clock()
	q := queue.New(cfg.Tracking.MinDurationMinutes, cfg.Tracking.Retention(), clock, metrics)
	tr := tracker.New(store, q, logger, metrics, tracker.Config{
		MaxStartAge:  cfg.Tracking.MaxStartAge,
		WriteTimeout: cfg.Tracking.StoreWriteTimeout,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Restore before the first poll so in-flight events keep their start time.
	completed, err := tr.Restore(ctx)
	if err != nil {
		return err
	}
	dispatched, err := store.LoadDispatched(ctx)
	if err != nil {
		return err
	}
	seeded := q.Seed(completed, dispatched)
	logger.Info("queue restored", "entries", seeded, "postable", len(q.Postable()))

	sources := make([]pipeline.Source, 0, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		adapter, err := parser.NewFromConfig(sc)
		if err != nil {
			return err
		}
		sources = append(sources, pipeline.Source{
			ID:      sc.ID,
			Fetcher: arcgis.NewClient(sc, logger, metrics),
			Parser:  adapter,
		})
		logger.Info("source configured", "source_id", sc.ID, "name", sc.Name, "adapter", sc.Adapter)
	}

	poller, err := pipeline.New(sources, tr, q, logger, metrics, pipeline.Config{
		Interval:    cfg.Tracking.PollInterval(),
		Concurrency: cfg.Tracking.FetchConcurrency,
		Clock:       clock,
	})
	if err != nil {
		return err
	}

	sitePub, err := site.NewPublisher(cfg.SiteDir, logger)
	if err != nil {
		return err
	}
	publishers := publish.Multi{sitePub}

	var writer *kafkaadapter.Writer
	if cfg.KafkaEnabled() {
		writer = kafkaadapter.NewWriter(cfg, logger)
		publishers = append(publishers, writer)
		logger.Info("kafka feed enabled", "topic", cfg.KafkaFeedTopic)
	} else {
		logger.Info("kafka feed disabled")
	}

	cycle := publish.NewCycle(q, publishers, store, logger, metrics, publish.CycleConfig{
		Interval:     cfg.Tracking.PublishInterval(),
		MaxPerDay:    cfg.Tracking.MaxPublishesPerDay,
		WriteTimeout: cfg.Tracking.StoreWriteTimeout,
		Clock:        clock,
	})

	srv := httpadapter.NewServer(cfg.HTTPAddr, httpadapter.AllReady{poller, store}, tr, q, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return poller.Run(gctx) })
	g.Go(func() error { return cycle.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", "error", err)
		}
		return nil
	})

	err = g.Wait()

	if writer != nil {
		if cerr := writer.Close(); cerr != nil {
			logger.Error("kafka writer close error", "error", cerr)
		}
	}
	logger.Info("shutdown complete")
	return err
}
