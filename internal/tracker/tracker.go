// Package tracker reconciles successive polling snapshots into discharge
// event records. It owns the set of Active events, detects starts and ends,
// persists every change, and hands completed events to the publish queue.
package tracker

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/couchcryptid/discharge-tracker/internal/domain"
	"github.com/couchcryptid/discharge-tracker/internal/observability"
)

// Store persists event records keyed by domain.Event.Key.
type Store interface {
	Upsert(ctx context.Context, event domain.Event) error
	LoadAll(ctx context.Context) ([]domain.Event, error)
}

// Enqueuer receives completed events.
type Enqueuer interface {
	AddEvent(event domain.Event) bool
}

// Config tunes timestamp validation and persistence.
type Config struct {
	// MaxStartAge bounds how far in the past a feed's status-change time may
	// be before it is treated as implausible.
	MaxStartAge time.Duration
	// WriteTimeout bounds each store write.
	WriteTimeout time.Duration
}

// Result summarizes one IngestSnapshot call.
type Result struct {
	Started   int
	Updated   int
	Skipped   int
	Completed []domain.Event
	Enqueued  int
}

// Tracker holds the Active events for all sources.
type Tracker struct {
	mu     sync.Mutex
	active map[domain.EventID]domain.Event

	// lastEnd is the end time of each site's most recent completed event. A
	// new event's start must fall after it.
	lastEnd map[domain.EventID]time.Time

	store   Store
	queue   Enqueuer
	logger  *slog.Logger
	metrics *observability.Metrics
	cfg     Config
}

// New creates a Tracker. The store and queue are required.
func New(store Store, queue Enqueuer, logger *slog.Logger, metrics *observability.Metrics, cfg Config) *Tracker {
	if cfg.MaxStartAge <= 0 {
		cfg.MaxStartAge = 30 * 24 * time.Hour
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Tracker{
		active:  make(map[domain.EventID]domain.Event),
		lastEnd: make(map[domain.EventID]time.Time),
		store:   store,
		queue:   queue,
		logger:  logger,
		metrics: metrics,
		cfg:     cfg,
	}
}

// Restore seeds the Active set from the store so that events in flight when
// the process stopped keep their original start time. When several Active
// records exist for one site, the latest start wins and the others are
// completed at their last update. It returns the completed records so the
// caller can replay them into the queue. A store read failure is returned
// and should abort startup.
func (t *Tracker) Restore(ctx context.Context) ([]domain.Event, error) {
	records, err := t.store.LoadAll(ctx)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var (
		completed []domain.Event
		stale     []domain.Event
	)
	for _, rec := range records {
		if !rec.IsActive() {
			completed = append(completed, rec)
			t.noteEnd(rec)
			continue
		}
		cur, ok := t.active[rec.EventID]
		if !ok {
			t.active[rec.EventID] = rec
			continue
		}
		if rec.StartTime.After(cur.StartTime) {
			t.active[rec.EventID] = rec
			stale = append(stale, cur)
		} else {
			stale = append(stale, rec)
		}
	}

	for _, rec := range stale {
		done := t.closeStale(ctx, rec, t.active[rec.EventID].StartTime)
		completed = append(completed, done)
		t.noteEnd(done)
	}

	t.metrics.ActiveEvents.Set(float64(len(t.active)))
	t.logger.Info("restored tracker state",
		"active", len(t.active),
		"completed", len(completed),
		"closed_stale", len(stale),
	)
	return completed, nil
}

// closeStale completes an Active record superseded by a later one for the
// same site. It ends at its last update, or at the successor's start when
// that is earlier or unknown.
func (t *Tracker) closeStale(ctx context.Context, rec domain.Event, successorStart time.Time) domain.Event {
	end := rec.LastUpdated
	if end.IsZero() || end.After(successorStart) {
		end = successorStart
	}
	done, _ := rec.Complete(end)
	t.logger.Warn("multiple active records for site, completing the older one",
		"event_id", rec.EventID,
		"start_time", rec.StartTime,
		"end_time", end,
		"kept_start", successorStart,
	)
	t.persist(ctx, done)
	return done
}

// noteEnd records a completed event's end time if it is the site's latest.
func (t *Tracker) noteEnd(e domain.Event) {
	if e.EndTime == nil {
		return
	}
	if prev, ok := t.lastEnd[e.EventID]; !ok || e.EndTime.After(prev) {
		t.lastEnd[e.EventID] = *e.EndTime
	}
}

// IngestSnapshot applies one source's poll result. Sites observed as
// discharging open or refresh an Active event; Active events of the source
// that are absent from the discharging set are completed at now, persisted,
// and offered to the queue. Calls are serialized.
func (t *Tracker) IngestSnapshot(ctx context.Context, sourceID string, observations []domain.Observation, now time.Time) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	var res Result
	seen := make(map[domain.EventID]struct{}, len(observations))

	for _, obs := range observations {
		if obs.SourceID != sourceID || obs.SiteID == "" {
			t.logger.Warn("skipping observation outside snapshot scope",
				"source_id", sourceID,
				"observation_source", obs.SourceID,
				"site_id", obs.SiteID,
			)
			res.Skipped++
			continue
		}
		if !obs.IsDischarging {
			continue
		}

		id := obs.EventID()
		seen[id] = struct{}{}

		if cur, ok := t.active[id]; ok {
			t.active[id] = refresh(cur, obs, now)
			t.persist(ctx, t.active[id])
			res.Updated++
			continue
		}

		event := t.open(obs, now)
		t.active[id] = event
		t.persist(ctx, event)
		t.metrics.EventsStarted.WithLabelValues(sourceID).Inc()
		res.Started++
	}

	for _, id := range t.endedLocked(sourceID, seen) {
		done, err := t.active[id].Complete(now)
		if err != nil {
			// Only completed records can fail here; drop the stale entry.
			t.logger.Error("active set held a completed event", "event_id", id, "error", err)
			delete(t.active, id)
			continue
		}
		if done.DurationClamped {
			t.logger.Warn("event ended before it started, duration clamped to zero",
				"event_id", id,
				"start_time", done.StartTime,
				"end_time", now,
			)
			t.metrics.DurationsClamped.Inc()
		}

		t.persist(ctx, done)
		delete(t.active, id)
		t.noteEnd(done)
		t.metrics.EventsCompleted.WithLabelValues(sourceID).Inc()
		res.Completed = append(res.Completed, done)

		if t.queue.AddEvent(done) {
			res.Enqueued++
		}
		t.logger.Info("discharge event completed",
			"event_id", id,
			"duration_minutes", *done.DurationMinutes,
		)
	}

	t.metrics.ActiveEvents.Set(float64(len(t.active)))
	return res
}

// endedLocked lists the source's Active events missing from seen, sorted so
// completions are handed off in a stable order.
func (t *Tracker) endedLocked(sourceID string, seen map[domain.EventID]struct{}) []domain.EventID {
	var ended []domain.EventID
	for id, e := range t.active {
		if e.SourceID != sourceID {
			continue
		}
		if _, ok := seen[id]; !ok {
			ended = append(ended, id)
		}
	}
	slices.Sort(ended)
	return ended
}

// open creates the Active event for a site's first discharging observation.
func (t *Tracker) open(obs domain.Observation, now time.Time) domain.Event {
	start, ok := t.plausibleStart(obs.EventID(), obs.StatusChangedAt, now)
	if !ok {
		t.logger.Warn("status change time missing or implausible, using poll time as start",
			"event_id", obs.EventID(),
			"status_changed_at", obs.StatusChangedAt,
			"now", now,
		)
		t.metrics.StartFallbacks.Inc()
	}

	return domain.Event{
		EventID:       obs.EventID(),
		SourceID:      obs.SourceID,
		SiteID:        obs.SiteID,
		SiteName:      obs.SiteName,
		Coordinates:   obs.Coordinates,
		StartTime:     start,
		Status:        domain.StatusActive,
		Watercourse:   obs.Watercourse,
		LastUpdated:   now,
		StartFallback: !ok,
	}
}

// plausibleStart returns changedAt when it is present, not in the future,
// within MaxStartAge of now, and after the site's previous event ended.
// Otherwise it returns now and false.
func (t *Tracker) plausibleStart(id domain.EventID, changedAt, now time.Time) (time.Time, bool) {
	if changedAt.IsZero() || changedAt.After(now) || changedAt.Before(now.Add(-t.cfg.MaxStartAge)) {
		return now, false
	}
	if end, ok := t.lastEnd[id]; ok && !changedAt.After(end) {
		return now, false
	}
	return changedAt, true
}

// refresh updates mutable metadata on an Active event. StartTime is never
// touched. Empty observation fields keep the current value.
func refresh(e domain.Event, obs domain.Observation, now time.Time) domain.Event {
	if obs.Watercourse != "" {
		e.Watercourse = obs.Watercourse
	}
	if obs.SiteName != "" {
		e.SiteName = obs.SiteName
	}
	if obs.Coordinates != nil {
		e.Coordinates = obs.Coordinates
	}
	e.LastUpdated = now
	return e
}

// persist upserts the event. Writes are detached from ctx cancellation so a
// shutdown lets an in-flight write finish; failures degrade durability but
// never stop tracking.
func (t *Tracker) persist(ctx context.Context, event domain.Event) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.cfg.WriteTimeout)
	defer cancel()

	if err := t.store.Upsert(writeCtx, event); err != nil {
		perr := &domain.PersistenceError{Key: event.Key(), Err: err}
		t.logger.Warn("event store write failed, continuing in memory", "error", perr)
		t.metrics.PersistenceErrors.Inc()
	}
}

// Active returns a copy of the Active events ordered by EventID.
func (t *Tracker) Active() []domain.Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]domain.Event, 0, len(t.active))
	for _, e := range t.active {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b domain.Event) int {
		return cmp.Compare(a.EventID, b.EventID)
	})
	return out
}
