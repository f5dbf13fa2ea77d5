package tracker_test

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/couchcryptid/discharge-tracker/internal/domain"
	"github.com/couchcryptid/discharge-tracker/internal/observability"
	"github.com/couchcryptid/discharge-tracker/internal/queue"
	"github.com/couchcryptid/discharge-tracker/internal/tracker"
	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type memStore struct {
	mu      sync.Mutex
	records map[string]domain.Event
	writes  int
	err     error
	loadErr error
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]domain.Event)}
}

func (m *memStore) Upsert(_ context.Context, e domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.writes++
	m.records[e.Key()] = e
	return nil
}

func (m *memStore) LoadAll(_ context.Context) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	out := make([]domain.Event, 0, len(m.records))
	for _, e := range m.records {
		out = append(out, e)
	}
	return out, nil
}

func (m *memStore) get(key string) (domain.Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.records[key]
	return e, ok
}

type fixture struct {
	store   *memStore
	queue   *queue.Queue
	tracker *tracker.Tracker
	clock   *clockwork.FakeClock
}

var t0 = time.Date(2024, time.February, 10, 8, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(t0)
	metrics := observability.NewMetricsForTesting()
	store := newMemStore()
	q := queue.New(600, 7*24*time.Hour, clock, metrics)
	tr := tracker.New(store, q, observability.DiscardLogger(), metrics, tracker.Config{MaxStartAge: 30 * 24 * time.Hour})
	return &fixture{store: store, queue: q, tracker: tr, clock: clock}
}

func (f *fixture) ingest(t *testing.T, source string, obs ...domain.Observation) tracker.Result {
	t.Helper()
	return f.tracker.IngestSnapshot(context.Background(), source, obs, f.clock.Now())
}

func discharging(source, site string, changedAt time.Time) domain.Observation {
	return domain.Observation{
		SourceID:        source,
		SiteID:          site,
		IsDischarging:   true,
		StatusChangedAt: changedAt,
		Watercourse:     "River Thames",
	}
}

func idle(source, site string) domain.Observation {
	return domain.Observation{SourceID: source, SiteID: site}
}

// --- scenarios ---

func TestScenarioA_LongDischargeIsQueued(t *testing.T) {
	f := newFixture(t)

	res := f.ingest(t, "thames", discharging("thames", "X", t0))
	assert.Equal(t, 1, res.Started)

	f.clock.Advance(60 * time.Minute)
	res = f.ingest(t, "thames", discharging("thames", "X", t0))
	assert.Equal(t, 1, res.Updated)
	assert.Empty(t, res.Completed)

	f.clock.Advance(640 * time.Minute)
	res = f.ingest(t, "thames", idle("thames", "X"))

	require.Len(t, res.Completed, 1)
	done := res.Completed[0]
	assert.Equal(t, domain.StatusCompleted, done.Status)
	assert.Equal(t, t0, done.StartTime)
	assert.Equal(t, t0.Add(700*time.Minute), *done.EndTime)
	assert.Equal(t, 700, *done.DurationMinutes)
	assert.Equal(t, 1, res.Enqueued)
	assert.Len(t, f.queue.Postable(), 1)
	assert.Empty(t, f.tracker.Active())
}

func TestScenarioB_ShortDischargeIsNotQueued(t *testing.T) {
	f := newFixture(t)

	f.ingest(t, "thames", discharging("thames", "X", t0))
	f.clock.Advance(300 * time.Minute)
	res := f.ingest(t, "thames", idle("thames", "X"))

	require.Len(t, res.Completed, 1)
	assert.Equal(t, 300, *res.Completed[0].DurationMinutes)
	assert.Zero(t, res.Enqueued)
	assert.Zero(t, f.queue.Len())
}

func TestScenarioC_DispatchedEventIsNotReposted(t *testing.T) {
	f := newFixture(t)

	f.ingest(t, "thames", discharging("thames", "X", t0))
	f.clock.Advance(700 * time.Minute)
	res := f.ingest(t, "thames")
	require.Len(t, res.Completed, 1)
	done := res.Completed[0]

	postable := f.queue.Postable()
	require.Len(t, postable, 1)
	f.queue.MarkDispatched(postable[0].Key())

	assert.Empty(t, f.queue.Postable())
	assert.False(t, f.queue.AddEvent(done))
}

func TestScenarioD_SameSiteDifferentSources(t *testing.T) {
	f := newFixture(t)

	f.ingest(t, "thames", discharging("thames", "S1", t0))
	f.ingest(t, "anglian", discharging("anglian", "S1", t0.Add(-time.Hour)))

	active := f.tracker.Active()
	require.Len(t, active, 2)
	assert.Equal(t, domain.EventID("anglian:S1"), active[0].EventID)
	assert.Equal(t, domain.EventID("thames:S1"), active[1].EventID)

	// Ending one source's event leaves the other untouched.
	f.clock.Advance(time.Hour)
	res := f.ingest(t, "thames")
	require.Len(t, res.Completed, 1)
	assert.Equal(t, domain.EventID("thames:S1"), res.Completed[0].EventID)

	active = f.tracker.Active()
	require.Len(t, active, 1)
	assert.Equal(t, domain.EventID("anglian:S1"), active[0].EventID)
}

// --- lifecycle details ---

func TestIngest_ReplayingSnapshotIsIdempotent(t *testing.T) {
	f := newFixture(t)
	snapshot := []domain.Observation{
		discharging("thames", "A", t0.Add(-10*time.Minute)),
		idle("thames", "B"),
		discharging("thames", "C", t0.Add(-5*time.Minute)),
	}

	first := f.ingest(t, "thames", snapshot...)
	assert.Equal(t, 2, first.Started)

	before := f.tracker.Active()
	second := f.ingest(t, "thames", snapshot...)

	assert.Zero(t, second.Started)
	assert.Empty(t, second.Completed)
	if diff := cmp.Diff(before, f.tracker.Active()); diff != "" {
		t.Fatalf("active set changed on replay (-want +got):\n%s", diff)
	}
}

func TestIngest_StartTimeNeverDrifts(t *testing.T) {
	f := newFixture(t)

	f.ingest(t, "thames", discharging("thames", "X", t0.Add(-20*time.Minute)))
	f.clock.Advance(time.Minute)
	// The feed reports a different change time while the site keeps discharging.
	f.ingest(t, "thames", discharging("thames", "X", t0))

	active := f.tracker.Active()
	require.Len(t, active, 1)
	assert.Equal(t, t0.Add(-20*time.Minute), active[0].StartTime)
	assert.Equal(t, f.clock.Now(), active[0].LastUpdated)
}

func TestIngest_MetadataRefresh(t *testing.T) {
	f := newFixture(t)

	f.ingest(t, "thames", discharging("thames", "X", t0))
	upd := discharging("thames", "X", t0)
	upd.Watercourse = "Hogsmill River"
	upd.SiteName = "Worcester Park"
	upd.Coordinates = &domain.Geo{Lat: 51.38, Lon: -0.24}
	f.ingest(t, "thames", upd)

	blank := discharging("thames", "X", t0)
	blank.Watercourse = ""
	f.ingest(t, "thames", blank)

	active := f.tracker.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "Hogsmill River", active[0].Watercourse, "empty fields keep current value")
	assert.Equal(t, "Worcester Park", active[0].SiteName)
	assert.Equal(t, &domain.Geo{Lat: 51.38, Lon: -0.24}, active[0].Coordinates)
}

func TestIngest_StartFallbacks(t *testing.T) {
	tests := []struct {
		name      string
		changedAt time.Time
	}{
		{name: "missing", changedAt: time.Time{}},
		{name: "future", changedAt: t0.Add(time.Hour)},
		{name: "too old", changedAt: t0.Add(-90 * 24 * time.Hour)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.ingest(t, "thames", discharging("thames", "X", tt.changedAt))

			active := f.tracker.Active()
			require.Len(t, active, 1)
			assert.Equal(t, t0, active[0].StartTime)
			assert.True(t, active[0].StartFallback)
		})
	}
}

func TestIngest_UsesFeedChangeTime(t *testing.T) {
	f := newFixture(t)
	changed := t0.Add(-3 * time.Hour)

	f.ingest(t, "thames", discharging("thames", "X", changed))
	f.clock.Advance(8 * time.Hour)
	res := f.ingest(t, "thames")

	require.Len(t, res.Completed, 1)
	assert.False(t, res.Completed[0].StartFallback)
	assert.Equal(t, 660, *res.Completed[0].DurationMinutes)
	assert.Equal(t, 1, res.Enqueued)
}

func TestIngest_CompletesOnlyOnce(t *testing.T) {
	f := newFixture(t)

	f.ingest(t, "thames", discharging("thames", "X", t0))
	f.clock.Advance(700 * time.Minute)
	first := f.ingest(t, "thames")
	f.clock.Advance(time.Minute)
	second := f.ingest(t, "thames")

	assert.Len(t, first.Completed, 1)
	assert.Empty(t, second.Completed)
}

func TestIngest_NewEventAfterCompletionHasNewKey(t *testing.T) {
	f := newFixture(t)

	f.ingest(t, "thames", discharging("thames", "X", t0))
	f.clock.Advance(700 * time.Minute)
	first := f.ingest(t, "thames").Completed[0]

	f.clock.Advance(time.Hour)
	f.ingest(t, "thames", discharging("thames", "X", f.clock.Now()))

	active := f.tracker.Active()
	require.Len(t, active, 1)
	assert.Equal(t, first.EventID, active[0].EventID)
	assert.NotEqual(t, first.Key(), active[0].Key())

	stored, ok := f.store.get(first.Key())
	require.True(t, ok)
	assert.Equal(t, domain.StatusCompleted, stored.Status, "completed record is untouched")
}

func TestIngest_ReopenWithStaleChangeTime(t *testing.T) {
	tests := []struct {
		name      string
		changedAt time.Time
	}{
		{name: "previous start", changedAt: t0},
		{name: "inside previous event", changedAt: t0.Add(5 * time.Hour)},
		{name: "previous end", changedAt: t0.Add(700 * time.Minute)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			f.ingest(t, "thames", discharging("thames", "X", t0))
			f.clock.Advance(700 * time.Minute)
			first := f.ingest(t, "thames").Completed[0]

			f.clock.Advance(10 * time.Minute)
			reopened := f.clock.Now()
			res := f.ingest(t, "thames", discharging("thames", "X", tt.changedAt))
			assert.Equal(t, 1, res.Started)

			active := f.tracker.Active()
			require.Len(t, active, 1)
			assert.Equal(t, reopened, active[0].StartTime)
			assert.True(t, active[0].StartFallback)
			assert.NotEqual(t, first.Key(), active[0].Key())

			stored, ok := f.store.get(first.Key())
			require.True(t, ok)
			assert.Equal(t, domain.StatusCompleted, stored.Status)
			require.NotNil(t, stored.EndTime)
			assert.Equal(t, t0.Add(700*time.Minute), *stored.EndTime)

			f.clock.Advance(600 * time.Minute)
			res = f.ingest(t, "thames")
			require.Len(t, res.Completed, 1)
			assert.Equal(t, 600, *res.Completed[0].DurationMinutes)
			assert.Equal(t, 1, res.Enqueued)
			assert.Len(t, f.queue.Postable(), 2)
		})
	}
}

func TestIngest_ChangeTimeAfterPreviousEndIsKept(t *testing.T) {
	f := newFixture(t)

	f.ingest(t, "thames", discharging("thames", "X", t0))
	f.clock.Advance(700 * time.Minute)
	f.ingest(t, "thames")

	f.clock.Advance(30 * time.Minute)
	changed := t0.Add(710 * time.Minute)
	f.ingest(t, "thames", discharging("thames", "X", changed))

	active := f.tracker.Active()
	require.Len(t, active, 1)
	assert.Equal(t, changed, active[0].StartTime)
	assert.False(t, active[0].StartFallback)
}

func TestIngest_ClampsNegativeDuration(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "thames", discharging("thames", "X", t0))

	// Poll time runs backwards (clock correction).
	res := f.tracker.IngestSnapshot(context.Background(), "thames", nil, t0.Add(-2*time.Minute))

	require.Len(t, res.Completed, 1)
	assert.Equal(t, 0, *res.Completed[0].DurationMinutes)
	assert.True(t, res.Completed[0].DurationClamped)
}

func TestIngest_SkipsForeignObservations(t *testing.T) {
	f := newFixture(t)

	res := f.ingest(t, "thames",
		discharging("anglian", "X", t0),
		discharging("thames", "", t0),
	)
	assert.Equal(t, 2, res.Skipped)
	assert.Empty(t, f.tracker.Active())
}

func TestIngest_PersistsEveryTransition(t *testing.T) {
	f := newFixture(t)

	f.ingest(t, "thames", discharging("thames", "X", t0))
	active := f.tracker.Active()[0]
	stored, ok := f.store.get(active.Key())
	require.True(t, ok)
	assert.Equal(t, domain.StatusActive, stored.Status)

	f.clock.Advance(700 * time.Minute)
	f.ingest(t, "thames")
	stored, ok = f.store.get(active.Key())
	require.True(t, ok)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
	assert.Equal(t, 700, *stored.DurationMinutes)
}

func TestIngest_PersistenceFailureKeepsTracking(t *testing.T) {
	f := newFixture(t)
	f.store.err = errors.New("disk full")

	f.ingest(t, "thames", discharging("thames", "X", t0))
	require.Len(t, f.tracker.Active(), 1)

	f.clock.Advance(700 * time.Minute)
	res := f.ingest(t, "thames")
	require.Len(t, res.Completed, 1)
	assert.Equal(t, 1, res.Enqueued)
}

func TestIngest_CancelledContextStillPersists(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f.tracker.IngestSnapshot(ctx, "thames", []domain.Observation{discharging("thames", "X", t0)}, t0)
	assert.Equal(t, 1, f.store.writes)
}

// --- restore ---

func TestRestore_SeedsActiveEvents(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "thames", discharging("thames", "X", t0.Add(-2*time.Hour)))
	f.ingest(t, "thames", discharging("thames", "X", t0.Add(-2*time.Hour)), discharging("thames", "Y", t0))
	f.clock.Advance(30 * time.Minute)
	f.ingest(t, "thames", discharging("thames", "X", t0))

	// A new process over the same store.
	metrics := observability.NewMetricsForTesting()
	q := queue.New(600, 7*24*time.Hour, f.clock, metrics)
	restarted := tracker.New(f.store, q, observability.DiscardLogger(), metrics, tracker.Config{})

	completed, err := restarted.Restore(context.Background())
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, "Y", completed[0].SiteID)

	active := restarted.Active()
	require.Len(t, active, 1)
	assert.Equal(t, t0.Add(-2*time.Hour), active[0].StartTime, "restored event keeps its start time")

	// The first poll after restart must not reopen the event.
	res := restarted.IngestSnapshot(context.Background(), "thames", []domain.Observation{discharging("thames", "X", t0)}, f.clock.Now())
	assert.Zero(t, res.Started)
	assert.Equal(t, 1, res.Updated)
}

func TestRestore_LatestActiveRecordWins(t *testing.T) {
	f := newFixture(t)
	id := domain.NewEventID("thames", "X")
	for _, start := range []time.Time{t0.Add(-5 * time.Hour), t0.Add(-time.Hour), t0.Add(-3 * time.Hour)} {
		require.NoError(t, f.store.Upsert(context.Background(), domain.Event{
			EventID: id, SourceID: "thames", SiteID: "X", StartTime: start, Status: domain.StatusActive,
		}))
	}

	completed, err := f.tracker.Restore(context.Background())
	require.NoError(t, err)

	active := f.tracker.Active()
	require.Len(t, active, 1)
	assert.Equal(t, t0.Add(-time.Hour), active[0].StartTime)

	// The superseded records are closed at the winner's start.
	require.Len(t, completed, 2)
	for _, start := range []time.Time{t0.Add(-5 * time.Hour), t0.Add(-3 * time.Hour)} {
		stored, ok := f.store.get(domain.RecordKey(id, start))
		require.True(t, ok)
		assert.Equal(t, domain.StatusCompleted, stored.Status)
		require.NotNil(t, stored.EndTime)
		assert.Equal(t, t0.Add(-time.Hour), *stored.EndTime)
	}

	// A second restart finds one Active record and nothing left to close.
	metrics := observability.NewMetricsForTesting()
	q := queue.New(600, 7*24*time.Hour, f.clock, metrics)
	restarted := tracker.New(f.store, q, observability.DiscardLogger(), metrics, tracker.Config{})
	writes := f.store.writes

	completed, err = restarted.Restore(context.Background())
	require.NoError(t, err)
	assert.Len(t, completed, 2)
	assert.Len(t, restarted.Active(), 1)
	assert.Equal(t, writes, f.store.writes)
}

func TestRestore_StaleRecordEndsAtLastUpdate(t *testing.T) {
	f := newFixture(t)
	id := domain.NewEventID("thames", "X")
	older := domain.Event{
		EventID: id, SourceID: "thames", SiteID: "X",
		StartTime: t0.Add(-6 * time.Hour), LastUpdated: t0.Add(-4 * time.Hour),
		Status: domain.StatusActive,
	}
	newer := domain.Event{
		EventID: id, SourceID: "thames", SiteID: "X",
		StartTime: t0.Add(-2 * time.Hour), LastUpdated: t0,
		Status: domain.StatusActive,
	}
	require.NoError(t, f.store.Upsert(context.Background(), newer))
	require.NoError(t, f.store.Upsert(context.Background(), older))

	completed, err := f.tracker.Restore(context.Background())
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, older.Key(), completed[0].Key())
	assert.Equal(t, t0.Add(-4*time.Hour), *completed[0].EndTime)
	assert.Equal(t, 120, *completed[0].DurationMinutes)
}

func TestRestore_RebuildsPreviousEnd(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "thames", discharging("thames", "X", t0))
	f.clock.Advance(700 * time.Minute)
	first := f.ingest(t, "thames").Completed[0]

	metrics := observability.NewMetricsForTesting()
	q := queue.New(600, 7*24*time.Hour, f.clock, metrics)
	restarted := tracker.New(f.store, q, observability.DiscardLogger(), metrics, tracker.Config{})
	_, err := restarted.Restore(context.Background())
	require.NoError(t, err)

	f.clock.Advance(5 * time.Minute)
	restarted.IngestSnapshot(context.Background(), "thames",
		[]domain.Observation{discharging("thames", "X", t0)}, f.clock.Now())

	active := restarted.Active()
	require.Len(t, active, 1)
	assert.Equal(t, f.clock.Now(), active[0].StartTime)
	assert.True(t, active[0].StartFallback)

	stored, ok := f.store.get(first.Key())
	require.True(t, ok)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
}

func TestRestore_LoadFailure(t *testing.T) {
	f := newFixture(t)
	f.store.loadErr = errors.New("malformed row")

	_, err := f.tracker.Restore(context.Background())
	require.Error(t, err)
}

// --- properties ---

// TestIngest_RandomSnapshots drives random snapshot sequences and checks the
// lifecycle invariants after every step.
func TestIngest_RandomSnapshots(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	sites := []string{"a", "b", "c", "d"}
	sources := []string{"thames", "southern"}

	f := newFixture(t)
	starts := map[domain.EventID]time.Time{}
	completedKeys := map[string]bool{}

	for step := 0; step < 500; step++ {
		src := sources[rng.Intn(len(sources))]
		var obs []domain.Observation
		for _, s := range sites {
			if rng.Intn(3) > 0 {
				obs = append(obs, domain.Observation{
					SourceID:        src,
					SiteID:          s,
					IsDischarging:   rng.Intn(2) == 0,
					StatusChangedAt: f.clock.Now().Add(-time.Duration(rng.Intn(120)) * time.Minute),
				})
			}
		}
		f.clock.Advance(time.Duration(1+rng.Intn(240)) * time.Minute)
		res := f.ingest(t, src, obs...)

		for _, done := range res.Completed {
			assert.False(t, completedKeys[done.Key()], "event %s completed twice", done.Key())
			completedKeys[done.Key()] = true
			assert.GreaterOrEqual(t, *done.DurationMinutes, 0)
			assert.Equal(t, domain.DurationMinutes(done.StartTime, *done.EndTime), *done.DurationMinutes)
			assert.Equal(t, starts[done.EventID], done.StartTime)
			delete(starts, done.EventID)
		}

		for _, e := range f.tracker.Active() {
			if prev, ok := starts[e.EventID]; ok {
				assert.Equal(t, prev, e.StartTime, "start time drifted for %s", e.EventID)
			}
			starts[e.EventID] = e.StartTime
		}
	}
}
