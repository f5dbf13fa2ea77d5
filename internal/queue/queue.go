// Package queue holds completed discharge events that ran long enough to be
// published, until they are dispatched or age out.
package queue

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/couchcryptid/discharge-tracker/internal/domain"
	"github.com/couchcryptid/discharge-tracker/internal/observability"
	"github.com/jonboulle/clockwork"
)

// Defaults applied when a non-positive value is configured.
const (
	DefaultMinDurationMinutes = 600
	DefaultRetention          = 7 * 24 * time.Hour
)

// Entry wraps a completed event waiting to be published.
type Entry struct {
	Event      domain.Event `json:"event"`
	AddedAt    time.Time    `json:"added_at"`
	Dispatched bool         `json:"dispatched"`

	seq uint64
}

// Queue is the duration-gated publish queue. It is the single dedup point
// for publishing: an event key is accepted at most once for as long as the
// entry is retained, whether or not it has been dispatched.
type Queue struct {
	mu      sync.Mutex
	entries map[string]*Entry
	nextSeq uint64

	minDuration int
	retention   time.Duration
	clock       clockwork.Clock
	metrics     *observability.Metrics
}

// New creates a Queue that accepts events of at least minDurationMinutes and
// keeps entries for retention after they end.
func New(minDurationMinutes int, retention time.Duration, clock clockwork.Clock, metrics *observability.Metrics) *Queue {
	if minDurationMinutes <= 0 {
		minDurationMinutes = DefaultMinDurationMinutes
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	if clock == nil {
		clock = domain.Clock()
	}
	return &Queue{
		entries:     make(map[string]*Entry),
		minDuration: minDurationMinutes,
		retention:   retention,
		clock:       clock,
		metrics:     metrics,
	}
}

// AddEvent enqueues a completed event. It returns false without changing the
// queue when the event is not completed, is shorter than the threshold, or
// its key is already present.
func (q *Queue) AddEvent(event domain.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.addLocked(event, false)
}

func (q *Queue) addLocked(event domain.Event, dispatched bool) bool {
	if event.Status != domain.StatusCompleted || event.DurationMinutes == nil || event.EndTime == nil {
		q.metrics.QueueAdds.WithLabelValues("not_completed").Inc()
		return false
	}
	if *event.DurationMinutes < q.minDuration {
		q.metrics.QueueAdds.WithLabelValues("below_threshold").Inc()
		return false
	}

	key := event.Key()
	if _, ok := q.entries[key]; ok {
		q.metrics.QueueAdds.WithLabelValues("duplicate").Inc()
		return false
	}

	q.entries[key] = &Entry{
		Event:      event,
		AddedAt:    q.clock.Now(),
		Dispatched: dispatched,
		seq:        q.nextSeq,
	}
	q.nextSeq++
	q.metrics.QueueAdds.WithLabelValues("accepted").Inc()
	q.metrics.QueueSize.Set(float64(len(q.entries)))
	return true
}

// Postable returns the events of all undispatched entries, most recently
// ended first. Entries with equal end times keep insertion order.
func (q *Queue) Postable() []domain.Event {
	q.mu.Lock()
	pending := make([]*Entry, 0, len(q.entries))
	for _, e := range q.entries {
		if !e.Dispatched {
			pending = append(pending, e)
		}
	}
	q.mu.Unlock()

	slices.SortFunc(pending, compareEntries)

	events := make([]domain.Event, len(pending))
	for i, e := range pending {
		events[i] = e.Event
	}
	return events
}

// Snapshot returns a copy of every entry in publish order, dispatched ones
// included.
func (q *Queue) Snapshot() []Entry {
	q.mu.Lock()
	out := make([]Entry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, *e)
	}
	q.mu.Unlock()

	slices.SortFunc(out, func(a, b Entry) int { return compareEntries(&a, &b) })
	return out
}

func compareEntries(a, b *Entry) int {
	// Descending end time.
	if c := b.Event.EndTime.Compare(*a.Event.EndTime); c != 0 {
		return c
	}
	return cmp.Compare(a.seq, b.seq)
}

// MarkDispatched flags the entry with the given event key as published. A
// missing key is not an error.
func (q *Queue) MarkDispatched(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e, ok := q.entries[key]; ok {
		e.Dispatched = true
	}
}

// Cleanup drops entries whose event ended more than the retention window
// before now, dispatched or not. It returns the number removed.
func (q *Queue) Cleanup(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := now.Add(-q.retention)
	removed := 0
	for key, e := range q.entries {
		if e.Event.EndTime.Before(cutoff) {
			delete(q.entries, key)
			removed++
		}
	}

	if removed > 0 {
		q.metrics.QueueEvictions.Add(float64(removed))
		q.metrics.QueueSize.Set(float64(len(q.entries)))
	}
	return removed
}

// Seed replays completed events loaded from the store at startup through the
// same threshold and dedup checks as AddEvent. Keys present in dispatched are
// restored as already published so they are never posted again. Events that
// have already aged out are skipped. It returns the number accepted.
func (q *Queue) Seed(events []domain.Event, dispatched map[string]bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.clock.Now().Add(-q.retention)
	accepted := 0
	for _, e := range events {
		if e.EndTime == nil || e.EndTime.Before(cutoff) {
			continue
		}
		if q.addLocked(e, dispatched[e.Key()]) {
			accepted++
		}
	}
	return accepted
}

// Len returns the number of retained entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// MinDurationMinutes returns the configured threshold.
func (q *Queue) MinDurationMinutes() int {
	return q.minDuration
}
