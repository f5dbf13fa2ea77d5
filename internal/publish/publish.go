// Package publish runs the publishing cycle: on its own timer it takes the
// postable events from the queue, hands them to the publishers as one batch,
// and marks them dispatched only when every publisher succeeded.
package publish

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/couchcryptid/discharge-tracker/internal/domain"
)

// Batch is one publish of postable events, newest end time first.
type Batch struct {
	ID        string         `json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	Events    []domain.Event `json:"events"`
}

var batchNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/couchcryptid/discharge-tracker/batches"))

// NewBatch builds a batch whose ID is derived from the event keys, so a
// retried publish of the same events reuses the same ID.
func NewBatch(events []domain.Event, now time.Time) Batch {
	return Batch{ID: BatchID(events), CreatedAt: now.UTC(), Events: events}
}

// BatchID returns the name-based UUID of the sorted event keys. It does not
// depend on event order.
func BatchID(events []domain.Event) string {
	keys := make([]string, len(events))
	for i, e := range events {
		keys[i] = e.Key()
	}
	slices.Sort(keys)
	return uuid.NewSHA1(batchNamespace, []byte(strings.Join(keys, "\n"))).String()
}

// Publisher delivers a batch to one destination. Publishing the same batch
// twice must be safe.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, batch Batch) error
}

// Multi publishes to every publisher in order and stops at the first
// failure.
type Multi []Publisher

func (m Multi) Name() string { return "multi" }

func (m Multi) Publish(ctx context.Context, batch Batch) error {
	for _, p := range m {
		if err := p.Publish(ctx, batch); err != nil {
			return &domain.PublishError{Publisher: p.Name(), BatchID: batch.ID, Err: err}
		}
	}
	return nil
}
