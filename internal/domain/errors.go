package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyCompleted is returned when completing an event twice.
	ErrAlreadyCompleted = errors.New("event already completed")

	// ErrNoSources is returned when no feed sources are configured.
	ErrNoSources = errors.New("no sources configured")
)

// FetchError reports a transport or HTTP failure for one source. The source
// is skipped for the tick; other sources are unaffected.
type FetchError struct {
	SourceID string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch source %s: %v", e.SourceID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError reports a feature that could not be normalized. The feature is
// skipped.
type ParseError struct {
	SourceID string
	Field    string
	Err      error
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("parse feature from %s: %v", e.SourceID, e.Err)
	}
	return fmt.Sprintf("parse feature from %s: field %q: %v", e.SourceID, e.Field, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// PersistenceError reports a failed store write. Tracking continues in memory
// with degraded durability.
type PersistenceError struct {
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist event %s: %v", e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// PublishError reports a failed publish of a batch. Nothing in the batch is
// dispatched and it is retried on the next cycle.
type PublishError struct {
	Publisher string
	BatchID   string
	Err       error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish batch %s via %s: %v", e.BatchID, e.Publisher, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
