package domain

import (
	"math"
	"strings"
	"time"
)

// EventID identifies a monitored site within a source. At most one Active
// event exists per EventID at any time.
type EventID string

// NewEventID builds the composite key for a site. Two sources reporting the
// same site identifier produce different IDs.
func NewEventID(sourceID, siteID string) EventID {
	return EventID(sourceID + ":" + siteID)
}

// Status is the lifecycle state of a discharge event.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// Geo represents a WGS-84 latitude/longitude coordinate pair.
type Geo struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Event is the durable record of one discharge at one site.
type Event struct {
	EventID         EventID    `json:"event_id"`
	SourceID        string     `json:"source_id"`
	SiteID          string     `json:"site_id"`
	SiteName        string     `json:"site_name,omitempty"`
	Coordinates     *Geo       `json:"coordinates,omitempty"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationMinutes *int       `json:"duration_minutes,omitempty"`
	Status          Status     `json:"status"`
	Watercourse     string     `json:"watercourse,omitempty"`
	LastUpdated     time.Time  `json:"last_updated"`

	// StartFallback is set when the feed's status-change time was missing or
	// implausible and the first observation time was used instead.
	StartFallback bool `json:"start_fallback,omitempty"`
	// DurationClamped is set when the end time preceded the start time and the
	// duration was clamped to zero.
	DurationClamped bool `json:"duration_clamped,omitempty"`
}

// Key is the record key: the site's EventID plus the start time. A later
// discharge at the same site produces a different key.
func (e Event) Key() string {
	return RecordKey(e.EventID, e.StartTime)
}

// RecordKey formats the store and queue key for an event.
func RecordKey(id EventID, start time.Time) string {
	return string(id) + "@" + start.UTC().Format(time.RFC3339)
}

// Complete transitions an Active event to Completed at the given time and
// returns the completed copy. Duration is rounded to whole minutes and never
// negative.
func (e Event) Complete(now time.Time) (Event, error) {
	if e.Status == StatusCompleted {
		return e, ErrAlreadyCompleted
	}

	minutes := DurationMinutes(e.StartTime, now)
	if minutes < 0 {
		minutes = 0
		e.DurationClamped = true
	}

	end := now
	e.EndTime = &end
	e.DurationMinutes = &minutes
	e.Status = StatusCompleted
	e.LastUpdated = now
	return e, nil
}

// DurationMinutes returns round((end-start)/60000ms). The result is negative
// when end precedes start; callers clamp.
func DurationMinutes(start, end time.Time) int {
	ms := float64(end.Sub(start).Milliseconds())
	return int(math.Round(ms / 60000))
}

// IsActive reports whether the event is still discharging.
func (e Event) IsActive() bool {
	return e.Status == StatusActive
}

// ParseStatus maps a stored status string back to a Status.
func ParseStatus(s string) (Status, bool) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusActive:
		return StatusActive, true
	case StatusCompleted:
		return StatusCompleted, true
	default:
		return "", false
	}
}
