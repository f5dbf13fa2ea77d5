package domain

import "time"

// RawFeature is one feature record as returned by a geospatial feed. Field
// names differ between providers, so attributes are kept as a loose map and
// interpreted by a per-source parser.
type RawFeature struct {
	Attributes map[string]any
	Geometry   *Geo
}

// Observation is the normalized state of one site in one poll. It is not
// persisted.
type Observation struct {
	SourceID      string
	SiteID        string
	IsDischarging bool
	// StatusChangedAt is the feed's own timestamp for the last status change.
	// Zero means the feed did not report one.
	StatusChangedAt time.Time
	Watercourse     string
	SiteName        string
	Coordinates     *Geo
	Attributes      map[string]any
}

// EventID returns the composite key for the observed site.
func (o Observation) EventID() EventID {
	return NewEventID(o.SourceID, o.SiteID)
}
