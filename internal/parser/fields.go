package parser

import (
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/couchcryptid/discharge-tracker/internal/config"
	"github.com/couchcryptid/discharge-tracker/internal/domain"
)

var defaultDischargingValues = []string{"1", "true", "discharging"}

// Fields reads a feed whose attribute names are given in configuration.
type Fields struct {
	m           config.FieldMap
	discharging []string
}

// NewFields builds a Fields adapter. Status values are matched
// case-insensitively.
func NewFields(m config.FieldMap) *Fields {
	values := m.DischargingValues
	if len(values) == 0 {
		values = defaultDischargingValues
	}
	norm := make([]string, 0, len(values))
	for _, v := range values {
		norm = append(norm, strings.ToLower(strings.TrimSpace(v)))
	}
	return &Fields{m: m, discharging: norm}
}

func (f *Fields) Parse(sourceID string, raw domain.RawFeature) (domain.Observation, error) {
	attrs := raw.Attributes

	siteID := pickStr(attrs, f.m.SiteID)
	if siteID == "" {
		return domain.Observation{}, &domain.ParseError{SourceID: sourceID, Field: f.m.SiteID, Err: errMissingSiteID}
	}

	status, ok := statusString(attrs[f.m.Status])
	if !ok {
		return domain.Observation{}, &domain.ParseError{SourceID: sourceID, Field: f.m.Status, Err: errors.New("status missing")}
	}

	var changedAt time.Time
	if f.m.ChangedAt != "" {
		ts, _, err := pickTime(attrs, f.m.ChangedAt)
		if err != nil {
			return domain.Observation{}, &domain.ParseError{SourceID: sourceID, Field: f.m.ChangedAt, Err: err}
		}
		changedAt = ts
	}

	obs := domain.Observation{
		SourceID:        sourceID,
		SiteID:          siteID,
		IsDischarging:   slices.Contains(f.discharging, status),
		StatusChangedAt: changedAt,
		Coordinates:     coordinates(raw, f.m.Lat, f.m.Lon),
		Attributes:      attrs,
	}
	if f.m.Watercourse != "" {
		obs.Watercourse = pickStr(attrs, f.m.Watercourse)
	}
	if f.m.SiteName != "" {
		obs.SiteName = pickStr(attrs, f.m.SiteName)
	}
	return obs, nil
}

// statusString normalizes a status attribute for comparison.
func statusString(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case bool:
		if t {
			return "true", true
		}
		return "false", true
	default:
		s := stringify(v)
		if s == "" {
			return "", false
		}
		return strings.ToLower(s), true
	}
}
