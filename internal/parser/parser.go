// Package parser normalizes raw feed features into observations. Each
// source names its adapter in the sources file, so supporting a new feed
// schema means adding an adapter here without touching the tracker.
package parser

import (
	"fmt"

	"github.com/couchcryptid/discharge-tracker/internal/config"
	"github.com/couchcryptid/discharge-tracker/internal/domain"
)

// Adapter converts one raw feature into an Observation. A feature that
// cannot be interpreted yields a *domain.ParseError.
type Adapter interface {
	Parse(sourceID string, raw domain.RawFeature) (domain.Observation, error)
}

// NewFromConfig returns the adapter selected by the source's configuration.
func NewFromConfig(src config.SourceConfig) (Adapter, error) {
	switch src.Adapter {
	case "", config.AdapterStormOverflowHub:
		return StormOverflowHub{}, nil
	case config.AdapterFields:
		return NewFields(src.Fields), nil
	default:
		return nil, fmt.Errorf("source %s: unknown adapter %q", src.ID, src.Adapter)
	}
}

// ParseAll runs the adapter over every feature. Features that fail to parse
// are returned separately so the caller can log and count them.
func ParseAll(a Adapter, sourceID string, raws []domain.RawFeature) ([]domain.Observation, []error) {
	out := make([]domain.Observation, 0, len(raws))
	var errs []error
	for _, raw := range raws {
		obs, err := a.Parse(sourceID, raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, obs)
	}
	return out, errs
}
