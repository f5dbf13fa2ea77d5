package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Adapter names accepted in the sources file.
const (
	AdapterStormOverflowHub = "stormoverflowhub"
	AdapterFields           = "fields"
)

// DefaultOrderBy is the object ID field of hosted ArcGIS layers.
const DefaultOrderBy = "OBJECTID"

// FieldMap names the feature attributes a "fields" adapter reads.
type FieldMap struct {
	SiteID            string   `yaml:"site_id"`
	Status            string   `yaml:"status"`
	DischargingValues []string `yaml:"discharging_values"` // status values meaning "discharging"
	ChangedAt         string   `yaml:"changed_at"`
	Watercourse       string   `yaml:"watercourse"`
	SiteName          string   `yaml:"site_name"`
	Lat               string   `yaml:"lat"`
	Lon               string   `yaml:"lon"`
}

// SourceConfig describes one upstream feature service.
type SourceConfig struct {
	ID      string   `yaml:"id"`
	Name    string   `yaml:"name"`
	URL     string   `yaml:"url"` // FeatureServer layer URL, without /query
	Adapter string   `yaml:"adapter"`
	Fields  FieldMap `yaml:"fields"`

	Timeout       time.Duration `yaml:"timeout"`         // per request, default 15s
	RatePerSecond float64       `yaml:"rate_per_second"` // default 2
	MaxRetries    int           `yaml:"max_retries"`     // default 3
	PageSize      int           `yaml:"page_size"`       // default 1000
	// OrderBy is the field pages are sorted on, normally the layer's object
	// ID field. Offset paging is only stable over a fixed order.
	OrderBy string `yaml:"order_by"` // default OBJECTID
}

type sourcesFile struct {
	Sources []SourceConfig `yaml:"sources"`
}

// LoadSources reads and validates the YAML sources file.
func LoadSources(path string) ([]SourceConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}
	return ParseSources(b)
}

// ParseSources decodes a sources document and applies per-source defaults.
func ParseSources(b []byte) ([]SourceConfig, error) {
	var f sourcesFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("decode sources file: %w", err)
	}
	if len(f.Sources) == 0 {
		return nil, errors.New("sources file lists no sources")
	}

	seen := make(map[string]bool, len(f.Sources))
	for i := range f.Sources {
		s := &f.Sources[i]
		s.ID = strings.TrimSpace(s.ID)
		if s.ID == "" {
			return nil, fmt.Errorf("source %d: id is required", i)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("source %q: duplicate id", s.ID)
		}
		seen[s.ID] = true

		if s.URL == "" {
			return nil, fmt.Errorf("source %q: url is required", s.ID)
		}
		if s.Adapter == "" {
			s.Adapter = AdapterStormOverflowHub
		}
		switch s.Adapter {
		case AdapterStormOverflowHub:
		case AdapterFields:
			if s.Fields.SiteID == "" || s.Fields.Status == "" {
				return nil, fmt.Errorf("source %q: fields adapter needs fields.site_id and fields.status", s.ID)
			}
		default:
			return nil, fmt.Errorf("source %q: unknown adapter %q", s.ID, s.Adapter)
		}

		if s.Name == "" {
			s.Name = s.ID
		}
		if s.Timeout <= 0 {
			s.Timeout = 15 * time.Second
		}
		if s.RatePerSecond <= 0 {
			s.RatePerSecond = 2
		}
		if s.MaxRetries <= 0 {
			s.MaxRetries = 3
		}
		if s.PageSize <= 0 {
			s.PageSize = 1000
		}
		s.OrderBy = strings.TrimSpace(s.OrderBy)
		if s.OrderBy == "" {
			s.OrderBy = DefaultOrderBy
		}
	}
	return f.Sources, nil
}
