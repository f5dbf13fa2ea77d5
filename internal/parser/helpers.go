package parser

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/discharge-tracker/internal/domain"
)

// Epoch values above this are taken to be milliseconds.
const epochMillisCutoff = 1e11

// pickStr returns the first non-empty string attribute among keys. Numeric
// values are formatted, since some feeds publish IDs as numbers.
func pickStr(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := stringify(m[k]); s != "" {
			return s
		}
	}
	return ""
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

// pickFloat returns the first attribute among keys that holds a number or a
// numeric string.
func pickFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case float64:
			return t, true
		case int:
			return float64(t), true
		case int64:
			return float64(t), true
		case json.Number:
			if f, err := t.Float64(); err == nil {
				return f, true
			}
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

// pickTime returns the first attribute among keys holding a usable
// timestamp. A present but unparseable value is an error; an absent one
// returns the zero time.
func pickTime(m map[string]any, keys ...string) (time.Time, string, error) {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case float64:
			return fromEpoch(t), k, nil
		case int64:
			return fromEpoch(float64(t)), k, nil
		case int:
			return fromEpoch(float64(t)), k, nil
		case json.Number:
			f, err := t.Float64()
			if err != nil {
				return time.Time{}, k, err
			}
			return fromEpoch(f), k, nil
		case string:
			if strings.TrimSpace(t) == "" {
				continue
			}
			ts, err := parseTimeFlexible(t)
			return ts, k, err
		default:
			return time.Time{}, k, fmt.Errorf("unsupported time value %T", v)
		}
	}
	return time.Time{}, "", nil
}

func fromEpoch(v float64) time.Time {
	if v > epochMillisCutoff {
		return time.UnixMilli(int64(v)).UTC()
	}
	return time.Unix(int64(v), 0).UTC()
}

// parseTimeFlexible accepts RFC3339, epoch seconds or milliseconds, and a
// couple of common layouts.
func parseTimeFlexible(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && len(s) >= 10 {
		return fromEpoch(float64(n)), nil
	}
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time: %s", s)
}

// coordinates prefers explicit lat/lon attributes over the feature geometry.
func coordinates(raw domain.RawFeature, latKey, lonKey string) *domain.Geo {
	if latKey != "" && lonKey != "" {
		lat, okLat := pickFloat(raw.Attributes, latKey)
		lon, okLon := pickFloat(raw.Attributes, lonKey)
		if okLat && okLon {
			return &domain.Geo{Lat: lat, Lon: lon}
		}
	}
	if raw.Geometry != nil {
		g := *raw.Geometry
		return &g
	}
	return nil
}
