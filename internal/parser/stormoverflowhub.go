package parser

import (
	"errors"
	"fmt"
	"math"

	"github.com/couchcryptid/discharge-tracker/internal/domain"
)

// Storm overflow hub status codes.
const (
	hubStatusOffline     = -1
	hubStatusNotActive   = 0
	hubStatusDischarging = 1
)

var errMissingSiteID = errors.New("site id missing")

// StormOverflowHub parses the national storm overflow hub schema shared by
// the water company feature services.
type StormOverflowHub struct{}

func (StormOverflowHub) Parse(sourceID string, raw domain.RawFeature) (domain.Observation, error) {
	attrs := raw.Attributes

	siteID := pickStr(attrs, "Id", "ID", "id")
	if siteID == "" {
		return domain.Observation{}, &domain.ParseError{SourceID: sourceID, Field: "Id", Err: errMissingSiteID}
	}

	code, ok := pickFloat(attrs, "Status")
	if !ok {
		return domain.Observation{}, &domain.ParseError{SourceID: sourceID, Field: "Status", Err: errors.New("status missing")}
	}
	if code != math.Trunc(code) || math.IsInf(code, 0) {
		return domain.Observation{}, &domain.ParseError{
			SourceID: sourceID,
			Field:    "Status",
			Err:      fmt.Errorf("status code %v is not a whole number", code),
		}
	}
	var discharging bool
	switch int(code) {
	case hubStatusDischarging:
		discharging = true
	case hubStatusNotActive, hubStatusOffline:
	default:
		return domain.Observation{}, &domain.ParseError{
			SourceID: sourceID,
			Field:    "Status",
			Err:      fmt.Errorf("unknown status code %v", code),
		}
	}

	changedAt, field, err := pickTime(attrs, "StatusStart", "LatestEventStart")
	if err != nil {
		return domain.Observation{}, &domain.ParseError{SourceID: sourceID, Field: field, Err: err}
	}

	return domain.Observation{
		SourceID:        sourceID,
		SiteID:          siteID,
		IsDischarging:   discharging,
		StatusChangedAt: changedAt,
		Watercourse:     pickStr(attrs, "ReceivingWaterCourse"),
		SiteName:        pickStr(attrs, "SiteName", "Name"),
		Coordinates:     coordinates(raw, "Latitude", "Longitude"),
		Attributes:      attrs,
	}, nil
}
