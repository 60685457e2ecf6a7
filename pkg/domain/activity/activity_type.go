package activity

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/fitglue/ride-ingest/pkg/types"
)

// cyclingMarkers are substrings that identify a sport description as cycling.
// Matching is done on case-folded text so "Ride", "RIDE" and "ride" agree.
var cyclingMarkers = []string{"cycl", "ride", "bik", "velo"}

// nonCyclingMarkers veto a match on cyclingMarkers ("motorcycling", "Motorbike").
var nonCyclingMarkers = []string{"motor"}

// typeMarkers are checked in order; the first match wins, road is the default.
var typeMarkers = []struct {
	marker string
	tag    types.ActivityType
}{
	{"mountain", types.ActivityTypeMountain},
	{"mtb", types.ActivityTypeMountain},
	{"gravel", types.ActivityTypeGravel},
	{"cyclocross", types.ActivityTypeGravel},
	{"indoor", types.ActivityTypeIndoor},
	{"virtual", types.ActivityTypeIndoor},
	{"trainer", types.ActivityTypeIndoor},
}

var folder = cases.Fold()

// ClassifySport maps a free-text sport description (FIT "cycling mountain",
// Strava "GravelRide", ...) to an activity type. ok is false for sports that
// are not cycling.
func ClassifySport(sport string) (tag types.ActivityType, ok bool) {
	s := folder.String(sport)
	if containsAny(s, nonCyclingMarkers) || !containsAny(s, cyclingMarkers) {
		return "", false
	}
	for _, tm := range typeMarkers {
		if strings.Contains(s, tm.marker) {
			return tm.tag, true
		}
	}
	return types.ActivityTypeRoad, true
}

// IsCycling reports whether sport describes a cycling activity.
func IsCycling(sport string) bool {
	_, ok := ClassifySport(sport)
	return ok
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// generateActivityName creates a default name from the type and local hour,
// e.g. "Morning Gravel Ride".
func generateActivityName(activityType types.ActivityType, startTime time.Time) string {
	hour := startTime.Hour()
	var timeOfDay string
	switch {
	case hour < 12:
		timeOfDay = "Morning"
	case hour < 17:
		timeOfDay = "Afternoon"
	case hour < 21:
		timeOfDay = "Evening"
	default:
		timeOfDay = "Night"
	}

	var kind string
	switch activityType {
	case types.ActivityTypeMountain:
		kind = "Mountain Bike Ride"
	case types.ActivityTypeGravel:
		kind = "Gravel Ride"
	case types.ActivityTypeIndoor:
		kind = "Indoor Ride"
	default:
		kind = "Ride"
	}

	return fmt.Sprintf("%s %s", timeOfDay, kind)
}
