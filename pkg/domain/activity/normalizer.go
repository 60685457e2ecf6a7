package activity

import (
	"errors"
	"time"

	"github.com/fitglue/ride-ingest/pkg/domain/polyline"
	"github.com/fitglue/ride-ingest/pkg/types"
)

var (
	// ErrNonCycling marks a record whose sport is not cycling. It is a skip
	// outcome, not a failure.
	ErrNonCycling = errors.New("non-cycling activity")

	// ErrNoSession is returned when the record has no aggregate block at all.
	ErrNoSession = errors.New("record has no session aggregates")
)

const (
	metersPerKm = 1000.0
	mpsToKmh    = 3.6
	kcalToKJ    = 4.184
)

// Source identifies where a provider record came from and who owns it.
type Source struct {
	UserID             string
	Provider           string
	ProviderActivityID string
	// Name overrides the generated activity name when set.
	Name string
	// SummaryPolyline is used to build the track when no sample carries a
	// position (e.g. provider summaries without streams).
	SummaryPolyline string
}

// Normalized is the internal shape produced from one provider record.
type Normalized struct {
	Activity    *types.Activity
	TrackPoints []types.TrackPoint
}

// Normalize maps a provider record onto an Activity and its TrackPoints.
// TrackPoints carry no ActivityID yet; the writer assigns it.
func Normalize(rec *types.ProviderRecord, src Source) (*Normalized, error) {
	if rec == nil || rec.Session == nil {
		return nil, ErrNoSession
	}
	session := rec.Session

	activityType, ok := ClassifySport(session.Sport)
	if !ok {
		return nil, ErrNonCycling
	}

	startTime := session.StartTime
	if startTime.IsZero() {
		startTime = firstTimestamp(rec.Samples)
	}

	track := buildTrack(rec.Samples, startTime)
	if len(track) == 0 && src.SummaryPolyline != "" {
		track = trackFromPolyline(src.SummaryPolyline)
	}

	a := &types.Activity{
		UserID:             src.UserID,
		Type:               activityType,
		Provider:           src.Provider,
		ProviderActivityID: src.ProviderActivityID,
		StartTime:          startTime.UTC(),

		DistanceKm:     session.TotalDistanceM / metersPerKm,
		DurationSec:    session.TotalElapsedSec,
		MovingTimeSec:  session.TotalTimerSec,
		ElevationGainM: session.TotalAscentM,
		ElevationLossM: session.TotalDescentM,
		AvgSpeedKmh:    session.AvgSpeedMps * mpsToKmh,
		MaxSpeedKmh:    session.MaxSpeedMps * mpsToKmh,
		AvgHeartRate:   session.AvgHeartRate,
		MaxHeartRate:   session.MaxHeartRate,
		AvgPower:       session.AvgPower,
		MaxPower:       session.MaxPower,
		AvgCadence:     session.AvgCadence,
		EnergyKJ:       session.EnergyKJ,

		HasGPS:          len(track) > 0,
		TrackPointCount: len(track),
	}

	if a.DurationSec == 0 {
		a.DurationSec = sampleSpan(rec.Samples)
	}
	if a.AvgSpeedKmh == 0 && a.DurationSec > 0 {
		a.AvgSpeedKmh = a.DistanceKm / (a.DurationSec / 3600)
	}
	if a.EnergyKJ == 0 && session.Calories > 0 {
		a.EnergyKJ = session.Calories * kcalToKJ
	}

	if len(rec.Samples) > 0 {
		for _, s := range rec.Samples {
			a.HasHeartRate = a.HasHeartRate || s.HeartRate != nil
			a.HasPower = a.HasPower || s.Power != nil
			a.HasCadence = a.HasCadence || s.Cadence != nil
		}
	} else {
		a.HasHeartRate = session.AvgHeartRate > 0
		a.HasPower = session.AvgPower > 0
		a.HasCadence = session.AvgCadence > 0
	}

	summary := SummarizeTrack(track)
	a.Polyline = summary.Polyline
	a.Bounds = summary.Bounds

	switch {
	case src.Name != "":
		a.Name = src.Name
	case session.Name != "":
		a.Name = session.Name
	default:
		a.Name = generateActivityName(activityType, startTime)
	}

	return &Normalized{Activity: a, TrackPoints: track}, nil
}

// buildTrack keeps samples that carry both coordinates. Seq is the index in
// the filtered sequence, not in the original samples.
func buildTrack(samples []types.Sample, start time.Time) []types.TrackPoint {
	var track []types.TrackPoint
	for _, s := range samples {
		if !s.HasPosition() {
			continue
		}
		tp := types.TrackPoint{
			Seq:             len(track),
			Lat:             *s.Lat,
			Lon:             *s.Lon,
			Elevation:       s.Elevation,
			DistanceOffsetM: s.DistanceM,
			HeartRate:       s.HeartRate,
			Power:           s.Power,
			Cadence:         s.Cadence,
			Temperature:     s.Temperature,
		}
		if !start.IsZero() && !s.Timestamp.IsZero() {
			tp.TimeOffsetSec = s.Timestamp.Sub(start).Seconds()
		}
		if s.SpeedMps != nil {
			kmh := *s.SpeedMps * mpsToKmh
			tp.SpeedKmh = &kmh
		}
		track = append(track, tp)
	}
	return track
}

func trackFromPolyline(encoded string) []types.TrackPoint {
	points := polyline.Decode(encoded)
	track := make([]types.TrackPoint, len(points))
	for i, p := range points {
		track[i] = types.TrackPoint{Seq: i, Lat: p.Lat, Lon: p.Lon}
	}
	return track
}

// SummarizeTrack encodes the polyline and bounding box of points.
func SummarizeTrack(points []types.TrackPoint) types.TrackSummary {
	summary := types.TrackSummary{Count: len(points)}
	if len(points) == 0 {
		return summary
	}

	var enc polyline.Encoder
	bounds := types.BoundingBox{
		MinLat: points[0].Lat, MaxLat: points[0].Lat,
		MinLon: points[0].Lon, MaxLon: points[0].Lon,
	}
	for _, p := range points {
		enc.Append(polyline.Point{Lat: p.Lat, Lon: p.Lon})
		bounds.MinLat = min(bounds.MinLat, p.Lat)
		bounds.MaxLat = max(bounds.MaxLat, p.Lat)
		bounds.MinLon = min(bounds.MinLon, p.Lon)
		bounds.MaxLon = max(bounds.MaxLon, p.Lon)
	}
	summary.Polyline = enc.String()
	summary.Bounds = &bounds
	return summary
}

func firstTimestamp(samples []types.Sample) time.Time {
	for _, s := range samples {
		if !s.Timestamp.IsZero() {
			return s.Timestamp
		}
	}
	return time.Time{}
}

func sampleSpan(samples []types.Sample) float64 {
	first := firstTimestamp(samples)
	if first.IsZero() {
		return 0
	}
	for i := len(samples) - 1; i >= 0; i-- {
		if !samples[i].Timestamp.IsZero() {
			return samples[i].Timestamp.Sub(first).Seconds()
		}
	}
	return 0
}
