package file_generators

import (
	"math"
	"time"

	"github.com/fitglue/ride-ingest/pkg/types"
)

// RideOptions describes a synthetic ride used for fixtures and cmd/fit-gen.
type RideOptions struct {
	Sport     string
	StartTime time.Time
	Points    int
	DistanceM float64
	Duration  time.Duration
	// OriginLat/OriginLon is the first GPS fix; the track heads north-east.
	OriginLat float64
	OriginLon float64
	// WithoutGPS drops positions from every sample.
	WithoutGPS bool
}

// SyntheticRide builds a ProviderRecord with evenly spaced samples carrying
// position, elevation, heart rate, power and cadence.
func SyntheticRide(opts RideOptions) *types.ProviderRecord {
	if opts.Sport == "" {
		opts.Sport = "cycling"
	}
	if opts.Points <= 0 {
		opts.Points = 1
	}
	if opts.OriginLat == 0 && opts.OriginLon == 0 {
		opts.OriginLat, opts.OriginLon = 51.50000, -0.12000
	}

	duration := opts.Duration.Seconds()
	avgSpeed := 0.0
	if duration > 0 {
		avgSpeed = opts.DistanceM / duration
	}

	samples := make([]types.Sample, opts.Points)
	for i := range samples {
		frac := 0.0
		if opts.Points > 1 {
			frac = float64(i) / float64(opts.Points-1)
		}
		dist := opts.DistanceM * frac
		elev := 20 + 10*math.Sin(frac*math.Pi)
		speed := avgSpeed
		hr := 120 + i%30
		power := 180 + i%50
		cadence := 85 + i%10

		s := types.Sample{
			Timestamp: opts.StartTime.Add(time.Duration(frac * duration * float64(time.Second))),
			Elevation: &elev,
			DistanceM: &dist,
			SpeedMps:  &speed,
			HeartRate: &hr,
			Power:     &power,
			Cadence:   &cadence,
		}
		if !opts.WithoutGPS {
			// ~111 km per degree of latitude
			lat := opts.OriginLat + dist/111_000*0.7
			lon := opts.OriginLon + dist/111_000*0.7
			s.Lat, s.Lon = &lat, &lon
		}
		samples[i] = s
	}

	return &types.ProviderRecord{
		Session: &types.Session{
			Sport:           opts.Sport,
			StartTime:       opts.StartTime,
			TotalDistanceM:  opts.DistanceM,
			TotalElapsedSec: duration,
			TotalTimerSec:   duration,
			TotalAscentM:    10,
			TotalDescentM:   10,
			AvgSpeedMps:     avgSpeed,
			MaxSpeedMps:     avgSpeed * 1.5,
			AvgHeartRate:    135,
			MaxHeartRate:    149,
			AvgPower:        205,
			MaxPower:        229,
			AvgCadence:      90,
			Calories:        650,
		},
		Samples: samples,
	}
}
