package types

import "time"

// ProviderRecord is the output contract of a binary decoder: one session-level
// aggregate block and the ordered samples. Session is nil when the source
// carried no aggregates at all.
type ProviderRecord struct {
	Session *Session
	Samples []Sample
}

// Session holds provider aggregates in source units (meters, m/s, kcal).
type Session struct {
	Sport     string
	Name      string
	StartTime time.Time

	TotalDistanceM  float64
	TotalElapsedSec float64
	TotalTimerSec   float64
	TotalAscentM    float64
	TotalDescentM   float64
	AvgSpeedMps     float64
	MaxSpeedMps     float64
	AvgHeartRate    float64
	MaxHeartRate    float64
	AvgPower        float64
	MaxPower        float64
	AvgCadence      float64
	Calories        float64

	// EnergyKJ is set when the provider reports work directly.
	EnergyKJ float64
}

// Sample is one telemetry record. Nil pointers mean the channel was absent.
type Sample struct {
	Timestamp   time.Time
	Lat         *float64
	Lon         *float64
	Elevation   *float64
	DistanceM   *float64
	HeartRate   *int
	Power       *int
	Cadence     *int
	SpeedMps    *float64
	Temperature *float64
}

// HasPosition reports whether the sample carries both coordinates.
func (s Sample) HasPosition() bool {
	return s.Lat != nil && s.Lon != nil
}
