package fit_parser

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/muktihari/fit/decoder"
	"github.com/muktihari/fit/profile/mesgdef"
	"github.com/muktihari/fit/profile/typedef"
	"github.com/muktihari/fit/proto"

	"github.com/fitglue/ride-ingest/pkg/types"
)

// ErrUnsupportedFileType is returned for payloads that are not FIT files.
var ErrUnsupportedFileType = errors.New("unsupported file type")

// semicircles per degree: 2^31 / 180
const semicircleConst = 11930464.7111

// Decoder adapts ParseFitFile to the pipeline's record decoder contract.
type Decoder struct{}

func (Decoder) Decode(data []byte, fileType string) (*types.ProviderRecord, error) {
	switch strings.ToLower(strings.TrimPrefix(fileType, ".")) {
	case "", "fit":
		return ParseFitFile(data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFileType, fileType)
	}
}

// FIT message order: FileId -> DeviceInfo -> Records -> Lap -> Session -> Activity
// Records come BEFORE the Session summary, so samples are collected first and
// sessions merged at the end.

// ParseFitFile decodes a FIT file into a ProviderRecord. Multiple sessions
// (device auto-pause splits) are merged into one. A file without any session
// message yields a record with a nil Session.
func ParseFitFile(data []byte) (*types.ProviderRecord, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty FIT data")
	}

	fitDec := decoder.New(bytes.NewReader(data))

	var samples []types.Sample
	var sessions []types.Session
	decoded := false

	for fitDec.Next() {
		fitData, err := fitDec.Decode()
		if err != nil {
			return nil, fmt.Errorf("failed to decode FIT file: %w", err)
		}
		decoded = true

		for i := range fitData.Messages {
			msg := &fitData.Messages[i]
			switch msg.Num {
			case typedef.MesgNumRecord:
				if sample, ok := parseRecord(msg); ok {
					samples = append(samples, sample)
				}
			case typedef.MesgNumSession:
				sessions = append(sessions, parseSession(mesgdef.NewSession(msg)))
			}
		}
	}

	if !decoded {
		return nil, fmt.Errorf("no FIT data decoded")
	}

	record := &types.ProviderRecord{Samples: samples}
	if len(sessions) > 0 {
		merged := MergeSessions(sessions)
		if merged.StartTime.IsZero() {
			merged.StartTime = StartOf(samples)
		}
		record.Session = &merged
	}
	return record, nil
}

func parseSession(s *mesgdef.Session) types.Session {
	session := types.Session{
		Sport:     SportString(s.Sport, s.SubSport, s.SportProfileName),
		Name:      s.SportProfileName,
		StartTime: s.StartTime.UTC(),
	}
	if s.TotalDistance != 0xFFFFFFFF {
		session.TotalDistanceM = float64(s.TotalDistance) / 100
	}
	if s.TotalElapsedTime != 0xFFFFFFFF {
		session.TotalElapsedSec = float64(s.TotalElapsedTime) / 1000
	}
	if s.TotalTimerTime != 0xFFFFFFFF {
		session.TotalTimerSec = float64(s.TotalTimerTime) / 1000
	}
	if s.TotalAscent != 0xFFFF {
		session.TotalAscentM = float64(s.TotalAscent)
	}
	if s.TotalDescent != 0xFFFF {
		session.TotalDescentM = float64(s.TotalDescent)
	}

	// Speed: prefer enhanced fields, FIT stores mm/s
	if s.EnhancedAvgSpeed != 0xFFFFFFFF {
		session.AvgSpeedMps = float64(s.EnhancedAvgSpeed) / 1000
	} else if s.AvgSpeed != 0xFFFF {
		session.AvgSpeedMps = float64(s.AvgSpeed) / 1000
	}
	if s.EnhancedMaxSpeed != 0xFFFFFFFF {
		session.MaxSpeedMps = float64(s.EnhancedMaxSpeed) / 1000
	} else if s.MaxSpeed != 0xFFFF {
		session.MaxSpeedMps = float64(s.MaxSpeed) / 1000
	}

	if s.AvgHeartRate != 0xFF {
		session.AvgHeartRate = float64(s.AvgHeartRate)
	}
	if s.MaxHeartRate != 0xFF {
		session.MaxHeartRate = float64(s.MaxHeartRate)
	}
	if s.AvgPower != 0xFFFF {
		session.AvgPower = float64(s.AvgPower)
	}
	if s.MaxPower != 0xFFFF {
		session.MaxPower = float64(s.MaxPower)
	}
	if s.AvgCadence != 0xFF {
		session.AvgCadence = float64(s.AvgCadence)
	}
	if s.TotalCalories != 0xFFFF {
		session.Calories = float64(s.TotalCalories)
	}
	return session
}

// parseRecord extracts one sample. Records without a timestamp are dropped.
func parseRecord(msg *proto.Message) (types.Sample, bool) {
	recordMsg := mesgdef.NewRecord(msg)

	ts := recordMsg.Timestamp
	if ts.IsZero() {
		return types.Sample{}, false
	}

	sample := types.Sample{Timestamp: ts.UTC()}

	// Position (FIT uses semicircles)
	if recordMsg.PositionLat != 0x7FFFFFFF && recordMsg.PositionLong != 0x7FFFFFFF {
		lat := float64(recordMsg.PositionLat) / semicircleConst
		lon := float64(recordMsg.PositionLong) / semicircleConst
		sample.Lat = &lat
		sample.Lon = &lon
	}

	// Altitude: FIT stores 5 * (altitude + 500)
	if recordMsg.EnhancedAltitude != 0xFFFFFFFF {
		alt := float64(recordMsg.EnhancedAltitude)/5 - 500
		sample.Elevation = &alt
	} else if recordMsg.Altitude != 0xFFFF {
		alt := float64(recordMsg.Altitude)/5 - 500
		sample.Elevation = &alt
	}

	if recordMsg.EnhancedSpeed != 0xFFFFFFFF {
		speed := float64(recordMsg.EnhancedSpeed) / 1000
		sample.SpeedMps = &speed
	} else if recordMsg.Speed != 0xFFFF {
		speed := float64(recordMsg.Speed) / 1000
		sample.SpeedMps = &speed
	}

	if recordMsg.Distance != 0xFFFFFFFF {
		dist := float64(recordMsg.Distance) / 100
		sample.DistanceM = &dist
	}
	if recordMsg.HeartRate != 0xFF {
		hr := int(recordMsg.HeartRate)
		sample.HeartRate = &hr
	}
	if recordMsg.Power != 0xFFFF {
		power := int(recordMsg.Power)
		sample.Power = &power
	}
	if recordMsg.Cadence != 0xFF {
		cadence := int(recordMsg.Cadence)
		sample.Cadence = &cadence
	}
	if recordMsg.Temperature != 0x7F {
		temp := float64(recordMsg.Temperature)
		sample.Temperature = &temp
	}

	return sample, true
}

// MergeSessions merges multiple sessions into one. Totals are summed, maxima
// take the largest value and averages are weighted by elapsed time.
func MergeSessions(sessions []types.Session) types.Session {
	if len(sessions) == 1 {
		return sessions[0]
	}

	merged := types.Session{
		Sport:     sessions[0].Sport,
		Name:      sessions[0].Name,
		StartTime: sessions[0].StartTime,
	}

	var weight float64
	for _, s := range sessions {
		if merged.StartTime.IsZero() || (!s.StartTime.IsZero() && s.StartTime.Before(merged.StartTime)) {
			merged.StartTime = s.StartTime
		}
		merged.TotalDistanceM += s.TotalDistanceM
		merged.TotalElapsedSec += s.TotalElapsedSec
		merged.TotalTimerSec += s.TotalTimerSec
		merged.TotalAscentM += s.TotalAscentM
		merged.TotalDescentM += s.TotalDescentM
		merged.Calories += s.Calories
		merged.MaxSpeedMps = max(merged.MaxSpeedMps, s.MaxSpeedMps)
		merged.MaxHeartRate = max(merged.MaxHeartRate, s.MaxHeartRate)
		merged.MaxPower = max(merged.MaxPower, s.MaxPower)

		w := s.TotalElapsedSec
		merged.AvgSpeedMps += s.AvgSpeedMps * w
		merged.AvgHeartRate += s.AvgHeartRate * w
		merged.AvgPower += s.AvgPower * w
		merged.AvgCadence += s.AvgCadence * w
		weight += w
	}

	if weight > 0 {
		merged.AvgSpeedMps /= weight
		merged.AvgHeartRate /= weight
		merged.AvgPower /= weight
		merged.AvgCadence /= weight
	} else {
		merged.AvgSpeedMps, merged.AvgHeartRate, merged.AvgPower, merged.AvgCadence = 0, 0, 0, 0
	}
	return merged
}

// SportString renders the FIT sport fields as the free-text sport description
// the normalizer classifies, e.g. "cycling mountain".
func SportString(sport typedef.Sport, subSport typedef.SubSport, profileName string) string {
	parts := []string{sport.String()}
	if subSport != typedef.SubSportGeneric && subSport != typedef.SubSportInvalid {
		parts = append(parts, subSport.String())
	}
	if profileName != "" {
		parts = append(parts, profileName)
	}
	return strings.Join(parts, " ")
}

// StartOf returns the first sample timestamp, or the zero time.
func StartOf(samples []types.Sample) time.Time {
	for _, s := range samples {
		if !s.Timestamp.IsZero() {
			return s.Timestamp
		}
	}
	return time.Time{}
}
