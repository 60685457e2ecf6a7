package file_generators

import (
	"bytes"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/muktihari/fit/encoder"
	"github.com/muktihari/fit/profile/mesgdef"
	"github.com/muktihari/fit/profile/typedef"
	"github.com/muktihari/fit/proto"

	"github.com/fitglue/ride-ingest/pkg/types"
)

const semicircleConst = 11930464.7111 // 2^31 / 180

// GenerateFitFile writes a ProviderRecord as a FIT activity file:
// FileId -> Records -> Session -> Activity.
func GenerateFitFile(record *types.ProviderRecord) ([]byte, error) {
	if record == nil || record.Session == nil {
		return nil, fmt.Errorf("record must have a session")
	}
	session := record.Session

	startTime := session.StartTime
	if startTime.IsZero() && len(record.Samples) > 0 {
		startTime = record.Samples[0].Timestamp
	}
	if startTime.IsZero() {
		return nil, fmt.Errorf("record has no start time")
	}

	fit := &proto.FIT{
		Messages: make([]proto.Message, 0, len(record.Samples)+3),
	}

	fileId := mesgdef.NewFileId(nil).
		SetType(typedef.FileActivity).
		SetManufacturer(typedef.ManufacturerDevelopment).
		SetProduct(1).
		SetTimeCreated(startTime)
	fit.Messages = append(fit.Messages, fileId.ToMesg(nil))

	for _, s := range record.Samples {
		fit.Messages = append(fit.Messages, recordMesg(s))
	}

	sport, subSport := fitSport(session.Sport)
	endTime := startTime.Add(time.Duration(session.TotalElapsedSec * float64(time.Second)))

	sessionMsg := mesgdef.NewSession(nil).
		SetTimestamp(endTime).
		SetStartTime(startTime).
		SetSport(sport).
		SetSubSport(subSport).
		SetTotalElapsedTime(uint32(session.TotalElapsedSec * 1000)).
		SetTotalTimerTime(uint32(max(session.TotalTimerSec, session.TotalElapsedSec) * 1000)).
		SetTotalDistance(uint32(session.TotalDistanceM * 100))
	if session.Name != "" {
		sessionMsg.SetSportProfileName(session.Name)
	}
	if session.TotalAscentM > 0 {
		sessionMsg.SetTotalAscent(uint16(session.TotalAscentM))
	}
	if session.TotalDescentM > 0 {
		sessionMsg.SetTotalDescent(uint16(session.TotalDescentM))
	}
	if session.AvgSpeedMps > 0 {
		sessionMsg.SetAvgSpeed(uint16(session.AvgSpeedMps * 1000))
	}
	if session.MaxSpeedMps > 0 {
		sessionMsg.SetMaxSpeed(uint16(session.MaxSpeedMps * 1000))
	}
	if session.AvgHeartRate > 0 {
		sessionMsg.SetAvgHeartRate(uint8(session.AvgHeartRate))
	}
	if session.MaxHeartRate > 0 {
		sessionMsg.SetMaxHeartRate(uint8(session.MaxHeartRate))
	}
	if session.AvgPower > 0 {
		sessionMsg.SetAvgPower(uint16(session.AvgPower))
	}
	if session.MaxPower > 0 {
		sessionMsg.SetMaxPower(uint16(session.MaxPower))
	}
	if session.Calories > 0 {
		sessionMsg.SetTotalCalories(uint16(session.Calories))
	}
	fit.Messages = append(fit.Messages, sessionMsg.ToMesg(nil))

	activityMsg := mesgdef.NewActivity(nil).
		SetTimestamp(endTime).
		SetType(typedef.ActivityManual).
		SetNumSessions(1)
	fit.Messages = append(fit.Messages, activityMsg.ToMesg(nil))

	var buf bytes.Buffer
	enc := encoder.New(&buf)
	if err := enc.Encode(fit); err != nil {
		return nil, fmt.Errorf("failed to encode FIT file: %w", err)
	}

	return buf.Bytes(), nil
}

func recordMesg(s types.Sample) proto.Message {
	rec := mesgdef.NewRecord(nil).SetTimestamp(s.Timestamp)
	if s.HasPosition() {
		rec.SetPositionLat(int32(math.Round(*s.Lat * semicircleConst)))
		rec.SetPositionLong(int32(math.Round(*s.Lon * semicircleConst)))
	}
	if s.Elevation != nil {
		rec.SetAltitude(uint16((*s.Elevation + 500) * 5))
	}
	if s.DistanceM != nil {
		rec.SetDistance(uint32(*s.DistanceM * 100))
	}
	if s.SpeedMps != nil {
		rec.SetSpeed(uint16(*s.SpeedMps * 1000))
	}
	if s.HeartRate != nil {
		rec.SetHeartRate(uint8(*s.HeartRate))
	}
	if s.Power != nil {
		rec.SetPower(uint16(*s.Power))
	}
	if s.Cadence != nil {
		rec.SetCadence(uint8(*s.Cadence))
	}
	if s.Temperature != nil {
		rec.SetTemperature(int8(*s.Temperature))
	}
	return rec.ToMesg(nil)
}

// fitSport maps the leading words of a sport description back to FIT enums.
func fitSport(sport string) (typedef.Sport, typedef.SubSport) {
	s := strings.ToLower(sport)
	switch {
	case strings.Contains(s, "mountain"):
		return typedef.SportCycling, typedef.SubSportMountain
	case strings.Contains(s, "gravel"):
		return typedef.SportCycling, typedef.SubSportGravelCycling
	case strings.Contains(s, "indoor"):
		return typedef.SportCycling, typedef.SubSportIndoorCycling
	case strings.Contains(s, "virtual"):
		return typedef.SportCycling, typedef.SubSportVirtualActivity
	case strings.Contains(s, "cycl"), strings.Contains(s, "ride"), strings.Contains(s, "bik"):
		return typedef.SportCycling, typedef.SubSportRoad
	case strings.Contains(s, "run"):
		return typedef.SportRunning, typedef.SubSportGeneric
	case strings.Contains(s, "swim"):
		return typedef.SportSwimming, typedef.SubSportGeneric
	case strings.Contains(s, "walk"):
		return typedef.SportWalking, typedef.SubSportGeneric
	default:
		return typedef.SportGeneric, typedef.SubSportGeneric
	}
}
