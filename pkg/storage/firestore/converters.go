package firestore

import (
	"time"

	"github.com/fitglue/ride-ingest/pkg/types"
)

// Helper to safely get string from map
func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Helper to safely get bool from map
func getBool(m map[string]interface{}, key string) bool {
	if v, ok := m[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

// Firestore returns integers as int64 and floats as float64.
func getInt(m map[string]interface{}, key string) int {
	switch v := m[key].(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func getFloat(m map[string]interface{}, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

func getIntPtr(m map[string]interface{}, key string) *int {
	if _, ok := m[key]; !ok || m[key] == nil {
		return nil
	}
	v := getInt(m, key)
	return &v
}

func getFloatPtr(m map[string]interface{}, key string) *float64 {
	if _, ok := m[key]; !ok || m[key] == nil {
		return nil
	}
	v := getFloat(m, key)
	return &v
}

// Helper to safely get time from map (handles time.Time from Firestore)
func getTime(m map[string]interface{}, key string) time.Time {
	if t, ok := m[key].(time.Time); ok {
		return t
	}
	return time.Time{}
}

func getTimePtr(m map[string]interface{}, key string) *time.Time {
	if t, ok := m[key].(time.Time); ok {
		return &t
	}
	return nil
}

func getStrings(m map[string]interface{}, key string) []string {
	raw, ok := m[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func putOptional[T any](m map[string]interface{}, key string, v *T) {
	if v != nil {
		m[key] = *v
	}
}

// --- IngestEvent Converters ---

func IngestEventToFirestore(e *types.IngestEvent) map[string]interface{} {
	m := map[string]interface{}{
		"id":                   e.ID,
		"provider":             e.Provider,
		"provider_user_id":     e.ProviderUserID,
		"provider_activity_id": e.ProviderActivityID,
		"file_url":             e.FileURL,
		"file_type":            e.FileType,
		"received_at":          e.ReceivedAt,
		"raw_payload":          e.RawPayload,
		"processed":            e.Processed,
		"process_error":        e.ProcessError,
		"outcome":              string(e.Outcome),
		"route_id":             e.RouteID,
	}
	putOptional(m, "start_time", e.StartTime)
	putOptional(m, "processed_at", e.ProcessedAt)
	return m
}

func FirestoreToIngestEvent(m map[string]interface{}) *types.IngestEvent {
	e := &types.IngestEvent{
		ID:                 getString(m, "id"),
		Provider:           getString(m, "provider"),
		ProviderUserID:     getString(m, "provider_user_id"),
		ProviderActivityID: getString(m, "provider_activity_id"),
		FileURL:            getString(m, "file_url"),
		FileType:           getString(m, "file_type"),
		StartTime:          getTimePtr(m, "start_time"),
		ReceivedAt:         getTime(m, "received_at"),
		Processed:          getBool(m, "processed"),
		ProcessedAt:        getTimePtr(m, "processed_at"),
		ProcessError:       getString(m, "process_error"),
		Outcome:            types.EventOutcome(getString(m, "outcome")),
		RouteID:            getString(m, "route_id"),
	}
	if b, ok := m["raw_payload"].([]byte); ok {
		e.RawPayload = b
	}
	return e
}

// --- Integration Converters ---

func IntegrationToFirestore(in *types.Integration) map[string]interface{} {
	m := map[string]interface{}{
		"user_id":          in.UserID,
		"provider":         in.Provider,
		"access_token":     in.AccessToken,
		"refresh_token":    in.RefreshToken,
		"provider_user_id": in.ProviderUserID,
		"sync_enabled":     in.SyncEnabled,
		"last_error":       in.LastError,
	}
	putOptional(m, "last_sync_at", in.LastSyncAt)
	if len(in.FCMTokens) > 0 {
		m["fcm_tokens"] = in.FCMTokens
	}
	return m
}

func FirestoreToIntegration(m map[string]interface{}) *types.Integration {
	return &types.Integration{
		UserID:         getString(m, "user_id"),
		Provider:       getString(m, "provider"),
		AccessToken:    getString(m, "access_token"),
		RefreshToken:   getString(m, "refresh_token"),
		ProviderUserID: getString(m, "provider_user_id"),
		SyncEnabled:    getBool(m, "sync_enabled"),
		LastSyncAt:     getTimePtr(m, "last_sync_at"),
		LastError:      getString(m, "last_error"),
		FCMTokens:      getStrings(m, "fcm_tokens"),
	}
}

// --- Activity Converters ---

func boundsToFirestore(b *types.BoundingBox) map[string]interface{} {
	return map[string]interface{}{
		"min_lat": b.MinLat,
		"min_lon": b.MinLon,
		"max_lat": b.MaxLat,
		"max_lon": b.MaxLon,
	}
}

func ActivityToFirestore(a *types.Activity) map[string]interface{} {
	m := map[string]interface{}{
		"id":                   a.ID,
		"user_id":              a.UserID,
		"name":                 a.Name,
		"type":                 string(a.Type),
		"provider":             a.Provider,
		"provider_activity_id": a.ProviderActivityID,
		"start_time":           a.StartTime,
		"distance_km":          a.DistanceKm,
		"duration_sec":         a.DurationSec,
		"moving_time_sec":      a.MovingTimeSec,
		"elevation_gain_m":     a.ElevationGainM,
		"elevation_loss_m":     a.ElevationLossM,
		"avg_speed_kmh":        a.AvgSpeedKmh,
		"max_speed_kmh":        a.MaxSpeedKmh,
		"avg_heart_rate":       a.AvgHeartRate,
		"max_heart_rate":       a.MaxHeartRate,
		"avg_power":            a.AvgPower,
		"max_power":            a.MaxPower,
		"avg_cadence":          a.AvgCadence,
		"energy_kj":            a.EnergyKJ,
		"has_gps":              a.HasGPS,
		"has_heart_rate":       a.HasHeartRate,
		"has_power":            a.HasPower,
		"has_cadence":          a.HasCadence,
		"track_point_count":    a.TrackPointCount,
		"polyline":             a.Polyline,
		"created_at":           a.CreatedAt,
	}
	if a.Bounds != nil {
		m["bounds"] = boundsToFirestore(a.Bounds)
	}
	return m
}

func FirestoreToActivity(m map[string]interface{}) *types.Activity {
	a := &types.Activity{
		ID:                 getString(m, "id"),
		UserID:             getString(m, "user_id"),
		Name:               getString(m, "name"),
		Type:               types.ActivityType(getString(m, "type")),
		Provider:           getString(m, "provider"),
		ProviderActivityID: getString(m, "provider_activity_id"),
		StartTime:          getTime(m, "start_time"),
		DistanceKm:         getFloat(m, "distance_km"),
		DurationSec:        getFloat(m, "duration_sec"),
		MovingTimeSec:      getFloat(m, "moving_time_sec"),
		ElevationGainM:     getFloat(m, "elevation_gain_m"),
		ElevationLossM:     getFloat(m, "elevation_loss_m"),
		AvgSpeedKmh:        getFloat(m, "avg_speed_kmh"),
		MaxSpeedKmh:        getFloat(m, "max_speed_kmh"),
		AvgHeartRate:       getFloat(m, "avg_heart_rate"),
		MaxHeartRate:       getFloat(m, "max_heart_rate"),
		AvgPower:           getFloat(m, "avg_power"),
		MaxPower:           getFloat(m, "max_power"),
		AvgCadence:         getFloat(m, "avg_cadence"),
		EnergyKJ:           getFloat(m, "energy_kj"),
		HasGPS:             getBool(m, "has_gps"),
		HasHeartRate:       getBool(m, "has_heart_rate"),
		HasPower:           getBool(m, "has_power"),
		HasCadence:         getBool(m, "has_cadence"),
		TrackPointCount:    getInt(m, "track_point_count"),
		Polyline:           getString(m, "polyline"),
		CreatedAt:          getTime(m, "created_at"),
	}
	if b, ok := m["bounds"].(map[string]interface{}); ok {
		a.Bounds = &types.BoundingBox{
			MinLat: getFloat(b, "min_lat"),
			MinLon: getFloat(b, "min_lon"),
			MaxLat: getFloat(b, "max_lat"),
			MaxLon: getFloat(b, "max_lon"),
		}
	}
	return a
}

// --- Track chunk Converters ---

// TrackChunk is one all-or-nothing insert of track points, stored as a single
// document so the write is atomic.
type TrackChunk struct {
	ActivityID string
	FirstSeq   int
	Points     []types.TrackPoint
}

func trackPointToFirestore(p types.TrackPoint) map[string]interface{} {
	m := map[string]interface{}{
		"seq":             p.Seq,
		"lat":             p.Lat,
		"lon":             p.Lon,
		"time_offset_sec": p.TimeOffsetSec,
	}
	putOptional(m, "elevation", p.Elevation)
	putOptional(m, "distance_offset_m", p.DistanceOffsetM)
	putOptional(m, "heart_rate", p.HeartRate)
	putOptional(m, "power", p.Power)
	putOptional(m, "cadence", p.Cadence)
	putOptional(m, "speed_kmh", p.SpeedKmh)
	putOptional(m, "temperature", p.Temperature)
	return m
}

func firestoreToTrackPoint(activityID string, m map[string]interface{}) types.TrackPoint {
	return types.TrackPoint{
		ActivityID:      activityID,
		Seq:             getInt(m, "seq"),
		Lat:             getFloat(m, "lat"),
		Lon:             getFloat(m, "lon"),
		Elevation:       getFloatPtr(m, "elevation"),
		TimeOffsetSec:   getFloat(m, "time_offset_sec"),
		DistanceOffsetM: getFloatPtr(m, "distance_offset_m"),
		HeartRate:       getIntPtr(m, "heart_rate"),
		Power:           getIntPtr(m, "power"),
		Cadence:         getIntPtr(m, "cadence"),
		SpeedKmh:        getFloatPtr(m, "speed_kmh"),
		Temperature:     getFloatPtr(m, "temperature"),
	}
}

func TrackChunkToFirestore(c *TrackChunk) map[string]interface{} {
	points := make([]map[string]interface{}, len(c.Points))
	for i, p := range c.Points {
		points[i] = trackPointToFirestore(p)
	}
	return map[string]interface{}{
		"activity_id": c.ActivityID,
		"first_seq":   c.FirstSeq,
		"count":       len(c.Points),
		"points":      points,
	}
}

func FirestoreToTrackChunk(m map[string]interface{}) *TrackChunk {
	c := &TrackChunk{
		ActivityID: getString(m, "activity_id"),
		FirstSeq:   getInt(m, "first_seq"),
	}
	raw, _ := m["points"].([]interface{})
	for _, r := range raw {
		if pm, ok := r.(map[string]interface{}); ok {
			c.Points = append(c.Points, firestoreToTrackPoint(c.ActivityID, pm))
		}
	}
	return c
}

// --- SyncHistory Converters ---

func SyncHistoryToFirestore(r *types.SyncHistoryRecord) map[string]interface{} {
	m := map[string]interface{}{
		"id":         r.ID,
		"user_id":    r.UserID,
		"provider":   r.Provider,
		"trigger":    string(r.Trigger),
		"fetched":    r.Fetched,
		"imported":   r.Imported,
		"skipped":    r.Skipped,
		"errored":    r.Errored,
		"created_at": r.CreatedAt,
	}
	if len(r.Errors) > 0 {
		m["errors"] = r.Errors
	}
	return m
}

func FirestoreToSyncHistory(m map[string]interface{}) *types.SyncHistoryRecord {
	return &types.SyncHistoryRecord{
		ID:        getString(m, "id"),
		UserID:    getString(m, "user_id"),
		Provider:  getString(m, "provider"),
		Trigger:   types.SyncTrigger(getString(m, "trigger")),
		Fetched:   getInt(m, "fetched"),
		Imported:  getInt(m, "imported"),
		Skipped:   getInt(m, "skipped"),
		Errored:   getInt(m, "errored"),
		Errors:    getStrings(m, "errors"),
		CreatedAt: getTime(m, "created_at"),
	}
}
