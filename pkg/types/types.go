package types

import "time"

// EventOutcome is the terminal result recorded on a processed IngestEvent.
type EventOutcome string

const (
	OutcomePending      EventOutcome = ""
	OutcomeImported     EventOutcome = "imported"
	OutcomeDuplicate    EventOutcome = "duplicate"
	OutcomeNonCycling   EventOutcome = "non_cycling"
	OutcomeSyncDisabled EventOutcome = "sync_disabled"
	OutcomeFailed       EventOutcome = "failed"
)

// IngestEvent is one inbound push notification.
// Empty ProviderActivityID, FileURL, ProcessError and RouteID mean "not set".
type IngestEvent struct {
	ID                 string
	Provider           string
	ProviderUserID     string
	ProviderActivityID string
	FileURL            string
	FileType           string
	StartTime          *time.Time
	ReceivedAt         time.Time
	RawPayload         []byte

	Processed    bool
	ProcessedAt  *time.Time
	ProcessError string
	Outcome      EventOutcome
	RouteID      string
}

// Integration binds a provider account to an internal user.
type Integration struct {
	UserID         string
	Provider       string
	AccessToken    string
	RefreshToken   string
	ProviderUserID string
	SyncEnabled    bool
	LastSyncAt     *time.Time
	LastError      string

	// FCM registration tokens notified when a history import completes.
	FCMTokens []string
}

// ActivityType is the cycling discipline tag assigned by the normalizer.
type ActivityType string

const (
	ActivityTypeRoad     ActivityType = "road"
	ActivityTypeMountain ActivityType = "mountain"
	ActivityTypeGravel   ActivityType = "gravel"
	ActivityTypeIndoor   ActivityType = "indoor"
)

// BoundingBox holds the min/max coordinates of a written track.
type BoundingBox struct {
	MinLat float64
	MinLon float64
	MaxLat float64
	MaxLon float64
}

// Activity is a single stored ride.
type Activity struct {
	ID                 string
	UserID             string
	Name               string
	Type               ActivityType
	Provider           string
	ProviderActivityID string
	StartTime          time.Time

	DistanceKm     float64
	DurationSec    float64
	MovingTimeSec  float64
	ElevationGainM float64
	ElevationLossM float64
	AvgSpeedKmh    float64
	MaxSpeedKmh    float64
	AvgHeartRate   float64
	MaxHeartRate   float64
	AvgPower       float64
	MaxPower       float64
	AvgCadence     float64
	EnergyKJ       float64

	HasGPS          bool
	HasHeartRate    bool
	HasPower        bool
	HasCadence      bool
	TrackPointCount int
	Polyline        string
	Bounds          *BoundingBox

	CreatedAt time.Time
}

// TrackPoint is one GPS sample. Seq is dense and 0-based within an activity.
type TrackPoint struct {
	ActivityID      string
	Seq             int
	Lat             float64
	Lon             float64
	Elevation       *float64
	TimeOffsetSec   float64
	DistanceOffsetM *float64
	HeartRate       *int
	Power           *int
	Cadence         *int
	SpeedKmh        *float64
	Temperature     *float64
}

// SyncTrigger identifies what started a sync.
type SyncTrigger string

const (
	SyncTriggerWebhook    SyncTrigger = "webhook"
	SyncTriggerBulkImport SyncTrigger = "bulk_import"
)

// SyncHistoryRecord is an append-only audit row.
type SyncHistoryRecord struct {
	ID        string
	UserID    string
	Provider  string
	Trigger   SyncTrigger
	Fetched   int
	Imported  int
	Skipped   int
	Errored   int
	Errors    []string
	CreatedAt time.Time
}

// EventCompletion is the terminal state written when an event is processed.
type EventCompletion struct {
	Outcome EventOutcome
	RouteID string
	Error   string
	At      time.Time
}

// TrackSummary backfills the GPS fields of an activity once its track points
// are written.
type TrackSummary struct {
	Count    int
	Polyline string
	Bounds   *BoundingBox
}
