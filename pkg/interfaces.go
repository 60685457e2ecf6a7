package shared

import (
	"context"
	"errors"
	"time"

	"github.com/cloudevents/sdk-go/v2/event"

	"github.com/fitglue/ride-ingest/pkg/types"
)

// ErrConflict is returned by stores when a unique key is already taken.
var ErrConflict = errors.New("already exists")

// --- Persistence Interfaces ---

// Database is the persisted state of the pipeline. Getters return (nil, nil)
// when the row does not exist.
type Database interface {
	// Ingest events
	CreateEvent(ctx context.Context, e *types.IngestEvent) error
	GetEvent(ctx context.Context, id string) (*types.IngestEvent, error)
	FindEvent(ctx context.Context, providerUserID, providerActivityID string) (*types.IngestEvent, error)
	CompleteEvent(ctx context.Context, id string, c types.EventCompletion) error
	ResetEvent(ctx context.Context, id string) error

	// Integrations (owned by the OAuth collaborator)
	GetIntegration(ctx context.Context, userID, provider string) (*types.Integration, error)
	FindIntegrationByProviderUser(ctx context.Context, provider, providerUserID string) (*types.Integration, error)
	UpdateIntegrationSync(ctx context.Context, userID, provider string, at time.Time, lastError string) error

	// Activities and track points
	CreateActivity(ctx context.Context, a *types.Activity) (string, error)
	FindActivityByProviderID(ctx context.Context, provider, providerActivityID, userID string) (*types.Activity, error)
	FindActivitiesInWindow(ctx context.Context, userID string, from, to time.Time) ([]*types.Activity, error)
	InsertTrackPoints(ctx context.Context, activityID string, points []types.TrackPoint) error
	UpdateActivityTrack(ctx context.Context, activityID string, summary types.TrackSummary) error

	// Sync history
	AppendSyncHistory(ctx context.Context, rec *types.SyncHistoryRecord) error
}

// --- Messaging Interfaces ---

type Publisher interface {
	PublishCloudEvent(ctx context.Context, topic string, e event.Event) (string, error)
}

// Dispatcher hands a stored event to asynchronous processing. Dispatch returns
// once the event is submitted and never waits for processing to finish.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg types.IngestEventMessage) error
}

// --- Storage Interfaces ---

type BlobStore interface {
	Write(ctx context.Context, bucket, object string, data []byte) error
	Read(ctx context.Context, bucket, object string) ([]byte, error)
}

// --- Provider Interfaces ---

// PayloadFetcher downloads a raw activity file using the integration's credential.
type PayloadFetcher interface {
	Fetch(ctx context.Context, url string, integration *types.Integration) ([]byte, error)
}

// RecordDecoder turns raw file bytes into the provider record shape.
type RecordDecoder interface {
	Decode(data []byte, fileType string) (*types.ProviderRecord, error)
}

// --- Notification Interfaces ---

type NotificationService interface {
	SendPushNotification(ctx context.Context, userID string, title, body string, tokens []string, data map[string]string) error
}
