package shared

const (
	ProjectID = "fitglue-project" // Can be overridden by GOOGLE_CLOUD_PROJECT

	// Pub/Sub topic carrying stored webhook events to the event processor.
	TopicIngestEvent = "topic-ingest-event"

	CloudEventTypeIngestEvent = "com.fitglue.ingest.event"
	CloudEventSourceWebhook   = "/webhook-receiver"

	CollectionIngestEvents = "ingest_events"
	CollectionIntegrations = "integrations"
	CollectionActivities   = "activities"
	CollectionTrackChunks  = "track_chunks"
	CollectionSyncHistory  = "sync_history"
	CollectionRateLimits   = "rate_limits"

	ProviderStrava = "strava"
	ProviderGarmin = "garmin"

	// Default file type tag for webhook payloads that omit one.
	DefaultFileType = "fit"
)
