package types

// PubSubMessage is the push envelope Pub/Sub delivers inside a CloudEvent.
type PubSubMessage struct {
	Message struct {
		Data       []byte            `json:"data"`
		Attributes map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// IngestEventMessage is the dispatch payload handed to the event processor.
type IngestEventMessage struct {
	EventID        string `json:"eventId"`
	ProviderUserID string `json:"providerUserId,omitempty"`
}
