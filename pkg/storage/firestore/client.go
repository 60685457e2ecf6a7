package firestore

import (
	"context"

	"cloud.google.com/go/firestore"

	shared "github.com/fitglue/ride-ingest/pkg"
	"github.com/fitglue/ride-ingest/pkg/types"
)

type Client struct {
	fs *firestore.Client
}

func NewClient(client *firestore.Client) *Client {
	return &Client{fs: client}
}

// IngestEvents is a top-level collection: ingest_events/{eventId}
func (c *Client) IngestEvents() *Collection[types.IngestEvent] {
	return &Collection[types.IngestEvent]{
		Ref:           c.fs.Collection(shared.CollectionIngestEvents),
		ToFirestore:   IngestEventToFirestore,
		FromFirestore: FirestoreToIngestEvent,
	}
}

// Integrations are sub-collections of Users: users/{uid}/integrations/{provider}
func (c *Client) Integrations(userID string) *Collection[types.Integration] {
	return &Collection[types.Integration]{
		Ref:           c.fs.Collection("users").Doc(userID).Collection(shared.CollectionIntegrations),
		ToFirestore:   IntegrationToFirestore,
		FromFirestore: FirestoreToIntegration,
	}
}

// AllIntegrations queries integrations across users.
func (c *Client) AllIntegrations() *firestore.CollectionGroupRef {
	return c.fs.CollectionGroup(shared.CollectionIntegrations)
}

// Activities is a top-level collection: activities/{activityId}
func (c *Client) Activities() *Collection[types.Activity] {
	return &Collection[types.Activity]{
		Ref:           c.fs.Collection(shared.CollectionActivities),
		ToFirestore:   ActivityToFirestore,
		FromFirestore: FirestoreToActivity,
	}
}

// TrackChunks are sub-collections of Activities: activities/{id}/track_chunks/{seq}
func (c *Client) TrackChunks(activityID string) *Collection[TrackChunk] {
	return &Collection[TrackChunk]{
		Ref:           c.fs.Collection(shared.CollectionActivities).Doc(activityID).Collection(shared.CollectionTrackChunks),
		ToFirestore:   TrackChunkToFirestore,
		FromFirestore: FirestoreToTrackChunk,
	}
}

// SyncHistory are sub-collections of Users: users/{uid}/sync_history/{id}
func (c *Client) SyncHistory(userID string) *Collection[types.SyncHistoryRecord] {
	return &Collection[types.SyncHistoryRecord]{
		Ref:           c.fs.Collection("users").Doc(userID).Collection(shared.CollectionSyncHistory),
		ToFirestore:   SyncHistoryToFirestore,
		FromFirestore: FirestoreToSyncHistory,
	}
}

// RateLimits holds one document per limited key.
func (c *Client) RateLimits() *firestore.CollectionRef {
	return c.fs.Collection(shared.CollectionRateLimits)
}

// ListIntegrations converts integration documents returned by q, typically a
// query on AllIntegrations.
func (c *Client) ListIntegrations(ctx context.Context, q firestore.Query) ([]*types.Integration, error) {
	coll := &Collection[types.Integration]{FromFirestore: FirestoreToIntegration}
	return coll.List(ctx, q)
}
