package database

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	shared "github.com/fitglue/ride-ingest/pkg"
	storage "github.com/fitglue/ride-ingest/pkg/storage/firestore"
	"github.com/fitglue/ride-ingest/pkg/types"
)

// FirestoreAdapter provides database operations using Firestore.
// It wraps our typed storage client.
//
// Unique keys are enforced through deterministic document ids created with
// Create, so a second insert of the same key fails with AlreadyExists.
type FirestoreAdapter struct {
	Client  *firestore.Client
	storage *storage.Client
}

var _ shared.Database = (*FirestoreAdapter)(nil)

func NewFirestoreAdapter(client *firestore.Client) *FirestoreAdapter {
	return &FirestoreAdapter{
		Client:  client,
		storage: storage.NewClient(client),
	}
}

// EventDocID is the document id for an event with a provider activity id.
func EventDocID(providerUserID, providerActivityID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("event:"+providerUserID+"/"+providerActivityID)).String()
}

// ActivityDocID is the document id for an activity with a provider activity id.
func ActivityDocID(provider, providerActivityID, userID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("activity:"+provider+"/"+providerActivityID+"/"+userID)).String()
}

func mapCreateErr(err error, what string) error {
	if status.Code(err) == codes.AlreadyExists {
		return fmt.Errorf("%s: %w", what, shared.ErrConflict)
	}
	return err
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// --- Ingest events ---

func (a *FirestoreAdapter) CreateEvent(ctx context.Context, e *types.IngestEvent) error {
	if e.ID == "" {
		if e.ProviderActivityID != "" {
			e.ID = EventDocID(e.ProviderUserID, e.ProviderActivityID)
		} else {
			e.ID = uuid.NewString()
		}
	}
	if err := a.storage.IngestEvents().Doc(e.ID).Create(ctx, e); err != nil {
		return mapCreateErr(err, "event "+e.ID)
	}
	return nil
}

func (a *FirestoreAdapter) GetEvent(ctx context.Context, id string) (*types.IngestEvent, error) {
	e, err := a.storage.IngestEvents().Doc(id).Get(ctx)
	if isNotFound(err) {
		return nil, nil
	}
	return e, err
}

func (a *FirestoreAdapter) FindEvent(ctx context.Context, providerUserID, providerActivityID string) (*types.IngestEvent, error) {
	if providerActivityID == "" {
		return nil, nil
	}
	return a.GetEvent(ctx, EventDocID(providerUserID, providerActivityID))
}

func (a *FirestoreAdapter) CompleteEvent(ctx context.Context, id string, c types.EventCompletion) error {
	return a.storage.IngestEvents().Doc(id).Update(ctx, map[string]interface{}{
		"processed":     true,
		"processed_at":  c.At,
		"outcome":       string(c.Outcome),
		"route_id":      c.RouteID,
		"process_error": c.Error,
	})
}

func (a *FirestoreAdapter) ResetEvent(ctx context.Context, id string) error {
	return a.storage.IngestEvents().Doc(id).Update(ctx, map[string]interface{}{
		"processed":     false,
		"processed_at":  firestore.Delete,
		"outcome":       string(types.OutcomePending),
		"route_id":      "",
		"process_error": "",
	})
}

// --- Integrations ---

func (a *FirestoreAdapter) GetIntegration(ctx context.Context, userID, provider string) (*types.Integration, error) {
	in, err := a.storage.Integrations(userID).Doc(provider).Get(ctx)
	if isNotFound(err) {
		return nil, nil
	}
	return in, err
}

func (a *FirestoreAdapter) FindIntegrationByProviderUser(ctx context.Context, provider, providerUserID string) (*types.Integration, error) {
	q := a.storage.AllIntegrations().
		Where("provider", "==", provider).
		Where("provider_user_id", "==", providerUserID).
		Limit(1)
	found, err := a.storage.ListIntegrations(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, nil
	}
	return found[0], nil
}

func (a *FirestoreAdapter) UpdateIntegrationSync(ctx context.Context, userID, provider string, at time.Time, lastError string) error {
	return a.storage.Integrations(userID).Doc(provider).Update(ctx, map[string]interface{}{
		"last_sync_at": at,
		"last_error":   lastError,
	})
}

// --- Activities ---

func (a *FirestoreAdapter) CreateActivity(ctx context.Context, act *types.Activity) (string, error) {
	coll := a.storage.Activities()
	var doc *storage.DocumentRef[types.Activity]
	if act.ProviderActivityID != "" {
		doc = coll.Doc(ActivityDocID(act.Provider, act.ProviderActivityID, act.UserID))
	} else {
		doc = coll.NewDoc()
	}

	cp := *act
	cp.ID = doc.ID()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if err := doc.Create(ctx, &cp); err != nil {
		return "", mapCreateErr(err, "activity "+act.Provider+"/"+act.ProviderActivityID)
	}
	return cp.ID, nil
}

func (a *FirestoreAdapter) FindActivityByProviderID(ctx context.Context, provider, providerActivityID, userID string) (*types.Activity, error) {
	if userID != "" {
		act, err := a.storage.Activities().Doc(ActivityDocID(provider, providerActivityID, userID)).Get(ctx)
		if isNotFound(err) {
			return nil, nil
		}
		return act, err
	}

	coll := a.storage.Activities()
	found, err := coll.List(ctx, coll.Ref.
		Where("provider", "==", provider).
		Where("provider_activity_id", "==", providerActivityID).
		Limit(1))
	if err != nil || len(found) == 0 {
		return nil, err
	}
	return found[0], nil
}

func (a *FirestoreAdapter) FindActivitiesInWindow(ctx context.Context, userID string, from, to time.Time) ([]*types.Activity, error) {
	coll := a.storage.Activities()
	return coll.List(ctx, coll.Ref.
		Where("user_id", "==", userID).
		Where("start_time", ">=", from).
		Where("start_time", "<=", to).
		OrderBy("start_time", firestore.Asc))
}

// InsertTrackPoints stores the slice as one chunk document, keyed by its first
// sequence index.
func (a *FirestoreAdapter) InsertTrackPoints(ctx context.Context, activityID string, points []types.TrackPoint) error {
	if len(points) == 0 {
		return nil
	}
	chunk := &storage.TrackChunk{ActivityID: activityID, FirstSeq: points[0].Seq, Points: points}
	docID := fmt.Sprintf("%08d", chunk.FirstSeq)
	if err := a.storage.TrackChunks(activityID).Doc(docID).Create(ctx, chunk); err != nil {
		return mapCreateErr(err, "track chunk "+docID)
	}
	return nil
}

func (a *FirestoreAdapter) UpdateActivityTrack(ctx context.Context, activityID string, summary types.TrackSummary) error {
	updates := map[string]interface{}{
		"track_point_count": summary.Count,
		"has_gps":           summary.Count > 0,
		"polyline":          summary.Polyline,
	}
	if summary.Bounds != nil {
		updates["bounds"] = map[string]interface{}{
			"min_lat": summary.Bounds.MinLat,
			"min_lon": summary.Bounds.MinLon,
			"max_lat": summary.Bounds.MaxLat,
			"max_lon": summary.Bounds.MaxLon,
		}
	}
	return a.storage.Activities().Doc(activityID).Update(ctx, updates)
}

// ReadTrack returns every stored point of an activity ordered by sequence.
func (a *FirestoreAdapter) ReadTrack(ctx context.Context, activityID string) ([]types.TrackPoint, error) {
	coll := a.storage.TrackChunks(activityID)
	chunks, err := coll.List(ctx, coll.Ref.OrderBy("first_seq", firestore.Asc))
	if err != nil {
		return nil, err
	}
	var out []types.TrackPoint
	for _, c := range chunks {
		out = append(out, c.Points...)
	}
	return out, nil
}

// --- Sync history ---

func (a *FirestoreAdapter) AppendSyncHistory(ctx context.Context, rec *types.SyncHistoryRecord) error {
	doc := a.storage.SyncHistory(rec.UserID).NewDoc()
	rec.ID = doc.ID()
	return doc.Create(ctx, rec)
}
