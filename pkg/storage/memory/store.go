// Package memory is an in-process Database for tests and single-instance
// deployments. It enforces the same unique keys as the durable stores.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	shared "github.com/fitglue/ride-ingest/pkg"
	"github.com/fitglue/ride-ingest/pkg/types"
)

// Store implements shared.Database.
type Store struct {
	mu sync.RWMutex

	events       map[string]*types.IngestEvent
	eventKeys    map[string]string
	integrations map[string]*types.Integration
	activities   map[string]*types.Activity
	activityKeys map[string]string
	trackPoints  map[string][]types.TrackPoint
	history      []*types.SyncHistoryRecord

	// FailTrackInsert, when set, is consulted before each track point insert;
	// a non-nil error fails that insert without storing anything.
	FailTrackInsert func(activityID string, points []types.TrackPoint) error
}

var _ shared.Database = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		events:       make(map[string]*types.IngestEvent),
		eventKeys:    make(map[string]string),
		integrations: make(map[string]*types.Integration),
		activities:   make(map[string]*types.Activity),
		activityKeys: make(map[string]string),
		trackPoints:  make(map[string][]types.TrackPoint),
	}
}

func eventKey(providerUserID, providerActivityID string) string {
	return providerUserID + "|" + providerActivityID
}

func integrationKey(userID, provider string) string {
	return userID + "|" + provider
}

func activityKey(provider, providerActivityID, userID string) string {
	return provider + "|" + providerActivityID + "|" + userID
}

// --- Ingest events ---

func (s *Store) CreateEvent(ctx context.Context, e *types.IngestEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if _, ok := s.events[e.ID]; ok {
		return fmt.Errorf("event %s: %w", e.ID, shared.ErrConflict)
	}
	if e.ProviderActivityID != "" {
		key := eventKey(e.ProviderUserID, e.ProviderActivityID)
		if _, ok := s.eventKeys[key]; ok {
			return fmt.Errorf("event for activity %s: %w", e.ProviderActivityID, shared.ErrConflict)
		}
		s.eventKeys[key] = e.ID
	}
	cp := *e
	s.events[e.ID] = &cp
	return nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (*types.IngestEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (s *Store) FindEvent(ctx context.Context, providerUserID, providerActivityID string) (*types.IngestEvent, error) {
	if providerActivityID == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.eventKeys[eventKey(providerUserID, providerActivityID)]
	if !ok {
		return nil, nil
	}
	cp := *s.events[id]
	return &cp, nil
}

func (s *Store) CompleteEvent(ctx context.Context, id string, c types.EventCompletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return fmt.Errorf("event %s not found", id)
	}
	at := c.At
	e.Processed = true
	e.ProcessedAt = &at
	e.Outcome = c.Outcome
	e.RouteID = c.RouteID
	e.ProcessError = c.Error
	return nil
}

func (s *Store) ResetEvent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return fmt.Errorf("event %s not found", id)
	}
	e.Processed = false
	e.ProcessedAt = nil
	e.Outcome = types.OutcomePending
	e.ProcessError = ""
	e.RouteID = ""
	return nil
}

// Events returns a snapshot of all stored events.
func (s *Store) Events() []types.IngestEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.IngestEvent, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out
}

// --- Integrations ---

// PutIntegration stores an integration the way the OAuth collaborator would.
func (s *Store) PutIntegration(ctx context.Context, in *types.Integration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *in
	s.integrations[integrationKey(in.UserID, in.Provider)] = &cp
	return nil
}

func (s *Store) GetIntegration(ctx context.Context, userID, provider string) (*types.Integration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.integrations[integrationKey(userID, provider)]
	if !ok {
		return nil, nil
	}
	cp := *in
	return &cp, nil
}

func (s *Store) FindIntegrationByProviderUser(ctx context.Context, provider, providerUserID string) (*types.Integration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, in := range s.integrations {
		if in.Provider == provider && in.ProviderUserID == providerUserID {
			cp := *in
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) UpdateIntegrationSync(ctx context.Context, userID, provider string, at time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.integrations[integrationKey(userID, provider)]
	if !ok {
		return fmt.Errorf("integration %s/%s not found", userID, provider)
	}
	in.LastSyncAt = &at
	in.LastError = lastError
	return nil
}

// --- Activities ---

func (s *Store) CreateActivity(ctx context.Context, a *types.Activity) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := activityKey(a.Provider, a.ProviderActivityID, a.UserID)
	if a.ProviderActivityID != "" {
		if _, ok := s.activityKeys[key]; ok {
			return "", fmt.Errorf("activity %s/%s: %w", a.Provider, a.ProviderActivityID, shared.ErrConflict)
		}
	}

	cp := *a
	cp.ID = uuid.NewString()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.activities[cp.ID] = &cp
	if a.ProviderActivityID != "" {
		s.activityKeys[key] = cp.ID
	}
	return cp.ID, nil
}

func (s *Store) GetActivity(ctx context.Context, id string) (*types.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.activities[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *Store) FindActivityByProviderID(ctx context.Context, provider, providerActivityID, userID string) (*types.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if userID != "" {
		id, ok := s.activityKeys[activityKey(provider, providerActivityID, userID)]
		if !ok {
			return nil, nil
		}
		cp := *s.activities[id]
		return &cp, nil
	}
	for _, a := range s.activities {
		if a.Provider == provider && a.ProviderActivityID == providerActivityID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) FindActivitiesInWindow(ctx context.Context, userID string, from, to time.Time) ([]*types.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Activity
	for _, a := range s.activities {
		if a.UserID == userID && !a.StartTime.Before(from) && !a.StartTime.After(to) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

// Activities returns a snapshot of all stored activities.
func (s *Store) Activities() []types.Activity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Activity, 0, len(s.activities))
	for _, a := range s.activities {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

func (s *Store) InsertTrackPoints(ctx context.Context, activityID string, points []types.TrackPoint) error {
	if s.FailTrackInsert != nil {
		if err := s.FailTrackInsert(activityID, points); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.activities[activityID]; !ok {
		return fmt.Errorf("activity %s not found", activityID)
	}
	s.trackPoints[activityID] = append(s.trackPoints[activityID], points...)
	return nil
}

func (s *Store) UpdateActivityTrack(ctx context.Context, activityID string, summary types.TrackSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.activities[activityID]
	if !ok {
		return fmt.Errorf("activity %s not found", activityID)
	}
	a.TrackPointCount = summary.Count
	a.HasGPS = summary.Count > 0
	a.Polyline = summary.Polyline
	a.Bounds = summary.Bounds
	return nil
}

// TrackPoints returns the stored points of an activity in insert order.
func (s *Store) TrackPoints(activityID string) []types.TrackPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.TrackPoint(nil), s.trackPoints[activityID]...)
}

// --- Sync history ---

func (s *Store) AppendSyncHistory(ctx context.Context, rec *types.SyncHistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	cp.Errors = append([]string(nil), rec.Errors...)
	s.history = append(s.history, &cp)
	return nil
}

// SyncHistory returns the appended records in order.
func (s *Store) SyncHistory() []types.SyncHistoryRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.SyncHistoryRecord, len(s.history))
	for i, h := range s.history {
		out[i] = *h
	}
	return out
}
