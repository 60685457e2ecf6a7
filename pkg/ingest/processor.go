package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	shared "github.com/fitglue/ride-ingest/pkg"
	"github.com/fitglue/ride-ingest/pkg/dedup"
	"github.com/fitglue/ride-ingest/pkg/domain/activity"
	"github.com/fitglue/ride-ingest/pkg/infrastructure/metrics"
	"github.com/fitglue/ride-ingest/pkg/infrastructure/sentry"
	"github.com/fitglue/ride-ingest/pkg/infrastructure/storage"
	"github.com/fitglue/ride-ingest/pkg/types"
)

// ProcessResult is the terminal state recorded for one event. Err holds the
// pipeline failure that was recorded on the event, if any; it is never
// returned as Process's error.
type ProcessResult struct {
	EventID    string
	Outcome    types.EventOutcome
	ActivityID string
	Err        error
	// AlreadyProcessed is set when the event was terminal before this call.
	AlreadyProcessed bool
}

// Processor runs stored webhook events through fetch, decode, normalize,
// dedup and write. Each failure is terminal for the event and is recorded on
// it; nothing is retried automatically.
type Processor struct {
	db       shared.Database
	fetcher  shared.PayloadFetcher
	decoder  shared.RecordDecoder
	archive  *storage.RawArchive
	resolver *dedup.Resolver
	writer   *BatchWriter
	logger   *slog.Logger
	now      func() time.Time
}

// NewProcessor builds a Processor. archive may be nil.
func NewProcessor(db shared.Database, fetcher shared.PayloadFetcher, decoder shared.RecordDecoder, archive *storage.RawArchive, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "event-processor")
	return &Processor{
		db:       db,
		fetcher:  fetcher,
		decoder:  decoder,
		archive:  archive,
		resolver: dedup.NewResolver(db, dedup.WebhookOptions()),
		writer:   NewBatchWriter(db, logger),
		logger:   logger,
		now:      time.Now,
	}
}

// Process handles one event. The returned error is reserved for failures to
// load or record the event (storage unavailable, unknown event id); callers
// may redeliver on it.
func (p *Processor) Process(ctx context.Context, eventID string) (*ProcessResult, error) {
	return p.process(ctx, eventID, false)
}

// Reprocess clears an event's terminal state and runs it again, reading the
// payload from the raw archive when one was kept.
func (p *Processor) Reprocess(ctx context.Context, eventID string) (*ProcessResult, error) {
	ev, err := p.db.GetEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("load event: %w", err)
	}
	if ev == nil {
		return nil, &NotFoundError{What: "event", Key: eventID}
	}
	if err := p.db.ResetEvent(ctx, eventID); err != nil {
		return nil, fmt.Errorf("reset event: %w", err)
	}
	p.logger.Info("Reprocessing event", "event_id", eventID, "previous_outcome", ev.Outcome)
	return p.process(ctx, eventID, true)
}

// Handle adapts Process to a dispatcher ProcessFunc.
func (p *Processor) Handle(ctx context.Context, msg types.IngestEventMessage) error {
	_, err := p.Process(ctx, msg.EventID)
	return err
}

// run carries per-event state through the pipeline steps.
type run struct {
	event       *types.IngestEvent
	integration *types.Integration
	logger      *slog.Logger
	partial     error
}

func (p *Processor) process(ctx context.Context, eventID string, preferArchive bool) (*ProcessResult, error) {
	ev, err := p.db.GetEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("load event: %w", err)
	}
	if ev == nil {
		return nil, &NotFoundError{What: "event", Key: eventID}
	}
	if ev.Processed {
		return &ProcessResult{EventID: ev.ID, Outcome: ev.Outcome, ActivityID: ev.RouteID, AlreadyProcessed: true}, nil
	}

	r := &run{
		event:  ev,
		logger: p.logger.With("event_id", ev.ID, "provider", ev.Provider, "provider_user_id", ev.ProviderUserID),
	}

	in, err := p.db.FindIntegrationByProviderUser(ctx, ev.Provider, ev.ProviderUserID)
	if err != nil {
		return nil, fmt.Errorf("resolve integration: %w", err)
	}
	if in == nil {
		return p.finish(ctx, r, &ProcessResult{
			Outcome: types.OutcomeFailed,
			Err:     &NotFoundError{What: "integration", Key: ev.Provider + "/" + ev.ProviderUserID},
		})
	}
	r.integration = in
	r.logger = r.logger.With("user_id", in.UserID)

	return p.finish(ctx, r, p.ingest(ctx, r, preferArchive))
}

// ingest runs steps 3-6 and returns the outcome to record.
func (p *Processor) ingest(ctx context.Context, r *run, preferArchive bool) *ProcessResult {
	ev, in := r.event, r.integration

	if !in.SyncEnabled {
		return &ProcessResult{Outcome: types.OutcomeSyncDisabled}
	}

	if ev.ProviderActivityID != "" {
		existing, err := p.db.FindActivityByProviderID(ctx, ev.Provider, ev.ProviderActivityID, in.UserID)
		if err != nil {
			return failed(fmt.Errorf("existing activity lookup: %w", err))
		}
		if existing != nil {
			return &ProcessResult{Outcome: types.OutcomeDuplicate, ActivityID: existing.ID}
		}
	}

	data, err := p.payload(ctx, r, preferArchive)
	if err != nil {
		return failed(err)
	}

	rec, err := p.decoder.Decode(data, ev.FileType)
	if err != nil {
		return failed(&DecodeError{Err: err})
	}

	normalized, err := activity.Normalize(rec, activity.Source{
		UserID:             in.UserID,
		Provider:           ev.Provider,
		ProviderActivityID: ev.ProviderActivityID,
	})
	switch {
	case errors.Is(err, activity.ErrNonCycling):
		return &ProcessResult{Outcome: types.OutcomeNonCycling, Err: &NonCyclingSkip{Sport: rec.Session.Sport}}
	case err != nil:
		return failed(&DecodeError{Err: err})
	}

	a := normalized.Activity
	decision, err := p.resolver.Resolve(ctx, dedup.Candidate{
		Provider:           a.Provider,
		ProviderActivityID: a.ProviderActivityID,
		UserID:             a.UserID,
		StartTime:          a.StartTime,
		DistanceKm:         a.DistanceKm,
	})
	if err != nil {
		return failed(err)
	}
	if decision.Action != dedup.Accept {
		return &ProcessResult{Outcome: types.OutcomeDuplicate, ActivityID: decision.ExistingID}
	}

	result, err := p.writer.Write(ctx, a, normalized.TrackPoints)
	if result == nil {
		if errors.Is(err, shared.ErrConflict) {
			// Lost a race with a concurrent delivery of the same activity.
			existing, lookupErr := p.db.FindActivityByProviderID(ctx, a.Provider, a.ProviderActivityID, a.UserID)
			if lookupErr != nil {
				r.logger.Warn("Conflicting activity lookup failed", "provider_activity_id", a.ProviderActivityID, "error", lookupErr)
			}
			dup := &ProcessResult{Outcome: types.OutcomeDuplicate}
			if existing != nil {
				dup.ActivityID = existing.ID
			}
			return dup
		}
		return failed(err)
	}
	if err != nil {
		r.partial = err
		r.logger.Warn("Activity stored with partial track", "activity_id", result.ActivityID, "error", err)
	}

	r.logger.Info("Activity imported",
		"activity_id", result.ActivityID,
		"type", a.Type,
		"distance_km", a.DistanceKm,
		"track_points", result.PointsWritten,
	)
	return &ProcessResult{Outcome: types.OutcomeImported, ActivityID: result.ActivityID}
}

// payload returns the raw file, from the archive on reprocess when possible,
// otherwise from the provider. Fresh downloads are archived best-effort.
func (p *Processor) payload(ctx context.Context, r *run, preferArchive bool) ([]byte, error) {
	ev := r.event
	if preferArchive && p.archive.Enabled() {
		data, err := p.archive.Get(ctx, r.integration.UserID, ev.ID, ev.FileType)
		if err == nil {
			return data, nil
		}
		r.logger.Info("Archived payload unavailable, fetching from provider", "error", err)
	}

	if ev.FileURL == "" {
		return nil, &NotFoundError{What: "activity file", Key: ev.ID}
	}
	data, err := p.fetcher.Fetch(ctx, ev.FileURL, r.integration)
	if err != nil {
		return nil, &UpstreamError{Op: "fetch activity file", Err: err}
	}
	_ = p.archive.Put(ctx, r.integration.UserID, ev.ID, ev.FileType, data)
	return data, nil
}

func failed(err error) *ProcessResult {
	return &ProcessResult{Outcome: types.OutcomeFailed, Err: err}
}

// finish records the outcome on the event, the sync history and the
// integration. Only storage failures here are returned as errors.
func (p *Processor) finish(ctx context.Context, r *run, res *ProcessResult) (*ProcessResult, error) {
	ev := r.event
	res.EventID = ev.ID
	now := p.now().UTC()

	completion := types.EventCompletion{Outcome: res.Outcome, RouteID: res.ActivityID, At: now}
	switch {
	case res.Err != nil:
		completion.Error = res.Err.Error()
	case res.Outcome == types.OutcomeSyncDisabled:
		completion.Error = "sync disabled for integration"
	}
	if err := p.db.CompleteEvent(ctx, ev.ID, completion); err != nil {
		return nil, fmt.Errorf("complete event: %w", err)
	}

	metrics.RecordEventProcessed(string(res.Outcome))
	p.log(r, res)

	if r.integration == nil {
		return res, nil
	}

	history := &types.SyncHistoryRecord{
		UserID:    r.integration.UserID,
		Provider:  ev.Provider,
		Trigger:   types.SyncTriggerWebhook,
		Fetched:   1,
		CreatedAt: now,
	}
	lastError := ""
	switch res.Outcome {
	case types.OutcomeImported:
		history.Imported = 1
	case types.OutcomeFailed:
		history.Errored = 1
		lastError = completion.Error
	default:
		history.Skipped = 1
	}
	if completion.Error != "" {
		history.Errors = append(history.Errors, completion.Error)
	}
	if r.partial != nil {
		history.Errors = append(history.Errors, r.partial.Error())
	}
	if err := p.db.AppendSyncHistory(ctx, history); err != nil {
		r.logger.Error("Failed to append sync history", "error", err)
	}
	if err := p.db.UpdateIntegrationSync(ctx, r.integration.UserID, ev.Provider, now, lastError); err != nil {
		r.logger.Error("Failed to update integration sync state", "error", err)
	}
	return res, nil
}

func (p *Processor) log(r *run, res *ProcessResult) {
	if res.Outcome != types.OutcomeFailed {
		r.logger.Info("Event processed", "outcome", res.Outcome, "activity_id", res.ActivityID)
		return
	}
	kind := ErrorKind(res.Err)
	r.logger.Error("Event processing failed", "outcome", res.Outcome, "error_kind", kind, "error", res.Err)
	if kind == "internal" {
		sentry.CaptureException(res.Err, map[string]string{"event_id": r.event.ID, "stage": "process"}, r.logger)
	}
}
