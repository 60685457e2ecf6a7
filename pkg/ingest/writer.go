package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fitglue/ride-ingest/pkg/domain/activity"
	"github.com/fitglue/ride-ingest/pkg/infrastructure/metrics"
	"github.com/fitglue/ride-ingest/pkg/types"
)

// TrackChunkSize is the maximum number of track points per insert.
const TrackChunkSize = 1000

// ActivityWriter is the write side of activity storage. InsertTrackPoints must
// be all-or-nothing for the slice it is given.
type ActivityWriter interface {
	CreateActivity(ctx context.Context, a *types.Activity) (string, error)
	InsertTrackPoints(ctx context.Context, activityID string, points []types.TrackPoint) error
	UpdateActivityTrack(ctx context.Context, activityID string, summary types.TrackSummary) error
}

// WriteResult describes what reached storage.
type WriteResult struct {
	ActivityID    string
	PointsWritten int
	FailedChunks  []int
}

// BatchWriter stores an activity and then its track points in sequential chunks.
type BatchWriter struct {
	store     ActivityWriter
	chunkSize int
	logger    *slog.Logger
}

func NewBatchWriter(store ActivityWriter, logger *slog.Logger) *BatchWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchWriter{store: store, chunkSize: TrackChunkSize, logger: logger}
}

// Write inserts a, then points in chunks. A failed chunk is logged and skipped;
// the activity is never rolled back. The activity's GPS fields are then set
// from the points that were actually written.
//
// The error is nil, an insert error for the activity row (nothing written), or
// a *PartialWriteError alongside a valid result.
func (w *BatchWriter) Write(ctx context.Context, a *types.Activity, points []types.TrackPoint) (*WriteResult, error) {
	// GPS fields describe stored points only; they are backfilled below.
	a.TrackPointCount = 0
	a.HasGPS = false
	a.Polyline = ""
	a.Bounds = nil

	id, err := w.store.CreateActivity(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("insert activity: %w", err)
	}
	a.ID = id
	result := &WriteResult{ActivityID: id}

	if len(points) == 0 {
		return result, nil
	}

	written := make([]types.TrackPoint, 0, len(points))
	var lastErr error
	for chunk, start := 0, 0; start < len(points); chunk, start = chunk+1, start+w.chunkSize {
		end := min(start+w.chunkSize, len(points))
		batch := make([]types.TrackPoint, end-start)
		copy(batch, points[start:end])
		for i := range batch {
			batch[i].ActivityID = id
		}

		if err := w.store.InsertTrackPoints(ctx, id, batch); err != nil {
			w.logger.Warn("Track point chunk failed, skipping",
				"activity_id", id,
				"chunk", chunk,
				"size", len(batch),
				"error", err,
			)
			metrics.RecordTrackChunk(false)
			result.FailedChunks = append(result.FailedChunks, chunk)
			lastErr = err
			continue
		}
		metrics.RecordTrackChunk(true)
		written = append(written, batch...)
	}
	result.PointsWritten = len(written)

	summary := activity.SummarizeTrack(written)
	if err := w.store.UpdateActivityTrack(ctx, id, summary); err != nil {
		w.logger.Error("Failed to backfill track summary", "activity_id", id, "error", err)
		if lastErr == nil {
			lastErr = fmt.Errorf("update track summary: %w", err)
		}
	} else {
		a.TrackPointCount = summary.Count
		a.HasGPS = summary.Count > 0
		a.Polyline = summary.Polyline
		a.Bounds = summary.Bounds
	}

	if lastErr != nil {
		return result, &PartialWriteError{
			ActivityID:   id,
			FailedChunks: result.FailedChunks,
			Written:      result.PointsWritten,
			Expected:     len(points),
			Err:          lastErr,
		}
	}
	return result, nil
}
