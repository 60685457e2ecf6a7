package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fitglue/ride-ingest/pkg/storage/memory"
	"github.com/fitglue/ride-ingest/pkg/types"
)

func makeTrack(n int) []types.TrackPoint {
	points := make([]types.TrackPoint, n)
	for i := range points {
		points[i] = types.TrackPoint{
			Seq:           i,
			Lat:           51.5 + float64(i)*0.0001,
			Lon:           -0.12 + float64(i)*0.0001,
			TimeOffsetSec: float64(i),
		}
	}
	return points
}

func TestBatchWriter_Write(t *testing.T) {
	tests := []struct {
		name         string
		points       int
		failChunk    int
		wantWritten  int
		wantFailed   []int
		wantErr      bool
		wantInserted int
	}{
		{name: "no points", points: 0, failChunk: -1, wantWritten: 0},
		{name: "single chunk", points: 10, failChunk: -1, wantWritten: 10, wantInserted: 1},
		{name: "exact chunk boundary", points: 2000, failChunk: -1, wantWritten: 2000, wantInserted: 2},
		{name: "three chunks", points: 2500, failChunk: -1, wantWritten: 2500, wantInserted: 3},
		{name: "middle chunk fails", points: 2500, failChunk: 1, wantWritten: 1500, wantFailed: []int{1}, wantErr: true, wantInserted: 3},
		{name: "last chunk fails", points: 2500, failChunk: 2, wantWritten: 2000, wantFailed: []int{2}, wantErr: true, wantInserted: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := memory.NewStore()
			calls := 0
			var sizes []int
			store.FailTrackInsert = func(activityID string, points []types.TrackPoint) error {
				defer func() { calls++ }()
				sizes = append(sizes, len(points))
				if calls == tt.failChunk {
					return errors.New("connection reset")
				}
				return nil
			}

			a := &types.Activity{UserID: "u1", Provider: "garmin", ProviderActivityID: "a1", StartTime: time.Now()}
			res, err := NewBatchWriter(store, nil).Write(ctx, a, makeTrack(tt.points))
			require.NotNil(t, res)
			assert.Equal(t, tt.wantInserted, calls)
			assert.Equal(t, tt.wantWritten, res.PointsWritten)
			assert.Equal(t, tt.wantFailed, res.FailedChunks)
			for _, s := range sizes {
				assert.LessOrEqual(t, s, TrackChunkSize)
			}

			if tt.wantErr {
				var pw *PartialWriteError
				require.ErrorAs(t, err, &pw)
				assert.Equal(t, tt.points, pw.Expected)
				assert.Equal(t, tt.wantWritten, pw.Written)
			} else {
				require.NoError(t, err)
			}

			stored, err := store.GetActivity(ctx, res.ActivityID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantWritten, stored.TrackPointCount)
			assert.Equal(t, tt.wantWritten > 0, stored.HasGPS)
			assert.Equal(t, stored.TrackPointCount, a.TrackPointCount)
			assert.Len(t, store.TrackPoints(res.ActivityID), tt.wantWritten)
			if tt.wantWritten > 0 {
				assert.NotEmpty(t, stored.Polyline)
				require.NotNil(t, stored.Bounds)
			}
		})
	}
}

func TestBatchWriter_StampsActivityID(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	points := makeTrack(5)

	res, err := NewBatchWriter(store, nil).Write(ctx, &types.Activity{UserID: "u1"}, points)
	require.NoError(t, err)
	for _, p := range store.TrackPoints(res.ActivityID) {
		assert.Equal(t, res.ActivityID, p.ActivityID)
	}
	// The caller's slice is not mutated.
	assert.Empty(t, points[0].ActivityID)
}

func TestBatchWriter_ActivityInsertFails(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	w := NewBatchWriter(store, nil)

	_, err := w.Write(ctx, &types.Activity{UserID: "u1", Provider: "strava", ProviderActivityID: "9"}, nil)
	require.NoError(t, err)

	res, err := w.Write(ctx, &types.Activity{UserID: "u1", Provider: "strava", ProviderActivityID: "9"}, makeTrack(3))
	assert.Nil(t, res)
	require.Error(t, err)
	assert.Len(t, store.Activities(), 1)
}
