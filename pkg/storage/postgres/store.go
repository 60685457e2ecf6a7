// Package postgres implements shared.Database on PostgreSQL via pgx. Unique
// keys are partial unique indexes; a violation surfaces as shared.ErrConflict.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	shared "github.com/fitglue/ride-ingest/pkg"
	"github.com/fitglue/ride-ingest/pkg/types"
)

//go:embed schema.sql
var Schema string

const uniqueViolation = "23505"

// Store provides Postgres-backed persistence for the ingestion pipeline.
type Store struct {
	pool *pgxpool.Pool
}

var _ shared.Database = (*Store)(nil)

// NewStore constructs a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pool for dsn and verifies it.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

func mapErr(err error, what string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", what, shared.ErrConflict)
	}
	return err
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

type scanner interface {
	Scan(dest ...any) error
}

// --- Ingest events ---

const eventColumns = `id, provider, provider_user_id, COALESCE(provider_activity_id, ''), COALESCE(file_url, ''), file_type,
	start_time, received_at, raw_payload, processed, processed_at, COALESCE(process_error, ''), outcome, COALESCE(route_id, '')`

func scanEvent(row scanner) (*types.IngestEvent, error) {
	var e types.IngestEvent
	var outcome string
	err := row.Scan(&e.ID, &e.Provider, &e.ProviderUserID, &e.ProviderActivityID, &e.FileURL, &e.FileType,
		&e.StartTime, &e.ReceivedAt, &e.RawPayload, &e.Processed, &e.ProcessedAt, &e.ProcessError, &outcome, &e.RouteID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	e.Outcome = types.EventOutcome(outcome)
	return &e, nil
}

func (s *Store) CreateEvent(ctx context.Context, e *types.IngestEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	const stmt = `INSERT INTO ingest_events (id, provider, provider_user_id, provider_activity_id, file_url, file_type, start_time, received_at, raw_payload)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := s.pool.Exec(ctx, stmt,
		e.ID,
		e.Provider,
		e.ProviderUserID,
		nullIfEmpty(e.ProviderActivityID),
		nullIfEmpty(e.FileURL),
		e.FileType,
		e.StartTime,
		e.ReceivedAt,
		e.RawPayload,
	)
	return mapErr(err, "event "+e.ID)
}

func (s *Store) GetEvent(ctx context.Context, id string) (*types.IngestEvent, error) {
	return scanEvent(s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM ingest_events WHERE id=$1`, id))
}

func (s *Store) FindEvent(ctx context.Context, providerUserID, providerActivityID string) (*types.IngestEvent, error) {
	if providerActivityID == "" {
		return nil, nil
	}
	return scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM ingest_events WHERE provider_user_id=$1 AND provider_activity_id=$2`,
		providerUserID, providerActivityID))
}

func (s *Store) CompleteEvent(ctx context.Context, id string, c types.EventCompletion) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingest_events SET processed=TRUE, processed_at=$2, outcome=$3, route_id=$4, process_error=$5 WHERE id=$1`,
		id, c.At, string(c.Outcome), nullIfEmpty(c.RouteID), nullIfEmpty(c.Error))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event %s not found", id)
	}
	return nil
}

func (s *Store) ResetEvent(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE ingest_events SET processed=FALSE, processed_at=NULL, outcome='', route_id=NULL, process_error=NULL WHERE id=$1`, id)
	return err
}

// UnprocessedEvents lists events still waiting for processing, oldest first.
func (s *Store) UnprocessedEvents(ctx context.Context, limit int) ([]*types.IngestEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM ingest_events WHERE NOT processed ORDER BY received_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.IngestEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Integrations ---

const integrationColumns = `user_id, provider, access_token, refresh_token, provider_user_id, sync_enabled, last_sync_at, last_error, fcm_tokens`

func scanIntegration(row scanner) (*types.Integration, error) {
	var in types.Integration
	err := row.Scan(&in.UserID, &in.Provider, &in.AccessToken, &in.RefreshToken, &in.ProviderUserID,
		&in.SyncEnabled, &in.LastSyncAt, &in.LastError, &in.FCMTokens)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &in, nil
}

// PutIntegration upserts an integration the way the OAuth collaborator would.
func (s *Store) PutIntegration(ctx context.Context, in *types.Integration) error {
	tokens := in.FCMTokens
	if tokens == nil {
		tokens = []string{}
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO integrations (`+integrationColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			access_token=EXCLUDED.access_token,
			refresh_token=EXCLUDED.refresh_token,
			provider_user_id=EXCLUDED.provider_user_id,
			sync_enabled=EXCLUDED.sync_enabled,
			last_sync_at=EXCLUDED.last_sync_at,
			last_error=EXCLUDED.last_error,
			fcm_tokens=EXCLUDED.fcm_tokens`,
		in.UserID, in.Provider, in.AccessToken, in.RefreshToken, in.ProviderUserID,
		in.SyncEnabled, in.LastSyncAt, in.LastError, tokens)
	return err
}

func (s *Store) GetIntegration(ctx context.Context, userID, provider string) (*types.Integration, error) {
	return scanIntegration(s.pool.QueryRow(ctx,
		`SELECT `+integrationColumns+` FROM integrations WHERE user_id=$1 AND provider=$2`, userID, provider))
}

func (s *Store) FindIntegrationByProviderUser(ctx context.Context, provider, providerUserID string) (*types.Integration, error) {
	return scanIntegration(s.pool.QueryRow(ctx,
		`SELECT `+integrationColumns+` FROM integrations WHERE provider=$1 AND provider_user_id=$2 LIMIT 1`, provider, providerUserID))
}

func (s *Store) UpdateIntegrationSync(ctx context.Context, userID, provider string, at time.Time, lastError string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE integrations SET last_sync_at=$3, last_error=$4 WHERE user_id=$1 AND provider=$2`,
		userID, provider, at, lastError)
	return err
}

// --- Activities ---

const activityColumns = `id, user_id, name, type, provider, COALESCE(provider_activity_id, ''), start_time,
	distance_km, duration_sec, moving_time_sec, elevation_gain_m, elevation_loss_m, avg_speed_kmh, max_speed_kmh,
	avg_heart_rate, max_heart_rate, avg_power, max_power, avg_cadence, energy_kj,
	has_gps, has_heart_rate, has_power, has_cadence, track_point_count, polyline,
	min_lat, min_lon, max_lat, max_lon, created_at`

func scanActivity(row scanner) (*types.Activity, error) {
	var a types.Activity
	var activityType string
	var minLat, minLon, maxLat, maxLon *float64
	err := row.Scan(&a.ID, &a.UserID, &a.Name, &activityType, &a.Provider, &a.ProviderActivityID, &a.StartTime,
		&a.DistanceKm, &a.DurationSec, &a.MovingTimeSec, &a.ElevationGainM, &a.ElevationLossM, &a.AvgSpeedKmh, &a.MaxSpeedKmh,
		&a.AvgHeartRate, &a.MaxHeartRate, &a.AvgPower, &a.MaxPower, &a.AvgCadence, &a.EnergyKJ,
		&a.HasGPS, &a.HasHeartRate, &a.HasPower, &a.HasCadence, &a.TrackPointCount, &a.Polyline,
		&minLat, &minLon, &maxLat, &maxLon, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	a.Type = types.ActivityType(activityType)
	if minLat != nil && minLon != nil && maxLat != nil && maxLon != nil {
		a.Bounds = &types.BoundingBox{MinLat: *minLat, MinLon: *minLon, MaxLat: *maxLat, MaxLon: *maxLon}
	}
	return &a, nil
}

func (s *Store) CreateActivity(ctx context.Context, a *types.Activity) (string, error) {
	id := uuid.NewString()
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	const stmt = `INSERT INTO activities (id, user_id, name, type, provider, provider_activity_id, start_time,
		distance_km, duration_sec, moving_time_sec, elevation_gain_m, elevation_loss_m, avg_speed_kmh, max_speed_kmh,
		avg_heart_rate, max_heart_rate, avg_power, max_power, avg_cadence, energy_kj,
		has_gps, has_heart_rate, has_power, has_cadence, track_point_count, polyline, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27)`
	_, err := s.pool.Exec(ctx, stmt,
		id, a.UserID, a.Name, string(a.Type), a.Provider, nullIfEmpty(a.ProviderActivityID), a.StartTime,
		a.DistanceKm, a.DurationSec, a.MovingTimeSec, a.ElevationGainM, a.ElevationLossM, a.AvgSpeedKmh, a.MaxSpeedKmh,
		a.AvgHeartRate, a.MaxHeartRate, a.AvgPower, a.MaxPower, a.AvgCadence, a.EnergyKJ,
		a.HasGPS, a.HasHeartRate, a.HasPower, a.HasCadence, a.TrackPointCount, a.Polyline, createdAt,
	)
	if err != nil {
		return "", mapErr(err, "activity "+a.Provider+"/"+a.ProviderActivityID)
	}
	return id, nil
}

func (s *Store) GetActivity(ctx context.Context, id string) (*types.Activity, error) {
	return scanActivity(s.pool.QueryRow(ctx, `SELECT `+activityColumns+` FROM activities WHERE id=$1`, id))
}

func (s *Store) FindActivityByProviderID(ctx context.Context, provider, providerActivityID, userID string) (*types.Activity, error) {
	if userID == "" {
		return scanActivity(s.pool.QueryRow(ctx,
			`SELECT `+activityColumns+` FROM activities WHERE provider=$1 AND provider_activity_id=$2 ORDER BY created_at LIMIT 1`,
			provider, providerActivityID))
	}
	return scanActivity(s.pool.QueryRow(ctx,
		`SELECT `+activityColumns+` FROM activities WHERE provider=$1 AND provider_activity_id=$2 AND user_id=$3`,
		provider, providerActivityID, userID))
}

func (s *Store) FindActivitiesInWindow(ctx context.Context, userID string, from, to time.Time) ([]*types.Activity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+activityColumns+` FROM activities WHERE user_id=$1 AND start_time BETWEEN $2 AND $3 ORDER BY start_time`,
		userID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

var trackPointColumns = []string{
	"activity_id", "seq", "lat", "lon", "elevation", "time_offset_sec", "distance_offset_m",
	"heart_rate", "power", "cadence", "speed_kmh", "temperature",
}

// InsertTrackPoints copies one chunk inside its own transaction, so a failed
// chunk leaves no partial rows.
func (s *Store) InsertTrackPoints(ctx context.Context, activityID string, points []types.TrackPoint) (err error) {
	if len(points) == 0 {
		return nil
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	rows := make([][]any, len(points))
	for i, p := range points {
		rows[i] = []any{activityID, p.Seq, p.Lat, p.Lon, p.Elevation, p.TimeOffsetSec, p.DistanceOffsetM,
			p.HeartRate, p.Power, p.Cadence, p.SpeedKmh, p.Temperature}
	}
	if _, err = tx.CopyFrom(ctx, pgx.Identifier{"track_points"}, trackPointColumns, pgx.CopyFromRows(rows)); err != nil {
		return mapErr(err, "track points for "+activityID)
	}
	return tx.Commit(ctx)
}

func (s *Store) UpdateActivityTrack(ctx context.Context, activityID string, summary types.TrackSummary) error {
	var minLat, minLon, maxLat, maxLon *float64
	if b := summary.Bounds; b != nil {
		minLat, minLon, maxLat, maxLon = &b.MinLat, &b.MinLon, &b.MaxLat, &b.MaxLon
	}
	_, err := s.pool.Exec(ctx, `UPDATE activities SET track_point_count=$2, has_gps=$3, polyline=$4,
		min_lat=$5, min_lon=$6, max_lat=$7, max_lon=$8 WHERE id=$1`,
		activityID, summary.Count, summary.Count > 0, summary.Polyline, minLat, minLon, maxLat, maxLon)
	return err
}

// ReadTrack returns every stored point of an activity ordered by sequence.
func (s *Store) ReadTrack(ctx context.Context, activityID string) ([]types.TrackPoint, error) {
	rows, err := s.pool.Query(ctx, `SELECT seq, lat, lon, elevation, time_offset_sec, distance_offset_m,
		heart_rate, power, cadence, speed_kmh, temperature FROM track_points WHERE activity_id=$1 ORDER BY seq`, activityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.TrackPoint
	for rows.Next() {
		p := types.TrackPoint{ActivityID: activityID}
		if err := rows.Scan(&p.Seq, &p.Lat, &p.Lon, &p.Elevation, &p.TimeOffsetSec, &p.DistanceOffsetM,
			&p.HeartRate, &p.Power, &p.Cadence, &p.SpeedKmh, &p.Temperature); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Sync history ---

func (s *Store) AppendSyncHistory(ctx context.Context, rec *types.SyncHistoryRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	errs := rec.Errors
	if errs == nil {
		errs = []string{}
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO sync_history (id, user_id, provider, trigger, fetched, imported, skipped, errored, errors, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		rec.ID, rec.UserID, rec.Provider, string(rec.Trigger), rec.Fetched, rec.Imported, rec.Skipped, rec.Errored, errs, rec.CreatedAt)
	return err
}

// SyncHistory lists a user's audit rows, newest first.
func (s *Store) SyncHistory(ctx context.Context, userID string, limit int) ([]*types.SyncHistoryRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, user_id, provider, trigger, fetched, imported, skipped, errored, errors, created_at
		FROM sync_history WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.SyncHistoryRecord
	for rows.Next() {
		var r types.SyncHistoryRecord
		var trigger string
		if err := rows.Scan(&r.ID, &r.UserID, &r.Provider, &trigger, &r.Fetched, &r.Imported, &r.Skipped, &r.Errored, &r.Errors, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Trigger = types.SyncTrigger(trigger)
		out = append(out, &r)
	}
	return out, rows.Err()
}
