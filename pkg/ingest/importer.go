package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	shared "github.com/fitglue/ride-ingest/pkg"
	"github.com/fitglue/ride-ingest/pkg/dedup"
	"github.com/fitglue/ride-ingest/pkg/domain/activity"
	"github.com/fitglue/ride-ingest/pkg/infrastructure/metrics"
	"github.com/fitglue/ride-ingest/pkg/infrastructure/oauth"
	"github.com/fitglue/ride-ingest/pkg/integrations/strava"
	"github.com/fitglue/ride-ingest/pkg/types"
)

const (
	DefaultPageDelay       = 200 * time.Millisecond
	DefaultMaxPages        = 50
	DefaultMaxErrorSamples = 10
)

// ImportItem is one activity summary from a polling provider.
type ImportItem struct {
	ProviderActivityID string
	Name               string
	Record             *types.ProviderRecord
	SummaryPolyline    string
}

// PageQuery selects one page of a user's activity history. Page is 1-based.
type PageQuery struct {
	Page    int
	PerPage int
	After   *time.Time
	Before  *time.Time
}

// ActivitySource lists activity summaries page by page.
type ActivitySource interface {
	ListActivities(ctx context.Context, integration *types.Integration, q PageQuery) ([]ImportItem, error)
}

// StravaSource reads pages from the Strava athlete activities endpoint with the
// integration's access token.
type StravaSource struct {
	BaseURL string
	// Base is wrapped by the bearer transport; nil uses http.DefaultClient.
	Base *http.Client
}

func (s *StravaSource) ListActivities(ctx context.Context, integration *types.Integration, q PageQuery) ([]ImportItem, error) {
	if s.Base != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, s.Base)
	}
	httpClient, err := oauth.NewClient(ctx, integration)
	if err != nil {
		return nil, err
	}
	page, err := strava.NewClient(s.BaseURL, httpClient).ListActivities(ctx, strava.ListActivitiesParams{
		Page:    q.Page,
		PerPage: q.PerPage,
		After:   q.After,
		Before:  q.Before,
	})
	if err != nil {
		return nil, err
	}
	items := make([]ImportItem, len(page))
	for i := range page {
		a := &page[i]
		items[i] = ImportItem{
			ProviderActivityID: a.ProviderID(),
			Name:               a.Name,
			Record:             a.ToRecord(),
			SummaryPolyline:    a.Map.SummaryPolyline,
		}
	}
	return items, nil
}

// ImportRequest is the bulk import trigger. Dates are YYYY-MM-DD or RFC 3339.
type ImportRequest struct {
	UserID    string `json:"userId"`
	StartDate string `json:"startDate,omitempty"`
	EndDate   string `json:"endDate,omitempty"`
}

// ImportResult is the response body and the content of the sync history row.
type ImportResult struct {
	Imported     int      `json:"imported"`
	Skipped      int      `json:"skipped"`
	Errors       int      `json:"errors"`
	Total        int      `json:"total"`
	ErrorSamples []string `json:"errorSamples"`
}

type ImporterConfig struct {
	// Provider is the polling provider's integration key; defaults to strava.
	Provider string
	// PerPage defaults to the provider maximum.
	PerPage  int
	MaxPages int
	// PageDelay is the minimum gap between page requests; zero disables it.
	PageDelay         time.Duration
	NearDupWindow     time.Duration
	NearDupDistanceKm float64
	MaxErrorSamples   int
}

// Importer pulls a user's history from a polling provider and writes every
// new cycling activity. Pages are fetched sequentially.
type Importer struct {
	db       shared.Database
	source   ActivitySource
	notifier shared.NotificationService
	resolver *dedup.Resolver
	writer   *BatchWriter
	cfg      ImporterConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewImporter builds an Importer. notifier may be nil.
func NewImporter(db shared.Database, source ActivitySource, notifier shared.NotificationService, cfg ImporterConfig, logger *slog.Logger) *Importer {
	if cfg.Provider == "" {
		cfg.Provider = shared.ProviderStrava
	}
	if cfg.PerPage <= 0 {
		cfg.PerPage = strava.MaxPerPage
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	if cfg.MaxErrorSamples <= 0 {
		cfg.MaxErrorSamples = DefaultMaxErrorSamples
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "bulk-importer")
	return &Importer{
		db:       db,
		source:   source,
		notifier: notifier,
		resolver: dedup.NewResolver(db, dedup.BulkImportOptions(cfg.NearDupWindow, cfg.NearDupDistanceKm)),
		writer:   NewBatchWriter(db, logger),
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Import runs the pagination loop for one user. Per-item failures are
// counted and sampled; only request validation and storage lookups of the
// integration are returned as errors.
func (imp *Importer) Import(ctx context.Context, req ImportRequest) (*ImportResult, error) {
	if req.UserID == "" {
		return nil, NewValidationError(http.StatusBadRequest, "userId is required")
	}
	after, err := parseDate(req.StartDate, "startDate")
	if err != nil {
		return nil, err
	}
	before, err := parseDate(req.EndDate, "endDate")
	if err != nil {
		return nil, err
	}

	in, err := imp.db.GetIntegration(ctx, req.UserID, imp.cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("load integration: %w", err)
	}
	if in == nil {
		return nil, &NotFoundError{What: imp.cfg.Provider + " integration", Key: req.UserID}
	}
	if !in.SyncEnabled {
		return nil, NewValidationError(http.StatusConflict, "sync disabled for integration")
	}

	logger := imp.logger.With("user_id", in.UserID, "provider", imp.cfg.Provider)
	logger.Info("Starting bulk import", "after", req.StartDate, "before", req.EndDate)

	limit := rate.Inf
	if imp.cfg.PageDelay > 0 {
		limit = rate.Every(imp.cfg.PageDelay)
	}
	limiter := rate.NewLimiter(limit, 1)

	res := &ImportResult{ErrorSamples: []string{}}
	for page := 1; page <= imp.cfg.MaxPages; page++ {
		if err := limiter.Wait(ctx); err != nil {
			imp.recordError(res, fmt.Errorf("page %d: %w", page, err))
			break
		}

		items, err := imp.source.ListActivities(ctx, in, PageQuery{Page: page, PerPage: imp.cfg.PerPage, After: after, Before: before})
		if err != nil {
			logger.Warn("Page request failed, stopping", "page", page, "error", err)
			imp.recordError(res, &UpstreamError{Op: fmt.Sprintf("list activities page %d", page), Err: err})
			break
		}
		metrics.RecordImportPage()
		res.Total += len(items)

		for _, item := range items {
			imp.importItem(ctx, in, item, res)
		}

		if len(items) < imp.cfg.PerPage {
			break
		}
		if page == imp.cfg.MaxPages {
			logger.Warn("Page ceiling reached", "max_pages", imp.cfg.MaxPages)
		}
	}

	logger.Info("Bulk import finished",
		"total", res.Total,
		"imported", res.Imported,
		"skipped", res.Skipped,
		"errors", res.Errors,
	)
	imp.record(ctx, in, res, logger)
	return res, nil
}

func (imp *Importer) importItem(ctx context.Context, in *types.Integration, item ImportItem, res *ImportResult) {
	outcome := imp.writeItem(ctx, in, item, res)
	metrics.RecordImportItem(outcome)
	switch outcome {
	case "imported":
		res.Imported++
	case "skipped":
		res.Skipped++
	}
}

// writeItem returns the metric outcome for one item; error outcomes are
// already counted in res.
func (imp *Importer) writeItem(ctx context.Context, in *types.Integration, item ImportItem, res *ImportResult) string {
	itemErr := func(err error) string {
		imp.recordError(res, fmt.Errorf("activity %s: %w", item.ProviderActivityID, err))
		return "error"
	}

	normalized, err := activity.Normalize(item.Record, activity.Source{
		UserID:             in.UserID,
		Provider:           imp.cfg.Provider,
		ProviderActivityID: item.ProviderActivityID,
		Name:               item.Name,
		SummaryPolyline:    item.SummaryPolyline,
	})
	switch {
	case errors.Is(err, activity.ErrNonCycling):
		return "skipped"
	case err != nil:
		return itemErr(&DecodeError{Err: err})
	}

	a := normalized.Activity
	decision, err := imp.resolver.Resolve(ctx, dedup.Candidate{
		Provider:           a.Provider,
		ProviderActivityID: a.ProviderActivityID,
		UserID:             a.UserID,
		StartTime:          a.StartTime,
		DistanceKm:         a.DistanceKm,
	})
	if err != nil {
		return itemErr(err)
	}
	if decision.Action != dedup.Accept {
		return "skipped"
	}

	result, err := imp.writer.Write(ctx, a, normalized.TrackPoints)
	if result == nil {
		if errors.Is(err, shared.ErrConflict) {
			return "skipped"
		}
		return itemErr(err)
	}
	if err != nil {
		imp.addSample(res, err.Error())
	}
	return "imported"
}

func (imp *Importer) recordError(res *ImportResult, err error) {
	res.Errors++
	imp.addSample(res, err.Error())
}

func (imp *Importer) addSample(res *ImportResult, msg string) {
	if len(res.ErrorSamples) < imp.cfg.MaxErrorSamples {
		res.ErrorSamples = append(res.ErrorSamples, msg)
	}
}

// record writes the sync history row, integration sync state and the
// completion push. Failures here are logged only.
func (imp *Importer) record(ctx context.Context, in *types.Integration, res *ImportResult, logger *slog.Logger) {
	now := imp.now().UTC()
	history := &types.SyncHistoryRecord{
		UserID:    in.UserID,
		Provider:  imp.cfg.Provider,
		Trigger:   types.SyncTriggerBulkImport,
		Fetched:   res.Total,
		Imported:  res.Imported,
		Skipped:   res.Skipped,
		Errored:   res.Errors,
		Errors:    append([]string(nil), res.ErrorSamples...),
		CreatedAt: now,
	}
	if err := imp.db.AppendSyncHistory(ctx, history); err != nil {
		logger.Error("Failed to append sync history", "error", err)
	}

	lastError := ""
	if res.Errors > 0 && len(res.ErrorSamples) > 0 {
		lastError = res.ErrorSamples[0]
	}
	if err := imp.db.UpdateIntegrationSync(ctx, in.UserID, imp.cfg.Provider, now, lastError); err != nil {
		logger.Error("Failed to update integration sync state", "error", err)
	}

	if imp.notifier == nil || len(in.FCMTokens) == 0 {
		return
	}
	body := fmt.Sprintf("%d rides imported, %d skipped", res.Imported, res.Skipped)
	if res.Errors > 0 {
		body += fmt.Sprintf(", %d failed", res.Errors)
	}
	if err := imp.notifier.SendPushNotification(ctx, in.UserID, "Import complete", body, in.FCMTokens, map[string]string{
		"provider": imp.cfg.Provider,
		"imported": fmt.Sprint(res.Imported),
	}); err != nil {
		logger.Warn("Failed to send import notification", "error", err)
	}
}

func parseDate(s, field string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.DateOnly, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, NewValidationError(http.StatusBadRequest, field+" must be YYYY-MM-DD or RFC 3339")
}

// --- HTTP adapter ---

// Authorizer checks the caller of an import request. It returns a
// *ValidationError (401/403) to reject.
type Authorizer func(r *http.Request, req *ImportRequest) error

// ImportHandler serves POST {userId, startDate?, endDate?} and responds with
// an ImportResult.
func ImportHandler(imp *Importer, authorize Authorizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}

		var req ImportRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			writeImportError(w, imp.logger, NewValidationError(http.StatusBadRequest, "invalid JSON body"))
			return
		}
		if authorize != nil {
			if err := authorize(r, &req); err != nil {
				writeImportError(w, imp.logger, err)
				return
			}
		}

		res, err := imp.Import(r.Context(), req)
		if err != nil {
			writeImportError(w, imp.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func writeImportError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error("Bulk import failed", "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}
