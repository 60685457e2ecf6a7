package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	shared "github.com/fitglue/ride-ingest/pkg"
	"github.com/fitglue/ride-ingest/pkg/infrastructure/metrics"
	"github.com/fitglue/ride-ingest/pkg/infrastructure/ratelimit"
	"github.com/fitglue/ride-ingest/pkg/types"
)

const (
	DefaultMaxPayloadBytes = 10 << 20
	SignatureHeader        = "X-Webhook-Signature"
)

// EventStore is the part of storage the receiver writes to.
type EventStore interface {
	CreateEvent(ctx context.Context, e *types.IngestEvent) error
	FindEvent(ctx context.Context, providerUserID, providerActivityID string) (*types.IngestEvent, error)
}

type ReceiverConfig struct {
	// Provider tags stored events; defaults to garmin, the push provider.
	Provider        string
	MaxPayloadBytes int64
	// Secret enables HMAC-SHA256 signature checks when set.
	Secret string
	// TrustedProxyHops is the number of proxies in front of the receiver
	// that append to X-Forwarded-For. Zero keys rate limits on the peer address.
	TrustedProxyHops int
}

// Inbound is one webhook delivery, already read off the wire.
type Inbound struct {
	ClientIP    string
	ContentType string
	Signature   string
	Body        []byte
}

// WebhookResponse is the JSON body returned to the sender.
type WebhookResponse struct {
	Success bool   `json:"success"`
	EventID string `json:"eventId,omitempty"`
	Message string `json:"message"`
}

// Receiver validates and stores webhook deliveries, then hands the stored
// event to a Dispatcher without waiting for processing.
type Receiver struct {
	store      EventStore
	dispatcher shared.Dispatcher
	limiter    ratelimit.Store
	cfg        ReceiverConfig
	logger     *slog.Logger
	now        func() time.Time
}

// NewReceiver builds a Receiver. limiter may be nil to disable rate limiting.
func NewReceiver(store EventStore, dispatcher shared.Dispatcher, limiter ratelimit.Store, cfg ReceiverConfig, logger *slog.Logger) *Receiver {
	if cfg.Provider == "" {
		cfg.Provider = shared.ProviderGarmin
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		store:      store,
		dispatcher: dispatcher,
		limiter:    limiter,
		cfg:        cfg,
		logger:     logger.With("component", "webhook-receiver"),
		now:        time.Now,
	}
}

// webhookPayload is the accepted body shape after structural validation.
type webhookPayload struct {
	UserID          string
	ActivityID      string
	FileURL         string
	FileType        string
	UploadTimestamp *int64
	StartTime       string
}

// Receive runs the validation chain, stores the event and dispatches it.
// Validation failures return a *ValidationError and store nothing.
func (r *Receiver) Receive(ctx context.Context, in Inbound) (*WebhookResponse, error) {
	if r.limiter != nil {
		allowed, err := r.limiter.Allow(ctx, in.ClientIP)
		if err != nil {
			// Fail open: a limiter outage must not drop deliveries.
			r.logger.Warn("Rate limiter unavailable", "error", err)
		} else if !allowed {
			metrics.RecordRateLimited()
			return nil, NewValidationError(http.StatusTooManyRequests, "rate limit exceeded")
		}
	}

	if int64(len(in.Body)) > r.cfg.MaxPayloadBytes {
		return nil, NewValidationError(http.StatusRequestEntityTooLarge, fmt.Sprintf("payload exceeds %d bytes", r.cfg.MaxPayloadBytes))
	}

	if !isJSON(in.ContentType) {
		return nil, NewValidationError(http.StatusUnsupportedMediaType, "content type must be application/json")
	}

	if r.cfg.Secret != "" && !VerifySignature(r.cfg.Secret, in.Body, in.Signature) {
		return nil, NewValidationError(http.StatusUnauthorized, "invalid signature")
	}

	payload, err := parsePayload(in.Body)
	if err != nil {
		return nil, err
	}

	if payload.ActivityID != "" {
		existing, err := r.store.FindEvent(ctx, payload.UserID, payload.ActivityID)
		if err != nil {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
		if existing != nil {
			return duplicateResponse(existing.ID), nil
		}
	}

	event := r.newEvent(payload, in.Body)
	if err := r.store.CreateEvent(ctx, event); err != nil {
		if errors.Is(err, shared.ErrConflict) {
			existing, findErr := r.store.FindEvent(ctx, payload.UserID, payload.ActivityID)
			if findErr == nil && existing != nil {
				return duplicateResponse(existing.ID), nil
			}
		}
		return nil, fmt.Errorf("store event: %w", err)
	}

	r.logger.Info("Webhook event stored",
		"event_id", event.ID,
		"provider_user_id", event.ProviderUserID,
		"activity_id", event.ProviderActivityID,
	)

	msg := types.IngestEventMessage{EventID: event.ID, ProviderUserID: event.ProviderUserID}
	if err := r.dispatcher.Dispatch(ctx, msg); err != nil {
		// The event is durable; Reprocess picks it up later.
		r.logger.Error("Failed to dispatch event", "event_id", event.ID, "error", err)
		return &WebhookResponse{Success: true, EventID: event.ID, Message: "event stored, processing deferred"}, nil
	}

	return &WebhookResponse{Success: true, EventID: event.ID, Message: "event accepted"}, nil
}

func duplicateResponse(eventID string) *WebhookResponse {
	return &WebhookResponse{Success: true, EventID: eventID, Message: "duplicate event"}
}

func (r *Receiver) newEvent(p *webhookPayload, raw []byte) *types.IngestEvent {
	e := &types.IngestEvent{
		ID:                 uuid.NewString(),
		Provider:           r.cfg.Provider,
		ProviderUserID:     p.UserID,
		ProviderActivityID: p.ActivityID,
		FileURL:            p.FileURL,
		FileType:           p.FileType,
		ReceivedAt:         r.now().UTC(),
		RawPayload:         raw,
	}
	if e.FileType == "" {
		e.FileType = shared.DefaultFileType
	}
	switch {
	case p.UploadTimestamp != nil:
		t := time.Unix(*p.UploadTimestamp, 0).UTC()
		e.StartTime = &t
	case p.StartTime != "":
		if t, err := time.Parse(time.RFC3339, p.StartTime); err == nil {
			t = t.UTC()
			e.StartTime = &t
		}
	}
	return e
}

// parsePayload enforces the structural rules: a JSON object with a non-empty
// string userId and, when present, a string activityId.
func parsePayload(body []byte) (*webhookPayload, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return nil, NewValidationError(http.StatusBadRequest, "payload must be a JSON object")
	}

	p := &webhookPayload{}
	userID, ok := stringField(fields, "userId")
	if !ok || userID == "" {
		return nil, NewValidationError(http.StatusBadRequest, "userId is required and must be a string")
	}
	p.UserID = userID

	if raw, present := fields["activityId"]; present && string(raw) != "null" {
		activityID, ok := stringField(fields, "activityId")
		if !ok {
			return nil, NewValidationError(http.StatusBadRequest, "activityId must be a string")
		}
		p.ActivityID = activityID
	}

	p.FileURL, _ = stringField(fields, "fileUrl")
	p.FileType, _ = stringField(fields, "fileType")
	p.StartTime, _ = stringField(fields, "startTime")
	if raw, present := fields["uploadTimestamp"]; present {
		var ts int64
		if err := json.Unmarshal(raw, &ts); err == nil {
			p.UploadTimestamp = &ts
		}
	}
	return p, nil
}

func stringField(fields map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := fields[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "application/json"
}

// VerifySignature checks a hex HMAC-SHA256 of body, optionally prefixed with
// "sha256=", in constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	got, err := hex.DecodeString(signature)
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// --- HTTP adapter ---

// ServeHTTP handles GET as a health check and POST as a delivery.
func (r *Receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		r.Health(w, req)
	case http.MethodPost:
		r.handlePost(w, req)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeJSON(w, http.StatusMethodNotAllowed, WebhookResponse{Message: "method not allowed"})
	}
}

// Health writes {status:"ok", timestamp}.
func (r *Receiver) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": r.now().UTC().Format(time.RFC3339),
	})
}

func (r *Receiver) handlePost(w http.ResponseWriter, req *http.Request) {
	// Read one byte past the limit so oversize bodies are detectable.
	body, err := io.ReadAll(io.LimitReader(req.Body, r.cfg.MaxPayloadBytes+1))
	if err != nil {
		r.respond(w, nil, NewValidationError(http.StatusBadRequest, "unreadable body"))
		return
	}

	resp, err := r.Receive(req.Context(), Inbound{
		ClientIP:    ClientIP(req, r.cfg.TrustedProxyHops),
		ContentType: req.Header.Get("Content-Type"),
		Signature:   req.Header.Get(SignatureHeader),
		Body:        body,
	})
	r.respond(w, resp, err)
}

func (r *Receiver) respond(w http.ResponseWriter, resp *WebhookResponse, err error) {
	if err != nil {
		status := HTTPStatus(err)
		msg := "internal error"
		var ve *ValidationError
		if errors.As(err, &ve) {
			msg = ve.Reason
			r.logger.Info("Webhook rejected", "status", status, "reason", ve.Reason)
		} else {
			r.logger.Error("Webhook failed", "error", err)
		}
		metrics.RecordWebhookResponse(status)
		writeJSON(w, status, WebhookResponse{Success: false, Message: msg})
		return
	}
	metrics.RecordWebhookResponse(http.StatusOK)
	writeJSON(w, http.StatusOK, resp)
}

// ClientIP is the address the rate limiter keys on. With trustedHops > 0 it
// is the X-Forwarded-For entry appended by the outermost trusted proxy;
// entries to its left are client-supplied and ignored.
func ClientIP(req *http.Request, trustedHops int) string {
	if trustedHops > 0 {
		var hops []string
		for _, h := range req.Header.Values("X-Forwarded-For") {
			for _, part := range strings.Split(h, ",") {
				if ip := strings.TrimSpace(part); ip != "" {
					hops = append(hops, ip)
				}
			}
		}
		if len(hops) > 0 {
			return hops[max(0, len(hops)-trustedHops)]
		}
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
