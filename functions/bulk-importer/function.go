package bulkimporter

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"firebase.google.com/go/v4/auth"
	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/fitglue/ride-ingest/pkg/bootstrap"
	"github.com/fitglue/ride-ingest/pkg/ingest"
)

const serviceName = "bulk-importer"

// TokenVerifier checks a Firebase ID token. *auth.Client satisfies it.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
}

var (
	svc      *bootstrap.Service
	verifier TokenVerifier
	svcOnce  sync.Once
	svcErr   error
)

func init() {
	functions.HTTP("ImportHistory", ImportHistory)
}

func initService(ctx context.Context) (*bootstrap.Service, TokenVerifier, error) {
	if svc != nil && verifier != nil {
		return svc, verifier, nil
	}
	svcOnce.Do(func() {
		cfg, err := bootstrap.LoadFunctionConfig()
		if err != nil {
			slog.Error("Invalid configuration", "error", err)
			svcErr = err
			return
		}
		// Imports write synchronously; nothing is dispatched.
		cfg.Dispatch = bootstrap.DispatchLog
		baseSvc, err := bootstrap.NewService(ctx, serviceName, cfg)
		if err != nil {
			slog.Error("Failed to initialize service", "error", err)
			svcErr = err
			return
		}

		app := baseSvc.Firebase
		if app == nil {
			if app, err = bootstrap.NewFirebaseApp(ctx, cfg); err != nil {
				baseSvc.Logger.Error("Firebase init failed", "error", err)
				svcErr = err
				return
			}
		}
		authClient, err := app.Auth(ctx)
		if err != nil {
			baseSvc.Logger.Error("Firebase auth init failed", "error", err)
			svcErr = err
			return
		}
		svc, verifier = baseSvc, authClient
	})
	return svc, verifier, svcErr
}

// ImportHistory is the HTTP entry point for a user-initiated history import.
// The caller authenticates with a Firebase ID token and may only import for
// themselves.
func ImportHistory(w http.ResponseWriter, r *http.Request) {
	s, v, err := initService(r.Context())
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": "service unavailable"})
		return
	}
	ingest.ImportHandler(s.Importer, FirebaseAuthorizer(v))(w, r)
}

// FirebaseAuthorizer accepts requests whose bearer token belongs to the user
// being imported. An empty userId defaults to the token's subject.
func FirebaseAuthorizer(v TokenVerifier) ingest.Authorizer {
	return func(r *http.Request, req *ingest.ImportRequest) error {
		header := r.Header.Get("Authorization")
		idToken, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || idToken == "" {
			return ingest.NewValidationError(http.StatusUnauthorized, "missing bearer token")
		}

		token, err := v.VerifyIDToken(r.Context(), idToken)
		if err != nil {
			return ingest.NewValidationError(http.StatusUnauthorized, "invalid token")
		}

		if req.UserID == "" {
			req.UserID = token.UID
		}
		if req.UserID != token.UID {
			return ingest.NewValidationError(http.StatusForbidden, "cannot import for another user")
		}
		return nil
	}
}
