// Package oauth builds authenticated provider HTTP clients from a stored
// integration credential. Token refresh belongs to the OAuth collaborator;
// clients here only present the access token they are given.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	httputil "github.com/fitglue/ride-ingest/pkg/infrastructure/http"
	"github.com/fitglue/ride-ingest/pkg/types"
)

// DefaultMaxFileBytes caps a downloaded activity file.
const DefaultMaxFileBytes = 50 << 20

// ErrNoCredential is returned when the integration carries no access token.
var ErrNoCredential = errors.New("integration has no access token")

// NewClient returns an HTTP client that sends the integration's access token
// as a bearer credential on every request.
func NewClient(ctx context.Context, integration *types.Integration) (*http.Client, error) {
	if integration == nil || integration.AccessToken == "" {
		return nil, ErrNoCredential
	}
	src := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken:  integration.AccessToken,
		RefreshToken: integration.RefreshToken,
		TokenType:    "Bearer",
	})
	return oauth2.NewClient(ctx, src), nil
}

// Fetcher downloads activity files on behalf of an integration.
type Fetcher struct {
	// Base is the client whose transport the bearer transport wraps. Nil uses
	// http.DefaultClient.
	Base     *http.Client
	MaxBytes int64
	Timeout  time.Duration
}

func NewFetcher() *Fetcher {
	return &Fetcher{MaxBytes: DefaultMaxFileBytes, Timeout: 60 * time.Second}
}

// Fetch GETs url with the integration's credential. Non-2xx responses return
// an *httputil.HTTPError.
func (f *Fetcher) Fetch(ctx context.Context, url string, integration *types.Integration) ([]byte, error) {
	if f.Base != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, f.Base)
	}
	client, err := NewClient(ctx, integration)
	if err != nil {
		return nil, err
	}
	if f.Timeout > 0 {
		client.Timeout = f.Timeout
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if err := httputil.ParseErrorResponse(resp); err != nil {
		return nil, err
	}

	limit := f.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxFileBytes
	}
	return httputil.ReadLimited(resp.Body, limit)
}
