// Package dedup decides whether a candidate activity is already stored.
//
// Two checks run in order:
// 1. Exact match on (provider, provider activity id), optionally scoped to the owning user
// 2. Near match for the same user: start time within Window and distance within DistanceKm
//
// The near check exists because one ride can be reported by two providers
// under different ids. Its thresholds are empirical, hence configurable.
package dedup

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/fitglue/ride-ingest/pkg/types"
)

const (
	DefaultWindow     = 5 * time.Minute
	DefaultDistanceKm = 0.1

	// float tolerance so a 0.1 km threshold accepts a 0.1 km difference
	distanceEpsilon = 1e-9
)

// Action is the resolver verdict.
type Action string

const (
	Accept    Action = "accept"
	SkipExact Action = "skip_exact"
	SkipNear  Action = "skip_near"
)

// Candidate is the identifying subset of an activity about to be written.
type Candidate struct {
	Provider           string
	ProviderActivityID string
	UserID             string
	StartTime          time.Time
	DistanceKm         float64
}

// Decision carries the verdict and, for skips, the id of the stored activity.
type Decision struct {
	Action     Action
	ExistingID string
}

// ActivityLookup is the read-only view of stored activities the resolver needs.
// Both methods return (nil, nil) / empty when nothing matches.
type ActivityLookup interface {
	// userID == "" matches any owner.
	FindActivityByProviderID(ctx context.Context, provider, providerActivityID, userID string) (*types.Activity, error)
	FindActivitiesInWindow(ctx context.Context, userID string, from, to time.Time) ([]*types.Activity, error)
}

// Options controls which checks run.
type Options struct {
	// UserScoped restricts the exact match to the candidate's owner.
	UserScoped bool
	// NearDuplicate enables the start-time/distance heuristic.
	NearDuplicate bool
	Window        time.Duration
	DistanceKm    float64
}

// WebhookOptions is the push path: exact match per user, no near check.
func WebhookOptions() Options {
	return Options{UserScoped: true}
}

// BulkImportOptions is the pull path: provider-wide exact match plus the near check.
func BulkImportOptions(window time.Duration, distanceKm float64) Options {
	if window <= 0 {
		window = DefaultWindow
	}
	if distanceKm <= 0 {
		distanceKm = DefaultDistanceKm
	}
	return Options{NearDuplicate: true, Window: window, DistanceKm: distanceKm}
}

type Resolver struct {
	lookup ActivityLookup
	opts   Options
}

func NewResolver(lookup ActivityLookup, opts Options) *Resolver {
	if opts.NearDuplicate {
		if opts.Window <= 0 {
			opts.Window = DefaultWindow
		}
		if opts.DistanceKm <= 0 {
			opts.DistanceKm = DefaultDistanceKm
		}
	}
	return &Resolver{lookup: lookup, opts: opts}
}

// Resolve runs the exact check first, then the near check when enabled.
func (r *Resolver) Resolve(ctx context.Context, c Candidate) (Decision, error) {
	if c.ProviderActivityID != "" {
		owner := ""
		if r.opts.UserScoped {
			owner = c.UserID
		}
		existing, err := r.lookup.FindActivityByProviderID(ctx, c.Provider, c.ProviderActivityID, owner)
		if err != nil {
			return Decision{}, fmt.Errorf("exact match lookup: %w", err)
		}
		if existing != nil {
			return Decision{Action: SkipExact, ExistingID: existing.ID}, nil
		}
	}

	if !r.opts.NearDuplicate || c.StartTime.IsZero() {
		return Decision{Action: Accept}, nil
	}

	nearby, err := r.lookup.FindActivitiesInWindow(ctx, c.UserID, c.StartTime.Add(-r.opts.Window), c.StartTime.Add(r.opts.Window))
	if err != nil {
		return Decision{}, fmt.Errorf("near duplicate lookup: %w", err)
	}
	for _, a := range nearby {
		if r.IsNear(c, a) {
			return Decision{Action: SkipNear, ExistingID: a.ID}, nil
		}
	}
	return Decision{Action: Accept}, nil
}

// IsNear applies the near-duplicate thresholds to a stored activity.
func (r *Resolver) IsNear(c Candidate, a *types.Activity) bool {
	if a == nil || a.UserID != c.UserID {
		return false
	}
	gap := c.StartTime.Sub(a.StartTime)
	if gap < 0 {
		gap = -gap
	}
	if gap > r.opts.Window {
		return false
	}
	return math.Abs(c.DistanceKm-a.DistanceKm) <= r.opts.DistanceKm+distanceEpsilon
}
