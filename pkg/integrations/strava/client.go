// Package strava is a minimal client for the Strava activity list endpoint
// used by history import.
package strava

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	httputil "github.com/fitglue/ride-ingest/pkg/infrastructure/http"
	"github.com/fitglue/ride-ingest/pkg/types"
)

const (
	DefaultBaseURL = "https://www.strava.com/api/v3"

	// MaxPerPage is the largest page Strava serves.
	MaxPerPage = 200
)

// Client is an API client for Strava. Authentication is carried by the
// supplied http.Client's transport.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a new Strava API client
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), client: httpClient}
}

// Activity is a summary activity as returned by /athlete/activities.
type Activity struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	Type               string    `json:"type"`
	SportType          string    `json:"sport_type"`
	StartDate          time.Time `json:"start_date"`
	Distance           float64   `json:"distance"`             // meters
	MovingTime         int       `json:"moving_time"`          // seconds
	ElapsedTime        int       `json:"elapsed_time"`         // seconds
	TotalElevationGain float64   `json:"total_elevation_gain"` // meters
	AverageSpeed       float64   `json:"average_speed"`        // m/s
	MaxSpeed           float64   `json:"max_speed"`            // m/s
	AverageHeartrate   float64   `json:"average_heartrate,omitempty"`
	MaxHeartrate       float64   `json:"max_heartrate,omitempty"`
	AverageWatts       float64   `json:"average_watts,omitempty"`
	MaxWatts           float64   `json:"max_watts,omitempty"`
	AverageCadence     float64   `json:"average_cadence,omitempty"`
	Kilojoules         float64   `json:"kilojoules,omitempty"`
	Trainer            bool      `json:"trainer"`
	Map                struct {
		SummaryPolyline string `json:"summary_polyline"`
	} `json:"map"`
}

// ProviderID is the activity id as stored on internal records.
func (a *Activity) ProviderID() string {
	return strconv.FormatInt(a.ID, 10)
}

// Sport prefers the fine-grained sport_type over the legacy type.
func (a *Activity) Sport() string {
	sport := a.SportType
	if sport == "" {
		sport = a.Type
	}
	if a.Trainer && !strings.Contains(strings.ToLower(sport), "virtual") {
		sport += " indoor"
	}
	return sport
}

// ToRecord maps the summary onto the provider record shape. Summaries carry no
// samples; the track comes from the summary polyline.
func (a *Activity) ToRecord() *types.ProviderRecord {
	return &types.ProviderRecord{
		Session: &types.Session{
			Sport:           a.Sport(),
			Name:            a.Name,
			StartTime:       a.StartDate.UTC(),
			TotalDistanceM:  a.Distance,
			TotalElapsedSec: float64(a.ElapsedTime),
			TotalTimerSec:   float64(a.MovingTime),
			TotalAscentM:    a.TotalElevationGain,
			AvgSpeedMps:     a.AverageSpeed,
			MaxSpeedMps:     a.MaxSpeed,
			AvgHeartRate:    a.AverageHeartrate,
			MaxHeartRate:    a.MaxHeartrate,
			AvgPower:        a.AverageWatts,
			MaxPower:        a.MaxWatts,
			AvgCadence:      a.AverageCadence,
			EnergyKJ:        a.Kilojoules,
		},
	}
}

// ListActivitiesParams are parameters for listing activities
type ListActivitiesParams struct {
	Page    int
	PerPage int
	After   *time.Time
	Before  *time.Time
}

// ListActivities retrieves one page of the athlete's activities.
func (c *Client) ListActivities(ctx context.Context, params ListActivitiesParams) ([]Activity, error) {
	q := url.Values{}
	if params.Page > 0 {
		q.Set("page", strconv.Itoa(params.Page))
	}
	if params.PerPage > 0 {
		q.Set("per_page", strconv.Itoa(params.PerPage))
	}
	if params.After != nil {
		q.Set("after", strconv.FormatInt(params.After.Unix(), 10))
	}
	if params.Before != nil {
		q.Set("before", strconv.FormatInt(params.Before.Unix(), 10))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/athlete/activities?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if err := httputil.ParseErrorResponse(resp); err != nil {
		return nil, err
	}

	var activities []Activity
	if err := json.NewDecoder(resp.Body).Decode(&activities); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return activities, nil
}
