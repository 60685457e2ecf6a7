package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDocIDs(t *testing.T) {
	assert.Equal(t, EventDocID("u1", "42"), EventDocID("u1", "42"))
	assert.NotEqual(t, EventDocID("u1", "42"), EventDocID("u2", "42"))

	assert.Equal(t, ActivityDocID("strava", "42", "u1"), ActivityDocID("strava", "42", "u1"))
	assert.NotEqual(t, ActivityDocID("strava", "42", "u1"), ActivityDocID("garmin", "42", "u1"))
	assert.NotEqual(t, ActivityDocID("strava", "42", "u1"), EventDocID("u1", "42"))
}
