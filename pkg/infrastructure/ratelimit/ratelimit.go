// Package ratelimit implements per-key sliding-window request limits.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
)

// Store decides whether one more request for key fits in the window.
// Implementations must count only admitted requests.
type Store interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Memory is a process-local sliding-window log. It only limits a single
// instance; multi-instance deployments use the Firestore store.
type Memory struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	clock  clock.Clock
	hits   map[string][]time.Time
}

func NewMemory(limit int, window time.Duration, clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Memory{
		limit:  limit,
		window: window,
		clock:  clk,
		hits:   make(map[string][]time.Time),
	}
}

func (m *Memory) Allow(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hits, ok := admit(m.hits[key], m.clock.Now(), m.limit, m.window)
	m.hits[key] = hits
	return ok, nil
}

// Sweep drops keys with no hit inside the window and returns how many remain.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.clock.Now().Add(-m.window)
	for key, hits := range m.hits {
		kept := prune(hits, cutoff)
		if len(kept) == 0 {
			delete(m.hits, key)
			continue
		}
		m.hits[key] = kept
	}
	return len(m.hits)
}

// RunSweeper calls Sweep every interval until ctx is done.
func (m *Memory) RunSweeper(ctx context.Context, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(interval):
			m.Sweep()
		}
	}
}

// prune returns the hits after cutoff. hits is ordered oldest first.
// admit drops hits that left the window and records now if the remainder
// has room. hits must be in ascending order.
func admit(hits []time.Time, now time.Time, limit int, window time.Duration) ([]time.Time, bool) {
	kept := prune(hits, now.Add(-window))
	if len(kept) >= limit {
		return kept, false
	}
	return append(kept, now), true
}

func prune(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return hits
	}
	return append(hits[:0], hits[i:]...)
}
