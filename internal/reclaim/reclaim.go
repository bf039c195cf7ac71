// Package reclaim resets trips left mid-flight by a crashed or abandoned
// controlling agent. It runs lazily on reads of the trip-selection surface.
package reclaim

import (
	"context"
	"log/slog"
	"time"

	"tripcast/internal/metrics"
	"tripcast/internal/trip"
)

const DefaultStaleAfter = 24 * time.Hour

// Store is the retained-state view the reclaimer sweeps.
type Store interface {
	List() []trip.Trip
	ResetStale(tripID string, cutoff, now time.Time) (trip.Trip, bool)
}

// Journal records forced transitions, best effort.
type Journal interface {
	RecordTransition(tripID string, from, to trip.Status, at time.Time)
}

type Reclaimer struct {
	store      Store
	journal    Journal
	staleAfter time.Duration
	metrics    *metrics.Collector
	now        func() time.Time
}

func New(store Store, staleAfter time.Duration, journal Journal, m *metrics.Collector) *Reclaimer {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Reclaimer{
		store:      store,
		journal:    journal,
		staleAfter: staleAfter,
		metrics:    m,
		now:        time.Now,
	}
}

// WithClock replaces the wall clock, for tests.
func (r *Reclaimer) WithClock(now func() time.Time) *Reclaimer {
	r.now = now
	return r
}

// Sweep resets every running or paused trip whose last update is older than
// the stale threshold and returns the reset trip ids. Subscribers are not
// notified; the next read observes the reset.
func (r *Reclaimer) Sweep(ctx context.Context) []string {
	now := r.now()
	cutoff := now.Add(-r.staleAfter)
	var reset []string
	for _, t := range r.store.List() {
		if ctx.Err() != nil {
			break
		}
		if t.Status != trip.StatusRunning && t.Status != trip.StatusPaused {
			continue
		}
		if !t.LastUpdateTime.Before(cutoff) {
			continue
		}
		if _, ok := r.store.ResetStale(t.TripID, cutoff, now); !ok {
			continue
		}
		reset = append(reset, t.TripID)
		slog.Info("stale trip reset to idle", "trip", t.TripID, "lastUpdate", t.LastUpdateTime.Format(time.RFC3339), "age", now.Sub(t.LastUpdateTime).Round(time.Second))
		if r.journal != nil {
			r.journal.RecordTransition(t.TripID, t.Status, trip.StatusIdle, now)
		}
		if r.metrics != nil {
			r.metrics.StaleResets.Inc()
		}
	}
	return reset
}
