package eta

import (
	"errors"
	"sync"

	"tripcast/internal/geo"
	"tripcast/internal/route"
	"tripcast/internal/trip"
)

var (
	ErrUnknownTrip = errors.New("eta: no estimates for trip")
	ErrUnknownStop = errors.New("eta: stop not part of trip")
	ErrBadStatus   = errors.New("eta: invalid arrival status")
)

// Board holds the current ETA entries of every trip. Arrival confirmations
// and aggregator runs update it independently.
type Board struct {
	mu    sync.RWMutex
	trips map[string][]trip.ETAEntry
}

func NewBoard() *Board {
	return &Board{trips: make(map[string][]trip.ETAEntry)}
}

// Set stores entries for tripID. Arrival statuses already recorded for the
// same stop order are kept, so a re-run does not erase confirmations.
func (b *Board) Set(tripID string, entries []trip.ETAEntry) []trip.ETAEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev := make(map[int]trip.ETAEntry, len(b.trips[tripID]))
	for _, e := range b.trips[tripID] {
		prev[e.StopOrder] = e
	}
	out := make([]trip.ETAEntry, len(entries))
	for i, e := range entries {
		if p, ok := prev[e.StopOrder]; ok {
			if p.ArrivalStatus != trip.ArrivalPending {
				e.ArrivalStatus = p.ArrivalStatus
			}
			if e.DistanceRemaining == nil {
				e.DistanceRemaining = p.DistanceRemaining
			}
		}
		out[i] = e
	}
	b.trips[tripID] = out
	return cloneEntries(out)
}

func (b *Board) Get(tripID string) ([]trip.ETAEntry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.trips[tripID]
	return cloneEntries(e), ok
}

// Begin prepares tripID for a new run. Stored estimates keep their times and
// go back to pending; a trip without estimates is seeded with seed.
func (b *Board) Begin(tripID string, seed []trip.ETAEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries, ok := b.trips[tripID]
	if !ok {
		if len(seed) > 0 {
			b.trips[tripID] = cloneEntries(seed)
		}
		return
	}
	for i := range entries {
		entries[i].ArrivalStatus = trip.ArrivalPending
		entries[i].DistanceRemaining = nil
	}
}

func (b *Board) Delete(tripID string) {
	b.mu.Lock()
	delete(b.trips, tripID)
	b.mu.Unlock()
}

func rank(s trip.ArrivalStatus) int {
	switch s {
	case trip.ArrivalArrived:
		return 1
	case trip.ArrivalDeparted:
		return 2
	}
	return 0
}

// MarkArrival records a confirmation for the stop with the given order.
// Statuses only move forward: pending, arrived, departed.
func (b *Board) MarkArrival(tripID string, order int, status trip.ArrivalStatus) (trip.ETAEntry, error) {
	if status != trip.ArrivalArrived && status != trip.ArrivalDeparted {
		return trip.ETAEntry{}, ErrBadStatus
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	entries, ok := b.trips[tripID]
	if !ok {
		return trip.ETAEntry{}, ErrUnknownTrip
	}
	for i := range entries {
		if entries[i].StopOrder != order {
			continue
		}
		if rank(status) > rank(entries[i].ArrivalStatus) {
			entries[i].ArrivalStatus = status
		}
		return cloneEntry(entries[i]), nil
	}
	return trip.ETAEntry{}, ErrUnknownStop
}

// Track updates distanceRemaining from the vehicle position. next is the
// index of the stop the vehicle is heading to; earlier stops get zero.
func (b *Board) Track(tripID string, pos geo.Point, next int, stops []route.Stop) {
	if len(stops) == 0 {
		return
	}
	if next < 0 {
		next = 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	entries, ok := b.trips[tripID]
	if !ok || len(entries) != len(stops) {
		return
	}
	acc := 0.0
	for i := range entries {
		var d float64
		switch {
		case i < next:
			d = 0
		case i == next:
			acc = geo.Haversine(pos, stops[i].Point())
			d = acc
		default:
			acc += geo.Haversine(stops[i-1].Point(), stops[i].Point())
			d = acc
		}
		v := d
		entries[i].DistanceRemaining = &v
	}
}

func cloneEntry(e trip.ETAEntry) trip.ETAEntry {
	if e.DistanceRemaining != nil {
		v := *e.DistanceRemaining
		e.DistanceRemaining = &v
	}
	return e
}

func cloneEntries(in []trip.ETAEntry) []trip.ETAEntry {
	if in == nil {
		return nil
	}
	out := make([]trip.ETAEntry, len(in))
	for i, e := range in {
		out[i] = cloneEntry(e)
	}
	return out
}
