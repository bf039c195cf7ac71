// Package channel implements the per-trip publish/subscribe hub. It retains
// the last merged status of every trip so late joiners see current state
// without waiting for the next delta.
package channel

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"tripcast/internal/metrics"
	"tripcast/internal/trip"
)

var (
	ErrMissingTrip  = errors.New("channel: missing trip id")
	ErrUnauthorized = errors.New("channel: not authorized to publish for trip")
	ErrInvalidPatch = errors.New("channel: invalid patch")
)

// Role is the coarse role tag presented by a caller.
type Role string

const (
	RoleAgent  Role = "agent"
	RoleViewer Role = "viewer"
)

func ParseRole(s string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleAgent:
		return RoleAgent
	default:
		return RoleViewer
	}
}

// Subscriber receives merged trip status. Deliver must not block; a
// subscriber that cannot keep up drops updates.
type Subscriber interface {
	ID() string
	Deliver(t trip.Trip)
}

// Sink is notified after every accepted publish, outside the trip lock.
type Sink interface {
	TripUpdated(prev, next trip.Trip)
}

// Grant is a publish capability bound to one principal and one trip.
type Grant struct {
	Token     string    `json:"token"`
	Principal string    `json:"principal"`
	TripID    string    `json:"tripId"`
	IssuedAt  time.Time `json:"issuedAt"`
}

type Options struct {
	// CompletedGrace is how long a completed trip stays retained.
	CompletedGrace time.Duration
	Sinks          []Sink
	Metrics        *metrics.Collector
	Now            func() time.Time

	// StopCount reports how many stops the route of a trip has. Known trips
	// get their stop index bounded and pinned to the last stop on completion.
	StopCount func(tripID string) (int, bool)

	// OnEvict runs after a completed trip has been evicted.
	OnEvict func(tripID string)
}

type Registry struct {
	mu     sync.Mutex
	trips  map[string]*tripHub
	grants map[string]Grant // token -> grant

	completed *cache.Cache
	grace     time.Duration
	sinks     []Sink
	validate  *validator.Validate
	metrics   *metrics.Collector
	now       func() time.Time
	stopCount func(tripID string) (int, bool)
	onEvict   func(tripID string)
}

type tripHub struct {
	mu      sync.Mutex
	state   trip.Trip
	subs    map[string]Subscriber
	evicted bool
}

func NewRegistry(opts Options) *Registry {
	if opts.CompletedGrace <= 0 {
		opts.CompletedGrace = time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Registry{
		trips:     make(map[string]*tripHub),
		grants:    make(map[string]Grant),
		completed: cache.New(opts.CompletedGrace, opts.CompletedGrace),
		grace:     opts.CompletedGrace,
		sinks:     opts.Sinks,
		validate:  validator.New(),
		metrics:   opts.Metrics,
		now:       opts.Now,
		stopCount: opts.StopCount,
		onEvict:   opts.OnEvict,
	}
	r.completed.OnEvicted(func(tripID string, _ interface{}) {
		if r.evict(tripID) && r.onEvict != nil {
			r.onEvict(tripID)
		}
	})
	return r
}

// AddSink registers a sink. It must be called before the registry is shared.
func (r *Registry) AddSink(s Sink) { r.sinks = append(r.sinks, s) }

// hub returns the hub for tripID, creating it with the default idle status.
func (r *Registry) hub(tripID string) *tripHub {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.trips[tripID]
	if !ok {
		h = &tripHub{state: trip.New(tripID), subs: make(map[string]Subscriber)}
		r.trips[tripID] = h
		if r.metrics != nil {
			r.metrics.RetainedTrips.Set(float64(len(r.trips)))
		}
	}
	return h
}

// lockedHub returns the live hub for tripID with its mutex held. A hub
// evicted between lookup and lock is skipped and a fresh one is taken.
func (r *Registry) lockedHub(tripID string) *tripHub {
	for {
		h := r.hub(tripID)
		h.mu.Lock()
		if !h.evicted {
			return h
		}
		h.mu.Unlock()
	}
}

// Join adds sub to tripID and immediately delivers the retained status.
func (r *Registry) Join(tripID string, sub Subscriber) error {
	if tripID == "" {
		return ErrMissingTrip
	}
	h := r.lockedHub(tripID)
	defer h.mu.Unlock()
	if _, exists := h.subs[sub.ID()]; !exists && r.metrics != nil {
		r.metrics.Subscribers.Inc()
	}
	h.subs[sub.ID()] = sub
	sub.Deliver(h.state.Clone())
	return nil
}

// Leave removes a subscriber. A hub nobody ever published to is dropped once
// its last subscriber leaves.
func (r *Registry) Leave(tripID, subID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.trips[tripID]
	if !ok {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[subID]; !ok {
		return
	}
	delete(h.subs, subID)
	if r.metrics != nil {
		r.metrics.Subscribers.Dec()
	}
	if len(h.subs) == 0 && h.state.LastUpdateTime.IsZero() {
		h.evicted = true
		delete(r.trips, tripID)
		if r.metrics != nil {
			r.metrics.RetainedTrips.Set(float64(len(r.trips)))
		}
	}
}

// Grant issues a publish capability for (principal, tripID). Only the agent
// role may publish.
func (r *Registry) Grant(principal string, role Role, tripID string) (Grant, error) {
	if tripID == "" {
		return Grant{}, ErrMissingTrip
	}
	if role != RoleAgent || strings.TrimSpace(principal) == "" {
		slog.Warn("grant refused", "trip", tripID, "principal", principal, "role", role)
		return Grant{}, ErrUnauthorized
	}
	g := Grant{
		Token:     uuid.NewString(),
		Principal: principal,
		TripID:    tripID,
		IssuedAt:  r.now(),
	}
	r.mu.Lock()
	r.grants[g.Token] = g
	r.mu.Unlock()
	slog.Info("grant issued", "trip", tripID, "principal", principal)
	return g, nil
}

func (r *Registry) Revoke(token string) {
	r.mu.Lock()
	delete(r.grants, token)
	r.mu.Unlock()
}

// Authorize reports whether token may publish for tripID.
func (r *Registry) Authorize(token, tripID string) (Grant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.grants[token]
	if !ok || g.TripID != tripID {
		return Grant{}, false
	}
	return g, true
}

// Publish merges p into the retained status of tripID and broadcasts the
// merged result to every subscriber of that trip.
func (r *Registry) Publish(tripID, token string, p trip.Patch) (trip.Trip, error) {
	start := time.Now()
	if tripID == "" {
		return trip.Trip{}, r.reject(tripID, "missing_trip", ErrMissingTrip)
	}
	g, ok := r.Authorize(token, tripID)
	if !ok {
		return trip.Trip{}, r.reject(tripID, "unauthorized", ErrUnauthorized)
	}
	if p.Empty() {
		return trip.Trip{}, r.reject(tripID, "invalid", fmt.Errorf("%w: empty patch", ErrInvalidPatch))
	}
	if err := r.validate.Struct(p); err != nil {
		return trip.Trip{}, r.reject(tripID, "invalid", fmt.Errorf("%w: %v", ErrInvalidPatch, err))
	}

	last, bounded := -1, false
	if r.stopCount != nil {
		if n, ok := r.stopCount(tripID); ok && n > 0 {
			last, bounded = n-1, true
		}
	}
	if bounded && p.CurrentStopIndex != nil && *p.CurrentStopIndex > last {
		return trip.Trip{}, r.reject(tripID, "invalid", fmt.Errorf("%w: stop index %d beyond last stop %d", ErrInvalidPatch, *p.CurrentStopIndex, last))
	}

	h := r.lockedHub(tripID)
	prev := h.state.Clone()
	cand := h.state.Clone()
	changed := trip.Apply(&cand, p, r.now())
	if bounded && cand.Status == trip.StatusCompleted && cand.CurrentStopIndex != last {
		if p.CurrentStopIndex != nil {
			h.mu.Unlock()
			return trip.Trip{}, r.reject(tripID, "invalid", fmt.Errorf("%w: completed trip must be at last stop %d", ErrInvalidPatch, last))
		}
		cand.CurrentStopIndex = last
	}
	h.state = cand
	next := h.state.Clone()
	for _, s := range h.subs {
		s.Deliver(next)
	}
	delivered := len(h.subs)
	h.mu.Unlock()

	switch {
	case next.Status == trip.StatusCompleted && prev.Status != trip.StatusCompleted:
		r.completed.Set(tripID, struct{}{}, r.grace)
	case next.Status != trip.StatusCompleted && prev.Status == trip.StatusCompleted:
		r.completed.Delete(tripID)
	}

	for _, s := range r.sinks {
		s.TripUpdated(prev, next)
	}

	if r.metrics != nil {
		r.metrics.PublishesAccepted.Inc()
		r.metrics.Broadcasts.Add(float64(delivered))
		r.metrics.PublishDuration.Observe(time.Since(start).Seconds())
	}
	slog.Debug("status published", "trip", tripID, "principal", g.Principal, "fields", changed, "subscribers", delivered)
	return next, nil
}

func (r *Registry) reject(tripID, reason string, err error) error {
	slog.Warn("publish rejected", "trip", tripID, "reason", reason, "err", err)
	if r.metrics != nil {
		r.metrics.PublishesRejected.WithLabelValues(reason).Inc()
	}
	return err
}

// Snapshot returns the retained status of tripID. The bool is false when
// nothing has been published for it; the returned value is then the default.
func (r *Registry) Snapshot(tripID string) (trip.Trip, bool) {
	r.mu.Lock()
	h, ok := r.trips[tripID]
	r.mu.Unlock()
	if !ok {
		return trip.New(tripID), false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.Clone(), !h.state.LastUpdateTime.IsZero()
}

// List returns the retained status of every trip that has been published to.
func (r *Registry) List() []trip.Trip {
	r.mu.Lock()
	hubs := make([]*tripHub, 0, len(r.trips))
	for _, h := range r.trips {
		hubs = append(hubs, h)
	}
	r.mu.Unlock()

	out := make([]trip.Trip, 0, len(hubs))
	for _, h := range hubs {
		h.mu.Lock()
		if !h.state.LastUpdateTime.IsZero() {
			out = append(out, h.state.Clone())
		}
		h.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TripID < out[j].TripID })
	return out
}

// ResetStale forces a mid-flight trip whose last update is before cutoff
// back to idle. Subscribers are not notified.
func (r *Registry) ResetStale(tripID string, cutoff, now time.Time) (trip.Trip, bool) {
	r.mu.Lock()
	h, ok := r.trips[tripID]
	r.mu.Unlock()
	if !ok {
		return trip.Trip{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.state
	if st.Status != trip.StatusRunning && st.Status != trip.StatusPaused {
		return trip.Trip{}, false
	}
	if !st.LastUpdateTime.Before(cutoff) {
		return trip.Trip{}, false
	}
	h.state.Status = trip.StatusIdle
	h.state.Running = false
	h.state.CurrentStopIndex = 0
	h.state.ETANextStopMinutes = nil
	h.state.ArrivalAlert = nil
	h.state.LastUpdateTime = now
	return h.state.Clone(), true
}

// ExpireCompleted evicts completed trips whose grace period has passed. It
// also runs on the cache janitor.
func (r *Registry) ExpireCompleted() { r.completed.DeleteExpired() }

func (r *Registry) evict(tripID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.trips[tripID]
	if !ok {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.Status != trip.StatusCompleted {
		return false
	}
	if len(h.subs) > 0 {
		// viewers still attached; check again after another grace period
		r.completed.Set(tripID, struct{}{}, r.grace)
		return false
	}
	h.evicted = true
	delete(r.trips, tripID)
	for tok, g := range r.grants {
		if g.TripID == tripID {
			delete(r.grants, tok)
		}
	}
	if r.metrics != nil {
		r.metrics.Evictions.Inc()
		r.metrics.RetainedTrips.Set(float64(len(r.trips)))
	}
	slog.Info("completed trip evicted", "trip", tripID)
	return true
}
