package sim

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"tripcast/internal/channel"
	"tripcast/internal/eta"
	"tripcast/internal/geo"
	mmetrics "tripcast/internal/metrics"
	"tripcast/internal/route"
	"tripcast/internal/routing"
	"tripcast/internal/trip"
)

var (
	ErrUnknownTrip    = errors.New("sim: trip not in catalog")
	ErrAlreadyRunning = errors.New("sim: simulation already running")
	ErrNotRunning     = errors.New("sim: no simulation for trip")
)

const DefaultPrincipal = "simulator"

// Publisher is the part of the channel registry the manager drives.
type Publisher interface {
	Grant(principal string, role channel.Role, tripID string) (channel.Grant, error)
	Revoke(token string)
	Publish(tripID, token string, p trip.Patch) (trip.Trip, error)
}

type Options struct {
	TickInterval time.Duration
	PathTimeout  time.Duration
	Sim          Config
	Principal    string
	Resolver     routing.PathResolver
	Board        *eta.Board
	Metrics      *mmetrics.Collector
}

// Manager runs one gated simulation per trip and publishes its progress
// into the channel registry under its own publish grant.
type Manager struct {
	catalog *route.Catalog
	pub     Publisher
	opts    Options
	metrics *mmetrics.Collector

	base    context.Context
	stopAll context.CancelFunc

	mu      sync.Mutex
	running map[string]*run // tripID -> run
	wg      sync.WaitGroup
}

func NewManager(catalog *route.Catalog, pub Publisher, opts Options) *Manager {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.PathTimeout <= 0 {
		opts.PathTimeout = DefaultPathTimeout
	}
	if opts.Principal == "" {
		opts.Principal = DefaultPrincipal
	}
	opts.Sim.defaults()
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		catalog: catalog,
		pub:     pub,
		opts:    opts,
		metrics: opts.Metrics,
		base:    base,
		stopAll: cancel,
		running: make(map[string]*run),
	}
}

// StartTrip resolves the road path and launches the simulation. ctx bounds
// only the path resolution; the run itself lives until completion or Stop.
func (m *Manager) StartTrip(ctx context.Context, tripID string) error {
	_, rt, ok := m.catalog.RouteForTrip(tripID)
	if !ok {
		return ErrUnknownTrip
	}

	m.mu.Lock()
	if _, exists := m.running[tripID]; exists {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.running[tripID] = nil // reserved while the path resolves
	m.mu.Unlock()

	r, err := m.prepare(ctx, tripID, rt)
	if err != nil {
		m.mu.Lock()
		delete(m.running, tripID)
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.running[tripID] = r
	m.wg.Add(1)
	if m.metrics != nil {
		m.metrics.SimulationsStarted.Inc()
		m.metrics.ActiveSimulations.Set(float64(len(m.running)))
	}
	m.mu.Unlock()

	slog.Info("starting simulation", "trip", tripID, "route", rt.ID, "stops", len(rt.Stops))
	if err := r.gate.Start(m.base, m.opts.TickInterval); err != nil {
		slog.Error("simulation start failed", "trip", tripID, "err", err)
	}
	go func() {
		defer m.wg.Done()
		r.gate.Wait()
		m.pub.Revoke(r.grant.Token)
		m.mu.Lock()
		delete(m.running, tripID)
		if m.metrics != nil {
			m.metrics.SimulationsFinished.Inc()
			m.metrics.ActiveSimulations.Set(float64(len(m.running)))
		}
		m.mu.Unlock()
		slog.Info("simulation finished", "trip", tripID, "state", r.gate.State())
	}()
	return nil
}

func (m *Manager) prepare(ctx context.Context, tripID string, rt route.Route) (*run, error) {
	waypoints := rt.Waypoints()
	path, fellBack := ResolvePath(ctx, m.opts.Resolver, waypoints, m.opts.PathTimeout)
	if fellBack && m.opts.Resolver != nil && m.metrics != nil {
		m.metrics.RoutingFallbacks.Inc()
	}

	grant, err := m.pub.Grant(m.opts.Principal, channel.RoleAgent, tripID)
	if err != nil {
		return nil, err
	}
	r := &run{
		tripID: tripID,
		stops:  rt.Stops,
		grant:  grant,
		pub:    m.pub,
		board:  m.opts.Board,
		speed:  m.opts.Sim.SpeedMps,
		next:   1,
	}
	var onTick func(time.Duration)
	if m.metrics != nil {
		onTick = func(d time.Duration) { m.metrics.TickDuration.Observe(d.Seconds()) }
	}
	r.observePause = func() {
		if m.metrics != nil {
			m.metrics.CheckpointPauses.Inc()
		}
	}
	g, err := NewGate(waypoints, path, m.opts.Sim, r.onPosition, onTick, r.onTransition)
	if err != nil {
		m.pub.Revoke(grant.Token)
		return nil, err
	}
	r.gate = g
	if r.board != nil {
		// straight-line estimates until someone asks for routed ones
		seed := eta.NewAggregator(routing.Estimate{SpeedMps: m.opts.Sim.SpeedMps}, eta.Options{}).
			Compute(m.base, rt.Stops, m.opts.Sim.Now())
		r.board.Begin(tripID, seed)
	}
	return r, nil
}

func (m *Manager) lookup(tripID string) (*run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.running[tripID]
	if r == nil {
		return nil, ErrNotRunning
	}
	return r, nil
}

// Confirm releases the checkpoint pause of tripID.
func (m *Manager) Confirm(tripID string) error {
	r, err := m.lookup(tripID)
	if err != nil {
		return err
	}
	return r.gate.Confirm()
}

// Complete forces completion of tripID.
func (m *Manager) Complete(tripID string) error {
	r, err := m.lookup(tripID)
	if err != nil {
		return err
	}
	r.gate.Complete()
	return nil
}

// State reports the gate state of a running simulation.
func (m *Manager) State(tripID string) (State, int, bool) {
	r, err := m.lookup(tripID)
	if err != nil {
		return "", -1, false
	}
	return r.gate.State(), r.gate.Waypoint(), true
}

func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.running))
	for id, r := range m.running {
		if r != nil {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Stop cancels every run and waits for the step loops to exit. Trips keep
// their last published status.
func (m *Manager) Stop() {
	m.stopAll()
	m.wg.Wait()
}

// run is one simulated trip.
type run struct {
	tripID string
	stops  []route.Stop
	grant  channel.Grant
	pub    Publisher
	board  *eta.Board
	speed  float64
	gate   *Gate

	observePause func()

	mu   sync.Mutex
	next int // index of the stop being approached
}

func (r *run) publish(p trip.Patch) {
	if _, err := r.pub.Publish(r.tripID, r.grant.Token, p); err != nil {
		slog.Warn("simulation publish rejected", "trip", r.tripID, "err", err)
	}
}

func (r *run) nextStop() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next
}

func (r *run) setNext(n int) {
	r.mu.Lock()
	if n > len(r.stops)-1 {
		n = len(r.stops) - 1
	}
	r.next = n
	r.mu.Unlock()
}

func (r *run) onPosition(ev PositionEvent) {
	next := r.nextStop()
	pos := trip.Position{Lat: ev.Point.Lat, Lng: ev.Point.Lng}
	p := trip.Patch{CurrentPosition: &pos}
	if r.speed > 0 {
		remaining := geo.Haversine(ev.Point, r.stops[next].Point())
		p.ETANextStopMinutes = trip.Float(float64(eta.Minutes(time.Duration(remaining / r.speed * float64(time.Second)))))
	}
	r.publish(p)
	if r.board != nil {
		r.board.Track(r.tripID, ev.Point, next, r.stops)
	}
}

func (r *run) onTransition(t Transition) {
	switch {
	case t.Lap:
		last := len(r.stops) - 1
		r.publish(trip.Patch{Status: ptr(trip.StatusCompleted), CurrentStopIndex: &last})
		r.setNext(1)
		r.publish(trip.Patch{
			Running:          ptr(true),
			Status:           ptr(trip.StatusRunning),
			CurrentStopIndex: ptr(0),
			ArrivalAlert:     json.RawMessage("null"),
		})
		if r.board != nil {
			r.board.Begin(r.tripID, nil)
		}
		r.mark(0, trip.ArrivalDeparted)

	case t.To == StateRunning && t.From == StateIdle:
		first := r.stops[0]
		r.publish(trip.Patch{
			Running:            ptr(true),
			Status:             ptr(trip.StatusRunning),
			CurrentStopIndex:   ptr(0),
			CurrentPosition:    &trip.Position{Lat: first.Lat, Lng: first.Lng},
			ETANextStopMinutes: trip.Null(),
			ArrivalAlert:       json.RawMessage("null"),
		})
		r.mark(0, trip.ArrivalDeparted)

	case t.To == StatePausedAtCheckpoint:
		stop := r.stops[t.Waypoint]
		r.setNext(t.Waypoint + 1)
		alert, _ := json.Marshal(arrivalAlert{
			StopIndex: t.Waypoint,
			StopID:    stop.ID,
			StopName:  stop.Name,
			ArrivedAt: time.Now().UTC(),
		})
		r.publish(trip.Patch{
			Status:             ptr(trip.StatusPaused),
			CurrentStopIndex:   ptr(t.Waypoint),
			ETANextStopMinutes: trip.Float(0),
			ArrivalAlert:       alert,
		})
		r.mark(t.Waypoint, trip.ArrivalArrived)
		if r.observePause != nil {
			r.observePause()
		}

	case t.To == StateRunning && t.From == StatePausedAtCheckpoint:
		r.publish(trip.Patch{
			Status:       ptr(trip.StatusRunning),
			ArrivalAlert: json.RawMessage("null"),
		})
		r.mark(t.Waypoint, trip.ArrivalDeparted)

	case t.To == StateCompleted:
		last := len(r.stops) - 1
		// a forced completion also closes the run at the last stop
		r.publish(trip.Patch{
			Running:            ptr(false),
			Status:             ptr(trip.StatusCompleted),
			CurrentStopIndex:   &last,
			ETANextStopMinutes: trip.Null(),
		})
		r.mark(last, trip.ArrivalArrived)
	}
}

func (r *run) mark(i int, status trip.ArrivalStatus) {
	if r.board == nil || i < 0 || i >= len(r.stops) {
		return
	}
	if _, err := r.board.MarkArrival(r.tripID, r.stops[i].Order, status); err != nil {
		slog.Warn("arrival mark failed", "trip", r.tripID, "stop", r.stops[i].ID, "status", status, "err", err)
	}
}

type arrivalAlert struct {
	StopIndex int       `json:"stopIndex"`
	StopID    string    `json:"stopId"`
	StopName  string    `json:"stopName,omitempty"`
	ArrivedAt time.Time `json:"arrivedAt"`
}

func ptr[T any](v T) *T { return &v }
