package route

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"tripcast/internal/geo"
)

type Stop struct {
	ID            string  `yaml:"id" json:"id" validate:"required"`
	Order         int     `yaml:"order" json:"order" validate:"gte=0"`
	Name          string  `yaml:"name" json:"name"`
	Lat           float64 `yaml:"lat" json:"lat" validate:"gte=-90,lte=90"`
	Lng           float64 `yaml:"lng" json:"lng" validate:"gte=-180,lte=180"`
	ScheduledTime string  `yaml:"scheduledTime" json:"scheduledTime,omitempty"` // HH:MM[:SS]
}

func (s Stop) Point() geo.Point { return geo.Point{Lat: s.Lat, Lng: s.Lng} }

type Route struct {
	ID    string `yaml:"id" json:"id" validate:"required"`
	Name  string `yaml:"name" json:"name"`
	Stops []Stop `yaml:"stops" json:"stops" validate:"min=2,dive"`
}

// Waypoints returns the stop coordinates in order.
func (r Route) Waypoints() []geo.Point {
	pts := make([]geo.Point, len(r.Stops))
	for i, s := range r.Stops {
		pts[i] = s.Point()
	}
	return pts
}

// Plan is one scheduled journey over a route.
type Plan struct {
	TripID  string `yaml:"tripId" json:"tripId" validate:"required"`
	RouteID string `yaml:"routeId" json:"routeId" validate:"required"`
	Start   string `yaml:"start" json:"start" validate:"required"` // HH:MM[:SS]
}

// StartOn resolves the plan's start time on the service day of day.
func (p Plan) StartOn(day time.Time, loc *time.Location) (time.Time, error) {
	sec, err := ParseDaySeconds(p.Start)
	if err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.Local
	}
	d := day.In(loc)
	base := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)
	return base.Add(time.Duration(sec) * time.Second), nil
}

// ParseDaySeconds parses HH:MM[:SS], allowing hours >= 24.
func ParseDaySeconds(s string) (int, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	vals := make([]int, 3)
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("invalid time of day %q", s)
		}
		vals[i] = v
	}
	if vals[1] > 59 || vals[2] > 59 {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	return vals[0]*3600 + vals[1]*60 + vals[2], nil
}

// Catalog is the read-only route/stop model. It is safe for concurrent use.
type Catalog struct {
	mu     sync.RWMutex
	routes map[string]Route
	plans  map[string]Plan
}

func NewCatalog() *Catalog {
	return &Catalog{
		routes: make(map[string]Route),
		plans:  make(map[string]Plan),
	}
}

// AddRoute stores r with its stops sorted by Order.
func (c *Catalog) AddRoute(r Route) error {
	if len(r.Stops) < 2 {
		return fmt.Errorf("route %q: need at least 2 stops, got %d", r.ID, len(r.Stops))
	}
	stops := append([]Stop(nil), r.Stops...)
	sort.SliceStable(stops, func(i, j int) bool { return stops[i].Order < stops[j].Order })
	for i := 1; i < len(stops); i++ {
		if stops[i].Order == stops[i-1].Order {
			return fmt.Errorf("route %q: duplicate stop order %d", r.ID, stops[i].Order)
		}
	}
	r.Stops = stops
	c.mu.Lock()
	c.routes[r.ID] = r
	c.mu.Unlock()
	return nil
}

func (c *Catalog) AddPlan(p Plan) error {
	if _, err := ParseDaySeconds(p.Start); err != nil {
		return fmt.Errorf("plan %q: %w", p.TripID, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.routes[p.RouteID]; !ok {
		return fmt.Errorf("plan %q: unknown route %q", p.TripID, p.RouteID)
	}
	c.plans[p.TripID] = p
	return nil
}

func (c *Catalog) Route(id string) (Route, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.routes[id]
	return r, ok
}

func (c *Catalog) Plan(tripID string) (Plan, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.plans[tripID]
	return p, ok
}

// RouteForTrip returns the plan and route of tripID.
func (c *Catalog) RouteForTrip(tripID string) (Plan, Route, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.plans[tripID]
	if !ok {
		return Plan{}, Route{}, false
	}
	r, ok := c.routes[p.RouteID]
	return p, r, ok
}

// StopCount returns the number of stops on the route of tripID.
func (c *Catalog) StopCount(tripID string) (int, bool) {
	_, r, ok := c.RouteForTrip(tripID)
	return len(r.Stops), ok
}

// Plans returns every plan ordered by trip id.
func (c *Catalog) Plans() []Plan {
	c.mu.RLock()
	out := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TripID < out[j].TripID })
	return out
}

func (c *Catalog) PlansForRoute(routeID string) []Plan {
	var out []Plan
	for _, p := range c.Plans() {
		if p.RouteID == routeID {
			out = append(out, p)
		}
	}
	return out
}

// Routes returns every route ordered by id.
func (c *Catalog) Routes() []Route {
	c.mu.RLock()
	out := make([]Route, 0, len(c.routes))
	for _, r := range c.routes {
		out = append(out, r)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
