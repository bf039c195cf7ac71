package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"tripcast/internal/db"
	"tripcast/internal/trip"
)

// TripSummary is one row of the trip-selection surface.
type TripSummary struct {
	TripID           string      `json:"tripId"`
	RouteID          string      `json:"routeId,omitempty"`
	Start            string      `json:"start,omitempty"`
	Status           trip.Status `json:"status"`
	Running          bool        `json:"running"`
	CurrentStopIndex int         `json:"currentStopIndex"`
	Stops            int         `json:"stops,omitempty"`
	LastUpdateTime   *time.Time  `json:"lastUpdateTime,omitempty"`
}

type ListTripsResponse struct {
	Trips []TripSummary `json:"trips"`
	Count int           `json:"count"`
	Reset []string      `json:"reset,omitempty"`
}

// sweep runs the stale reclaimer before any trip-selection read.
func (s *Server) sweep(r *http.Request) []string {
	if s.reclaimer == nil {
		return nil
	}
	return s.reclaimer.Sweep(r.Context())
}

func (s *Server) summaries() []TripSummary {
	retained := map[string]trip.Trip{}
	for _, t := range s.reg.List() {
		retained[t.TripID] = t
	}

	var out []TripSummary
	for _, p := range s.catalog.Plans() {
		sum := TripSummary{TripID: p.TripID, RouteID: p.RouteID, Start: p.Start, Status: trip.StatusIdle}
		if rt, ok := s.catalog.Route(p.RouteID); ok {
			sum.Stops = len(rt.Stops)
		}
		if t, ok := retained[p.TripID]; ok {
			fill(&sum, t)
			delete(retained, p.TripID)
		}
		out = append(out, sum)
	}
	// trips published to without a plan
	for _, t := range retained {
		sum := TripSummary{TripID: t.TripID}
		fill(&sum, t)
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TripID < out[j].TripID })
	return out
}

func fill(sum *TripSummary, t trip.Trip) {
	sum.Status = t.Status
	sum.Running = t.Running
	sum.CurrentStopIndex = t.CurrentStopIndex
	if !t.LastUpdateTime.IsZero() {
		ts := t.LastUpdateTime
		sum.LastUpdateTime = &ts
	}
}

// listTrips handles GET /api/trips with an optional routeId filter.
func (s *Server) listTrips(w http.ResponseWriter, r *http.Request) {
	reset := s.sweep(r)
	routeID := r.URL.Query().Get("routeId")

	all := s.summaries()
	trips := make([]TripSummary, 0, len(all))
	for _, t := range all {
		if routeID != "" && t.RouteID != routeID {
			continue
		}
		trips = append(trips, t)
	}
	writeJSON(w, http.StatusOK, ListTripsResponse{Trips: trips, Count: len(trips), Reset: reset})
}

// activeTrip handles GET /api/routes/{routeId}/active.
func (s *Server) activeTrip(w http.ResponseWriter, r *http.Request) {
	s.sweep(r)
	routeID := chi.URLParam(r, "routeId")
	if _, ok := s.catalog.Route(routeID); !ok {
		writeError(w, http.StatusNotFound, "unknown route", nil)
		return
	}
	for _, p := range s.catalog.PlansForRoute(routeID) {
		t, ok := s.reg.Snapshot(p.TripID)
		if ok && (t.Status == trip.StatusRunning || t.Status == trip.StatusPaused) {
			writeJSON(w, http.StatusOK, t)
			return
		}
	}
	writeError(w, http.StatusNotFound, "no active trip on route", nil)
}

// getTrip handles GET /api/trips/{tripId}. Unknown trips report the default
// idle status, the same thing a websocket joiner would see.
func (s *Server) getTrip(w http.ResponseWriter, r *http.Request) {
	t, _ := s.reg.Snapshot(chi.URLParam(r, "tripId"))
	writeJSON(w, http.StatusOK, t)
}

// issueGrant handles POST /api/trips/{tripId}/grants.
func (s *Server) issueGrant(w http.ResponseWriter, r *http.Request) {
	who, role := principal(r)
	g, err := s.reg.Grant(who, role, chi.URLParam(r, "tripId"))
	if err != nil {
		fail(w, "grant refused", err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

// publishStatus handles POST /api/trips/{tripId}/status.
func (s *Server) publishStatus(w http.ResponseWriter, r *http.Request) {
	var p trip.Patch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", err)
		return
	}
	t, err := s.reg.Publish(chi.URLParam(r, "tripId"), bearer(r), p)
	if err != nil {
		fail(w, "publish rejected", err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type HistoryResponse struct {
	TripID      string              `json:"tripId"`
	Positions   []db.PositionSample `json:"positions"`
	Transitions []db.Transition     `json:"transitions"`
}

// history handles GET /api/trips/{tripId}/history from the recorder tables.
func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeError(w, http.StatusNotImplemented, "history requires DATABASE_URL", nil)
		return
	}
	tripID := chi.URLParam(r, "tripId")
	positions, err := db.FetchPositions(r.Context(), s.db, tripID, 500)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load positions", err)
		return
	}
	transitions, err := db.FetchTransitions(r.Context(), s.db, tripID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load transitions", err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{TripID: tripID, Positions: positions, Transitions: transitions})
}
