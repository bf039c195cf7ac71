package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"tripcast/internal/sim"
	"tripcast/internal/trip"
)

type SimulationResponse struct {
	TripID   string    `json:"tripId"`
	State    sim.State `json:"state"`
	Waypoint *int      `json:"waypoint,omitempty"`
}

func (s *Server) simulationResponse(tripID string) SimulationResponse {
	resp := SimulationResponse{TripID: tripID, State: sim.StateIdle}
	if st, wp, ok := s.sims.State(tripID); ok {
		resp.State = st
		if wp >= 0 {
			resp.Waypoint = &wp
		}
	} else if t, _ := s.reg.Snapshot(tripID); t.Status == trip.StatusCompleted {
		resp.State = sim.StateCompleted
	}
	return resp
}

// finished reports whether err only says the run is over. Control actions
// on a completed trip are no-ops.
func (s *Server) finished(tripID string, err error) bool {
	if !errors.Is(err, sim.ErrNotRunning) {
		return false
	}
	t, _ := s.reg.Snapshot(tripID)
	return t.Status == trip.StatusCompleted
}

// simulationState handles GET /api/trips/{tripId}/simulation.
func (s *Server) simulationState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.simulationResponse(chi.URLParam(r, "tripId")))
}

// startSimulation handles POST /api/trips/{tripId}/simulation.
func (s *Server) startSimulation(w http.ResponseWriter, r *http.Request) {
	if !requireAgent(w, r) {
		return
	}
	tripID := chi.URLParam(r, "tripId")
	if err := s.sims.StartTrip(r.Context(), tripID); err != nil {
		fail(w, "cannot start simulation", err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.simulationResponse(tripID))
}

// confirmCheckpoint handles POST /api/trips/{tripId}/simulation/confirm.
func (s *Server) confirmCheckpoint(w http.ResponseWriter, r *http.Request) {
	if !requireAgent(w, r) {
		return
	}
	tripID := chi.URLParam(r, "tripId")
	if err := s.sims.Confirm(tripID); err != nil && !s.finished(tripID, err) {
		fail(w, "cannot confirm checkpoint", err)
		return
	}
	writeJSON(w, http.StatusOK, s.simulationResponse(tripID))
}

// completeSimulation handles POST /api/trips/{tripId}/simulation/complete.
func (s *Server) completeSimulation(w http.ResponseWriter, r *http.Request) {
	if !requireAgent(w, r) {
		return
	}
	tripID := chi.URLParam(r, "tripId")
	if err := s.sims.Complete(tripID); err != nil && !s.finished(tripID, err) {
		fail(w, "cannot complete simulation", err)
		return
	}
	writeJSON(w, http.StatusOK, SimulationResponse{TripID: tripID, State: sim.StateCompleted})
}
