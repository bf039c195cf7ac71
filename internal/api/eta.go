package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"tripcast/internal/route"
	"tripcast/internal/trip"
)

type ETAResponse struct {
	TripID    string          `json:"tripId"`
	Estimates []trip.ETAEntry `json:"estimates"`
}

type computeETARequest struct {
	// StartTime is RFC 3339 or HH:MM[:SS] on today's service day.
	StartTime string `json:"startTime"`
}

func (s *Server) startTime(raw string, plan route.Plan) (time.Time, error) {
	if raw == "" {
		return plan.StartOn(s.now(), s.loc)
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return route.Plan{Start: raw}.StartOn(s.now(), s.loc)
}

// computeETA handles POST /api/trips/{tripId}/eta.
func (s *Server) computeETA(w http.ResponseWriter, r *http.Request) {
	tripID := chi.URLParam(r, "tripId")
	plan, rt, ok := s.catalog.RouteForTrip(tripID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown trip", nil)
		return
	}
	var req computeETARequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body", err)
		return
	}
	start, err := s.startTime(req.StartTime, plan)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid startTime", err)
		return
	}

	entries := s.board.Set(tripID, s.agg.Compute(r.Context(), rt.Stops, start))
	if s.etaPub != nil {
		if err := s.etaPub.PublishETA(tripID, entries); err != nil {
			slog.Warn("eta mirror publish failed", "trip", tripID, "err", err)
		}
	}
	writeJSON(w, http.StatusOK, ETAResponse{TripID: tripID, Estimates: entries})
}

// getETA handles GET /api/trips/{tripId}/eta.
func (s *Server) getETA(w http.ResponseWriter, r *http.Request) {
	tripID := chi.URLParam(r, "tripId")
	entries, ok := s.board.Get(tripID)
	if !ok {
		writeError(w, http.StatusNotFound, "no estimates computed for trip", nil)
		return
	}
	writeJSON(w, http.StatusOK, ETAResponse{TripID: tripID, Estimates: entries})
}

type arrivalRequest struct {
	Status trip.ArrivalStatus `json:"status"`
}

// confirmArrival handles POST /api/trips/{tripId}/stops/{order}/arrival.
func (s *Server) confirmArrival(w http.ResponseWriter, r *http.Request) {
	if !requireAgent(w, r) {
		return
	}
	order, err := strconv.Atoi(chi.URLParam(r, "order"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid stop order", err)
		return
	}
	var req arrivalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", err)
		return
	}
	e, err := s.board.MarkArrival(chi.URLParam(r, "tripId"), order, req.Status)
	if err != nil {
		fail(w, "cannot record arrival", err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}
