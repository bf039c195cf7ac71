// Package api is the HTTP and websocket surface: trip selection, status
// publishing, simulation control, ETAs and the GTFS-Realtime export.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"tripcast/internal/channel"
	"tripcast/internal/db"
	"tripcast/internal/eta"
	"tripcast/internal/feed"
	"tripcast/internal/reclaim"
	"tripcast/internal/route"
	"tripcast/internal/sim"
	"tripcast/internal/trip"
)

const (
	HeaderRole      = "X-Role"
	HeaderPrincipal = "X-Principal"
)

// ETAPublisher mirrors freshly computed ETA boards, e.g. to NATS.
type ETAPublisher interface {
	PublishETA(tripID string, entries []trip.ETAEntry) error
}

type Options struct {
	Registry    *channel.Registry
	Catalog     *route.Catalog
	Simulations *sim.Manager
	Aggregator  *eta.Aggregator
	Board       *eta.Board
	Reclaimer   *reclaim.Reclaimer
	ETAPub      ETAPublisher // optional
	DB          *db.DB       // optional
	Location    *time.Location
	CORSOrigins []string
	Now         func() time.Time
}

type Server struct {
	reg       *channel.Registry
	catalog   *route.Catalog
	sims      *sim.Manager
	agg       *eta.Aggregator
	board     *eta.Board
	reclaimer *reclaim.Reclaimer
	etaPub    ETAPublisher
	db        *db.DB
	loc       *time.Location
	origins   []string
	now       func() time.Time
	upgrader  websocket.Upgrader
}

func New(opts Options) *Server {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	s := &Server{
		reg:       opts.Registry,
		catalog:   opts.Catalog,
		sims:      opts.Simulations,
		agg:       opts.Aggregator,
		board:     opts.Board,
		reclaimer: opts.Reclaimer,
		etaPub:    opts.ETAPub,
		db:        opts.DB,
		loc:       opts.Location,
		origins:   opts.CORSOrigins,
		now:       opts.Now,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", HeaderRole, HeaderPrincipal},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Get("/ws/trips/{tripId}", s.serveWS)
	r.Get("/gtfs-rt/vehicle-positions", feed.Handler(s.reg.List, s.catalog))

	r.Route("/api", func(r chi.Router) {
		r.Get("/trips", s.listTrips)
		r.Get("/routes/{routeId}/active", s.activeTrip)
		r.Route("/trips/{tripId}", func(r chi.Router) {
			r.Get("/", s.getTrip)
			r.Post("/grants", s.issueGrant)
			r.Post("/status", s.publishStatus)
			r.Get("/history", s.history)

			r.Get("/simulation", s.simulationState)
			r.Post("/simulation", s.startSimulation)
			r.Post("/simulation/confirm", s.confirmCheckpoint)
			r.Post("/simulation/complete", s.completeSimulation)

			r.Get("/eta", s.getETA)
			r.Post("/eta", s.computeETA)
			r.Post("/stops/{order}/arrival", s.confirmArrival)
		})
	})
	return r
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.origins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// ErrorResponse is the JSON error body of every failed request.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	resp := ErrorResponse{Error: msg}
	if err != nil {
		resp.Details = map[string]any{"internal": err.Error()}
	}
	writeJSON(w, status, resp)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, channel.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, channel.ErrMissingTrip),
		errors.Is(err, channel.ErrInvalidPatch),
		errors.Is(err, eta.ErrBadStatus):
		return http.StatusBadRequest
	case errors.Is(err, sim.ErrUnknownTrip),
		errors.Is(err, sim.ErrNotRunning),
		errors.Is(err, eta.ErrUnknownTrip),
		errors.Is(err, eta.ErrUnknownStop):
		return http.StatusNotFound
	case errors.Is(err, sim.ErrAlreadyRunning),
		errors.Is(err, sim.ErrNotAtCheckpoint):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func fail(w http.ResponseWriter, msg string, err error) {
	writeError(w, statusFor(err), msg, err)
}

func principal(r *http.Request) (string, channel.Role) {
	return strings.TrimSpace(r.Header.Get(HeaderPrincipal)), channel.ParseRole(r.Header.Get(HeaderRole))
}

// requireAgent rejects callers without the agent role tag.
func requireAgent(w http.ResponseWriter, r *http.Request) bool {
	if _, role := principal(r); role != channel.RoleAgent {
		writeError(w, http.StatusForbidden, "agent role required", nil)
		return false
	}
	return true
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":      "ok",
		"timestamp":   s.now().UTC(),
		"simulations": len(s.sims.Active()),
	}
	if s.db != nil {
		if err := db.Ping(r.Context(), s.db); err != nil {
			body["status"] = "degraded"
			body["database"] = "disconnected"
			body["error"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
		body["database"] = "connected"
	}
	writeJSON(w, http.StatusOK, body)
}
