package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"tripcast/internal/channel"
	"tripcast/internal/eta"
	"tripcast/internal/geo"
	"tripcast/internal/reclaim"
	"tripcast/internal/route"
	"tripcast/internal/sim"
	"tripcast/internal/trip"
)

// latOracle answers by destination latitude: 2 -> 600 s, 3 -> 900 s.
type latOracle struct{}

func (latOracle) Duration(_ context.Context, _, to geo.Point) (time.Duration, error) {
	switch to.Lat {
	case 0.002:
		return 600 * time.Second, nil
	case 0.004:
		return 900 * time.Second, nil
	}
	return 0, nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fixture struct {
	srv   *httptest.Server
	reg   *channel.Registry
	sims  *sim.Manager
	board *eta.Board
	clock *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithGrace(t, time.Hour)
}

func newFixtureWithGrace(t *testing.T, grace time.Duration) *fixture {
	t.Helper()
	cat := route.NewCatalog()
	require.NoError(t, cat.AddRoute(route.Route{ID: "r1", Name: "Harbour", Stops: []route.Stop{
		{ID: "a", Order: 1, Lat: 0, Lng: 0},
		{ID: "b", Order: 2, Lat: 0.002, Lng: 0},
		{ID: "c", Order: 3, Lat: 0.004, Lng: 0},
	}}))
	require.NoError(t, cat.AddPlan(route.Plan{TripID: "t1", RouteID: "r1", Start: "06:00"}))
	require.NoError(t, cat.AddPlan(route.Plan{TripID: "t2", RouteID: "r1", Start: "07:00"}))

	clk := &clock{t: time.Now()}
	board := eta.NewBoard()
	reg := channel.NewRegistry(channel.Options{
		CompletedGrace: grace,
		Now:            clk.Now,
		StopCount:      cat.StopCount,
		OnEvict:        board.Delete,
	})
	sims := sim.NewManager(cat, reg, sim.Options{
		TickInterval: 5 * time.Millisecond,
		Sim:          sim.Config{SpeedMps: 2000},
		Board:        board,
	})
	t.Cleanup(sims.Stop)

	s := New(Options{
		Registry:    reg,
		Catalog:     cat,
		Simulations: sims,
		Aggregator:  eta.NewAggregator(latOracle{}, eta.Options{Dwell: 2 * time.Minute}),
		Board:       board,
		Reclaimer:   reclaim.New(reg, 24*time.Hour, nil, nil).WithClock(clk.Now),
		Location:    time.UTC,
		Now:         clk.Now,
	})
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, reg: reg, sims: sims, board: board, clock: clk}
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

var agent = map[string]string{HeaderRole: "agent", HeaderPrincipal: "driver-7"}

func (f *fixture) grant(t *testing.T, tripID string) string {
	t.Helper()
	resp, body := f.do(t, http.MethodPost, "/api/trips/"+tripID+"/grants", nil, agent)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var g channel.Grant
	require.NoError(t, json.Unmarshal(body, &g))
	return g.Token
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ok"`)
}

func TestGrants(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{"viewer", map[string]string{HeaderRole: "viewer", HeaderPrincipal: "rider"}, http.StatusForbidden},
		{"no role", map[string]string{HeaderPrincipal: "rider"}, http.StatusForbidden},
		{"agent without principal", map[string]string{HeaderRole: "agent"}, http.StatusForbidden},
		{"agent", agent, http.StatusCreated},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodPost, "/api/trips/t1/grants", nil, tc.headers)
			assert.Equal(t, tc.want, resp.StatusCode, string(body))
		})
	}
}

func TestPublishStatus(t *testing.T) {
	f := newFixture(t)
	token := f.grant(t, "t1")
	bearer := map[string]string{"Authorization": "Bearer " + token}

	resp, body := f.do(t, http.MethodPost, "/api/trips/t1/status", map[string]any{"status": "running", "currentStopIndex": 1}, bearer)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var got trip.Trip
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, trip.StatusRunning, got.Status)
	assert.Equal(t, 1, got.CurrentStopIndex)

	tests := []struct {
		name    string
		path    string
		body    any
		headers map[string]string
		want    int
	}{
		{"no token", "/api/trips/t1/status", map[string]any{"running": true}, nil, http.StatusForbidden},
		{"foreign trip", "/api/trips/t2/status", map[string]any{"running": true}, bearer, http.StatusForbidden},
		{"bad status", "/api/trips/t1/status", map[string]any{"status": "flying"}, bearer, http.StatusBadRequest},
		{"empty patch", "/api/trips/t1/status", map[string]any{}, bearer, http.StatusBadRequest},
		{"negative index", "/api/trips/t1/status", map[string]any{"currentStopIndex": -1}, bearer, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodPost, tc.path, tc.body, tc.headers)
			assert.Equal(t, tc.want, resp.StatusCode, string(body))
		})
	}

	snap, _ := f.reg.Snapshot("t1")
	assert.Equal(t, trip.StatusRunning, snap.Status, "rejected publishes leave state untouched")
}

func TestGetTripDefaultsToIdle(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/api/trips/nobody", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got trip.Trip
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, trip.StatusIdle, got.Status)
	assert.Equal(t, "nobody", got.TripID)
}

func TestListTripsReclaimsStale(t *testing.T) {
	f := newFixture(t)
	start := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	f.clock.Set(start)
	token := f.grant(t, "t1")
	resp, _ := f.do(t, http.MethodPost, "/api/trips/t1/status", map[string]any{"status": "running", "running": true, "currentStopIndex": 2}, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	f.clock.Set(start.Add(time.Hour))
	resp, body := f.do(t, http.MethodGet, "/api/trips?routeId=r1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list ListTripsResponse
	require.NoError(t, json.Unmarshal(body, &list))
	require.Equal(t, 2, list.Count)
	assert.Equal(t, trip.StatusRunning, list.Trips[0].Status)
	assert.Empty(t, list.Reset)

	resp, _ = f.do(t, http.MethodGet, "/api/routes/r1/active", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	f.clock.Set(start.Add(25 * time.Hour))
	_, body = f.do(t, http.MethodGet, "/api/trips", nil, nil)
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, []string{"t1"}, list.Reset)
	assert.Equal(t, trip.StatusIdle, list.Trips[0].Status)
	assert.Zero(t, list.Trips[0].CurrentStopIndex)
	assert.False(t, list.Trips[0].Running)

	resp, _ = f.do(t, http.MethodGet, "/api/routes/r1/active", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, body = f.do(t, http.MethodGet, "/api/trips?routeId=other", nil, nil)
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Zero(t, list.Count)
}

func dial(t *testing.T, f *fixture, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestWebsocketLateJoinAndPublish(t *testing.T) {
	f := newFixture(t)
	token := f.grant(t, "t1")

	viewer := dial(t, f, "/ws/trips/t1")
	first := readFrame(t, viewer)
	require.Equal(t, TypeStatus, first.Type)
	assert.Equal(t, trip.StatusIdle, first.Trip.Status, "nothing published yet")

	driver := dial(t, f, "/ws/trips/t1?token="+token)
	readFrame(t, driver)
	require.NoError(t, driver.WriteJSON(map[string]any{
		"type":  "publish",
		"delta": map[string]any{"status": "running", "currentPosition": map[string]any{"lat": 0.001, "lng": 0}},
	}))

	got := readFrame(t, viewer)
	require.Equal(t, TypeStatus, got.Type)
	assert.Equal(t, trip.StatusRunning, got.Trip.Status)
	require.NotNil(t, got.Trip.CurrentPosition)

	// a later viewer sees the merged state straight away
	late := dial(t, f, "/ws/trips/t1")
	snap := readFrame(t, late)
	assert.Equal(t, trip.StatusRunning, snap.Trip.Status)
	assert.Equal(t, 0.001, snap.Trip.CurrentPosition.Lat)
}

func TestWebsocketPublishWithoutToken(t *testing.T) {
	f := newFixture(t)
	conn := dial(t, f, "/ws/trips/t1")
	readFrame(t, conn)
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "publish", "delta": map[string]any{"running": true}}))
	got := readFrame(t, conn)
	assert.Equal(t, TypeError, got.Type)
	assert.Contains(t, got.Error, "not authorized")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))
	assert.Equal(t, TypeError, readFrame(t, conn).Type)
}

func waitStatus(t *testing.T, f *fixture, want trip.Status) trip.Trip {
	t.Helper()
	var got trip.Trip
	require.Eventually(t, func() bool {
		got, _ = f.reg.Snapshot("t1")
		return got.Status == want
	}, 3*time.Second, 5*time.Millisecond)
	return got
}

func TestSimulationControl(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/trips/t1/simulation", nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/api/trips/nope/simulation", nil, agent)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/api/trips/t1/simulation/confirm", nil, agent)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/api/trips/t1/simulation", nil, agent)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	resp, _ = f.do(t, http.MethodPost, "/api/trips/t1/simulation", nil, agent)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	paused := waitStatus(t, f, trip.StatusPaused)
	assert.Equal(t, 1, paused.CurrentStopIndex)
	_, body = f.do(t, http.MethodGet, "/api/trips/t1/simulation", nil, nil)
	var st SimulationResponse
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, sim.StatePausedAtCheckpoint, st.State)
	require.NotNil(t, st.Waypoint)
	assert.Equal(t, 1, *st.Waypoint)

	resp, _ = f.do(t, http.MethodPost, "/api/trips/t1/simulation/confirm", nil, agent)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	done := waitStatus(t, f, trip.StatusCompleted)
	assert.Equal(t, 2, done.CurrentStopIndex)
	require.Eventually(t, func() bool { return len(f.sims.Active()) == 0 }, 3*time.Second, 5*time.Millisecond)

	resp, _ = f.do(t, http.MethodPost, "/api/trips/t1/simulation/confirm", nil, agent)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "confirm after completion is a no-op")
	resp, body = f.do(t, http.MethodPost, "/api/trips/t1/simulation/complete", nil, agent)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "complete after completion is a no-op")
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, sim.StateCompleted, st.State)

	resp, _ = f.do(t, http.MethodPost, "/api/trips/t2/simulation/complete", nil, agent)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "a trip that never ran has nothing to complete")
}

func TestSimulationCompleteOverride(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/api/trips/t1/simulation", nil, agent)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	waitStatus(t, f, trip.StatusPaused)

	resp, _ = f.do(t, http.MethodPost, "/api/trips/t1/simulation/complete", nil, agent)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	done := waitStatus(t, f, trip.StatusCompleted)
	assert.False(t, done.Running)
}

func TestETA(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/api/trips/t1/eta", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/api/trips/t1/eta", map[string]string{"startTime": "2026-03-02T06:00:00Z"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var got ETAResponse
	require.NoError(t, json.Unmarshal(body, &got))
	require.Len(t, got.Estimates, 3)
	base := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	assert.Equal(t, base, got.Estimates[0].EstimatedArrivalTime)
	assert.Equal(t, base.Add(12*time.Minute), got.Estimates[1].EstimatedArrivalTime)
	assert.Equal(t, base.Add(29*time.Minute), got.Estimates[2].EstimatedArrivalTime)

	resp, _ = f.do(t, http.MethodPost, "/api/trips/t1/eta", map[string]string{"startTime": "soon"}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/api/trips/zzz/eta", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// the default start is the plan's time on today's service day
	resp, body = f.do(t, http.MethodPost, "/api/trips/t1/eta", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, 6, got.Estimates[0].EstimatedArrivalTime.Hour())
}

func TestArrivalConfirmation(t *testing.T) {
	f := newFixture(t)
	_, _ = f.do(t, http.MethodPost, "/api/trips/t1/eta", map[string]string{"startTime": "06:00"}, nil)

	tests := []struct {
		name    string
		path    string
		body    any
		headers map[string]string
		want    int
	}{
		{"viewer", "/api/trips/t1/stops/2/arrival", map[string]string{"status": "arrived"}, nil, http.StatusForbidden},
		{"bad order", "/api/trips/t1/stops/x/arrival", map[string]string{"status": "arrived"}, agent, http.StatusBadRequest},
		{"bad status", "/api/trips/t1/stops/2/arrival", map[string]string{"status": "pending"}, agent, http.StatusBadRequest},
		{"unknown stop", "/api/trips/t1/stops/9/arrival", map[string]string{"status": "arrived"}, agent, http.StatusNotFound},
		{"unknown trip", "/api/trips/t2/stops/2/arrival", map[string]string{"status": "arrived"}, agent, http.StatusNotFound},
		{"arrived", "/api/trips/t1/stops/2/arrival", map[string]string{"status": "arrived"}, agent, http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodPost, tc.path, tc.body, tc.headers)
			assert.Equal(t, tc.want, resp.StatusCode, string(body))
		})
	}

	_, body := f.do(t, http.MethodGet, "/api/trips/t1/eta", nil, nil)
	var got ETAResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, trip.ArrivalArrived, got.Estimates[1].ArrivalStatus)
}

func TestVehiclePositionsFeed(t *testing.T) {
	f := newFixture(t)
	token := f.grant(t, "t1")
	resp, _ := f.do(t, http.MethodPost, "/api/trips/t1/status",
		map[string]any{"status": "running", "currentPosition": map[string]any{"lat": 0.001, "lng": 0}},
		map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/gtfs-rt/vehicle-positions", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var msg gtfsrt.FeedMessage
	require.NoError(t, proto.Unmarshal(body, &msg))
	require.Len(t, msg.GetEntity(), 1)
	assert.Equal(t, "r1", msg.GetEntity()[0].GetVehicle().GetTrip().GetRouteId())
}

func TestHistoryWithoutDatabase(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/api/trips/t1/history", nil, nil)
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestCompletedStatusLandsOnLastStop(t *testing.T) {
	f := newFixture(t)
	token := f.grant(t, "t1")
	bearer := map[string]string{"Authorization": "Bearer " + token}

	resp, _ := f.do(t, http.MethodPost, "/api/trips/t1/status", map[string]any{"status": "running", "currentStopIndex": 1}, bearer)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/trips/t1/status", map[string]any{"status": "completed", "currentStopIndex": 0}, bearer)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/api/trips/t1/status", map[string]any{"currentStopIndex": 3}, bearer)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "route r1 has three stops")

	resp, body := f.do(t, http.MethodPost, "/api/trips/t1/status", map[string]any{"status": "completed"}, bearer)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var got trip.Trip
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, trip.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.CurrentStopIndex)
}

func TestEvictedTripDropsEstimates(t *testing.T) {
	f := newFixtureWithGrace(t, 20*time.Millisecond)
	resp, _ := f.do(t, http.MethodPost, "/api/trips/t1/eta", map[string]string{"startTime": "06:00"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	token := f.grant(t, "t1")
	resp, _ = f.do(t, http.MethodPost, "/api/trips/t1/status", map[string]any{"status": "completed"}, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	time.Sleep(40 * time.Millisecond)
	f.reg.ExpireCompleted()

	_, ok := f.board.Get("t1")
	assert.False(t, ok)
	resp, _ = f.do(t, http.MethodGet, "/api/trips/t1/eta", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
