package db

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripcast/internal/metrics"
	"tripcast/internal/route"
	"tripcast/internal/trip"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	d, err := Open("sqlite://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	require.NoError(t, Ping(context.Background(), d))
	require.NoError(t, d.EnsureSchema(context.Background()))
	return d
}

func TestParseDSN(t *testing.T) {
	tests := []struct {
		dsn, driver, source string
		wantErr             bool
	}{
		{dsn: "postgres://u:p@localhost:5432/trips", driver: DriverPostgres, source: "postgres://u:p@localhost:5432/trips"},
		{dsn: "postgresql://localhost/trips", driver: DriverPostgres, source: "postgresql://localhost/trips"},
		{dsn: "sqlite://data/trips.db", driver: DriverSQLite, source: "data/trips.db"},
		{dsn: "sqlite://:memory:", driver: DriverSQLite, source: ":memory:"},
		{dsn: "file:trips.db?_journal=WAL", driver: DriverSQLite, source: "file:trips.db?_journal=WAL"},
		{dsn: "", wantErr: true},
		{dsn: "sqlite://", wantErr: true},
		{dsn: "mysql://localhost/trips", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.dsn, func(t *testing.T) {
			driver, source, err := ParseDSN(tc.dsn)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.driver, driver)
			assert.Equal(t, tc.source, source)
		})
	}
}

func TestRebind(t *testing.T) {
	q := `INSERT INTO t (a, b) VALUES (?, ?)`
	assert.Equal(t, q, rebind(DriverSQLite, q))
	assert.Equal(t, `INSERT INTO t (a, b) VALUES ($1, $2)`, rebind(DriverPostgres, q))
}

func TestEnsureSchemaIsIdempotent(t *testing.T) {
	d := openTest(t)
	assert.NoError(t, d.EnsureSchema(context.Background()))
}

func TestCatalogRoundTrip(t *testing.T) {
	d := openTest(t)
	ctx := context.Background()

	cat := route.NewCatalog()
	require.NoError(t, cat.AddRoute(route.Route{ID: "r1", Name: "Harbour", Stops: []route.Stop{
		{ID: "c", Order: 3, Lat: 41.39, Lng: 2.18, ScheduledTime: "06:29"},
		{ID: "a", Order: 1, Name: "Depot", Lat: 41.38, Lng: 2.16},
		{ID: "b", Order: 2, Lat: 41.385, Lng: 2.17},
	}}))
	require.NoError(t, cat.AddPlan(route.Plan{TripID: "t1", RouteID: "r1", Start: "06:00"}))
	require.NoError(t, cat.AddPlan(route.Plan{TripID: "t2", RouteID: "r1", Start: "07:30"}))
	require.NoError(t, SaveCatalog(ctx, d, cat))
	// saving twice replaces rather than duplicates
	require.NoError(t, SaveCatalog(ctx, d, cat))

	got, err := FetchCatalog(ctx, d)
	require.NoError(t, err)
	r, ok := got.Route("r1")
	require.True(t, ok)
	assert.Equal(t, "Harbour", r.Name)
	require.Len(t, r.Stops, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{r.Stops[0].ID, r.Stops[1].ID, r.Stops[2].ID})
	assert.Equal(t, "06:29", r.Stops[2].ScheduledTime)
	assert.Len(t, got.Plans(), 2)
	p, ok := got.Plan("t2")
	require.True(t, ok)
	assert.Equal(t, "07:30", p.Start)
}

func TestRecorderWritesSamplesAndTransitions(t *testing.T) {
	d := openTest(t)
	rec := NewRecorder(d, 16, nil)
	at := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)

	prev := trip.New("t1")
	next := prev.Clone()
	next.Status = trip.StatusRunning
	next.CurrentPosition = &trip.Position{Lat: 41.38, Lng: 2.16}
	next.LastUpdateTime = at
	rec.TripUpdated(prev, next)

	// same position, same status: nothing to record
	same := next.Clone()
	same.LastUpdateTime = at.Add(time.Second)
	rec.TripUpdated(next, same)

	rec.RecordTransition("t1", trip.StatusRunning, trip.StatusIdle, at.Add(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec.Run(ctx)

	positions, err := FetchPositions(context.Background(), d, "t1", 10)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 41.38, positions[0].Lat)
	assert.Equal(t, at, positions[0].RecordedAt)

	transitions, err := FetchTransitions(context.Background(), d, "t1")
	require.NoError(t, err)
	require.Len(t, transitions, 2)
	assert.Equal(t, trip.StatusIdle, transitions[0].From)
	assert.Equal(t, trip.StatusRunning, transitions[0].To)
	assert.Equal(t, trip.StatusIdle, transitions[1].To)
}

func TestRecorderDropsWhenFull(t *testing.T) {
	m := metrics.NewCollector(8.33, time.Second)
	rec := NewRecorder(nil, 1, m)
	rec.RecordTransition("t1", trip.StatusIdle, trip.StatusRunning, time.Now())
	rec.RecordTransition("t1", trip.StatusRunning, trip.StatusPaused, time.Now())
	rec.RecordTransition("t1", trip.StatusPaused, trip.StatusRunning, time.Now())
	assert.Len(t, rec.queue, 1)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RecorderDrops))
}

func TestFetchPositionsOrderAndLimit(t *testing.T) {
	d := openTest(t)
	rec := NewRecorder(d, 16, nil)
	at := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	prev := trip.New("t1")
	for i := 0; i < 5; i++ {
		next := prev.Clone()
		next.CurrentPosition = &trip.Position{Lat: float64(i), Lng: 0}
		next.LastUpdateTime = at.Add(time.Duration(i) * time.Second)
		rec.TripUpdated(prev, next)
		prev = next
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec.Run(ctx)

	got, err := FetchPositions(context.Background(), d, "t1", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []float64{2, 3, 4}, []float64{got[0].Lat, got[1].Lat, got[2].Lat})
}
