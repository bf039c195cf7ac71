package db

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"tripcast/internal/route"
	"tripcast/internal/trip"
)

//go:embed schema.sql
var schemaSQL string

// DB is a connection pool plus the driver it was opened with, which decides
// the placeholder style.
type DB struct {
	*sql.DB
	Driver string
}

func Open(dsn string) (*DB, error) {
	driver, source, err := ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	conn, err := sql.Open(driver, source)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		// SQLite has a single writer
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)
		conn.SetConnMaxLifetime(time.Hour)
	} else {
		conn.SetMaxOpenConns(20)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(30 * time.Minute)
	}
	return &DB{DB: conn, Driver: driver}, nil
}

func Ping(ctx context.Context, db *DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// EnsureSchema creates the tables if they do not exist yet.
func (d *DB) EnsureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = stripComments(stmt)
		if stmt == "" {
			continue
		}
		if _, err := d.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func stripComments(s string) string {
	var lines []string
	for _, l := range strings.Split(s, "\n") {
		if strings.HasPrefix(strings.TrimSpace(l), "--") {
			continue
		}
		lines = append(lines, l)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func (d *DB) q(query string) string { return rebind(d.Driver, query) }

// FetchCatalog loads every route with its stops and every trip plan.
func FetchCatalog(ctx context.Context, d *DB) (*route.Catalog, error) {
	routes := map[string]*route.Route{}
	var order []string

	rows, err := d.QueryContext(ctx, `SELECT route_id, name FROM routes ORDER BY route_id`)
	if err != nil {
		return nil, fmt.Errorf("query routes: %w", err)
	}
	for rows.Next() {
		var r route.Route
		if err := rows.Scan(&r.ID, &r.Name); err != nil {
			rows.Close()
			return nil, err
		}
		routes[r.ID] = &r
		order = append(order, r.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = d.QueryContext(ctx, `SELECT route_id, stop_order, stop_id, name, lat, lng, scheduled_time FROM route_stops ORDER BY route_id, stop_order`)
	if err != nil {
		return nil, fmt.Errorf("query route stops: %w", err)
	}
	for rows.Next() {
		var routeID string
		var s route.Stop
		if err := rows.Scan(&routeID, &s.Order, &s.ID, &s.Name, &s.Lat, &s.Lng, &s.ScheduledTime); err != nil {
			rows.Close()
			return nil, err
		}
		if r, ok := routes[routeID]; ok {
			r.Stops = append(r.Stops, s)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	cat := route.NewCatalog()
	for _, id := range order {
		if err := cat.AddRoute(*routes[id]); err != nil {
			slog.Warn("skipping route", "route", id, "err", err)
		}
	}

	rows, err = d.QueryContext(ctx, `SELECT trip_id, route_id, start_time FROM trip_plans ORDER BY trip_id`)
	if err != nil {
		return nil, fmt.Errorf("query trip plans: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p route.Plan
		if err := rows.Scan(&p.TripID, &p.RouteID, &p.Start); err != nil {
			return nil, err
		}
		if err := cat.AddPlan(p); err != nil {
			slog.Warn("skipping trip plan", "trip", p.TripID, "err", err)
		}
	}
	return cat, rows.Err()
}

// SaveCatalog upserts the routes and plans of cat in one transaction.
func SaveCatalog(ctx context.Context, d *DB, cat *route.Catalog) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, r := range cat.Routes() {
		if err := saveRoute(ctx, tx, d.Driver, r); err != nil {
			return err
		}
	}
	for _, p := range cat.Plans() {
		if _, err := tx.ExecContext(ctx, d.q(`DELETE FROM trip_plans WHERE trip_id = ?`), p.TripID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, d.q(`INSERT INTO trip_plans (trip_id, route_id, start_time) VALUES (?, ?, ?)`), p.TripID, p.RouteID, p.Start); err != nil {
			return fmt.Errorf("insert plan %s: %w", p.TripID, err)
		}
	}
	return tx.Commit()
}

func saveRoute(ctx context.Context, tx *sql.Tx, driver string, r route.Route) error {
	if _, err := tx.ExecContext(ctx, rebind(driver, `DELETE FROM route_stops WHERE route_id = ?`), r.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, rebind(driver, `DELETE FROM routes WHERE route_id = ?`), r.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, rebind(driver, `INSERT INTO routes (route_id, name) VALUES (?, ?)`), r.ID, r.Name); err != nil {
		return fmt.Errorf("insert route %s: %w", r.ID, err)
	}
	for _, s := range r.Stops {
		if _, err := tx.ExecContext(ctx,
			rebind(driver, `INSERT INTO route_stops (route_id, stop_order, stop_id, name, lat, lng, scheduled_time) VALUES (?, ?, ?, ?, ?, ?, ?)`),
			r.ID, s.Order, s.ID, s.Name, s.Lat, s.Lng, s.ScheduledTime); err != nil {
			return fmt.Errorf("insert stop %s/%d: %w", r.ID, s.Order, err)
		}
	}
	return nil
}

type PositionSample struct {
	TripID     string    `json:"tripId"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	RecordedAt time.Time `json:"recordedAt"`
}

type Transition struct {
	TripID     string      `json:"tripId"`
	From       trip.Status `json:"from"`
	To         trip.Status `json:"to"`
	RecordedAt time.Time   `json:"recordedAt"`
}

// FetchPositions returns the most recent position samples of tripID,
// oldest first.
func FetchPositions(ctx context.Context, d *DB, tripID string, limit int) ([]PositionSample, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.QueryContext(ctx,
		d.q(`SELECT trip_id, lat, lng, recorded_at FROM trip_positions WHERE trip_id = ? ORDER BY recorded_at DESC LIMIT ?`),
		tripID, limit)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()
	var out []PositionSample
	for rows.Next() {
		var p PositionSample
		var ms int64
		if err := rows.Scan(&p.TripID, &p.Lat, &p.Lng, &ms); err != nil {
			return nil, err
		}
		p.RecordedAt = time.UnixMilli(ms).UTC()
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// FetchTransitions returns every recorded status change of tripID in order.
func FetchTransitions(ctx context.Context, d *DB, tripID string) ([]Transition, error) {
	rows, err := d.QueryContext(ctx,
		d.q(`SELECT trip_id, from_status, to_status, recorded_at FROM trip_transitions WHERE trip_id = ? ORDER BY recorded_at`),
		tripID)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()
	var out []Transition
	for rows.Next() {
		var t Transition
		var ms int64
		if err := rows.Scan(&t.TripID, &t.From, &t.To, &ms); err != nil {
			return nil, err
		}
		t.RecordedAt = time.UnixMilli(ms).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}
