package db

import (
	"context"
	"log/slog"
	"time"

	"tripcast/internal/metrics"
	"tripcast/internal/trip"
)

const (
	DefaultQueueSize = 1024
	writeTimeout     = 5 * time.Second
)

type record struct {
	tripID   string
	at       time.Time
	position *trip.Position
	from, to trip.Status
}

// Recorder persists position samples and status transitions off the hot
// path. Writes go through a bounded queue; when it is full new records are
// dropped, and write failures are only logged.
type Recorder struct {
	db      *DB
	queue   chan record
	metrics *metrics.Collector
}

func NewRecorder(d *DB, size int, m *metrics.Collector) *Recorder {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Recorder{db: d, queue: make(chan record, size), metrics: m}
}

func (r *Recorder) enqueue(rec record) {
	select {
	case r.queue <- rec:
	default:
		if r.metrics != nil {
			r.metrics.RecorderDrops.Inc()
		}
		slog.Debug("recorder queue full, dropping record", "trip", rec.tripID)
	}
}

// TripUpdated records a position sample when the position moved and a
// transition when the status changed.
func (r *Recorder) TripUpdated(prev, next trip.Trip) {
	if next.CurrentPosition != nil && (prev.CurrentPosition == nil || *prev.CurrentPosition != *next.CurrentPosition) {
		pos := *next.CurrentPosition
		r.enqueue(record{tripID: next.TripID, at: next.LastUpdateTime, position: &pos})
	}
	if prev.Status != next.Status {
		r.enqueue(record{tripID: next.TripID, at: next.LastUpdateTime, from: prev.Status, to: next.Status})
	}
}

// RecordTransition journals a status change made outside the publish path.
func (r *Recorder) RecordTransition(tripID string, from, to trip.Status, at time.Time) {
	r.enqueue(record{tripID: tripID, at: at, from: from, to: to})
}

// Run drains the queue until ctx is done, then writes what is left.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case rec := <-r.queue:
			r.write(rec)
		case <-ctx.Done():
			r.flush()
			return
		}
	}
}

func (r *Recorder) flush() {
	for {
		select {
		case rec := <-r.queue:
			r.write(rec)
		default:
			return
		}
	}
}

// write uses its own deadline so records drained after shutdown still land.
func (r *Recorder) write(rec record) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	var err error
	if rec.position != nil {
		_, err = r.db.ExecContext(ctx,
			r.db.q(`INSERT INTO trip_positions (trip_id, lat, lng, recorded_at) VALUES (?, ?, ?, ?)`),
			rec.tripID, rec.position.Lat, rec.position.Lng, rec.at.UnixMilli())
	} else {
		_, err = r.db.ExecContext(ctx,
			r.db.q(`INSERT INTO trip_transitions (trip_id, from_status, to_status, recorded_at) VALUES (?, ?, ?, ?)`),
			rec.tripID, string(rec.from), string(rec.to), rec.at.UnixMilli())
	}
	if err != nil {
		slog.Warn("recorder write failed", "trip", rec.tripID, "err", err)
		if r.metrics != nil {
			r.metrics.RecorderErrors.Inc()
		}
	}
}
