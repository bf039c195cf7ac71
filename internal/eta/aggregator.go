// Package eta turns a stop list and a start time into conservative per-stop
// arrival estimates using an external duration oracle.
package eta

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"tripcast/internal/metrics"
	"tripcast/internal/route"
	"tripcast/internal/routing"
	"tripcast/internal/trip"
)

const (
	DefaultDwell       = 2 * time.Minute
	DefaultLegTimeout  = 5 * time.Second
	DefaultConcurrency = 4
)

type Options struct {
	Dwell       time.Duration
	LegTimeout  time.Duration
	Concurrency int
	Metrics     *metrics.Collector
}

type Aggregator struct {
	oracle      routing.Oracle
	dwell       time.Duration
	legTimeout  time.Duration
	concurrency int
	metrics     *metrics.Collector
}

func NewAggregator(oracle routing.Oracle, opts Options) *Aggregator {
	if opts.Dwell < 0 {
		opts.Dwell = 0
	}
	if opts.LegTimeout <= 0 {
		opts.LegTimeout = DefaultLegTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	return &Aggregator{
		oracle:      oracle,
		dwell:       opts.Dwell,
		legTimeout:  opts.LegTimeout,
		concurrency: opts.Concurrency,
		metrics:     opts.Metrics,
	}
}

// Compute returns one entry per stop. Leg durations are fetched concurrently
// and folded in stop order; a failed leg adds no travel time.
func (a *Aggregator) Compute(ctx context.Context, stops []route.Stop, start time.Time) []trip.ETAEntry {
	n := len(stops)
	if n == 0 {
		return nil
	}

	legs := make([]time.Duration, n) // legs[i]: stop i-1 -> stop i
	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for i := 1; i < n; i++ {
		g.Go(func() error {
			legs[i] = a.leg(ctx, stops[i-1], stops[i])
			return nil
		})
	}
	_ = g.Wait()

	entries := make([]trip.ETAEntry, n)
	cumulative := 0
	for i, s := range stops {
		if i > 0 {
			cumulative += Minutes(legs[i] + a.dwell)
		}
		entries[i] = trip.ETAEntry{
			StopOrder:            s.Order,
			StopID:               s.ID,
			EstimatedArrivalTime: start.Add(time.Duration(cumulative) * time.Minute),
			ArrivalStatus:        trip.ArrivalPending,
		}
	}
	return entries
}

// leg asks the oracle for one leg. It never waits past the leg timeout, even
// if the oracle ignores its context.
func (a *Aggregator) leg(ctx context.Context, from, to route.Stop) time.Duration {
	lctx, cancel := context.WithTimeout(ctx, a.legTimeout)
	defer cancel()

	type result struct {
		d   time.Duration
		err error
	}
	ch := make(chan result, 1)
	go func() {
		d, err := a.oracle.Duration(lctx, from.Point(), to.Point())
		ch <- result{d, err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-lctx.Done():
		res.err = lctx.Err()
	}
	if res.err != nil || res.d < 0 {
		slog.Warn("eta leg unknown, counting zero travel time", "from", from.ID, "to", to.ID, "err", res.err)
		if a.metrics != nil {
			a.metrics.ETALegFailures.Inc()
		}
		return 0
	}
	return res.d
}

// Minutes rounds d up to whole minutes. Negative durations count as zero.
func Minutes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	m := d / time.Minute
	if d%time.Minute != 0 {
		m++
	}
	return int(m)
}
