package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tripcast/internal/geo"
	"tripcast/internal/routing"
)

const (
	DefaultPathTimeout      = 8 * time.Second
	DefaultCheckpointRadius = 50.0 // meters
	DefaultArrivalThreshold = 0.95

	// segments shorter than this are dropped so the step loop never divides by zero
	minSegmentMeters = 0.01
)

var ErrTooFewWaypoints = errors.New("sim: need at least 2 waypoints")

// Segment is one straight piece of the resolved path.
type Segment struct {
	From     geo.Point
	To       geo.Point
	Distance float64 // meters
	Duration time.Duration
	// Checkpoints lists the intermediate waypoints whose proximity test
	// matched this segment's end point.
	Checkpoints []int
}

// ResolvePath asks resolver for a road path through waypoints. On error,
// timeout or a degenerate answer it falls back to the straight-line
// waypoints; the bool reports the fallback. It returns within deadline even
// if the resolver ignores its context.
func ResolvePath(ctx context.Context, resolver routing.PathResolver, waypoints []geo.Point, deadline time.Duration) ([]geo.Point, bool) {
	straight := append([]geo.Point(nil), waypoints...)
	if resolver == nil || len(waypoints) < 2 {
		return straight, true
	}
	if deadline <= 0 {
		deadline = DefaultPathTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	type result struct {
		path []geo.Point
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		p, err := resolver.ResolvePath(ctx, waypoints)
		ch <- result{p, err}
	}()

	select {
	case res := <-ch:
		if res.err == nil && len(res.path) >= 2 {
			return res.path, false
		}
		slog.Warn("path resolution failed, using straight line", "err", res.err, "points", len(res.path))
	case <-ctx.Done():
		slog.Warn("path resolution timed out, using straight line", "deadline", deadline)
	}
	return straight, true
}

// Build splits path into segments travelled at speed and records which
// intermediate waypoints lie within radius of each segment end point.
func Build(waypoints, path []geo.Point, speedMps, radius float64) ([]Segment, error) {
	if len(waypoints) < 2 {
		return nil, ErrTooFewWaypoints
	}
	if speedMps <= 0 {
		return nil, fmt.Errorf("sim: invalid speed %v", speedMps)
	}
	if len(path) < 2 {
		path = waypoints
	}
	segs := make([]Segment, 0, len(path)-1)
	for i := 1; i < len(path); i++ {
		d := geo.Haversine(path[i-1], path[i])
		dur := time.Duration(d / speedMps * float64(time.Second))
		if d < minSegmentMeters || dur <= 0 {
			continue
		}
		seg := Segment{From: path[i-1], To: path[i], Distance: d, Duration: dur}
		for j := 1; j < len(waypoints)-1; j++ {
			if geo.Haversine(path[i], waypoints[j]) <= radius {
				seg.Checkpoints = append(seg.Checkpoints, j)
			}
		}
		segs = append(segs, seg)
	}
	return segs, nil
}
