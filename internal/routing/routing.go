package routing

import (
	"context"
	"errors"
	"time"

	"tripcast/internal/geo"
)

// ErrNoRoute is returned when the oracle has no answer for a leg. Callers
// cannot tell it apart from an unavailable oracle and treat both as unknown.
var ErrNoRoute = errors.New("routing: no route")

// Oracle returns the travel duration between two coordinates.
type Oracle interface {
	Duration(ctx context.Context, from, to geo.Point) (time.Duration, error)
}

// PathResolver turns a waypoint list into a realistic road path.
type PathResolver interface {
	ResolvePath(ctx context.Context, waypoints []geo.Point) ([]geo.Point, error)
}

// Estimate is an offline Oracle: straight-line distance at a constant speed.
type Estimate struct {
	SpeedMps float64
}

func (e Estimate) Duration(ctx context.Context, from, to geo.Point) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if e.SpeedMps <= 0 {
		return 0, ErrNoRoute
	}
	sec := geo.Haversine(from, to) / e.SpeedMps
	return time.Duration(sec * float64(time.Second)), nil
}
