package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHaversine(t *testing.T) {
	tests := []struct {
		name string
		a, b Point
		want float64
		tol  float64
	}{
		{"same point", Point{41.38, 2.17}, Point{41.38, 2.17}, 0, 1e-9},
		{"one degree latitude", Point{0, 0}, Point{1, 0}, 111195, 50},
		{"barcelona to girona", Point{41.3874, 2.1686}, Point{41.9794, 2.8214}, 84000, 1500},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, Haversine(tc.a, tc.b), tc.tol)
		})
	}
}

func TestBearing(t *testing.T) {
	assert.InDelta(t, 0, Bearing(Point{0, 0}, Point{1, 0}), 1e-6)
	assert.InDelta(t, 90, Bearing(Point{0, 0}, Point{0, 1}), 1e-6)
	assert.InDelta(t, 180, Bearing(Point{1, 0}, Point{0, 0}), 1e-6)
	assert.InDelta(t, 270, Bearing(Point{0, 1}, Point{0, 0}), 1e-6)
}

func TestLerpClamps(t *testing.T) {
	a := Point{0, 0}
	b := Point{10, 20}
	assert.Equal(t, Point{5, 10}, Lerp(a, b, 0.5))
	assert.Equal(t, a, Lerp(a, b, -1))
	assert.Equal(t, b, Lerp(a, b, 2))
}

func TestPathLength(t *testing.T) {
	pts := []Point{{0, 0}, {0, 1}, {0, 2}}
	assert.InDelta(t, 2*Haversine(pts[0], pts[1]), PathLength(pts), 1e-6)
	assert.Zero(t, PathLength(pts[:1]))
	assert.False(t, math.IsNaN(PathLength(nil)))
}
