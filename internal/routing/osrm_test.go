package routing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripcast/internal/geo"
)

func TestOSRMDurationIsMemoized(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.True(t, strings.HasPrefix(r.URL.Path, "/route/v1/driving/2.160000,41.380000;2.170000,41.390000"))
		w.Write([]byte(`{"code":"Ok","routes":[{"duration":600.4,"distance":1500,"geometry":{"coordinates":[]}}]}`))
	}))
	defer srv.Close()

	o := NewOSRM(srv.URL, "", srv.Client())
	from := geo.Point{Lat: 41.38, Lng: 2.16}
	to := geo.Point{Lat: 41.39, Lng: 2.17}

	for i := 0; i < 3; i++ {
		d, err := o.Duration(context.Background(), from, to)
		require.NoError(t, err)
		assert.Equal(t, time.Duration(600.4*float64(time.Second)), d)
	}
	assert.Equal(t, int32(1), hits.Load())
}

func TestOSRMResolvePath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "full", r.URL.Query().Get("overview"))
		w.Write([]byte(`{"code":"Ok","routes":[{"duration":60,"distance":100,"geometry":{"coordinates":[[2.16,41.38],[2.165,41.385],[2.17,41.39]]}}]}`))
	}))
	defer srv.Close()

	o := NewOSRM(srv.URL, "driving", srv.Client())
	path, err := o.ResolvePath(context.Background(), []geo.Point{{Lat: 41.38, Lng: 2.16}, {Lat: 41.39, Lng: 2.17}})
	require.NoError(t, err)
	require.Len(t, path, 3)
	assert.Equal(t, geo.Point{Lat: 41.385, Lng: 2.165}, path[1])
}

func TestOSRMErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, ``},
		{"no route", http.StatusOK, `{"code":"NoRoute","routes":[]}`},
		{"garbage", http.StatusOK, `not json`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			o := NewOSRM(srv.URL, "", srv.Client())
			_, err := o.Duration(context.Background(), geo.Point{}, geo.Point{Lat: 1})
			assert.Error(t, err)
		})
	}
}

func TestEstimate(t *testing.T) {
	from := geo.Point{Lat: 0, Lng: 0}
	to := geo.Point{Lat: 0, Lng: 0.01}
	d, err := Estimate{SpeedMps: 10}.Duration(context.Background(), from, to)
	require.NoError(t, err)
	assert.InDelta(t, geo.Haversine(from, to)/10, d.Seconds(), 1e-6)

	_, err = Estimate{}.Duration(context.Background(), from, to)
	assert.ErrorIs(t, err, ErrNoRoute)
}
