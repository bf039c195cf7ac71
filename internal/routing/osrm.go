package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"tripcast/internal/geo"
)

const (
	legCacheDuration = 15 * time.Minute
	legCacheCleanup  = 30 * time.Minute
)

// OSRM talks to an OSRM-compatible /route/v1 endpoint. It implements both
// Oracle and PathResolver. Leg durations are memoized.
type OSRM struct {
	baseURL string
	profile string
	client  *http.Client
	legs    *cache.Cache
}

func NewOSRM(baseURL, profile string, client *http.Client) *OSRM {
	if profile == "" {
		profile = "driving"
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &OSRM{
		baseURL: strings.TrimRight(baseURL, "/"),
		profile: profile,
		client:  client,
		legs:    cache.New(legCacheDuration, legCacheCleanup),
	}
}

type osrmResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		Duration float64 `json:"duration"`
		Distance float64 `json:"distance"`
		Geometry struct {
			Coordinates [][]float64 `json:"coordinates"`
		} `json:"geometry"`
	} `json:"routes"`
}

func (o *OSRM) Duration(ctx context.Context, from, to geo.Point) (time.Duration, error) {
	key := legKey(from, to)
	if v, ok := o.legs.Get(key); ok {
		return v.(time.Duration), nil
	}
	res, err := o.route(ctx, []geo.Point{from, to}, "false")
	if err != nil {
		return 0, err
	}
	d := time.Duration(res.Routes[0].Duration * float64(time.Second))
	if d < 0 {
		d = 0
	}
	o.legs.SetDefault(key, d)
	return d, nil
}

func (o *OSRM) ResolvePath(ctx context.Context, waypoints []geo.Point) ([]geo.Point, error) {
	if len(waypoints) < 2 {
		return nil, fmt.Errorf("resolve path: need at least 2 waypoints, got %d", len(waypoints))
	}
	res, err := o.route(ctx, waypoints, "full")
	if err != nil {
		return nil, err
	}
	coords := res.Routes[0].Geometry.Coordinates
	path := make([]geo.Point, 0, len(coords))
	for _, c := range coords {
		if len(c) < 2 {
			continue
		}
		// GeoJSON order is lng,lat
		path = append(path, geo.Point{Lat: c[1], Lng: c[0]})
	}
	if len(path) < 2 {
		return nil, ErrNoRoute
	}
	return path, nil
}

func (o *OSRM) route(ctx context.Context, pts []geo.Point, overview string) (*osrmResponse, error) {
	coords := make([]string, len(pts))
	for i, p := range pts {
		coords[i] = strconv.FormatFloat(p.Lng, 'f', 6, 64) + "," + strconv.FormatFloat(p.Lat, 'f', 6, 64)
	}
	url := fmt.Sprintf("%s/route/v1/%s/%s?overview=%s&geometries=geojson", o.baseURL, o.profile, strings.Join(coords, ";"), overview)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query router: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("router returned status %d", resp.StatusCode)
	}
	var out osrmResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode router response: %w", err)
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return nil, ErrNoRoute
	}
	return &out, nil
}

func legKey(a, b geo.Point) string {
	// ~1m precision is plenty for memoizing leg answers
	return fmt.Sprintf("%.5f,%.5f;%.5f,%.5f", a.Lat, a.Lng, b.Lat, b.Lng)
}
