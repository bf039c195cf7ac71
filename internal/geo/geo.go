package geo

import "math"

const earthRadiusM = 6371000.0

// Point is a WGS84 coordinate in degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func toRad(d float64) float64 { return d * math.Pi / 180 }

// Haversine distance in meters
func Haversine(a, b Point) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLng := toRad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusM * c
}

// Bearing returns the initial bearing from a to b in degrees [0,360).
func Bearing(a, b Point) float64 {
	y := math.Sin(toRad(b.Lng-a.Lng)) * math.Cos(toRad(b.Lat))
	x := math.Cos(toRad(a.Lat))*math.Sin(toRad(b.Lat)) - math.Sin(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Cos(toRad(b.Lng-a.Lng))
	brng := math.Atan2(y, x) * 180.0 / math.Pi
	if brng < 0 {
		brng += 360
	}
	return brng
}

// Lerp interpolates linearly between a and b. frac is clamped to [0,1].
func Lerp(a, b Point, frac float64) Point {
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	return Point{
		Lat: a.Lat + (b.Lat-a.Lat)*frac,
		Lng: a.Lng + (b.Lng-a.Lng)*frac,
	}
}

// PathLength sums the haversine distance along pts.
func PathLength(pts []Point) float64 {
	total := 0.0
	for i := 1; i < len(pts); i++ {
		total += Haversine(pts[i-1], pts[i])
	}
	return total
}
