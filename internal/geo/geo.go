// Package geo holds the great-circle helpers shared by the optimiser, the
// pathfinder and the HTTP layer. Everything here is a pure function.
package geo

import "math"

// EarthRadiusM is the mean Earth radius in metres.
const EarthRadiusM = 6371000.0

// Position is a latitude/longitude pair in decimal degrees.
type Position struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the position lies inside the WGS84 coordinate range.
func (p Position) Valid() bool {
	return !math.IsNaN(p.Lat) && !math.IsNaN(p.Lng) &&
		p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// HaversineMeters returns the great-circle distance between a and b.
func HaversineMeters(a, b Position) float64 {
	dLat := rad(b.Lat - a.Lat)
	dLon := rad(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(rad(a.Lat))*math.Cos(rad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusM * c
}

// Bearing returns the initial bearing from a to b in degrees, normalised to [0, 360).
func Bearing(a, b Position) float64 {
	lat1, lat2 := rad(a.Lat), rad(b.Lat)
	dLon := rad(b.Lng - a.Lng)
	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

var compassPoints = [...]string{"north", "northeast", "east", "southeast", "south", "southwest", "west", "northwest"}

// Compass maps a bearing in degrees to one of eight compass directions.
func Compass(bearing float64) string {
	b := math.Mod(math.Mod(bearing, 360)+360, 360)
	idx := int(math.Floor((b+22.5)/45)) % len(compassPoints)
	return compassPoints[idx]
}

// DistanceToSegment returns the distance in metres from p to the segment a-b.
// It projects onto a local equirectangular plane centred on p, which is
// accurate for the short legs a delivery route is made of.
func DistanceToSegment(p, a, b Position) float64 {
	k := math.Cos(rad(p.Lat))
	ax, ay := rad(a.Lng-p.Lng)*k, rad(a.Lat-p.Lat)
	bx, by := rad(b.Lng-p.Lng)*k, rad(b.Lat-p.Lat)
	dx, dy := bx-ax, by-ay
	l2 := dx*dx + dy*dy
	if l2 == 0 {
		return HaversineMeters(p, a)
	}
	t := -(ax*dx + ay*dy) / l2
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	cx, cy := ax+t*dx, ay+t*dy
	return math.Sqrt(cx*cx+cy*cy) * EarthRadiusM
}

// BuildMatrix returns the symmetric haversine distance matrix for points.
func BuildMatrix(points []Position) [][]float64 {
	n := len(points)
	m := make([][]float64, n)
	for i := range m {
		m[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := HaversineMeters(points[i], points[j])
			m[i][j] = d
			m[j][i] = d
		}
	}
	return m
}

// DurationMatrix converts a distance matrix in metres into travel seconds at speedKph.
func DurationMatrix(dist [][]float64, speedKph float64) [][]float64 {
	if speedKph <= 0 {
		speedKph = 40
	}
	mps := speedKph / 3.6
	out := make([][]float64, len(dist))
	for i, row := range dist {
		out[i] = make([]float64, len(row))
		for j, d := range row {
			out[i][j] = d / mps
		}
	}
	return out
}

func rad(deg float64) float64 { return deg * math.Pi / 180 }
