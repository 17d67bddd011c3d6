package planner

import "math"

const earthRadiusM = 6371008.8

// haversine returns the great-circle distance in meters.
func haversine(lon1, lat1, lon2, lat2 float64) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Asin(math.Min(1, math.Sqrt(a)))
}

type tileID struct {
	Z, X, Y int
}

// tileFor returns the slippy-map tile containing the coordinate.
func tileFor(lon, lat float64, zoom int) tileID {
	n := math.Exp2(float64(zoom))
	x := int(math.Floor((lon + 180) / 360 * n))
	latRad := lat * math.Pi / 180
	y := int(math.Floor((1 - math.Log(math.Tan(latRad)+1/math.Cos(latRad))/math.Pi) / 2 * n))
	maxIdx := int(n) - 1
	return tileID{Z: zoom, X: clamp(x, 0, maxIdx), Y: clamp(y, 0, maxIdx)}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
