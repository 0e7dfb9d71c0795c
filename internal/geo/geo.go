package geo

import (
	"math"
	"time"
)

// Earth radius used throughout trip verification, in meters. Kept identical
// everywhere so recomputed scores match the originally stored ones.
const earthRadiusMeters = 6378137.0

// DistanceMeters returns the haversine great-circle distance between two
// WGS84 coordinates in meters. NaN inputs propagate to a NaN result.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// BucketIndex maps a sample timestamp onto a fixed time grid anchored at
// epoch: floor((ts-epoch)/bucketSeconds). Samples before the epoch land in
// negative buckets and are never matched.
func BucketIndex(ts, epoch time.Time, bucketSeconds int) int {
	sec := ts.Unix() - epoch.Unix()
	bs := int64(bucketSeconds)
	if sec < 0 && sec%bs != 0 {
		return int(sec/bs) - 1
	}
	return int(sec / bs)
}
