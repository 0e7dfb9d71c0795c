package matcher

import (
	"sort"
	"time"

	"github.com/example/carpool-settlement/internal/geo"
	"github.com/example/carpool-settlement/internal/models"
	"github.com/example/carpool-settlement/internal/observability"
)

const (
	DefaultProximityMeters    = 100.0
	DefaultBucketSeconds      = 5
	DefaultMinMatchingBuckets = 36
)

// Matcher scores the spatial overlap of a driver and a rider trajectory.
// Scoring is fully deterministic over the stored samples, so the batch
// recalculation job can safely reprocess a trip it already scored.
type Matcher struct {
	ProximityMeters    float64
	BucketSeconds      int
	MinMatchingBuckets int
}

func New() *Matcher {
	return &Matcher{
		ProximityMeters:    DefaultProximityMeters,
		BucketSeconds:      DefaultBucketSeconds,
		MinMatchingBuckets: DefaultMinMatchingBuckets,
	}
}

// Match partitions both trajectories into fixed buckets anchored at epoch
// (the trip start) and counts buckets where at least one driver sample and
// one rider sample were within ProximityMeters of each other while both were
// moving. Requiring movement on both sides filters out a parked vehicle
// matching through GPS drift; two cars idling at the same red light still
// read speed zero and are intentionally not counted.
//
// An empty trajectory on either side scores zero; missing data is a normal
// condition (GPS dropout), not an error.
func (m *Matcher) Match(driverRes, riderRes string, driver, rider []models.TrajectoryPoint, epoch time.Time) models.VerificationResult {
	res := models.VerificationResult{
		DriverReservationID: driverRes,
		RiderReservationID:  riderRes,
	}
	if len(driver) == 0 || len(rider) == 0 {
		observability.VerificationsTotal.WithLabelValues("empty").Inc()
		return res
	}

	bs := m.BucketSeconds
	if bs <= 0 {
		bs = DefaultBucketSeconds
	}
	driverBuckets := bucketize(driver, epoch, bs)
	riderBuckets := bucketize(rider, epoch, bs)

	for idx, dpts := range driverBuckets {
		rpts, ok := riderBuckets[idx]
		if !ok {
			continue
		}
		if m.bucketMatches(dpts, rpts) {
			res.MatchedBuckets = append(res.MatchedBuckets, idx)
		}
	}
	sort.Ints(res.MatchedBuckets)

	res.Score = len(res.MatchedBuckets)
	res.Passed = res.Score >= m.MinMatchingBuckets
	observability.VerificationScore.Observe(float64(res.Score))
	if res.Passed {
		observability.VerificationsTotal.WithLabelValues("passed").Inc()
	} else {
		observability.VerificationsTotal.WithLabelValues("failed").Inc()
	}
	return res
}

func (m *Matcher) bucketMatches(driver, rider []models.TrajectoryPoint) bool {
	for _, d := range driver {
		if d.Speed <= 0 {
			continue
		}
		for _, r := range rider {
			if r.Speed <= 0 {
				continue
			}
			if geo.DistanceMeters(d.Lat, d.Lon, r.Lat, r.Lon) < m.ProximityMeters {
				return true
			}
		}
	}
	return false
}

func bucketize(points []models.TrajectoryPoint, epoch time.Time, bucketSeconds int) map[int][]models.TrajectoryPoint {
	out := make(map[int][]models.TrajectoryPoint, len(points))
	for _, p := range points {
		idx := geo.BucketIndex(p.Timestamp, epoch, bucketSeconds)
		if idx < 0 {
			continue
		}
		out[idx] = append(out[idx], p)
	}
	return out
}
