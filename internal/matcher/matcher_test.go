package matcher

import (
	"testing"
	"time"

	"github.com/example/carpool-settlement/internal/models"
)

var epoch = time.Date(2024, 5, 10, 8, 0, 0, 0, time.UTC)

// trajectory builds n points at 5s spacing starting at epoch+offset, all at
// (lat, lon) with the given speed.
func trajectory(user string, n int, offset time.Duration, lat, lon, speed float64) []models.TrajectoryPoint {
	pts := make([]models.TrajectoryPoint, 0, n)
	for i := 0; i < n; i++ {
		pts = append(pts, models.TrajectoryPoint{
			UserID:    user,
			TripID:    "trip1",
			Timestamp: epoch.Add(offset + time.Duration(i)*5*time.Second),
			Lat:       lat,
			Lon:       lon,
			Speed:     speed,
		})
	}
	return pts
}

func TestFortyCloseMovingBucketsAllMatch(t *testing.T) {
	// 40 points over 200 seconds, rider ~50m east of driver, both moving
	driver := trajectory("d1", 40, 0, 35.0, 139.0, 8)
	rider := trajectory("r1", 40, 0, 35.0, 139.00055, 8) // ~50m at this latitude
	m := New()
	res := m.Match("resD", "resR", driver, rider, epoch)
	if res.Score != 40 {
		t.Fatalf("expected score 40, got %d", res.Score)
	}
	if !res.Passed {
		t.Fatal("expected passed")
	}
}

func TestStationaryRiderNeverMatches(t *testing.T) {
	driver := trajectory("d1", 40, 0, 35.0, 139.0, 8)
	rider := trajectory("r1", 40, 0, 35.0, 139.0, 0) // parked, zero speed
	res := New().Match("resD", "resR", driver, rider, epoch)
	if res.Score != 0 {
		t.Fatalf("expected score 0, got %d", res.Score)
	}
	if res.Passed {
		t.Fatal("expected not passed")
	}
}

func TestFarApartDoesNotMatch(t *testing.T) {
	driver := trajectory("d1", 40, 0, 35.0, 139.0, 8)
	rider := trajectory("r1", 40, 0, 35.0, 139.002, 8) // ~180m away
	res := New().Match("resD", "resR", driver, rider, epoch)
	if res.Score != 0 {
		t.Fatalf("expected score 0, got %d", res.Score)
	}
}

func TestThresholdBoundary(t *testing.T) {
	m := New()
	below := m.Match("d", "r",
		trajectory("d1", 35, 0, 35.0, 139.0, 8),
		trajectory("r1", 35, 0, 35.0, 139.0002, 8), epoch)
	if below.Score != 35 || below.Passed {
		t.Fatalf("expected 35/false, got %d/%v", below.Score, below.Passed)
	}
	at := m.Match("d", "r",
		trajectory("d1", 36, 0, 35.0, 139.0, 8),
		trajectory("r1", 36, 0, 35.0, 139.0002, 8), epoch)
	if at.Score != 36 || !at.Passed {
		t.Fatalf("expected 36/true, got %d/%v", at.Score, at.Passed)
	}
}

func TestEmptyTrajectoryScoresZero(t *testing.T) {
	driver := trajectory("d1", 40, 0, 35.0, 139.0, 8)
	res := New().Match("resD", "resR", driver, nil, epoch)
	if res.Score != 0 || res.Passed {
		t.Fatalf("expected 0/false, got %d/%v", res.Score, res.Passed)
	}
}

func TestRerunIsDeterministic(t *testing.T) {
	driver := trajectory("d1", 40, 0, 35.0, 139.0, 8)
	rider := trajectory("r1", 40, 2*time.Second, 35.0, 139.0003, 8)
	m := New()
	first := m.Match("d", "r", driver, rider, epoch)
	second := m.Match("d", "r", driver, rider, epoch)
	if first.Score != second.Score {
		t.Fatalf("scores differ across runs: %d vs %d", first.Score, second.Score)
	}
	if len(first.MatchedBuckets) != len(second.MatchedBuckets) {
		t.Fatal("matched buckets differ across runs")
	}
	for i := range first.MatchedBuckets {
		if first.MatchedBuckets[i] != second.MatchedBuckets[i] {
			t.Fatal("matched bucket order differs across runs")
		}
	}
}

func TestPreEpochSamplesIgnored(t *testing.T) {
	driver := trajectory("d1", 10, -100*time.Second, 35.0, 139.0, 8)
	rider := trajectory("r1", 10, -100*time.Second, 35.0, 139.0, 8)
	res := New().Match("d", "r", driver, rider, epoch)
	if res.Score != 0 {
		t.Fatalf("expected pre-epoch samples ignored, got score %d", res.Score)
	}
}
