package geo

import (
	"math"
	"testing"
	"time"
)

func TestDistanceZero(t *testing.T) {
	d := DistanceMeters(35.68, 139.76, 35.68, 139.76)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceOneDegreeLat(t *testing.T) {
	// one degree of latitude is ~111.3 km on the WGS84 sphere we use
	d := DistanceMeters(0, 0, 1, 0)
	if math.Abs(d-111319) > 200 {
		t.Fatalf("expected ~111319m, got %f", d)
	}
}

func TestDistanceNaNPropagates(t *testing.T) {
	if !math.IsNaN(DistanceMeters(math.NaN(), 0, 0, 0)) {
		t.Fatal("expected NaN")
	}
}

func TestBucketIndex(t *testing.T) {
	epoch := time.Unix(1000, 0)
	cases := []struct {
		offsetSec int64
		want      int
	}{
		{0, 0},
		{4, 0},
		{5, 1},
		{199, 39},
		{-1, -1},
		{-5, -1},
		{-6, -2},
	}
	for _, c := range cases {
		got := BucketIndex(time.Unix(1000+c.offsetSec, 0), epoch, 5)
		if got != c.want {
			t.Fatalf("offset %ds: expected bucket %d, got %d", c.offsetSec, c.want, got)
		}
	}
}
