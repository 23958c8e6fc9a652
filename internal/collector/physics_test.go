package collector

import (
	"math"
	"testing"
)

// TestWindRoundTrip verifies speed/direction -> u/v -> speed/direction stays
// within 1e-3 of the original, per §8's round-trip law test.
func TestWindRoundTrip(t *testing.T) {
	cases := []struct {
		speed, direction float64
	}{
		{10, 0}, {10, 90}, {10, 180}, {10, 270}, {25.4, 37}, {0.1, 359},
	}
	for _, c := range cases {
		u, v := UVFromWind(c.speed, c.direction)
		gotSpeed, _ := WindSpeedKPH(u, v).Float64()
		gotDir, _ := WindDirectionDeg(u, v).Float64()

		if math.Abs(gotSpeed-c.speed) > 1e-3 {
			t.Errorf("speed round-trip: got %v, want %v", gotSpeed, c.speed)
		}
		dirDiff := math.Abs(gotDir - c.direction)
		if dirDiff > 180 {
			dirDiff = 360 - dirDiff
		}
		if dirDiff > 1e-3 {
			t.Errorf("direction round-trip: got %v, want %v", gotDir, c.direction)
		}
	}
}

// TestWindDirectionDeg_Normalised verifies the output always lands in
// [0, 360).
func TestWindDirectionDeg_Normalised(t *testing.T) {
	for _, u := range []float64{-5, -1, 0, 1, 5} {
		for _, v := range []float64{-5, -1, 0, 1, 5} {
			if u == 0 && v == 0 {
				continue
			}
			deg, _ := WindDirectionDeg(u, v).Float64()
			if deg < 0 || deg >= 360 {
				t.Errorf("WindDirectionDeg(%v, %v) = %v, want [0, 360)", u, v, deg)
			}
		}
	}
}

// TestKelvinToCelsius verifies the offset and rounding.
func TestKelvinToCelsius(t *testing.T) {
	got := KelvinToCelsius(273.15)
	want := "0"
	if got.String() != want {
		t.Errorf("KelvinToCelsius(273.15) = %s, want %s", got.String(), want)
	}
}

func TestValidationRange_InRange(t *testing.T) {
	r := ValidationRange{Min: -50, Max: 50}
	if !r.InRange(0) {
		t.Error("InRange(0) = false, want true")
	}
	if r.InRange(51) {
		t.Error("InRange(51) = true, want false")
	}
}
