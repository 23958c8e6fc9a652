package collector

import (
	"math"

	"github.com/shopspring/decimal"
)

// round rounds v to the given number of decimal places using round-half-away
// from zero, matching the teacher's display-rounding helpers.
func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// WindSpeedKPH converts u/v wind components in m/s to a speed in km/h,
// rounded to 0.1 (§4.2.1).
func WindSpeedKPH(u, v float64) decimal.Decimal {
	speed := math.Sqrt(u*u+v*v) * 3.6
	return decimal.NewFromFloat(round(speed, 1))
}

// WindDirectionDeg converts u/v wind components to a meteorological "from"
// direction in degrees, normalised to [0, 360) and rounded to 1 degree
// (§4.2.1).
func WindDirectionDeg(u, v float64) decimal.Decimal {
	deg := math.Atan2(-u, -v) * 180 / math.Pi
	if deg < 0 {
		deg += 360
	}
	return decimal.NewFromFloat(round(deg, 0))
}

// UVFromWind inverts WindSpeedKPH/WindDirectionDeg, used only by round-trip
// tests to assert |Δ| < 1e-3 (§8).
func UVFromWind(speedKPH, directionDeg float64) (u, v float64) {
	speedMS := speedKPH / 3.6
	rad := directionDeg * math.Pi / 180
	u = -speedMS * math.Sin(rad)
	v = -speedMS * math.Cos(rad)
	return u, v
}

// KelvinToCelsius converts a temperature in Kelvin to Celsius, rounded to
// 0.1 (§4.2.1, §4.2.2).
func KelvinToCelsius(kelvin float64) decimal.Decimal {
	return decimal.NewFromFloat(round(kelvin-273.15, 1))
}

// InRange reports whether v falls within [r.Min, r.Max] inclusive.
func (r ValidationRange) InRange(v float64) bool {
	return v >= r.Min && v <= r.Max
}
