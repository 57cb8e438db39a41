package mathx

import "math"

// SeaLevelHPa is the standard-atmosphere reference pressure.
const SeaLevelHPa = 1013.25

// Round2 rounds to two decimal places, half away from zero.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// CelsiusToFahrenheit converts °C to °F.
func CelsiusToFahrenheit(c float64) float64 {
	return c*9/5 + 32
}

// PressureAltitude estimates altitude in metres from station pressure and
// the sea-level reference, both in hPa (international barometric formula).
func PressureAltitude(hPa, seaLevelHPa float64) float64 {
	if hPa <= 0 || seaLevelHPa <= 0 {
		return 0
	}
	return 44330 * (1 - math.Pow(hPa/seaLevelHPa, 0.1903))
}
