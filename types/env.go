package types

// SensorReading is one environmental snapshot. Values are rounded to two
// decimals when produced.
type SensorReading struct {
	TemperatureC float64 `json:"temperature_c"`
	TemperatureF float64 `json:"temperature_f"`
	HumidityPct  float64 `json:"humidity"`
	PressureHPa  float64 `json:"pressure_hpa"`
	AltitudeM    float64 `json:"altitude_m"`
}
