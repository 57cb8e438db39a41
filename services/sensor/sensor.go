// Package sensor samples the BME280 environmental sensor.
package sensor

import (
	"fmt"
	"log/slog"

	"meshtelem/errcode"
	"meshtelem/types"
	"meshtelem/x/mathx"

	"tinygo.org/x/drivers"
	"tinygo.org/x/drivers/bme280"
)

// Addresses the BME280 can be strapped to, in probe order.
const (
	AddrPrimary   uint16 = 0x76
	AddrAlternate uint16 = 0x77
)

// DefaultAddrs is the initialisation order.
var DefaultAddrs = []uint16{AddrPrimary, AddrAlternate}

var (
	// ErrNoSensor is returned by Read when no sensor was initialised.
	ErrNoSensor error = &errcode.E{C: errcode.NotReady, Op: "sensor read", Msg: "no sensor initialised"}
	// ErrNotFound is returned by Open when no address answered.
	ErrNotFound error = &errcode.E{C: errcode.NotFound, Op: "sensor init", Msg: "no BME280 at 0x76 or 0x77"}
)

// Handle is the subset of *bme280.Device the reader needs. Units are the
// driver's: milli-°C, hundredths of %RH, milli-Pa.
type Handle interface {
	ReadTemperature() (int32, error)
	ReadHumidity() (int32, error)
	ReadPressure() (int32, error)
}

// Open tries each address in order and returns the first device that
// reports the BME280 chip id, configured for continuous sampling.
func Open(bus drivers.I2C, addrs []uint16, logger *slog.Logger) (*bme280.Device, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(addrs) == 0 {
		addrs = DefaultAddrs
	}
	for _, addr := range addrs {
		dev := bme280.New(bus)
		dev.Address = addr
		if !dev.Connected() {
			logger.Debug("no BME280 response", "addr", fmt.Sprintf("0x%02X", addr))
			continue
		}
		dev.Configure()
		logger.Info("BME280 initialised", "addr", fmt.Sprintf("0x%02X", addr))
		return &dev, nil
	}
	return nil, ErrNotFound
}

// Reader converts raw driver values into rounded SensorReadings.
type Reader struct {
	h        Handle
	seaLevel float64
}

// NewReader wraps h. A nil h yields a reader whose Read always fails with
// ErrNoSensor; seaLevelHPa <= 0 selects the standard 1013.25 hPa.
func NewReader(h Handle, seaLevelHPa float64) *Reader {
	if seaLevelHPa <= 0 {
		seaLevelHPa = mathx.SeaLevelHPa
	}
	return &Reader{h: h, seaLevel: seaLevelHPa}
}

// Available reports whether a sensor handle is present.
func (r *Reader) Available() bool { return r != nil && r.h != nil }

// Read queries the hardware. Any field failure discards the whole
// reading.
func (r *Reader) Read() (types.SensorReading, error) {
	if !r.Available() {
		return types.SensorReading{}, ErrNoSensor
	}
	mc, err := r.h.ReadTemperature()
	if err != nil {
		return types.SensorReading{}, fmt.Errorf("temperature: %w", err)
	}
	rh, err := r.h.ReadHumidity()
	if err != nil {
		return types.SensorReading{}, fmt.Errorf("humidity: %w", err)
	}
	mpa, err := r.h.ReadPressure()
	if err != nil {
		return types.SensorReading{}, fmt.Errorf("pressure: %w", err)
	}
	return convert(mc, rh, mpa, r.seaLevel), nil
}

func convert(milliC, rhX100, milliPa int32, seaLevel float64) types.SensorReading {
	c := float64(milliC) / 1000
	hpa := float64(milliPa) / 100000
	return types.SensorReading{
		TemperatureC: mathx.Round2(c),
		TemperatureF: mathx.Round2(mathx.CelsiusToFahrenheit(c)),
		HumidityPct:  mathx.Round2(float64(rhX100) / 100),
		PressureHPa:  mathx.Round2(hpa),
		AltitudeM:    mathx.Round2(mathx.PressureAltitude(hpa, seaLevel)),
	}
}
