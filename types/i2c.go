package types

import "fmt"

// Classification is the probe's guess at what answered on an address.
type Classification uint8

const (
	Unknown Classification = iota
	SensorPrimary
	SensorAlternate
	DisplayLikely
)

func (c Classification) String() string {
	switch c {
	case SensorPrimary:
		return "BME280 (primary address)"
	case SensorAlternate:
		return "BME280 (alternate address)"
	case DisplayLikely:
		return "likely OLED display"
	default:
		return "unknown device"
	}
}

// IsSensor reports whether the class is one of the two sensor addresses.
func (c Classification) IsSensor() bool {
	return c == SensorPrimary || c == SensorAlternate
}

// BusDevice is a 7-bit address that acknowledged a probe.
type BusDevice struct {
	Address uint16
	Class   Classification
}

func (d BusDevice) String() string {
	return fmt.Sprintf("0x%02X %s", d.Address, d.Class)
}
