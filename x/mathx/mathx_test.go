package mathx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClamp(t *testing.T) {
	assert.Equal(t, 5, Clamp(10, 0, 5))
	assert.Equal(t, 0, Clamp(-1, 5, 0))
	assert.Equal(t, time.Second, Clamp(time.Second, 100*time.Millisecond, time.Minute))
	assert.True(t, Between(uint16(0x76), 0x08, 0x77))
	assert.False(t, Between(uint16(0x78), 0x77, 0x08))
}

func TestRound2(t *testing.T) {
	assert.Equal(t, 21.57, Round2(21.567))
	assert.Equal(t, -3.25, Round2(-3.2549))
	assert.Equal(t, 0.0, Round2(0.004))
}

func TestCelsiusToFahrenheit(t *testing.T) {
	assert.Equal(t, 32.0, CelsiusToFahrenheit(0))
	assert.Equal(t, 212.0, CelsiusToFahrenheit(100))
	assert.InDelta(t, 70.7, CelsiusToFahrenheit(21.5), 1e-9)
}

func TestPressureAltitude(t *testing.T) {
	assert.InDelta(t, 0, PressureAltitude(SeaLevelHPa, SeaLevelHPa), 1e-9)
	// ~110 m for a 13 hPa drop near sea level.
	assert.InDelta(t, 110.9, PressureAltitude(1000.0, SeaLevelHPa), 0.5)
	assert.Equal(t, 0.0, PressureAltitude(0, SeaLevelHPa))
}
