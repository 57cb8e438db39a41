package dispatch

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"meshtelem/types"

	"github.com/stretchr/testify/assert"
)

func newTestDispatcher(kinds ...types.Kind) (*Dispatcher, *bytes.Buffer, *bytes.Buffer) {
	out := &bytes.Buffer{}
	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return New(logger, out, kinds...), out, logs
}

func TestBatteryBlock(t *testing.T) {
	d, out, logs := newTestDispatcher()

	d.OnEvent(types.Event{
		Kind:    types.KindBattery,
		Payload: map[string]any{"level": 87, "voltage": 3.9},
	})

	s := out.String()
	assert.Contains(t, s, "EVENT: BATTERY")
	assert.Contains(t, s, "87")
	assert.Contains(t, s, "3.90")
	assert.Contains(t, logs.String(), "kind=BATTERY")
}

func TestUnlistedKindIsLoggedOnly(t *testing.T) {
	d, out, logs := newTestDispatcher()

	d.OnEvent(types.Event{
		Kind:       types.KindAdvertisement,
		Payload:    map[string]any{"public_key": "ab12"},
		Attributes: map[string]any{"code": 0x80},
	})

	assert.Empty(t, out.String())
	assert.Contains(t, logs.String(), "event received")
	assert.Contains(t, logs.String(), "ADVERTISEMENT")
	assert.Contains(t, logs.String(), "event attributes")
}

func TestCustomAllowList(t *testing.T) {
	d, out, _ := newTestDispatcher(types.KindAdvertisement)
	assert.True(t, d.renders(types.KindAdvertisement))
	assert.False(t, d.renders(types.KindBattery))

	d.OnEvent(types.Event{Kind: types.KindBattery, Payload: map[string]any{"level": 3700}})
	assert.Empty(t, out.String())
}

func TestFallbackDumpsPayload(t *testing.T) {
	s := RenderEvent(types.Event{
		Kind:    types.KindTelemetryResponse,
		Payload: map[string]any{"zeta": 1, "alpha": "x"},
	})
	assert.Less(t, strings.Index(s, "alpha"), strings.Index(s, "zeta"))

	s = RenderEvent(types.Event{Kind: types.KindConnected})
	assert.Contains(t, s, "(no payload)")
}

func TestMessageBlock(t *testing.T) {
	s := RenderEvent(types.Event{
		Kind: types.KindChannelMsgRecv,
		Payload: map[string]any{
			"channel_idx": 0,
			"text":        "hello mesh",
			"path_len":    2,
		},
	})
	assert.Contains(t, s, "EVENT: CHANNEL_MSG_RECV")
	assert.Contains(t, s, "hello mesh")
	assert.Contains(t, s, "Channel:")
}

func TestReadingBlock(t *testing.T) {
	d, out, _ := newTestDispatcher()
	d.ShowReading(types.SensorReading{
		TemperatureC: 21.5, TemperatureF: 70.7, HumidityPct: 45.12,
		PressureHPa: 1001.3, AltitudeM: 100.02,
	})
	s := out.String()
	assert.Contains(t, s, "BME280 SENSOR READING")
	assert.Contains(t, s, "21.50°C (70.70°F)")
	assert.Contains(t, s, "45.12%")
	assert.Contains(t, s, "1001.30 hPa")
	assert.Contains(t, s, "100.02 m")
}

func TestConcurrentWritesDoNotInterleave(t *testing.T) {
	d, out, _ := newTestDispatcher()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Print("status line")
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, strings.Count(out.String(), "status line\n"))
}
