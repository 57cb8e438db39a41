package dispatch

import (
	"fmt"
	"sort"
	"strings"

	"meshtelem/types"

	"github.com/charmbracelet/lipgloss"
)

var (
	blockStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("6")).
			Padding(0, 1)
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	sensorStyle = blockStyle.BorderForeground(lipgloss.Color("2"))
	sensorTitle = titleStyle.Foreground(lipgloss.Color("2"))
)

type field struct {
	label string
	key   string
	unit  string
}

// Per-kind fields shown on the console, in display order.
var kindFields = map[types.Kind][]field{
	types.KindBattery: {
		{"Level", "level", " mV"},
		{"Voltage", "voltage", " V"},
		{"Storage used", "used_kb", " KB"},
		{"Storage total", "total_kb", " KB"},
	},
	types.KindDeviceInfo: {
		{"Model", "model", ""},
		{"Firmware", "ver", ""},
		{"Build", "fw_build", ""},
		{"Protocol", "fw_ver", ""},
		{"Max contacts", "max_contacts", ""},
		{"Max channels", "max_channels", ""},
	},
	types.KindContactMsgRecv: {
		{"From", "pubkey_prefix", ""},
		{"Text", "text", ""},
		{"Hops", "path_len", ""},
		{"SNR", "snr", " dB"},
		{"Sent", "sender_timestamp", ""},
	},
	types.KindChannelMsgRecv: {
		{"Channel", "channel_idx", ""},
		{"Text", "text", ""},
		{"Hops", "path_len", ""},
		{"SNR", "snr", " dB"},
		{"Sent", "sender_timestamp", ""},
	},
	types.KindNewContact: {
		{"Name", "adv_name", ""},
		{"Public key", "public_key", ""},
		{"Type", "type", ""},
		{"Lat", "adv_lat", ""},
		{"Lon", "adv_lon", ""},
	},
	types.KindTelemetryResponse: {
		{"From", "pubkey_pre", ""},
		{"LPP", "lpp", ""},
	},
	types.KindConnected: {
		{"Port", "port", ""},
		{"Baud", "baud", ""},
	},
	types.KindDisconnected: {
		{"Reason", "reason", ""},
	},
	types.KindSelfInfo: {
		{"Name", "name", ""},
		{"Public key", "public_key", ""},
		{"Frequency", "radio_freq", " MHz"},
		{"TX power", "tx_power", " dBm"},
	},
	types.KindStatusResponse: {
		{"From", "pubkey_pre", ""},
		{"Battery", "bat", " mV"},
		{"Uptime", "uptime", " s"},
		{"Last RSSI", "last_rssi", " dBm"},
	},
	types.KindAdvertisement: {
		{"Public key", "public_key", ""},
	},
	types.KindTraceData: {
		{"Tag", "tag", ""},
		{"Hops", "path_len", ""},
		{"Path", "path", ""},
	},
}

// RenderEvent draws the console block for ev. Known fields are listed
// with labels; when none of them is present the payload is dumped sorted
// by key.
func RenderEvent(ev types.Event) string {
	lines := []string{titleStyle.Render("EVENT: " + ev.Kind.Name())}
	n := 0
	for _, f := range kindFields[ev.Kind] {
		v, ok := ev.Payload[f.key]
		if !ok {
			continue
		}
		lines = append(lines, labelStyle.Render(f.label+":")+" "+formatValue(v)+f.unit)
		n++
	}
	if n == 0 {
		lines = append(lines, dump(ev.Payload)...)
	}
	return blockStyle.Render(strings.Join(lines, "\n")) + "\n"
}

// RenderReading draws the sensor block.
func RenderReading(r types.SensorReading) string {
	lines := []string{
		sensorTitle.Render("BME280 SENSOR READING"),
		fmt.Sprintf("%s %.2f°C (%.2f°F)", labelStyle.Render("Temperature:"), r.TemperatureC, r.TemperatureF),
		fmt.Sprintf("%s %.2f%%", labelStyle.Render("Humidity:"), r.HumidityPct),
		fmt.Sprintf("%s %.2f hPa", labelStyle.Render("Pressure:"), r.PressureHPa),
		fmt.Sprintf("%s %.2f m", labelStyle.Render("Altitude:"), r.AltitudeM),
	}
	return sensorStyle.Render(strings.Join(lines, "\n")) + "\n"
}

func dump(payload map[string]any) []string {
	if len(payload) == 0 {
		return []string{labelStyle.Render("(no payload)")}
	}
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, labelStyle.Render(k+":")+" "+formatValue(payload[k]))
	}
	return out
}

func formatValue(v any) string {
	switch x := v.(type) {
	case float64:
		return fmt.Sprintf("%.2f", x)
	case float32:
		return fmt.Sprintf("%.2f", x)
	case []byte:
		return fmt.Sprintf("%x", x)
	default:
		return fmt.Sprint(v)
	}
}
