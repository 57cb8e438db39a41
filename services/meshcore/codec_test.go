package meshcore

import (
	"encoding/binary"
	"testing"

	"meshtelem/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---- frame builders shared with client_test.go ----

func le16(v uint16) []byte { b := make([]byte, 2); binary.LittleEndian.PutUint16(b, v); return b }
func le32(v uint32) []byte { b := make([]byte, 4); binary.LittleEndian.PutUint32(b, v); return b }

func padded(s string, n int) []byte {
	b := make([]byte, n)
	copy(b, s)
	return b
}

func selfInfoFrame(name string) []byte {
	b := []byte{respSelfInfo, 1, 22, 22}
	key := make([]byte, 32)
	key[0], key[1] = 0xAB, 0xCD
	b = append(b, key...)
	b = append(b, le32(uint32(51500000))...)  // lat 51.5
	lon := int32(-120000)                     // lon -0.12
	b = append(b, le32(uint32(lon))...)
	b = append(b, 0, 0, 0, 0)
	b = append(b, le32(869525)...) // 869.525 MHz
	b = append(b, le32(250000)...) // 250 kHz
	b = append(b, 11, 5)
	return append(b, name...)
}

func batteryFrame(mv uint16, used, total uint32) []byte {
	b := append([]byte{respBattery}, le16(mv)...)
	b = append(b, le32(used)...)
	return append(b, le32(total)...)
}

func deviceInfoFrame(model, ver string) []byte {
	b := []byte{respDeviceInfo, 3, 50, 8}
	b = append(b, le32(123456)...)
	b = append(b, padded("12 Mar 2025", 12)...)
	b = append(b, padded(model, 40)...)
	return append(b, padded(ver, 20)...)
}

func channelMsgFrame(idx byte, text string) []byte {
	b := []byte{respChannelMsg, idx, 2, 0}
	b = append(b, le32(1700000000)...)
	return append(b, text...)
}

func contactMsgFrame(prefix []byte, text string) []byte {
	b := append([]byte{respContactMsg}, prefix...)
	b = append(b, 1, 0)
	b = append(b, le32(1700000001)...)
	return append(b, text...)
}

// ---- tests ----

func TestFrameParserChunkedAndResync(t *testing.T) {
	p := newFrameParser(markFromRadio)
	var got [][]byte
	emit := func(f []byte) { got = append(got, f) }

	stream := []byte{0x00, 0xFF} // line noise
	stream = append(stream, encodeFrame(markFromRadio, []byte{0x0C, 0x3C, 0x0F})...)
	stream = append(stream, markFromRadio, 0xFF, 0xFF) // oversized length
	stream = append(stream, encodeFrame(markFromRadio, []byte{0x00})...)

	// feed one byte at a time
	for i := range stream {
		p.Feed(stream[i:i+1], emit)
	}
	require.Len(t, got, 2)
	assert.Equal(t, []byte{0x0C, 0x3C, 0x0F}, got[0])
	assert.Equal(t, []byte{0x00}, got[1])
	assert.Equal(t, 3, p.dropped)
}

func TestEncodeFrame(t *testing.T) {
	assert.Equal(t, []byte{'<', 2, 0, 0x16, 0x03}, encodeFrame(markToRadio, deviceQueryCmd()))
	assert.Equal(t, []byte{0x01, 0x03, ' ', ' ', ' ', ' ', ' ', ' ', 'm', 'c'}, appStartCmd("mc"))
}

func TestDecodeSelfInfo(t *testing.T) {
	ev, ok := decodeFrame(selfInfoFrame("base-station"))
	require.True(t, ok)
	assert.Equal(t, types.KindSelfInfo, ev.Kind)
	assert.Equal(t, "base-station", ev.Payload["name"])
	assert.Equal(t, 22, ev.Payload["tx_power"])
	assert.InDelta(t, 51.5, ev.Payload["adv_lat"], 1e-9)
	assert.InDelta(t, -0.12, ev.Payload["adv_lon"], 1e-9)
	assert.InDelta(t, 869.525, ev.Payload["radio_freq"], 1e-9)
	assert.Equal(t, 11, ev.Payload["radio_sf"])
	assert.Contains(t, ev.Payload["public_key"], "abcd")
	assert.Equal(t, int(respSelfInfo), ev.Attributes["code"])
}

func TestDecodeBattery(t *testing.T) {
	ev, ok := decodeFrame(batteryFrame(3912, 120, 4096))
	require.True(t, ok)
	assert.Equal(t, types.KindBattery, ev.Kind)
	assert.Equal(t, 3912, ev.Payload["level"])
	assert.Equal(t, 3.91, ev.Payload["voltage"])
	assert.Equal(t, int64(120), ev.Payload["used_kb"])
	assert.Equal(t, int64(4096), ev.Payload["total_kb"])

	// older firmware: millivolts only
	ev, ok = decodeFrame([]byte{respBattery, 0x10, 0x0E})
	require.True(t, ok)
	assert.Equal(t, 3600, ev.Payload["level"])
	assert.NotContains(t, ev.Payload, "used_kb")
}

func TestDecodeDeviceInfo(t *testing.T) {
	ev, ok := decodeFrame(deviceInfoFrame("Heltec V3", "v1.7.2"))
	require.True(t, ok)
	assert.Equal(t, "Heltec V3", ev.Payload["model"])
	assert.Equal(t, "v1.7.2", ev.Payload["ver"])
	assert.Equal(t, "12 Mar 2025", ev.Payload["fw_build"])
	assert.Equal(t, 100, ev.Payload["max_contacts"])
	assert.Equal(t, 8, ev.Payload["max_channels"])
}

func TestDecodeMessages(t *testing.T) {
	ev, ok := decodeFrame(channelMsgFrame(1, "hello mesh"))
	require.True(t, ok)
	assert.Equal(t, types.KindChannelMsgRecv, ev.Kind)
	assert.Equal(t, "hello mesh", ev.Payload["text"])
	assert.Equal(t, 1, ev.Attributes["channel_idx"])

	ev, ok = decodeFrame(contactMsgFrame([]byte{1, 2, 3, 4, 5, 6}, "ping"))
	require.True(t, ok)
	assert.Equal(t, types.KindContactMsgRecv, ev.Kind)
	assert.Equal(t, "ping", ev.Payload["text"])
	assert.Equal(t, "010203040506", ev.Attributes["pubkey_prefix"])

	v3 := []byte{respChannelMsgV3, 0xF8, 0, 0, 3, 0, 0}
	v3 = append(v3, le32(1)...)
	v3 = append(v3, "v3"...)
	ev, ok = decodeFrame(v3)
	require.True(t, ok)
	assert.Equal(t, -2.0, ev.Payload["snr"])
	assert.Equal(t, 3, ev.Payload["channel_idx"])
	assert.Equal(t, "v3", ev.Payload["text"])
}

func TestDecodeRejectsUnknownAndShort(t *testing.T) {
	_, ok := decodeFrame([]byte{respOK})
	assert.False(t, ok)
	_, ok = decodeFrame([]byte{pushMsgWaiting})
	assert.False(t, ok)
	_, ok = decodeFrame([]byte{respSelfInfo, 1, 2})
	assert.False(t, ok)
	_, ok = decodeFrame(nil)
	assert.False(t, ok)
}

func TestFieldsShortRead(t *testing.T) {
	f := &fields{b: []byte{0x01, 0x02}}
	assert.Equal(t, 0x0201, f.u16())
	assert.Equal(t, int64(0), f.u32())
	assert.True(t, f.short)
	assert.Equal(t, "", f.str(4))
}
