package meshcore

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"

	"meshtelem/types"
	"meshtelem/x/mathx"
	"meshtelem/x/timex"
)

// Commands the client issues.
const (
	cmdAppStart        byte = 0x01
	cmdSyncNextMessage byte = 0x0A
	cmdGetBattery      byte = 0x14
	cmdDeviceQuery     byte = 0x16
)

// Response and push codes.
const (
	respOK             byte = 0x00
	respErr            byte = 0x01
	respSelfInfo       byte = 0x05
	respContactMsg     byte = 0x07
	respChannelMsg     byte = 0x08
	respNoMoreMessages byte = 0x0A
	respBattery        byte = 0x0C
	respDeviceInfo     byte = 0x0D
	respContactMsgV3   byte = 0x10
	respChannelMsgV3   byte = 0x11

	pushAdvert         byte = 0x80
	pushMsgWaiting     byte = 0x83
	pushStatusResponse byte = 0x87
	pushTraceData      byte = 0x89
	pushNewAdvert      byte = 0x8A
	pushTelemetry      byte = 0x8B
)

const protocolVersion byte = 0x03

func appStartCmd(name string) []byte {
	b := []byte{cmdAppStart, protocolVersion}
	b = append(b, "      "...)
	return append(b, name...)
}

func deviceQueryCmd() []byte { return []byte{cmdDeviceQuery, protocolVersion} }
func batteryCmd() []byte     { return []byte{cmdGetBattery} }
func syncNextCmd() []byte    { return []byte{cmdSyncNextMessage} }

// fields is a bounds-checked little-endian cursor. Reads past the end
// return zero values and set short.
type fields struct {
	b     []byte
	off   int
	short bool
}

func (f *fields) take(n int) []byte {
	if n < 0 || f.off+n > len(f.b) {
		f.short = true
		f.off = len(f.b)
		return nil
	}
	s := f.b[f.off : f.off+n]
	f.off += n
	return s
}

func (f *fields) left() int { return len(f.b) - f.off }

func (f *fields) u8() int {
	s := f.take(1)
	if s == nil {
		return 0
	}
	return int(s[0])
}

func (f *fields) i8() int {
	s := f.take(1)
	if s == nil {
		return 0
	}
	return int(int8(s[0]))
}

func (f *fields) u16() int {
	s := f.take(2)
	if s == nil {
		return 0
	}
	return int(binary.LittleEndian.Uint16(s))
}

func (f *fields) i16() int {
	s := f.take(2)
	if s == nil {
		return 0
	}
	return int(int16(binary.LittleEndian.Uint16(s)))
}

func (f *fields) u32() int64 {
	s := f.take(4)
	if s == nil {
		return 0
	}
	return int64(binary.LittleEndian.Uint32(s))
}

func (f *fields) i32() int64 {
	s := f.take(4)
	if s == nil {
		return 0
	}
	return int64(int32(binary.LittleEndian.Uint32(s)))
}

func (f *fields) hex(n int) string { return hex.EncodeToString(f.take(n)) }

// str reads a fixed-width NUL-padded string.
func (f *fields) str(n int) string {
	s := f.take(n)
	if i := bytes.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	return string(s)
}

func (f *fields) rest() []byte { return f.take(f.left()) }

type decoder struct {
	kind types.Kind
	fn   func(f *fields, p map[string]any)
	min  int // minimum frame length including the code byte
}

var decoders = map[byte]decoder{
	respSelfInfo:       {types.KindSelfInfo, decodeSelfInfo, 58},
	respContactMsg:     {types.KindContactMsgRecv, decodeContactMsg(false), 13},
	respContactMsgV3:   {types.KindContactMsgRecv, decodeContactMsg(true), 16},
	respChannelMsg:     {types.KindChannelMsgRecv, decodeChannelMsg(false), 8},
	respChannelMsgV3:   {types.KindChannelMsgRecv, decodeChannelMsg(true), 11},
	respBattery:        {types.KindBattery, decodeBattery, 3},
	respDeviceInfo:     {types.KindDeviceInfo, decodeDeviceInfo, 2},
	pushAdvert:         {types.KindAdvertisement, decodeAdvert, 33},
	pushNewAdvert:      {types.KindNewContact, decodeContact, 33},
	pushStatusResponse: {types.KindStatusResponse, decodeStatus, 8},
	pushTraceData:      {types.KindTraceData, decodeTrace, 12},
	pushTelemetry:      {types.KindTelemetryResponse, decodeTelemetry, 8},
}

// decodeFrame turns a radio payload into an event. ok is false for codes
// outside the subscribed set and for truncated frames.
func decodeFrame(frame []byte) (ev types.Event, ok bool) {
	if len(frame) == 0 {
		return ev, false
	}
	d, found := decoders[frame[0]]
	if !found || len(frame) < d.min {
		return ev, false
	}
	f := &fields{b: frame, off: 1}
	p := make(map[string]any)
	d.fn(f, p)

	attrs := map[string]any{
		"code":        int(frame[0]),
		"received_ms": timex.NowMs(),
	}
	for _, k := range []string{"pubkey_prefix", "pubkey_pre", "channel_idx", "public_key"} {
		if v, ok := p[k]; ok {
			attrs[k] = v
		}
	}
	return types.Event{Kind: d.kind, Payload: p, Attributes: attrs}, true
}

func decodeSelfInfo(f *fields, p map[string]any) {
	p["adv_type"] = f.u8()
	p["tx_power"] = f.u8()
	p["max_tx_power"] = f.u8()
	p["public_key"] = f.hex(32)
	p["adv_lat"] = float64(f.i32()) / 1e6
	p["adv_lon"] = float64(f.i32()) / 1e6
	p["multi_acks"] = f.u8()
	p["adv_loc_policy"] = f.u8()
	p["telemetry_mode"] = f.u8()
	p["manual_add_contacts"] = f.u8()
	p["radio_freq"] = float64(f.u32()) / 1000
	p["radio_bw"] = float64(f.u32()) / 1000
	p["radio_sf"] = f.u8()
	p["radio_cr"] = f.u8()
	p["name"] = string(bytes.TrimRight(f.rest(), "\x00"))
}

func decodeContactMsg(v3 bool) func(*fields, map[string]any) {
	return func(f *fields, p map[string]any) {
		if v3 {
			p["snr"] = float64(f.i8()) / 4
			f.take(2)
		}
		p["pubkey_prefix"] = f.hex(6)
		p["path_len"] = f.u8()
		txt := f.u8()
		p["txt_type"] = txt
		p["sender_timestamp"] = f.u32()
		if txt == 2 {
			p["signature"] = f.hex(4)
		}
		p["text"] = string(f.rest())
	}
}

func decodeChannelMsg(v3 bool) func(*fields, map[string]any) {
	return func(f *fields, p map[string]any) {
		if v3 {
			p["snr"] = float64(f.i8()) / 4
			f.take(2)
		}
		p["channel_idx"] = f.u8()
		p["path_len"] = f.u8()
		p["txt_type"] = f.u8()
		p["sender_timestamp"] = f.u32()
		p["text"] = string(f.rest())
	}
}

func decodeBattery(f *fields, p map[string]any) {
	mv := f.u16()
	p["level"] = mv
	p["voltage"] = mathx.Round2(float64(mv) / 1000)
	if f.left() >= 8 {
		p["used_kb"] = f.u32()
		p["total_kb"] = f.u32()
	}
}

func decodeDeviceInfo(f *fields, p map[string]any) {
	p["fw_ver"] = f.u8()
	if f.left() < 6 {
		return
	}
	p["max_contacts"] = f.u8() * 2
	p["max_channels"] = f.u8()
	p["ble_pin"] = f.u32()
	if f.left() >= 12 {
		p["fw_build"] = f.str(12)
	}
	if f.left() >= 40 {
		p["model"] = f.str(40)
	}
	if f.left() > 0 {
		p["ver"] = f.str(min(20, f.left()))
	}
}

func decodeAdvert(f *fields, p map[string]any) {
	p["public_key"] = f.hex(32)
}

func decodeContact(f *fields, p map[string]any) {
	p["public_key"] = f.hex(32)
	if f.left() < 111 {
		return
	}
	p["type"] = f.u8()
	p["flags"] = f.u8()
	pathLen := f.i8()
	p["out_path_len"] = pathLen
	path := f.take(64)
	if pathLen > 0 && pathLen <= len(path) {
		p["out_path"] = hex.EncodeToString(path[:pathLen])
	}
	p["adv_name"] = f.str(32)
	p["last_advert"] = f.u32()
	p["adv_lat"] = float64(f.i32()) / 1e6
	p["adv_lon"] = float64(f.i32()) / 1e6
	if f.left() >= 4 {
		p["lastmod"] = f.u32()
	}
}

func decodeStatus(f *fields, p map[string]any) {
	f.take(1)
	p["pubkey_pre"] = f.hex(6)
	if f.left() < 24 {
		return
	}
	p["bat"] = f.u16()
	p["tx_queue_len"] = f.u16()
	p["noise_floor"] = f.i16()
	p["last_rssi"] = f.i16()
	p["nb_recv"] = f.u32()
	p["nb_sent"] = f.u32()
	p["airtime"] = f.u32()
	p["uptime"] = f.u32()
}

func decodeTrace(f *fields, p map[string]any) {
	f.take(1)
	pathLen := f.u8()
	p["path_len"] = pathLen
	p["flags"] = f.u8()
	p["tag"] = f.u32()
	p["auth_code"] = f.u32()
	if pathLen <= f.left() {
		p["path"] = f.hex(pathLen)
	}
}

func decodeTelemetry(f *fields, p map[string]any) {
	f.take(1)
	p["pubkey_pre"] = f.hex(6)
	p["lpp"] = hex.EncodeToString(f.rest())
}
