package meshcore

import "encoding/binary"

// Companion-protocol frame markers: the host sends '<', the radio '>'.
// Both are followed by a little-endian uint16 length and the payload.
const (
	markToRadio   byte = '<'
	markFromRadio byte = '>'

	maxFrameLen = 300
)

func encodeFrame(mark byte, payload []byte) []byte {
	out := make([]byte, 3+len(payload))
	out[0] = mark
	binary.LittleEndian.PutUint16(out[1:3], uint16(len(payload)))
	copy(out[3:], payload)
	return out
}

type parseState uint8

const (
	huntMark parseState = iota
	lenLo
	lenHi
	body
)

// frameParser reassembles frames from an arbitrary chunked byte stream.
// Bytes before a marker are skipped; zero or oversized lengths resync.
type frameParser struct {
	mark    byte
	state   parseState
	need    int
	buf     []byte
	dropped int
}

func newFrameParser(mark byte) *frameParser {
	return &frameParser{mark: mark, buf: make([]byte, 0, maxFrameLen)}
}

// Feed consumes data and calls emit for every complete payload. The slice
// passed to emit is owned by the callee.
func (p *frameParser) Feed(data []byte, emit func([]byte)) {
	for _, b := range data {
		switch p.state {
		case huntMark:
			if b == p.mark {
				p.state = lenLo
			} else {
				p.dropped++
			}
		case lenLo:
			p.need = int(b)
			p.state = lenHi
		case lenHi:
			p.need |= int(b) << 8
			if p.need == 0 || p.need > maxFrameLen {
				p.dropped++
				p.state = huntMark
				continue
			}
			p.buf = p.buf[:0]
			p.state = body
		case body:
			p.buf = append(p.buf, b)
			if len(p.buf) == p.need {
				emit(append([]byte(nil), p.buf...))
				p.state = huntMark
			}
		}
	}
}
