// Package rtcm splits an NTRIP correction byte stream into RTCM v3 frames
// and validates each frame's CRC-24Q before it is allowed anywhere near a
// receiver.
package rtcm

import (
	"github.com/goblimey/go-crc24q/crc24q"
)

const (
	// Preamble starts every RTCM v3 frame.
	Preamble = 0xD3

	// headerLen is preamble + 6 reserved bits + 10-bit length.
	headerLen = 3
	crcLen    = 3

	// maxPayload is the largest length the 10-bit field can carry.
	maxPayload = 1023
)

// Splitter reassembles RTCM v3 frames from arbitrary stream chunks.
// Bytes that do not form a CRC-valid frame are discarded one at a time
// until the stream resynchronizes.
type Splitter struct {
	buf []byte
}

// Feed appends stream bytes and returns the complete CRC-valid frames, in
// order, plus the count of frames that matched the framing but failed
// their CRC. Each returned frame is a copy.
func (s *Splitter) Feed(p []byte) (frames [][]byte, bad int) {
	s.buf = append(s.buf, p...)

	for {
		// Resync to the next preamble.
		i := 0
		for i < len(s.buf) && s.buf[i] != Preamble {
			i++
		}
		s.buf = s.buf[i:]

		if len(s.buf) < headerLen {
			return frames, bad
		}

		length := int(s.buf[1]&0x03)<<8 | int(s.buf[2])
		total := headerLen + length + crcLen
		if len(s.buf) < total {
			return frames, bad
		}

		frame := s.buf[:total]
		if !validCRC(frame) {
			// A preamble byte inside other traffic; skip it and rescan.
			bad++
			s.buf = s.buf[1:]
			continue
		}

		out := make([]byte, total)
		copy(out, frame)
		frames = append(frames, out)
		s.buf = s.buf[total:]
	}
}

// validCRC checks the trailing CRC-24Q over header+payload.
func validCRC(frame []byte) bool {
	crc := crc24q.Hash(frame[:len(frame)-crcLen])
	return crc24q.HiByte(crc) == frame[len(frame)-3] &&
		crc24q.MiByte(crc) == frame[len(frame)-2] &&
		crc24q.LoByte(crc) == frame[len(frame)-1]
}
