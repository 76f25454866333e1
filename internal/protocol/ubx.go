package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"rtkhub/internal/gnss"
)

const (
	ubxSync1 = 0xB5
	ubxSync2 = 0x62

	// Header is sync(2) + class(1) + id(1) + length(2).
	ubxHeaderLen = 6
	// Smallest possible frame: header + empty payload + checksum.
	ubxMinFrame = ubxHeaderLen + 2

	ubxClassNav = 0x01
	ubxIDNavPVT = 0x07

	// NAV-PVT payload is fixed-size.
	ubxNavPVTLen = 92

	// MaxFrameBytes bounds a single frame so a corrupted length field
	// cannot make the scanner wait forever for data that never comes.
	ubxMaxPayload = 2048
)

var ubxSync = []byte{ubxSync1, ubxSync2}

// UBXDecoder extracts UBX frames from a byte stream and decodes NAV-PVT.
type UBXDecoder struct {
	buf []byte
}

func NewUBX() *UBXDecoder {
	return &UBXDecoder{}
}

func (d *UBXDecoder) Model() string { return "u-blox" }

func (d *UBXDecoder) Feed(p []byte) ([]gnss.State, []error) {
	d.buf = append(d.buf, p...)

	var states []gnss.State
	var errs []error

	for {
		// Resync: discard garbage before the sync marker.
		i := bytes.Index(d.buf, ubxSync)
		if i < 0 {
			// Keep a trailing 0xB5 in case its partner arrives next read.
			if n := len(d.buf); n > 0 && d.buf[n-1] == ubxSync1 {
				d.buf = d.buf[n-1:]
			} else {
				d.buf = nil
			}
			return states, errs
		}
		if i > 0 {
			d.buf = d.buf[i:]
		}
		if len(d.buf) < ubxHeaderLen {
			return states, errs
		}

		payloadLen := int(binary.LittleEndian.Uint16(d.buf[4:6]))
		if payloadLen > ubxMaxPayload {
			errs = append(errs, fmt.Errorf("%w: ubx length %d exceeds limit", gnss.ErrProtocol, payloadLen))
			d.buf = d.buf[2:]
			continue
		}
		total := ubxHeaderLen + payloadLen + 2
		if len(d.buf) < total {
			return states, errs
		}

		frame := d.buf[:total]
		d.buf = d.buf[total:]

		st, ok, err := decodeUBXFrame(frame)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			states = append(states, st)
		}
	}
}

// decodeUBXFrame validates one complete frame. ok is false for valid
// frames of message types other than NAV-PVT.
func decodeUBXFrame(frame []byte) (gnss.State, bool, error) {
	ckA, ckB := ubxChecksum(frame[2 : len(frame)-2])
	if frame[len(frame)-2] != ckA || frame[len(frame)-1] != ckB {
		return gnss.State{}, false, fmt.Errorf("%w: ubx checksum mismatch", gnss.ErrProtocol)
	}
	if frame[2] != ubxClassNav || frame[3] != ubxIDNavPVT {
		return gnss.State{}, false, nil
	}
	st, err := decodeNavPVT(frame[ubxHeaderLen : len(frame)-2])
	if err != nil {
		return gnss.State{}, false, err
	}
	return st, true, nil
}

// ubxChecksum is the UBX 8-bit Fletcher checksum over class/id/length/payload.
func ubxChecksum(body []byte) (byte, byte) {
	var ckA, ckB byte
	for _, b := range body {
		ckA += b
		ckB += ckA
	}
	return ckA, ckB
}

// decodeNavPVT maps a NAV-PVT payload to a State.
//
// Field offsets follow the u-blox interface description: date/time at 4,
// fixType at 20, flags at 21 (carrSoln in bits 7..6), numSV at 23, lon/lat
// as 1e-7 degrees at 24/28, height in mm at 32, hAcc in mm at 40, pDOP in
// 0.01 units at 76.
func decodeNavPVT(payload []byte) (gnss.State, error) {
	if len(payload) < ubxNavPVTLen {
		return gnss.State{}, fmt.Errorf("%w: nav-pvt payload %d bytes, want %d", gnss.ErrProtocol, len(payload), ubxNavPVTLen)
	}

	year := int(binary.LittleEndian.Uint16(payload[4:6]))
	month := time.Month(payload[6])
	day := int(payload[7])
	hour := int(payload[8])
	min := int(payload[9])
	sec := int(payload[10])
	nano := int(int32(binary.LittleEndian.Uint32(payload[16:20])))

	fixQuality := payload[20]
	carrSoln := (payload[21] >> 6) & 0x03
	numSV := int(payload[23])

	lonDeg := float64(int32(binary.LittleEndian.Uint32(payload[24:28]))) * 1e-7
	latDeg := float64(int32(binary.LittleEndian.Uint32(payload[28:32]))) * 1e-7
	heightM := float64(int32(binary.LittleEndian.Uint32(payload[32:36]))) * 1e-3
	hAccM := float64(binary.LittleEndian.Uint32(payload[40:44])) * 1e-3
	pDOP := float64(binary.LittleEndian.Uint16(payload[76:78])) * 0.01

	if err := gnss.ValidateCoords(latDeg, lonDeg); err != nil {
		return gnss.State{}, err
	}

	return gnss.State{
		Time:    time.Date(year, month, day, hour, min, sec, nano, time.UTC),
		FixType: ubxFixType(carrSoln, fixQuality),
		LatDeg:  latDeg,
		LonDeg:  lonDeg,
		AltM:    heightM,
		HAccM:   hAccM,
		Sats:    map[string]int{"GPS": numSV},
		PDOP:    pDOP,
		Meta:    map[string]string{"model": "u-blox"},
	}, nil
}

// ubxFixType derives the fix type. The carrier-solution field wins over
// the basic fix-quality byte: a fixed or float RTK solution is reported
// even when fixQuality only claims a plain 3D fix.
func ubxFixType(carrSoln, fixQuality byte) gnss.FixType {
	switch carrSoln {
	case 2:
		return gnss.Fix
	case 1:
		return gnss.Float
	}
	switch fixQuality {
	case 2, 3, 4: // 2D, 3D, GNSS+dead-reckoning
		return gnss.DGPS
	}
	return gnss.NoFix
}
