package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"rtkhub/internal/gnss"
)

const (
	// Unicore binary header: AA 44 12 followed by the header length 0x1C.
	unicoreHeaderLen = 28
	unicoreCRCLen    = 4

	unicoreMsgPVTSLN = 1021

	// PVTSLN payload is fixed-size.
	unicorePVTSLNLen = 64

	unicoreMaxPayload = 4096
)

var unicoreSync = []byte{0xAA, 0x44, 0x12, 0x1C}

// gpsEpoch is 1980-01-06T00:00:00Z. Unicore timestamps are GPS week plus
// milliseconds into the week; leap seconds are not applied here.
var gpsEpoch = time.Date(1980, time.January, 6, 0, 0, 0, 0, time.UTC)

// Position types reported in the PVTSLN solution-status field.
const (
	unicorePosNone          = 0
	unicorePosFixed         = 1
	unicorePosSingle        = 16
	unicorePosPSRDiff       = 17
	unicorePosSBAS          = 18
	unicorePosL1Float       = 32
	unicorePosIonoFreeFloat = 33
	unicorePosNarrowFloat   = 34
	unicorePosL1Int         = 48
	unicorePosWideInt       = 49
	unicorePosNarrowInt     = 50
)

// unicoreFixTable maps position type to fix type: integer-ambiguity
// solutions rank Fix, float-ambiguity Float, single/differential DGPS,
// everything else NoFix.
var unicoreFixTable = map[uint32]gnss.FixType{
	unicorePosL1Int:         gnss.Fix,
	unicorePosWideInt:       gnss.Fix,
	unicorePosNarrowInt:     gnss.Fix,
	unicorePosL1Float:       gnss.Float,
	unicorePosIonoFreeFloat: gnss.Float,
	unicorePosNarrowFloat:   gnss.Float,
	unicorePosSingle:        gnss.DGPS,
	unicorePosPSRDiff:       gnss.DGPS,
	unicorePosSBAS:          gnss.DGPS,
}

// UnicoreDecoder extracts Unicore binary frames and decodes PVTSLN.
type UnicoreDecoder struct {
	buf []byte
}

func NewUnicore() *UnicoreDecoder {
	return &UnicoreDecoder{}
}

func (d *UnicoreDecoder) Model() string { return "unicore" }

func (d *UnicoreDecoder) Feed(p []byte) ([]gnss.State, []error) {
	d.buf = append(d.buf, p...)

	var states []gnss.State
	var errs []error

	for {
		i := bytes.Index(d.buf, unicoreSync)
		if i < 0 {
			// Keep up to 3 trailing bytes of a possible split sync marker.
			if n := len(d.buf); n > 3 {
				d.buf = d.buf[n-3:]
			}
			return states, errs
		}
		if i > 0 {
			d.buf = d.buf[i:]
		}
		if len(d.buf) < unicoreHeaderLen {
			return states, errs
		}

		payloadLen := int(binary.LittleEndian.Uint16(d.buf[8:10]))
		if payloadLen > unicoreMaxPayload {
			errs = append(errs, fmt.Errorf("%w: unicore length %d exceeds limit", gnss.ErrProtocol, payloadLen))
			d.buf = d.buf[len(unicoreSync):]
			continue
		}
		total := unicoreHeaderLen + payloadLen + unicoreCRCLen
		if len(d.buf) < total {
			return states, errs
		}

		frame := d.buf[:total]
		d.buf = d.buf[total:]

		st, ok, err := decodeUnicoreFrame(frame)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			states = append(states, st)
		}
	}
}

func decodeUnicoreFrame(frame []byte) (gnss.State, bool, error) {
	body := frame[:len(frame)-unicoreCRCLen]
	want := binary.LittleEndian.Uint32(frame[len(frame)-unicoreCRCLen:])
	if got := crc32Unicore(body); got != want {
		return gnss.State{}, false, fmt.Errorf("%w: unicore crc mismatch", gnss.ErrProtocol)
	}

	msgID := binary.LittleEndian.Uint16(frame[4:6])
	if msgID != unicoreMsgPVTSLN {
		return gnss.State{}, false, nil
	}

	week := binary.LittleEndian.Uint16(frame[14:16])
	ms := binary.LittleEndian.Uint32(frame[16:20])

	st, err := decodePVTSLN(frame[unicoreHeaderLen:len(frame)-unicoreCRCLen], week, ms)
	if err != nil {
		return gnss.State{}, false, err
	}
	return st, true, nil
}

// decodePVTSLN maps a PVTSLN payload to a State. Coordinates arrive in
// final units (degrees/meters); the horizontal accuracy is the larger of
// the two axis standard deviations, the conservative choice.
func decodePVTSLN(payload []byte, week uint16, ms uint32) (gnss.State, error) {
	if len(payload) < unicorePVTSLNLen {
		return gnss.State{}, fmt.Errorf("%w: pvtsln payload %d bytes, want %d", gnss.ErrProtocol, len(payload), unicorePVTSLNLen)
	}

	posType := binary.LittleEndian.Uint32(payload[0:4])
	latDeg := math.Float64frombits(binary.LittleEndian.Uint64(payload[4:12]))
	lonDeg := math.Float64frombits(binary.LittleEndian.Uint64(payload[12:20]))
	hgtM := math.Float64frombits(binary.LittleEndian.Uint64(payload[20:28]))
	latStd := float64(math.Float32frombits(binary.LittleEndian.Uint32(payload[28:32])))
	lonStd := float64(math.Float32frombits(binary.LittleEndian.Uint32(payload[32:36])))
	svsUsed := int(payload[40])
	pdop := float64(math.Float32frombits(binary.LittleEndian.Uint32(payload[44:48])))
	hdop := float64(math.Float32frombits(binary.LittleEndian.Uint32(payload[48:52])))
	vdop := float64(math.Float32frombits(binary.LittleEndian.Uint32(payload[52:56])))
	baseline := float64(math.Float32frombits(binary.LittleEndian.Uint32(payload[60:64])))

	if err := gnss.ValidateCoords(latDeg, lonDeg); err != nil {
		return gnss.State{}, err
	}

	hAcc := latStd
	if lonStd > hAcc {
		hAcc = lonStd
	}

	return gnss.State{
		Time:      gpsEpoch.Add(time.Duration(week) * 7 * 24 * time.Hour).Add(time.Duration(ms) * time.Millisecond),
		FixType:   unicoreFixType(posType),
		LatDeg:    latDeg,
		LonDeg:    lonDeg,
		AltM:      hgtM,
		HAccM:     hAcc,
		Sats:      map[string]int{"GPS": svsUsed},
		PDOP:      pdop,
		HDOP:      hdop,
		VDOP:      vdop,
		BaselineM: baseline,
		Meta:      map[string]string{"model": "unicore"},
	}, nil
}

func unicoreFixType(posType uint32) gnss.FixType {
	if ft, ok := unicoreFixTable[posType]; ok {
		return ft
	}
	return gnss.NoFix
}
