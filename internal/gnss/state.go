package gnss

import (
	"errors"
	"fmt"
	"time"
)

// Error kinds surfaced through the driver and mount status accessors.
// None of these terminate the process; callers decide whether to drop a
// frame, reconnect, or give up.
var (
	// ErrProtocol marks a single bad frame (checksum/CRC/length). The
	// connection stays up; the frame is dropped.
	ErrProtocol = errors.New("protocol error")

	// ErrTransport marks a dead or dying link (dial timeout, read failure).
	ErrTransport = errors.New("transport error")

	// ErrAuthRejected marks an NTRIP credential rejection. Fatal for the
	// mount until the configuration changes.
	ErrAuthRejected = errors.New("authentication rejected")

	// ErrResourceExhausted is returned synchronously when a registry,
	// driver-count, or memory budget would be exceeded.
	ErrResourceExhausted = errors.New("resource exhausted")
)

// FixType orders solution quality. Comparisons use the integer ordering:
// Fix > Float > DGPS > NoFix.
type FixType int

const (
	NoFix FixType = iota
	DGPS
	Float
	Fix
)

func (f FixType) String() string {
	switch f {
	case Fix:
		return "FIX"
	case Float:
		return "FLOAT"
	case DGPS:
		return "DGPS"
	default:
		return "NO_FIX"
	}
}

// State is an immutable position snapshot. Decoders build a new State for
// every valid frame; drivers replace their cached copy wholesale and never
// mutate one in place.
type State struct {
	Time    time.Time
	FixType FixType

	// WGS84 degrees. Always within [-90,90] / [-180,180]; frames that
	// scale outside the range are rejected before a State exists.
	LatDeg float64
	LonDeg float64

	// Ellipsoidal height, meters.
	AltM float64

	// 1-sigma horizontal accuracy estimate, meters.
	HAccM float64

	// Satellites used, keyed by constellation code ("GPS", "GLO", ...).
	Sats map[string]int

	PDOP float64
	HDOP float64
	VDOP float64

	// RTK baseline distance in meters; 0 when not applicable.
	BaselineM float64

	// CorrectionSource names the mount feeding this receiver, empty when
	// no corrections flow. CorrectionAgeMS derives from the most recent
	// injected correction timestamp.
	CorrectionSource string
	CorrectionAgeMS  int64

	// AntennaOffset is accepted as input and passed through unmodified.
	AntennaOffset [3]float64

	// Receiver metadata (model, firmware) as opaque key-value pairs.
	Meta map[string]string
}

// ValidateCoords rejects out-of-range coordinates. Callers must not clamp.
func ValidateCoords(latDeg, lonDeg float64) error {
	if latDeg < -90 || latDeg > 90 {
		return fmt.Errorf("%w: latitude %.7f out of range", ErrProtocol, latDeg)
	}
	if lonDeg < -180 || lonDeg > 180 {
		return fmt.Errorf("%w: longitude %.7f out of range", ErrProtocol, lonDeg)
	}
	return nil
}
