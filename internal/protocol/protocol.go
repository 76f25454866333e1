package protocol

import (
	"fmt"

	"rtkhub/internal/gnss"
)

// Decoder reassembles receiver frames from a byte stream and maps each
// valid target message to a gnss.State.
//
// Feed appends raw transport bytes and returns the states decoded from any
// complete frames, in arrival order, plus one error per frame rejected for
// an integrity failure (bad checksum/CRC, impossible length, out-of-range
// coordinates). Frames for message types the decoder does not target are
// skipped silently; they are valid traffic, just not position data.
type Decoder interface {
	Feed(p []byte) ([]gnss.State, []error)

	// Model names the receiver family for State metadata.
	Model() string
}

// New returns the decoder for a protocol name from configuration.
func New(name string) (Decoder, error) {
	switch name {
	case "ubx":
		return NewUBX(), nil
	case "unicore":
		return NewUnicore(), nil
	default:
		return nil, fmt.Errorf("unknown protocol %q", name)
	}
}
