// Package protocol decodes receiver binary framing into gnss.State.
//
// Two receiver families are supported:
//   - UBX (u-blox): sync B5 62, class/id, little-endian length, payload,
//     2-byte additive checksum. Target message is NAV-PVT.
//   - Unicore binary: fixed 28-byte header, payload, CRC-32. Target message
//     is PVTSLN.
//
// Each decoder reassembles frames from an arbitrary byte stream; the
// per-frame decode and the mapping to gnss.State are pure. A frame that
// fails its integrity check is dropped and reported; it never tears down
// the connection.
package protocol
