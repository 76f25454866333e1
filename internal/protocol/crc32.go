package protocol

// crc32Unicore implements the CRC-32 used by Unicore/NovAtel binary
// framing: reflected polynomial 0xEDB88320 with zero initial value and no
// final inversion. This differs from hash/crc32's IEEE variant, which
// inverts at both ends.
func crc32Unicore(data []byte) uint32 {
	var crc uint32
	for _, b := range data {
		crc = crc32UnicoreTable[byte(crc)^b] ^ (crc >> 8)
	}
	return crc
}

var crc32UnicoreTable = func() [256]uint32 {
	var table [256]uint32
	for i := 0; i < 256; i++ {
		crc := uint32(i)
		for bit := 0; bit < 8; bit++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xEDB88320
			} else {
				crc >>= 1
			}
		}
		table[i] = crc
	}
	return table
}()
