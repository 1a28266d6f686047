// Package checksum implements the CRC-32 used for package and block
// integrity: polynomial 0xEDB88320 (reflected), initial register
// 0xFFFFFFFF, final XOR 0xFFFFFFFF.
package checksum

// Poly is the reflected CRC-32 polynomial.
const Poly = 0xEDB88320

var table [256]uint32

func init() {
	for i := 0; i < 256; i++ {
		crc := uint32(i)
		for j := 0; j < 8; j++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ Poly
			} else {
				crc >>= 1
			}
		}
		table[i] = crc
	}
}

// CRC32 computes the checksum of data, byte at a time.
func CRC32(data []byte) uint32 {
	return Update(0xFFFFFFFF, data) ^ 0xFFFFFFFF
}

// Update feeds data into a running register. The register must start at
// 0xFFFFFFFF and the caller applies the final XOR; CRC32 does both.
func Update(crc uint32, data []byte) uint32 {
	for _, b := range data {
		crc = (crc >> 8) ^ table[(crc^uint32(b))&0xFF]
	}
	return crc
}
