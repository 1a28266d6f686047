// Package pkgfile reads and writes OTA package files.
//
// A package is a single binary file: a 1028-byte header at offset 0
// followed by the concatenated file bodies in header order. The header's
// last four bytes are the CRC32 of its first 1024 bytes.
package pkgfile

import (
	"encoding/binary"
	"fmt"

	"github.com/bigbag/otalink/internal/checksum"
)

// Header and body geometry.
const (
	HeaderSize   = 1028
	BlockPayload = 1024 // file bytes per transfer block
	MaxFiles     = 3
	NameSize     = 128
	MaxFileSize  = 10 << 20 // per-file cap
)

// Field offsets within the header.
const (
	offNames   = 4
	offTypes   = offNames + MaxFiles*NameSize // 388
	offAddrs   = offTypes + MaxFiles*4        // 400
	offLengths = offAddrs + MaxFiles*4        // 412
	offCRC     = HeaderSize - 4               // 1024
)

// FileEntry describes one firmware image inside the package.
type FileEntry struct {
	Name      string
	Type      uint32
	StartAddr uint32 // target flash address in the peer
	Length    uint32
}

// Header is the parsed package header.
type Header struct {
	FileCount uint32
	Files     [MaxFiles]FileEntry
	CRC32     uint32 // as stored in the trailing four bytes
}

// EncodeHeader serialises h to its 1028-byte wire form, computing the
// trailing CRC32 over the first 1024 bytes.
func EncodeHeader(h *Header) []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.FileCount)
	for i := 0; i < MaxFiles; i++ {
		copy(buf[offNames+i*NameSize:offNames+(i+1)*NameSize], h.Files[i].Name)
		binary.LittleEndian.PutUint32(buf[offTypes+i*4:], h.Files[i].Type)
		binary.LittleEndian.PutUint32(buf[offAddrs+i*4:], h.Files[i].StartAddr)
		binary.LittleEndian.PutUint32(buf[offLengths+i*4:], h.Files[i].Length)
	}
	h.CRC32 = checksum.CRC32(buf[:offCRC])
	binary.LittleEndian.PutUint32(buf[offCRC:], h.CRC32)
	return buf
}

// ParseHeader decodes a 1028-byte header. It performs layout decoding
// only; CRC and range checks belong to the reader.
func ParseHeader(raw []byte) (*Header, error) {
	if len(raw) != HeaderSize {
		return nil, fmt.Errorf("pkgfile: header is %d bytes, want %d", len(raw), HeaderSize)
	}

	h := &Header{
		FileCount: binary.LittleEndian.Uint32(raw[0:4]),
		CRC32:     binary.LittleEndian.Uint32(raw[offCRC:]),
	}
	for i := 0; i < MaxFiles; i++ {
		name := raw[offNames+i*NameSize : offNames+(i+1)*NameSize]
		h.Files[i] = FileEntry{
			Name:      trimZero(name),
			Type:      binary.LittleEndian.Uint32(raw[offTypes+i*4:]),
			StartAddr: binary.LittleEndian.Uint32(raw[offAddrs+i*4:]),
			Length:    binary.LittleEndian.Uint32(raw[offLengths+i*4:]),
		}
	}
	return h, nil
}

func trimZero(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
