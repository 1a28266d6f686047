package checksum

import (
	"hash/crc32"
	"testing"
)

func TestCRC32_Empty(t *testing.T) {
	if got := CRC32(nil); got != 0 {
		t.Errorf("CRC32(nil) = 0x%08X, want 0", got)
	}
}

func TestCRC32_KnownValue(t *testing.T) {
	// "123456789" is the standard CRC-32/ISO-HDLC check input.
	if got := CRC32([]byte("123456789")); got != 0xCBF43926 {
		t.Errorf("CRC32(check string) = 0x%08X, want 0xCBF43926", got)
	}
}

func TestCRC32_MatchesReference(t *testing.T) {
	// hash/crc32 IEEE is the same polynomial and parameter set.
	inputs := [][]byte{
		{0x00},
		{0xFF, 0xFF, 0xFF, 0xFF},
		[]byte("the quick brown fox"),
		make([]byte, 1024),
	}
	for i := range inputs[3] {
		inputs[3][i] = byte(i % 251)
	}

	for _, in := range inputs {
		want := crc32.ChecksumIEEE(in)
		if got := CRC32(in); got != want {
			t.Errorf("CRC32(%d bytes) = 0x%08X, want 0x%08X", len(in), got, want)
		}
	}
}

func TestUpdate_Incremental(t *testing.T) {
	data := []byte("abcdefgh")
	crc := uint32(0xFFFFFFFF)
	crc = Update(crc, data[:3])
	crc = Update(crc, data[3:])
	if got := crc ^ 0xFFFFFFFF; got != CRC32(data) {
		t.Errorf("incremental CRC = 0x%08X, want 0x%08X", got, CRC32(data))
	}
}
