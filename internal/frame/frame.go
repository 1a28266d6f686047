// Package frame implements the 64-byte control frame used on the SPI link.
package frame

import (
	"encoding/binary"
	"fmt"
)

// Wire sizes.
const (
	Size        = 64 // control frame, on the wire
	PayloadSize = 48 // 12 little-endian 32-bit words
	headerSize  = 12 // bytes before the payload
	fcsOffset   = Size - 4
)

// Version is the only protocol version in use.
const Version = 0x01

// ErrPayloadTooLong is returned by Build when the payload exceeds 48 bytes.
// It indicates a programming error in the caller.
var ErrPayloadTooLong = fmt.Errorf("frame: payload exceeds %d bytes", PayloadSize)

// Frame represents a control frame.
//
// The FCS is a 32-bit unsigned byte sum over the 60 header+payload bytes.
// It is a framing sanity check only; CRC32 is used where real integrity is
// required.
type Frame struct {
	Version   byte
	Type      byte
	RetryQuit byte
	Reserved  byte
	Sequence  uint32
	Length    uint32
	Payload   [PayloadSize]byte
	FCS       uint32
}

// Build creates a frame of the given type carrying payload, with the FCS
// computed last. Unused payload bytes are zero.
func Build(frameType byte, payload []byte, sequence uint32) (*Frame, error) {
	if len(payload) > PayloadSize {
		return nil, ErrPayloadTooLong
	}

	f := &Frame{
		Version:  Version,
		Type:     frameType,
		Sequence: sequence,
		Length:   uint32(len(payload)),
	}
	copy(f.Payload[:], payload)
	f.FCS = f.computeFCS()
	return f, nil
}

// Encode serialises the frame to its 64-byte wire form, little-endian.
func (f *Frame) Encode() []byte {
	buf := make([]byte, Size)
	buf[0] = f.Version
	buf[1] = f.Type
	buf[2] = f.RetryQuit
	buf[3] = f.Reserved
	binary.LittleEndian.PutUint32(buf[4:8], f.Sequence)
	binary.LittleEndian.PutUint32(buf[8:12], f.Length)
	copy(buf[headerSize:fcsOffset], f.Payload[:])
	binary.LittleEndian.PutUint32(buf[fcsOffset:], f.FCS)
	return buf
}

// Parse decodes a 64-byte buffer into a Frame. It performs no validation
// beyond the length check; use Validate on the result.
func Parse(data []byte) (*Frame, error) {
	if len(data) != Size {
		return nil, fmt.Errorf("frame: expected %d bytes, got %d", Size, len(data))
	}

	f := &Frame{
		Version:   data[0],
		Type:      data[1],
		RetryQuit: data[2],
		Reserved:  data[3],
		Sequence:  binary.LittleEndian.Uint32(data[4:8]),
		Length:    binary.LittleEndian.Uint32(data[8:12]),
		FCS:       binary.LittleEndian.Uint32(data[fcsOffset:]),
	}
	copy(f.Payload[:], data[headerSize:fcsOffset])
	return f, nil
}

// computeFCS sums the 60 header+payload bytes as unsigned 32-bit.
func (f *Frame) computeFCS() uint32 {
	var sum uint32
	sum += uint32(f.Version) + uint32(f.Type) + uint32(f.RetryQuit) + uint32(f.Reserved)
	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], f.Sequence)
	for _, b := range word {
		sum += uint32(b)
	}
	binary.LittleEndian.PutUint32(word[:], f.Length)
	for _, b := range word {
		sum += uint32(b)
	}
	for _, b := range f.Payload {
		sum += uint32(b)
	}
	return sum
}

// WellFormed reports whether the frame passes the framing sanity checks:
// known version, length within the payload, FCS matching.
func (f *Frame) WellFormed() bool {
	return f.Version == Version && f.Length <= PayloadSize && f.FCS == f.computeFCS()
}

// Validate reports whether the frame is acceptable at a protocol step
// expecting the given command word and minimum payload length. Only the
// first payload word is checked against the command; further fields of
// packed requests are decoded positionally by the caller.
func (f *Frame) Validate(expectedCmd uint32, minLength uint32) bool {
	if !f.WellFormed() {
		return false
	}
	if f.Length < minLength {
		return false
	}
	if f.Length > 0 && f.Word(0) != expectedCmd {
		return false
	}
	return true
}

// Word returns payload word i as a little-endian 32-bit value.
func (f *Frame) Word(i int) uint32 {
	return binary.LittleEndian.Uint32(f.Payload[i*4 : i*4+4])
}

// Words packs 32-bit values into a little-endian payload buffer.
func Words(vals ...uint32) []byte {
	buf := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	return buf
}
