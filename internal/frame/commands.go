package frame

import "encoding/binary"

// Frame types
const (
	TypeRequest = 0x01 // request subtype, carries a non-empty payload
	TypeControl = 0x02 // normal control
	TypeOTA     = 0x03 // OTA control
)

// Business handshake command words
const (
	CmdHostHello = 0xFE
	CmdPeerReply = 0xFD
)

// Business codes carried in the peer's reply to the host hello
const (
	BusinessPhoto = 0x0A
	BusinessVideo = 0x03
	BusinessOTA   = 0x01
)

// Photo and video conversation command words
const (
	CmdPhotoParams = 0x31
	CmdPhotoResult = 0x32
	CmdVideoParams = 0x13
	CmdVideoResult = 0x14
)

// OTA command words
const (
	CmdOTARequest = 0x09 // peer -> host packed request
	CmdOTAReply   = 0x0A // host -> peer reply / lock commands
)

// OTA request subcommands
const (
	SubPackageQuery = 0x02 // peer asks whether the named package exists
	SubEndUpgrade   = 0x03 // peer declares the upgrade over
)

// BusinessName returns a human-readable name for a business code.
func BusinessName(code uint32) string {
	switch code {
	case BusinessPhoto:
		return "photo"
	case BusinessVideo:
		return "video"
	case BusinessOTA:
		return "ota"
	default:
		return "unknown"
	}
}

// OTARequestSize is the packed wire size of an OTARequest within a frame
// payload.
const OTARequestSize = 44

// OTARequest is the packed request the peer's application firmware sends
// during OTA negotiation.
type OTARequest struct {
	Cmd    uint32
	SubCmd uint32
	Size   uint32
	Name   [32]byte
}

// ParseOTARequest decodes an OTARequest from the start of a frame payload.
// Fields beyond the command word are positional and not validated.
func ParseOTARequest(payload []byte) OTARequest {
	var r OTARequest
	r.Cmd = binary.LittleEndian.Uint32(payload[0:4])
	r.SubCmd = binary.LittleEndian.Uint32(payload[4:8])
	r.Size = binary.LittleEndian.Uint32(payload[8:12])
	copy(r.Name[:], payload[12:OTARequestSize])
	return r
}

// PackageName returns the request's file name with zero padding stripped.
func (r OTARequest) PackageName() string {
	for i, b := range r.Name {
		if b == 0 {
			return string(r.Name[:i])
		}
	}
	return string(r.Name[:])
}
