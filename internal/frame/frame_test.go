package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestBuild_Fields(t *testing.T) {
	payload := Words(CmdHostHello, 0x01)
	f, err := Build(TypeControl, payload, 2000)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if f.Version != Version {
		t.Errorf("Version = 0x%02X, want 0x%02X", f.Version, Version)
	}
	if f.Type != TypeControl {
		t.Errorf("Type = 0x%02X, want 0x%02X", f.Type, TypeControl)
	}
	if f.Sequence != 2000 {
		t.Errorf("Sequence = %d, want 2000", f.Sequence)
	}
	if f.Length != 8 {
		t.Errorf("Length = %d, want 8", f.Length)
	}
	if !bytes.Equal(f.Payload[:8], payload) {
		t.Errorf("Payload = %v, want %v", f.Payload[:8], payload)
	}
	for _, b := range f.Payload[8:] {
		if b != 0 {
			t.Fatal("unused payload bytes not zeroed")
		}
	}
}

func TestBuild_PayloadTooLong(t *testing.T) {
	_, err := Build(TypeControl, make([]byte, PayloadSize+1), 0)
	if !errors.Is(err, ErrPayloadTooLong) {
		t.Errorf("Build() error = %v, want ErrPayloadTooLong", err)
	}
}

func TestEncode_Layout(t *testing.T) {
	f, _ := Build(TypeOTA, Words(CmdOTAReply, 0x01, 0x03, 0x01), 4100)
	buf := f.Encode()

	if len(buf) != Size {
		t.Fatalf("Encode() length = %d, want %d", len(buf), Size)
	}
	if buf[0] != Version || buf[1] != TypeOTA {
		t.Errorf("header bytes = %02X %02X, want %02X %02X", buf[0], buf[1], Version, TypeOTA)
	}
	if seq := binary.LittleEndian.Uint32(buf[4:8]); seq != 4100 {
		t.Errorf("sequence = %d, want 4100", seq)
	}
	if l := binary.LittleEndian.Uint32(buf[8:12]); l != 16 {
		t.Errorf("length = %d, want 16", l)
	}
	if cmd := binary.LittleEndian.Uint32(buf[12:16]); cmd != CmdOTAReply {
		t.Errorf("payload word 0 = 0x%X, want 0x%X", cmd, CmdOTAReply)
	}

	// FCS is the byte sum of the preceding 60 bytes.
	var sum uint32
	for _, b := range buf[:60] {
		sum += uint32(b)
	}
	if fcs := binary.LittleEndian.Uint32(buf[60:]); fcs != sum {
		t.Errorf("FCS = 0x%X, want 0x%X", fcs, sum)
	}
}

func TestParse_RoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		payload []byte
	}{
		{"empty", nil},
		{"two words", Words(CmdPeerReply, BusinessOTA)},
		{"full payload", bytes.Repeat([]byte{0xA5}, PayloadSize)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f, err := Build(TypeControl, tc.payload, 12345)
			if err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			parsed, err := Parse(f.Encode())
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if *parsed != *f {
				t.Errorf("Parse(Encode(f)) = %+v, want %+v", parsed, f)
			}
		})
	}
}

func TestParse_WrongLength(t *testing.T) {
	if _, err := Parse(make([]byte, Size-1)); err == nil {
		t.Error("Parse() accepted short buffer")
	}
}

func TestValidate_GoodFrame(t *testing.T) {
	f, _ := Build(TypeControl, Words(CmdPeerReply, BusinessPhoto), 1)
	if !f.Validate(CmdPeerReply, 8) {
		t.Error("Validate() = false for well-formed frame")
	}
}

func TestValidate_EmptyFrame(t *testing.T) {
	// Zero-length frames skip the command word check entirely.
	f, _ := Build(TypeControl, nil, 1)
	if !f.Validate(0x00, 0) {
		t.Error("Validate() = false for empty frame")
	}
}

func TestValidate_Rejections(t *testing.T) {
	good, _ := Build(TypeControl, Words(CmdOTARequest, SubPackageQuery), 7)

	t.Run("bad version", func(t *testing.T) {
		f := *good
		f.Version = 0x02
		if f.Validate(CmdOTARequest, 0) {
			t.Error("accepted wrong version")
		}
	})
	t.Run("bad fcs", func(t *testing.T) {
		f := *good
		f.FCS++
		if f.Validate(CmdOTARequest, 0) {
			t.Error("accepted corrupt FCS")
		}
	})
	t.Run("length over payload", func(t *testing.T) {
		f := *good
		f.Length = PayloadSize + 1
		if f.Validate(CmdOTARequest, 0) {
			t.Error("accepted oversized length")
		}
	})
	t.Run("short length", func(t *testing.T) {
		if good.Validate(CmdOTARequest, OTARequestSize) {
			t.Error("accepted frame shorter than required minimum")
		}
	})
	t.Run("wrong command", func(t *testing.T) {
		if good.Validate(CmdOTAReply, 0) {
			t.Error("accepted wrong command word")
		}
	})
}

func TestParseOTARequest(t *testing.T) {
	payload := make([]byte, OTARequestSize)
	binary.LittleEndian.PutUint32(payload[0:4], CmdOTARequest)
	binary.LittleEndian.PutUint32(payload[4:8], SubPackageQuery)
	binary.LittleEndian.PutUint32(payload[8:12], 4096)
	copy(payload[12:], "fw_v2.pkg")

	r := ParseOTARequest(payload)
	if r.Cmd != CmdOTARequest || r.SubCmd != SubPackageQuery || r.Size != 4096 {
		t.Errorf("ParseOTARequest = %+v", r)
	}
	if r.PackageName() != "fw_v2.pkg" {
		t.Errorf("PackageName() = %q, want %q", r.PackageName(), "fw_v2.pkg")
	}
}
