package session

import (
	"errors"
	"testing"

	"github.com/bigbag/otalink/internal/frame"
	"github.com/bigbag/otalink/internal/pkgfile"
)

func TestNegotiation_PackageMatch(t *testing.T) {
	dir := t.TempDir()
	pkg := writeTestPackage(t, dir, "fw.pkg", 100)
	pkgSize := uint32(pkgfile.HeaderSize + 100)

	lnk := &mockLink{}
	lnk.queueFrame(t, frame.TypeRequest, otaRequestPayload(frame.SubPackageQuery, pkgSize, "fw.pkg"), 9000)
	lnk.queueFrame(t, frame.TypeControl, nil, 9001) // ack

	s := newTestSession(lnk, pkg)
	if err := s.runNegotiation(); err != nil {
		t.Fatalf("runNegotiation() error = %v", err)
	}

	// poll frame, match reply, restart command
	if len(lnk.sentFrames) != 3 {
		t.Fatalf("host sent %d frames, want 3", len(lnk.sentFrames))
	}

	reply, _ := frame.Parse(lnk.sentFrames[1])
	want := []uint32{frame.CmdOTAReply, 0x01, frame.SubPackageQuery, 0x00}
	for i, w := range want {
		if reply.Word(i) != w {
			t.Errorf("match reply word %d = 0x%X, want 0x%X", i, reply.Word(i), w)
		}
	}

	restart, _ := frame.Parse(lnk.sentFrames[2])
	wantRestart := []uint32{frame.CmdOTAReply, 0x01, 0x03, 0x01}
	for i, w := range wantRestart {
		if restart.Word(i) != w {
			t.Errorf("restart word %d = 0x%X, want 0x%X", i, restart.Word(i), w)
		}
	}
	if restart.Sequence < seqNegotiation {
		t.Errorf("restart sequence = %d, want >= %d", restart.Sequence, seqNegotiation)
	}
}

func TestNegotiation_PackageMissing(t *testing.T) {
	dir := t.TempDir()
	pkg := writeTestPackage(t, dir, "fw.pkg", 100)

	lnk := &mockLink{}
	lnk.queueFrame(t, frame.TypeRequest, otaRequestPayload(frame.SubPackageQuery, 100, "missing.bin"), 9000)

	s := newTestSession(lnk, pkg)
	if err := s.runNegotiation(); !errors.Is(err, ErrPackageMissing) {
		t.Fatalf("runNegotiation() error = %v, want ErrPackageMissing", err)
	}

	reply, _ := frame.Parse(lnk.sentFrames[len(lnk.sentFrames)-1])
	want := []uint32{frame.CmdOTAReply, 0x01, frame.SubPackageQuery, 0x01}
	for i, w := range want {
		if reply.Word(i) != w {
			t.Errorf("mismatch reply word %d = 0x%X, want 0x%X", i, reply.Word(i), w)
		}
	}
}

func TestNegotiation_PeerEndsUpgrade(t *testing.T) {
	dir := t.TempDir()
	pkg := writeTestPackage(t, dir, "fw.pkg", 100)

	lnk := &mockLink{}
	lnk.queueFrame(t, frame.TypeRequest, otaRequestPayload(frame.SubEndUpgrade, 0, ""), 9000)

	s := newTestSession(lnk, pkg)
	if err := s.runNegotiation(); !errors.Is(err, ErrPeerAbort) {
		t.Errorf("runNegotiation() error = %v, want ErrPeerAbort", err)
	}
}

func TestNegotiation_Timeout(t *testing.T) {
	dir := t.TempDir()
	pkg := writeTestPackage(t, dir, "fw.pkg", 100)

	// Nothing ever arrives: 300 cycles of poll-and-miss, then timeout.
	lnk := &mockLink{}
	s := newTestSession(lnk, pkg)

	if err := s.runNegotiation(); !errors.Is(err, ErrNegotiationTimeout) {
		t.Fatalf("runNegotiation() error = %v, want ErrNegotiationTimeout", err)
	}
	if len(lnk.sentFrames) != negotiationCycles {
		t.Errorf("host sent %d poll frames, want %d", len(lnk.sentFrames), negotiationCycles)
	}
}

func TestNegotiation_IgnoresMalformedRequest(t *testing.T) {
	dir := t.TempDir()
	pkg := writeTestPackage(t, dir, "fw.pkg", 100)
	pkgSize := uint32(pkgfile.HeaderSize + 100)

	// A short frame with the right command must not be parsed as a
	// request; the loop keeps polling until the real one arrives.
	lnk := &mockLink{}
	lnk.queueFrame(t, frame.TypeControl, frame.Words(frame.CmdOTARequest), 9000)
	lnk.queueFrame(t, frame.TypeRequest, otaRequestPayload(frame.SubPackageQuery, pkgSize, "fw.pkg"), 9001)
	lnk.queueFrame(t, frame.TypeControl, nil, 9002)

	s := newTestSession(lnk, pkg)
	if err := s.runNegotiation(); err != nil {
		t.Fatalf("runNegotiation() error = %v", err)
	}
}

func TestNegotiation_PackageOpenFailsBeforeWireActivity(t *testing.T) {
	lnk := &mockLink{}
	s := newTestSession(lnk, "/does/not/exist.pkg")

	if err := s.runNegotiation(); err == nil {
		t.Fatal("runNegotiation() accepted missing package")
	}
	if len(lnk.sentFrames) != 0 {
		t.Errorf("host sent %d frames before failing, want 0", len(lnk.sentFrames))
	}
}
