package session

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/otalink/internal/frame"
	"github.com/bigbag/otalink/internal/pkgfile"
)

// negotiationCycles caps the wait loop: one cycle is a settling delay plus
// one receive attempt.
const negotiationCycles = 300

// restartPayload commands the peer's application to reboot into OTA-boot.
var restartPayload = frame.Words(frame.CmdOTAReply, 0x01, 0x03, 0x01)

// runNegotiation tells the peer's application firmware whether the needed
// package is available and, on a match, commands the restart into
// OTA-boot. Entered from the dispatcher after a BusinessOTA reply.
//
// The package reader opens before any wire activity so a missing or
// corrupt package surfaces immediately; it closes when the negotiation
// session ends (the peer reboots, and the transfer session opens its own).
func (s *Session) runNegotiation() error {
	reader, err := pkgfile.Open(s.pkgPath)
	if err != nil {
		return err
	}
	defer reader.Close()

	s.setStatus(Status{Phase: PhaseNegotiation})
	seq := uint32(seqNegotiation)
	empty := frame.Words(0x00, 0x00)

	for cycle := 0; cycle < negotiationCycles; cycle++ {
		if err := s.sendFrame(frame.TypeControl, empty, &seq); err != nil {
			return err
		}
		if err := s.settleWait(); err != nil {
			return err
		}

		f, err := s.recvFrame()
		if err != nil {
			if s.stopped() {
				return ErrCancelled
			}
			// No request staged this cycle; keep polling.
			continue
		}
		if !f.WellFormed() || f.Length < frame.OTARequestSize || f.Word(0) != frame.CmdOTARequest {
			continue
		}

		// The wait loop is one-shot: the first handled request ends it.
		return s.handleOTARequest(reader, frame.ParseOTARequest(f.Payload[:]), &seq)
	}
	return ErrNegotiationTimeout
}

// handleOTARequest answers a single packed request from the peer.
func (s *Session) handleOTARequest(reader *pkgfile.Reader, req frame.OTARequest, seq *uint32) error {
	switch req.SubCmd {
	case frame.SubEndUpgrade:
		return ErrPeerAbort

	case frame.SubPackageQuery:
		s.log.WithFields(logrus.Fields{
			"name": req.PackageName(), "size": req.Size,
		}).Info("peer asked for package")

		matched := reader.Matches(req.PackageName(), req.Size)
		result := uint32(0x00)
		if !matched {
			result = 0x01
		}
		reply := frame.Words(frame.CmdOTAReply, 0x01, frame.SubPackageQuery, result)
		if err := s.sendFrame(frame.TypeControl, reply, seq); err != nil {
			return err
		}
		if !matched {
			return ErrPackageMissing
		}
		if err := s.settleWait(); err != nil {
			return err
		}

		// Acknowledgement from the peer; parsed for framing only.
		ack, err := s.recvFrame()
		if err != nil {
			return err
		}
		if !ack.WellFormed() {
			return fmt.Errorf("%w: bad negotiation ack", ErrProtocolViolation)
		}
		if err := s.settleWait(); err != nil {
			return err
		}

		return s.sendFrame(frame.TypeControl, restartPayload, seq)

	default:
		return fmt.Errorf("%w: unknown OTA subcommand 0x%02X", ErrProtocolViolation, req.SubCmd)
	}
}
