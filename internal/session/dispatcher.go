package session

import (
	"fmt"

	"github.com/bigbag/otalink/internal/frame"
)

// Canned payloads for the business prelude.
var helloPayload = frame.Words(frame.CmdHostHello, 0x01)

// runBusiness executes the handshake prelude and branches on the peer's
// declared business: photo and video run short canned exchanges, OTA hands
// off to the negotiation state machine.
func (s *Session) runBusiness() error {
	seq := uint32(seqBusiness)

	if err := s.sendFrame(frame.TypeControl, helloPayload, &seq); err != nil {
		return err
	}
	if err := s.settleWait(); err != nil {
		return err
	}

	reply, err := s.recvFrame()
	if err != nil {
		return err
	}
	if !reply.Validate(frame.CmdPeerReply, 8) {
		return fmt.Errorf("%w: bad hello reply", ErrProtocolViolation)
	}

	business := reply.Word(1)
	s.log.WithField("business", frame.BusinessName(business)).Info("peer request classified")

	switch business {
	case frame.BusinessPhoto:
		return s.runCannedExchange(&seq, business, frame.CmdPhotoParams, frame.CmdPhotoResult)
	case frame.BusinessVideo:
		return s.runCannedExchange(&seq, business, frame.CmdVideoParams, frame.CmdVideoResult)
	case frame.BusinessOTA:
		return s.runNegotiation()
	default:
		return fmt.Errorf("%w: unknown business code 0x%02X", ErrProtocolViolation, business)
	}
}

// runCannedExchange finishes the photo or video conversation: ack the
// business, take the peer's parameter block, confirm, and swallow the
// final frame.
func (s *Session) runCannedExchange(seq *uint32, business, paramsCmd, resultCmd uint32) error {
	if err := s.sendFrame(frame.TypeControl, frame.Words(frame.CmdHostHello, business), seq); err != nil {
		return err
	}
	if err := s.settleWait(); err != nil {
		return err
	}

	// Five-word parameter block; only the command word is interpreted
	// here, the parameters belong to the capture subsystem.
	params, err := s.recvFrame()
	if err != nil {
		return err
	}
	if !params.Validate(paramsCmd, 20) {
		return fmt.Errorf("%w: bad parameter block", ErrProtocolViolation)
	}

	if err := s.sendFrame(frame.TypeControl, frame.Words(resultCmd, 0x01), seq); err != nil {
		return err
	}
	if err := s.settleWait(); err != nil {
		return err
	}

	// Final confirmation: content ignored, framing still has to hold.
	final, err := s.recvFrame()
	if err != nil {
		return err
	}
	if !final.WellFormed() {
		return fmt.Errorf("%w: bad final confirmation", ErrProtocolViolation)
	}
	return nil
}
