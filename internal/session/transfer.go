package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/otalink/internal/checksum"
	"github.com/bigbag/otalink/internal/frame"
	"github.com/bigbag/otalink/internal/link"
	"github.com/bigbag/otalink/internal/pkgfile"
)

// blockRetryLimit caps retransmissions per data block, on top of the
// initial send.
const blockRetryLimit = 3

// Lock commands opening the transfer, both type 0x03.
var (
	upgradeLockPayload = frame.Words(frame.CmdOTAReply, 0x01, 0x03, 0x01)
	packageLockPayload = frame.Words(frame.CmdOTAReply, 0x00, 0x00, 0x01)
)

// errEchoBad marks a block echo that failed CRC or comparison; it never
// leaves the retry loop.
var errEchoBad = errors.New("block echo bad")

// runTransfer streams the package to a peer that is already in OTA-boot.
func (s *Session) runTransfer() error {
	if s.mode == ModeStateMachine {
		return s.runTransferReactor()
	}
	return s.runTransferBlocking()
}

// runTransferBlocking is the straight-line transfer variant: every wire
// operation blocks and settling delays are explicit sleeps.
func (s *Session) runTransferBlocking() error {
	reader, err := pkgfile.Open(s.pkgPath)
	if err != nil {
		return err
	}
	defer reader.Close()

	seq := uint32(seqTransfer)

	// Upgrade lock, expect an empty frame back.
	if err := s.sendFrame(frame.TypeOTA, upgradeLockPayload, &seq); err != nil {
		return err
	}
	if err := s.settleWait(); err != nil {
		return err
	}
	f, err := s.recvFrame()
	if err != nil {
		return err
	}
	if isAbortFrame(f) {
		return ErrPeerAbort
	}
	if !f.Validate(0x00, 0) {
		return fmt.Errorf("%w: expected empty response to upgrade lock", ErrProtocolViolation)
	}
	if err := s.settleWait(); err != nil {
		return err
	}

	// Package lock, expect the package request back.
	if err := s.sendFrame(frame.TypeOTA, packageLockPayload, &seq); err != nil {
		return err
	}
	if err := s.settleWait(); err != nil {
		return err
	}
	f, err = s.recvFrame()
	if err != nil {
		return err
	}
	if isAbortFrame(f) {
		return ErrPeerAbort
	}
	if !f.Validate(frame.CmdOTARequest, 0) {
		return fmt.Errorf("%w: expected package request", ErrProtocolViolation)
	}
	if err := s.settleWait(); err != nil {
		return err
	}

	// Header exchange: send the verified header copy, check the echo.
	if err := s.sendBulk(reader.HeaderBytes()); err != nil {
		return err
	}
	if err := s.settleWait(); err != nil {
		return err
	}
	echo, err := s.recvBulk()
	if err != nil {
		return err
	}
	if err := verifyHeaderEcho(echo, reader.Header()); err != nil {
		return err
	}
	if err := s.settleWait(); err != nil {
		return err
	}

	// File data, block by block.
	blocksDone := 0
	hdr := reader.Header()
	for i := 0; i < int(hdr.FileCount); i++ {
		name := hdr.Files[i].Name
		length := hdr.Files[i].Length
		s.log.WithFields(logrus.Fields{
			"file": name, "bytes": length,
		}).Info("sending file")
		s.setTransferProgress(i, 0, length)

		var sent uint32
		for sent < length {
			data, effective, err := reader.ReadSlice(name, sent)
			if err != nil {
				return err
			}
			block := buildBlock(data)

			retries := 0
			for {
				if err := s.sendBulk(block); err != nil {
					return err
				}
				if err := s.settleWait(); err != nil {
					return err
				}
				echo, err := s.recvBulk()
				if err != nil {
					return err
				}
				err = verifyBlockEcho(echo, data, effective)
				if err == nil {
					break
				}
				if errors.Is(err, ErrPeerAbort) {
					return ErrPeerAbort
				}
				retries++
				s.log.WithFields(logrus.Fields{
					"file": name, "offset": sent, "attempt": retries,
				}).Warn("block echo failed, retransmitting")
				if retries > blockRetryLimit {
					return ErrBlockRetryExhausted
				}
				if err := s.settleWait(); err != nil {
					return err
				}
			}

			sent += uint32(effective)
			s.setTransferProgress(i, sent, length)
			blocksDone++
			if s.reopenEvery > 0 && blocksDone%s.reopenEvery == 0 {
				if err := s.link.Reopen(); err != nil {
					return err
				}
			}
			if err := s.settleWait(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Session) sendBulk(data []byte) error {
	if s.stopped() {
		return ErrCancelled
	}
	s.log.WithFields(logrus.Fields{"dir": "tx", "len": len(data)}).Debug("bulk block")
	return s.link.Send(data)
}

func (s *Session) recvBulk() ([]byte, error) {
	if s.stopped() {
		return nil, ErrCancelled
	}
	buf, err := s.link.Receive(link.BulkBufSize)
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"dir": "rx", "len": len(buf)}).Debug("bulk block")
	return buf, nil
}

// buildBlock appends the CRC32 of the 1024 payload bytes. Zero padding in
// short tail blocks is part of the CRC.
func buildBlock(data []byte) []byte {
	block := make([]byte, link.BulkBufSize)
	copy(block, data[:pkgfile.BlockPayload])
	binary.LittleEndian.PutUint32(block[pkgfile.BlockPayload:], checksum.CRC32(data[:pkgfile.BlockPayload]))
	return block
}

// bulkCRCOK checks a bulk buffer's trailing CRC32 against its payload.
func bulkCRCOK(buf []byte) bool {
	want := binary.LittleEndian.Uint32(buf[pkgfile.BlockPayload:])
	return checksum.CRC32(buf[:pkgfile.BlockPayload]) == want
}

// verifyHeaderEcho checks the peer's echo of the package header: trailing
// CRC and a matching file count.
func verifyHeaderEcho(echo []byte, hdr *pkgfile.Header) error {
	if !bulkCRCOK(echo) {
		return ErrHeaderEchoMismatch
	}
	if binary.LittleEndian.Uint32(echo[0:4]) != hdr.FileCount {
		return ErrHeaderEchoMismatch
	}
	return nil
}

// verifyBlockEcho checks a data block echo: trailing CRC plus byte-wise
// equality of the first effective bytes. A failed echo that carries the
// peer's end-of-session frame aborts instead of retrying.
func verifyBlockEcho(echo, sent []byte, effective int) error {
	if bulkCRCOK(echo) && bytes.Equal(echo[:effective], sent[:effective]) {
		return nil
	}
	if f, err := frame.Parse(echo[:frame.Size]); err == nil && isAbortFrame(f) {
		return ErrPeerAbort
	}
	return errEchoBad
}

// isAbortFrame reports an end-of-session command from the peer, legal at
// any point of the transfer.
func isAbortFrame(f *frame.Frame) bool {
	return f.WellFormed() && f.Length >= 16 &&
		f.Word(0) == frame.CmdOTAReply && f.Word(1) == 0x01 &&
		f.Word(2) == frame.SubEndUpgrade && f.Word(3) == 0x01
}
