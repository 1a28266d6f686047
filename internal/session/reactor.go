package session

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/otalink/internal/frame"
	"github.com/bigbag/otalink/internal/link"
	"github.com/bigbag/otalink/internal/pkgfile"
)

// The state-machine transfer variant. The wire protocol is identical to
// the blocking variant; the difference is control flow: a pure step
// function consumes {Timeout, TxComplete, RxComplete} events and yields
// effects, so the host thread never blocks waiting for the peer.

type reactorState int

const (
	rsIdle reactorState = iota
	rsUpgradeLockSent
	rsEmptyResponseWait
	rsPackageLockSent
	rsPackageRequestWait
	rsFileInfoSending
	rsFileDataSending
	rsComplete
)

type reactorEventKind int

const (
	evTimeout reactorEventKind = iota
	evTxComplete
	evRxComplete
)

type reactorEvent struct {
	kind reactorEventKind
	data []byte // received bytes, RxComplete only
}

type effectKind int

const (
	fxSendFrame effectKind = iota // transmit a 64-byte control frame
	fxSendBulk                    // transmit a 1028-byte block
	fxRecvFrame                   // receive 64 bytes
	fxRecvBulk                    // receive 1028 bytes
	fxStartTimer                  // arm the one-shot settling timer
	fxReopen                      // cycle the link
	fxDone                        // transfer over, result in machine.err
)

type effect struct {
	kind effectKind
	data []byte
}

// reactorMachine is the transfer state. reactorStep treats it as a value:
// the returned machine replaces the old one.
type reactorMachine struct {
	state  reactorState
	reader *pkgfile.Reader
	seq    uint32

	// ready marks a validated receive waiting out the settling timer
	// before the next transmit.
	ready bool

	fileIndex  int
	bytesSent  uint32
	fileLength uint32
	retries    int
	blocksDone int
	reopenEvery int

	// current outgoing block and its effective payload length
	block     []byte
	blockData []byte
	effective int

	// advanced flags a block acknowledged since the last driver check;
	// prog* capture the position at that moment, before any file advance
	advanced bool
	progFile int
	progSent uint32
	progLen  uint32

	err error
}

// newReactor seeds the machine and returns the opening effect: the
// upgrade-lock frame.
func newReactor(reader *pkgfile.Reader, reopenEvery int) (reactorMachine, []effect) {
	m := reactorMachine{
		state:       rsUpgradeLockSent,
		reader:      reader,
		seq:         seqTransfer,
		reopenEvery: reopenEvery,
	}
	fx := m.frameEffect(upgradeLockPayload)
	return m, []effect{fx}
}

func (m *reactorMachine) frameEffect(payload []byte) effect {
	f, _ := frame.Build(frame.TypeOTA, payload, m.seq)
	m.seq++
	return effect{kind: fxSendFrame, data: f.Encode()}
}

func (m reactorMachine) fail(err error) (reactorMachine, []effect) {
	m.err = err
	m.state = rsComplete
	return m, []effect{{kind: fxDone}}
}

// reactorStep advances the machine by one event.
func reactorStep(m reactorMachine, ev reactorEvent) (reactorMachine, []effect) {
	switch m.state {
	case rsUpgradeLockSent, rsPackageLockSent:
		switch ev.kind {
		case evTxComplete:
			return m, []effect{{kind: fxStartTimer}}
		case evTimeout:
			if m.state == rsUpgradeLockSent {
				m.state = rsEmptyResponseWait
			} else {
				m.state = rsPackageRequestWait
			}
			return m, []effect{{kind: fxRecvFrame}}
		}

	case rsEmptyResponseWait:
		switch ev.kind {
		case evRxComplete:
			f, err := frame.Parse(ev.data)
			if err != nil {
				return m.fail(err)
			}
			if isAbortFrame(f) {
				return m.fail(ErrPeerAbort)
			}
			if !f.Validate(0x00, 0) {
				return m.fail(fmt.Errorf("%w: expected empty response to upgrade lock", ErrProtocolViolation))
			}
			m.ready = true
			return m, []effect{{kind: fxStartTimer}}
		case evTimeout:
			if m.ready {
				m.ready = false
				m.state = rsPackageLockSent
				fx := m.frameEffect(packageLockPayload)
				return m, []effect{fx}
			}
		}

	case rsPackageRequestWait:
		switch ev.kind {
		case evRxComplete:
			f, err := frame.Parse(ev.data)
			if err != nil {
				return m.fail(err)
			}
			if isAbortFrame(f) {
				return m.fail(ErrPeerAbort)
			}
			if !f.Validate(frame.CmdOTARequest, 0) {
				return m.fail(fmt.Errorf("%w: expected package request", ErrProtocolViolation))
			}
			m.ready = true
			return m, []effect{{kind: fxStartTimer}}
		case evTimeout:
			if m.ready {
				m.ready = false
				m.state = rsFileInfoSending
				return m, []effect{{kind: fxSendBulk, data: m.reader.HeaderBytes()}}
			}
		}

	case rsFileInfoSending:
		switch ev.kind {
		case evTxComplete:
			return m, []effect{{kind: fxStartTimer}}
		case evTimeout:
			if m.ready {
				m.ready = false
				m.state = rsFileDataSending
				return m, []effect{{kind: fxSendBulk, data: m.block}}
			}
			return m, []effect{{kind: fxRecvBulk}}
		case evRxComplete:
			if err := verifyHeaderEcho(ev.data, m.reader.Header()); err != nil {
				return m.fail(err)
			}
			if err := m.stageBlock(); err != nil {
				return m.fail(err)
			}
			m.ready = true
			return m, []effect{{kind: fxStartTimer}}
		}

	case rsFileDataSending:
		switch ev.kind {
		case evTxComplete:
			return m, []effect{{kind: fxStartTimer}}
		case evTimeout:
			if m.ready {
				m.ready = false
				return m, []effect{{kind: fxSendBulk, data: m.block}}
			}
			return m, []effect{{kind: fxRecvBulk}}
		case evRxComplete:
			return m.handleBlockEcho(ev.data)
		}
	}
	return m, nil
}

// stageBlock reads the next slice of the current file into the outgoing
// block buffer.
func (m *reactorMachine) stageBlock() error {
	hdr := m.reader.Header()
	entry := hdr.Files[m.fileIndex]
	m.fileLength = entry.Length

	data, effective, err := m.reader.ReadSlice(entry.Name, m.bytesSent)
	if err != nil {
		return err
	}
	m.blockData = data
	m.effective = effective
	m.block = buildBlock(data)
	m.retries = 0
	return nil
}

// handleBlockEcho verifies the echo and either advances, retransmits, or
// ends the transfer.
func (m reactorMachine) handleBlockEcho(echo []byte) (reactorMachine, []effect) {
	err := verifyBlockEcho(echo, m.blockData, m.effective)
	if errors.Is(err, ErrPeerAbort) {
		return m.fail(ErrPeerAbort)
	}
	if err != nil {
		m.retries++
		if m.retries > blockRetryLimit {
			return m.fail(ErrBlockRetryExhausted)
		}
		// Retransmit the same block after the settling timer.
		m.ready = true
		return m, []effect{{kind: fxStartTimer}}
	}

	m.bytesSent += uint32(m.effective)
	m.blocksDone++
	m.advanced = true
	m.progFile = m.fileIndex
	m.progSent = m.bytesSent
	m.progLen = m.fileLength

	hdr := m.reader.Header()
	if m.bytesSent >= hdr.Files[m.fileIndex].Length {
		m.fileIndex++
		m.bytesSent = 0
		if m.fileIndex >= int(hdr.FileCount) {
			m.state = rsComplete
			return m, []effect{{kind: fxDone}}
		}
	}

	if err := m.stageBlock(); err != nil {
		return m.fail(err)
	}
	m.ready = true

	var fx []effect
	if m.reopenEvery > 0 && m.blocksDone%m.reopenEvery == 0 {
		fx = append(fx, effect{kind: fxReopen})
	}
	return m, append(fx, effect{kind: fxStartTimer})
}

// runTransferReactor drives the pure machine over the real link: effects
// go out, completions come back as events.
func (s *Session) runTransferReactor() error {
	reader, err := pkgfile.Open(s.pkgPath)
	if err != nil {
		return err
	}
	defer reader.Close()

	m, queue := newReactor(reader, s.reopenEvery)

	feed := func(ev reactorEvent) {
		var fx []effect
		m, fx = reactorStep(m, ev)
		queue = append(queue, fx...)
		if m.advanced {
			m.advanced = false
			s.setTransferProgress(m.progFile, m.progSent, m.progLen)
		}
	}

	for len(queue) > 0 {
		fx := queue[0]
		queue = queue[1:]

		switch fx.kind {
		case fxSendFrame, fxSendBulk:
			if s.stopped() {
				return ErrCancelled
			}
			s.log.WithFields(logrus.Fields{"dir": "tx", "len": len(fx.data)}).Debug("reactor send")
			if err := s.link.Send(fx.data); err != nil {
				return err
			}
			feed(reactorEvent{kind: evTxComplete})
		case fxRecvFrame, fxRecvBulk:
			if s.stopped() {
				return ErrCancelled
			}
			n := link.FrameBufSize
			if fx.kind == fxRecvBulk {
				n = link.BulkBufSize
			}
			buf, err := s.link.Receive(n)
			if err != nil {
				return err
			}
			s.log.WithFields(logrus.Fields{"dir": "rx", "len": len(buf)}).Debug("reactor recv")
			feed(reactorEvent{kind: evRxComplete, data: buf})
		case fxStartTimer:
			if err := s.settleWait(); err != nil {
				return err
			}
			feed(reactorEvent{kind: evTimeout})
		case fxReopen:
			if err := s.link.Reopen(); err != nil {
				return err
			}
		case fxDone:
			return m.err
		}
	}
	return fmt.Errorf("%w: reactor stalled in state %d", ErrProtocolViolation, m.state)
}
