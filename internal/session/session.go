// Package session runs the host side of the SPI OTA transfer protocol: the
// business dispatcher, the OTA negotiation state machine, and the firmware
// transfer loop in its blocking and state-machine variants.
package session

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/otalink/internal/frame"
	"github.com/bigbag/otalink/internal/link"
	"github.com/bigbag/otalink/internal/trigger"
)

// Mode selects the transfer implementation.
type Mode int

const (
	// ModeBlocking runs the transfer as a straight-line routine with
	// explicit settling sleeps.
	ModeBlocking Mode = iota
	// ModeStateMachine runs the transfer as an event-driven reactor; the
	// host thread never blocks waiting for the peer.
	ModeStateMachine
)

// Sequence number seeds, one per state machine. They are never validated
// on receive and exist to make interleaved logs readable.
const (
	seqBusiness    = 2000
	seqNegotiation = 3000
	seqTransfer    = 4100
)

// Phase is the coarse position of the session loop.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseNegotiation
	PhaseTransfer
	PhaseTerminated
)

// Status is a snapshot of the session state. FileIndex, BytesSent and
// FileLength are meaningful during PhaseTransfer; Result carries the
// outcome of the most recently terminated session.
type Status struct {
	Phase      Phase
	FileIndex  int
	BytesSent  uint32
	FileLength uint32
	Result     error
}

// ProgressFunc is called after every successfully transferred block.
type ProgressFunc func(fileIndex int, bytesSent, fileLength uint32)

// Option configures a Session.
type Option func(*Session)

// WithSettleDelay overrides the pause inserted between consecutive wire
// operations. The peer is a slave and needs this time to stage its next
// response; the default is 100ms.
func WithSettleDelay(d time.Duration) Option {
	return func(s *Session) { s.settle = d }
}

// WithReopenInterval sets how many successful data blocks pass between
// link reopens during the transfer loop. Zero disables the reopen
// workaround for peers that do not need it.
func WithReopenInterval(blocks int) Option {
	return func(s *Session) { s.reopenEvery = blocks }
}

// WithLogger replaces the default logger.
func WithLogger(log *logrus.Logger) Option {
	return func(s *Session) { s.log = log.WithField("comp", "session") }
}

// WithClock replaces the wall clock.
func WithClock(c link.Clock) Option {
	return func(s *Session) { s.clock = c }
}

// Session serves trigger edges over a single SPI link. At most one session
// loop runs at a time; the link and the package file are owned exclusively
// while it does.
type Session struct {
	link    link.Link
	trig    trigger.Source
	clock   link.Clock
	pkgPath string
	log     *logrus.Entry

	settle      time.Duration
	reopenEvery int
	progress    ProgressFunc
	mode        Mode

	mu      sync.Mutex
	running bool
	status  Status
	stop    chan struct{}
	done    chan struct{}
}

// New creates a session engine over the given link and trigger source.
// pkgPath names the package file offered during the OTA path; it is opened
// on first use and closed when the OTA path ends.
func New(lnk link.Link, trig trigger.Source, pkgPath string, opts ...Option) *Session {
	s := &Session{
		link:        lnk,
		trig:        trig,
		clock:       link.NewClock(),
		pkgPath:     pkgPath,
		log:         logrus.StandardLogger().WithField("comp", "session"),
		settle:      100 * time.Millisecond,
		reopenEvery: 10,
		status:      Status{Phase: PhaseIdle},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetProgressCallback sets the transfer progress callback.
func (s *Session) SetProgressCallback(cb ProgressFunc) {
	s.progress = cb
}

// Start launches the session loop in the given mode. It returns ErrBusy if
// a loop is already running.
func (s *Session) Start(mode Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrBusy
	}
	s.running = true
	s.mode = mode
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run()
	return nil
}

// Stop cancels the session loop at its next suspension point. In-progress
// link operations complete; no partial file state is persisted.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	s.mu.Unlock()
	s.trig.Stop()
}

// Done is closed when the session loop has exited.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Status returns a snapshot of the session state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *Session) setTransferProgress(fileIndex int, sent, total uint32) {
	s.setStatus(Status{
		Phase:      PhaseTransfer,
		FileIndex:  fileIndex,
		BytesSent:  sent,
		FileLength: total,
	})
	if s.progress != nil {
		s.progress(fileIndex, sent, total)
	}
}

// run serves trigger events until a Stop arrives or the event stream
// closes. Each rising edge starts one fresh session; errors terminate that
// session only.
func (s *Session) run() {
	defer func() {
		s.mu.Lock()
		s.running = false
		close(s.done)
		s.mu.Unlock()
	}()

	for ev := range s.trig.Events() {
		switch ev.Kind {
		case trigger.Stop:
			s.log.Info("stop requested, session loop exiting")
			return
		case trigger.RisingEdge:
			var err error
			if ev.Level {
				// The peer already rebooted into OTA-boot and expects
				// the firmware stream.
				s.log.WithField("mode", s.mode).Info("edge with line high, starting transfer")
				err = s.runTransfer()
			} else {
				s.log.Info("edge with line low, starting dispatcher")
				err = s.runBusiness()
			}
			if err != nil {
				s.log.WithError(err).Error("session terminated")
			} else {
				s.log.Info("session completed")
			}
			s.setStatus(Status{Phase: PhaseTerminated, Result: err})
		}
	}
}

// stopped reports whether Stop has been requested.
func (s *Session) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// settleWait sleeps the settling delay, honouring Stop. The delay is part
// of the protocol contract: the slave needs it to stage its next response.
func (s *Session) settleWait() error {
	if s.settle <= 0 {
		if s.stopped() {
			return ErrCancelled
		}
		return nil
	}
	select {
	case <-s.stop:
		return ErrCancelled
	case <-s.clock.After(s.settle):
		return nil
	}
}

// sendFrame builds and transmits one control frame, then advances the
// sequence counter.
func (s *Session) sendFrame(frameType byte, payload []byte, seq *uint32) error {
	if s.stopped() {
		return ErrCancelled
	}
	f, err := frame.Build(frameType, payload, *seq)
	if err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{
		"dir": "tx", "seq": *seq, "type": frameType, "len": f.Length,
	}).Debug("control frame")
	*seq++
	return s.link.Send(f.Encode())
}

// recvFrame receives and parses one control frame. No validation.
func (s *Session) recvFrame() (*frame.Frame, error) {
	if s.stopped() {
		return nil, ErrCancelled
	}
	buf, err := s.link.Receive(link.FrameBufSize)
	if err != nil {
		return nil, err
	}
	f, err := frame.Parse(buf)
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"dir": "rx", "seq": f.Sequence, "type": f.Type, "len": f.Length,
	}).Debug("control frame")
	return f, nil
}
