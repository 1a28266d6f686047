package session

import "errors"

// Session-level errors. Local recovery exists only for block-level
// retransmission; everything else aborts the session and is delivered
// verbatim to the caller. The trigger stays armed and the next edge starts
// a fresh session.
var (
	// ErrBusy is returned by Start while a session loop is already running.
	ErrBusy = errors.New("session: already running")
	// ErrCancelled reports a Stop arriving at a suspension point.
	ErrCancelled = errors.New("session: cancelled")
	// ErrProtocolViolation covers bad version, bad FCS, or an unexpected
	// command word at a protocol step.
	ErrProtocolViolation = errors.New("session: protocol violation")
	// ErrPeerAbort reports the peer declaring the upgrade over.
	ErrPeerAbort = errors.New("session: peer ended the upgrade")
	// ErrPackageMissing reports that the peer asked for a package this
	// host does not have.
	ErrPackageMissing = errors.New("session: requested package not available")
	// ErrNegotiationTimeout reports 300 wait cycles without a valid peer
	// request.
	ErrNegotiationTimeout = errors.New("session: negotiation timed out")
	// ErrHeaderEchoMismatch reports the peer echoing a different package
	// header than the one sent.
	ErrHeaderEchoMismatch = errors.New("session: header echo mismatch")
	// ErrBlockRetryExhausted reports a data block failing CRC or echo
	// comparison on every attempt.
	ErrBlockRetryExhausted = errors.New("session: block retries exhausted")
)
