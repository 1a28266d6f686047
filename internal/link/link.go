// Package link abstracts the blocking SPI link the protocol engine drives.
package link

import "time"

// Buffer sizes used on the wire. The engine never transfers any other
// length.
const (
	FrameBufSize = 64   // control frames
	BulkBufSize  = 1028 // package header and file data blocks
)

// Link is a single logical SPI connection to the peer. All operations
// block until the full buffer has moved or the underlying transport fails.
type Link interface {
	// Send transmits exactly len(data) bytes.
	Send(data []byte) error
	// Receive reads exactly n bytes.
	Receive(n int) ([]byte, error)
	// Exchange clocks tx out while reading the same number of bytes back.
	Exchange(tx []byte) ([]byte, error)
	// Reopen closes and reopens the link with identical parameters. The
	// transfer loop requests this periodically to clear peer-side FIFO
	// drift.
	Reopen() error
	Close() error
}

// Clock provides the settling delays the peer's slave-side buffering
// requires between consecutive wire operations, and the one-shot timer the
// reactor variant runs on.
type Clock interface {
	Sleep(d time.Duration)
	After(d time.Duration) <-chan time.Time
}

type wallClock struct{}

func (wallClock) Sleep(d time.Duration)                { time.Sleep(d) }
func (wallClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// NewClock returns the wall-time Clock.
func NewClock() Clock { return wallClock{} }
