// Package trigger delivers edge events from the peer's request line.
//
// The peer is an SPI slave: it cannot initiate a transaction, so it raises
// a dedicated line when it has a request pending. The host reads the boot
// personality level at event time: high means the peer is already in
// OTA-boot and expects the firmware transfer, low means the application
// personality wants the business dispatcher.
package trigger

// Kind discriminates trigger events.
type Kind int

const (
	// RisingEdge reports that the peer raised its request line.
	RisingEdge Kind = iota
	// Stop asks the engine to shut down.
	Stop
	// Timeout reports an internal one-shot timer expiry. Only the
	// state-machine transfer variant consumes these.
	Timeout
)

// Event is a single trigger occurrence. Level is sampled at event time for
// RisingEdge events and is meaningless otherwise.
type Event struct {
	Kind  Kind
	Level bool
}

// Source is an armed trigger line. The edge handler only posts events; all
// protocol work happens on the consumer side.
type Source interface {
	Events() <-chan Event
	Stop()
}
