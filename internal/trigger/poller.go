package trigger

import (
	"sync"
	"time"
)

// LineReader reads the peer's status lines.
type LineReader interface {
	// RequestLine is the edge-triggered request line.
	RequestLine() (bool, error)
	// BootLevel is high while the peer runs its OTA-boot personality.
	BootLevel() (bool, error)
}

// Poller turns a sampled request line into edge events. Bridge adapters
// have no interrupt delivery, so the line is polled; the default period of
// 20ms is well inside the peer's hold time.
type Poller struct {
	lines  LineReader
	period time.Duration

	events   chan Event
	stopOnce sync.Once
	done     chan struct{}
}

// NewPoller starts polling the given lines. period <= 0 selects the
// default.
func NewPoller(lines LineReader, period time.Duration) *Poller {
	if period <= 0 {
		period = 20 * time.Millisecond
	}
	p := &Poller{
		lines:  lines,
		period: period,
		events: make(chan Event, 4),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

// Events returns the event stream. The channel is closed after Stop.
func (p *Poller) Events() <-chan Event { return p.events }

// Stop posts a Stop event and shuts the poller down.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.done) })
}

func (p *Poller) run() {
	ticker := time.NewTicker(p.period)
	defer ticker.Stop()

	last := false
	for {
		select {
		case <-p.done:
			p.events <- Event{Kind: Stop}
			close(p.events)
			return
		case <-ticker.C:
			raised, err := p.lines.RequestLine()
			if err != nil {
				continue
			}
			if raised && !last {
				level, err := p.lines.BootLevel()
				if err != nil {
					continue
				}
				select {
				case p.events <- Event{Kind: RisingEdge, Level: level}:
				default:
					// Consumer is mid-session; the line stays high, the
					// next poll after it drains will see the edge again.
				}
			}
			last = raised
		}
	}
}
