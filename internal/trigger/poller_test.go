package trigger

import (
	"sync"
	"testing"
	"time"
)

type fakeLines struct {
	mu      sync.Mutex
	request bool
	boot    bool
}

func (f *fakeLines) set(request, boot bool) {
	f.mu.Lock()
	f.request = request
	f.boot = boot
	f.mu.Unlock()
}

func (f *fakeLines) RequestLine() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.request, nil
}

func (f *fakeLines) BootLevel() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.boot, nil
}

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event within deadline")
		return Event{}
	}
}

func TestPoller_RisingEdgeCarriesLevel(t *testing.T) {
	lines := &fakeLines{}
	p := NewPoller(lines, time.Millisecond)
	defer p.Stop()

	lines.set(true, true)
	ev := waitEvent(t, p.Events())
	if ev.Kind != RisingEdge {
		t.Fatalf("event kind = %v, want RisingEdge", ev.Kind)
	}
	if !ev.Level {
		t.Error("level = false, want true")
	}
}

func TestPoller_NoEventWhileLineHeld(t *testing.T) {
	lines := &fakeLines{}
	p := NewPoller(lines, time.Millisecond)
	defer p.Stop()

	lines.set(true, false)
	waitEvent(t, p.Events())

	// The line stays high: no second edge.
	select {
	case ev := <-p.Events():
		t.Fatalf("unexpected event %+v while line held", ev)
	case <-time.After(20 * time.Millisecond):
	}

	// Drop and raise again: a fresh edge.
	lines.set(false, false)
	time.Sleep(5 * time.Millisecond)
	lines.set(true, false)
	ev := waitEvent(t, p.Events())
	if ev.Kind != RisingEdge || ev.Level {
		t.Errorf("event = %+v, want low-level RisingEdge", ev)
	}
}

func TestPoller_StopPostsStopAndCloses(t *testing.T) {
	lines := &fakeLines{}
	p := NewPoller(lines, time.Millisecond)

	p.Stop()
	ev := waitEvent(t, p.Events())
	if ev.Kind != Stop {
		t.Fatalf("event kind = %v, want Stop", ev.Kind)
	}

	select {
	case _, ok := <-p.Events():
		if ok {
			t.Error("expected closed channel after Stop")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after Stop")
	}
}
