package mrbridge

import (
	"sync"
	"time"
)

// EndOfFrame is delivered once per display refresh, after the frame's
// rendering has settled. Subscribers call Done when their per-frame work is
// finished.
type EndOfFrame struct {
	Seq  uint64
	done func()
}

// Done acknowledges the frame.
func (f EndOfFrame) Done() {
	if f.done != nil {
		f.done()
	}
}

// FrameClock delivers end-of-frame notifications from the host display loop.
type FrameClock interface {
	// Subscribe registers for notifications starting with the next refresh.
	Subscribe() FrameSubscription
}

// FrameSubscription is one registration with a FrameClock.
type FrameSubscription interface {
	Frames() <-chan EndOfFrame
	Close()
}

// TickerClock approximates a display with a fixed refresh rate.
type TickerClock struct {
	interval time.Duration
}

// NewTickerClock returns a clock refreshing hz times per second
// (60 when hz <= 0).
func NewTickerClock(hz float64) *TickerClock {
	if hz <= 0 {
		hz = 60
	}
	return &TickerClock{interval: time.Duration(float64(time.Second) / hz)}
}

// Interval returns the refresh interval.
func (c *TickerClock) Interval() time.Duration { return c.interval }

// Subscribe implements FrameClock.
func (c *TickerClock) Subscribe() FrameSubscription {
	s := &tickerSub{
		frames: make(chan EndOfFrame),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.run(c.interval)
	return s
}

type tickerSub struct {
	frames chan EndOfFrame
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (s *tickerSub) run(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
		seq++
		ack := make(chan struct{})
		var ackOnce sync.Once
		select {
		case s.frames <- EndOfFrame{Seq: seq, done: func() { ackOnce.Do(func() { close(ack) }) }}:
		case <-s.stop:
			return
		}
		// The next refresh is not delivered before the subscriber finished
		// this one; late ticks are dropped by time.Ticker.
		select {
		case <-ack:
		case <-s.stop:
			return
		}
	}
}

func (s *tickerSub) Frames() <-chan EndOfFrame { return s.frames }

func (s *tickerSub) Close() {
	s.once.Do(func() {
		close(s.stop)
		<-s.done
	})
}

// ManualClock is a FrameClock driven explicitly by the host display loop (or
// a test): every EndFrame call is one display refresh.
type ManualClock struct {
	frameMu sync.Mutex // Serializes refreshes
	seq     uint64

	mu   sync.Mutex
	subs map[*manualSub]struct{}
}

// NewManualClock creates a manual clock.
func NewManualClock() *ManualClock {
	return &ManualClock{subs: make(map[*manualSub]struct{})}
}

// Subscribe implements FrameClock.
func (c *ManualClock) Subscribe() FrameSubscription {
	s := &manualSub{
		clock:  c,
		frames: make(chan EndOfFrame, 1),
		closed: make(chan struct{}),
	}
	c.mu.Lock()
	c.subs[s] = struct{}{}
	c.mu.Unlock()
	return s
}

// EndFrame delivers one refresh to every subscriber and waits until each one
// acknowledged it or unsubscribed. It returns the number of acknowledgements.
func (c *ManualClock) EndFrame() int {
	c.frameMu.Lock()
	defer c.frameMu.Unlock()

	c.seq++
	c.mu.Lock()
	subs := make([]*manualSub, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	acked := 0
	for _, s := range subs {
		ack := make(chan struct{})
		var once sync.Once
		frame := EndOfFrame{Seq: c.seq, done: func() { once.Do(func() { close(ack) }) }}
		select {
		case s.frames <- frame:
		case <-s.closed:
			continue
		}
		select {
		case <-ack:
			acked++
		case <-s.closed:
		}
	}
	return acked
}

// Subscribers returns the number of live subscriptions.
func (c *ManualClock) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

type manualSub struct {
	clock  *ManualClock
	frames chan EndOfFrame
	closed chan struct{}
	once   sync.Once
}

func (s *manualSub) Frames() <-chan EndOfFrame { return s.frames }

func (s *manualSub) Close() {
	s.once.Do(func() {
		close(s.closed)
		s.clock.mu.Lock()
		delete(s.clock.subs, s)
		s.clock.mu.Unlock()
	})
}
