package mrbridge

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Pump calls the native per-frame render entry point exactly once per display
// refresh while at least one consumer holds a reference. The first reference
// registers the log bridge and starts the per-frame loop; the last one stops
// it.
type Pump struct {
	native Native
	clock  FrameClock
	logs   *LogBridge

	mu       sync.Mutex
	refCount int
	loop     *pumpLoop

	signals atomic.Uint64
	starts  atomic.Uint64
}

type pumpLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
	sub    FrameSubscription
}

// NewPump creates a pump for n driven by clock. A nil logs uses
// LogBridgeFor(n, nil).
func NewPump(n Native, clock FrameClock, logs *LogBridge) *Pump {
	if logs == nil {
		logs = processLogBridge(n)
	}
	return &Pump{native: n, clock: clock, logs: logs}
}

// AddRef takes a reference, starting the per-frame loop on 0 -> 1.
func (p *Pump) AddRef() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refCount == 0 {
		// Native log lines from the first frames should reach the host.
		p.logs.Register()
		p.loop = p.start()
	}
	p.refCount++
}

// DecRef drops a reference, stopping the loop on 1 -> 0. Calling it with no
// outstanding reference is a no-op.
func (p *Pump) DecRef() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refCount == 0 {
		return
	}
	p.refCount--
	if p.refCount == 0 {
		p.stop()
	}
}

// RefCount returns the number of outstanding references.
func (p *Pump) RefCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refCount
}

// Active reports whether the per-frame loop is running.
func (p *Pump) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loop != nil
}

// Signals returns how many times the render entry point was signaled.
func (p *Pump) Signals() uint64 { return p.signals.Load() }

// Starts returns how many times the per-frame loop was started.
func (p *Pump) Starts() uint64 { return p.starts.Load() }

// start must be called with p.mu held. The clock subscription is taken
// synchronously so no refresh after AddRef returns is missed.
func (p *Pump) start() *pumpLoop {
	method := p.native.VideoUpdateMethod()
	ctx, cancel := context.WithCancel(context.Background())
	l := &pumpLoop{
		cancel: cancel,
		done:   make(chan struct{}),
		sub:    p.clock.Subscribe(),
	}
	p.starts.Add(1)
	go p.run(ctx, l, method)
	Logger().Debug("frame pump started", zap.Uintptr("method", method))
	return l
}

// stop must be called with p.mu held. It returns once the loop can no longer
// signal the native side.
func (p *Pump) stop() {
	l := p.loop
	p.loop = nil
	l.cancel()
	<-l.done
	l.sub.Close()
	Logger().Debug("frame pump stopped", zap.Uint64("signals", p.signals.Load()))
}

func (p *Pump) run(ctx context.Context, l *pumpLoop, method uintptr) {
	// Render entry points expect a stable render thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(l.done)

	frames := l.sub.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			if ctx.Err() != nil {
				f.Done()
				return
			}
			p.native.IssuePluginEvent(method, 0)
			p.signals.Add(1)
			f.Done()
		}
	}
}

var (
	processPumpMu sync.Mutex
	processPump   *Pump
)

// DefaultPump returns the process-wide pump, created on first use with the
// default Native and a ticker clock at the configured refresh rate.
func DefaultPump() (*Pump, error) {
	processPumpMu.Lock()
	defer processPumpMu.Unlock()
	if processPump != nil {
		return processPump, nil
	}
	n, err := DefaultNative()
	if err != nil {
		return nil, err
	}
	processPump = NewPump(n, NewTickerClock(CurrentConfig().RefreshRate), nil)
	return processPump, nil
}

// AddRef takes a reference on the process-wide pump.
func AddRef() error {
	p, err := DefaultPump()
	if err != nil {
		return err
	}
	p.AddRef()
	return nil
}

// DecRef drops a reference on the process-wide pump. It is a no-op when the
// pump was never started.
func DecRef() {
	processPumpMu.Lock()
	p := processPump
	processPumpMu.Unlock()
	if p != nil {
		p.DecRef()
	}
}
