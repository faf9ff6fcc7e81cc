package mrbridge

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPump() (*Pump, *fakeNative, *ManualClock) {
	n := newFakeNative()
	clock := NewManualClock()
	return NewPump(n, clock, LogBridgeFor(n, nil)), n, clock
}

func TestPump_IdleDoesNothing(t *testing.T) {
	p, n, clock := newTestPump()

	assert.Equal(t, 0, clock.EndFrame())
	assert.False(t, p.Active())
	assert.Zero(t, n.pluginHits.Load())
	assert.Zero(t, n.registrations())
}

func TestPump_OneSignalPerFrame(t *testing.T) {
	p, n, clock := newTestPump()

	p.AddRef()
	defer p.DecRef()

	for i := 0; i < 5; i++ {
		assert.Equal(t, 1, clock.EndFrame())
	}
	assert.Equal(t, uint64(5), n.pluginHits.Load())
	assert.Equal(t, uint64(5), p.Signals())
}

func TestPump_RefCounting(t *testing.T) {
	p, n, clock := newTestPump()

	p.AddRef()
	p.AddRef()
	assert.Equal(t, 2, p.RefCount())
	assert.Equal(t, uint64(1), p.Starts(), "second AddRef must not start another loop")
	assert.Equal(t, 1, clock.Subscribers())

	clock.EndFrame()
	assert.Equal(t, uint64(1), n.pluginHits.Load(), "two references still signal once per frame")

	p.DecRef()
	assert.True(t, p.Active())
	clock.EndFrame()
	assert.Equal(t, uint64(2), n.pluginHits.Load())

	p.DecRef()
	assert.False(t, p.Active())
	assert.Equal(t, 0, clock.Subscribers())

	clock.EndFrame()
	assert.Equal(t, uint64(2), n.pluginHits.Load(), "no signal after the last DecRef")
}

func TestPump_DecRefAtZeroIsNoop(t *testing.T) {
	p, _, _ := newTestPump()

	p.DecRef()
	p.DecRef()
	assert.Equal(t, 0, p.RefCount())

	p.AddRef()
	assert.Equal(t, 1, p.RefCount())
	assert.True(t, p.Active())
	p.DecRef()
}

func TestPump_RestartAfterStop(t *testing.T) {
	p, n, clock := newTestPump()

	p.AddRef()
	clock.EndFrame()
	p.DecRef()

	p.AddRef()
	clock.EndFrame()
	clock.EndFrame()
	p.DecRef()

	assert.Equal(t, uint64(2), p.Starts())
	assert.Equal(t, uint64(3), n.pluginHits.Load())
	assert.Equal(t, 1, n.registrations(), "logging is registered only once")
}

func TestPump_RegistersLogsBeforeFirstFrame(t *testing.T) {
	p, n, clock := newTestPump()

	p.AddRef()
	defer p.DecRef()
	assert.Equal(t, 1, n.registrations())
	clock.EndFrame()
	assert.Equal(t, []string{"SetLoggingFunctions"}, n.callLog())
}

func TestPump_ConcurrentRefs(t *testing.T) {
	p, _, clock := newTestPump()

	stop := make(chan struct{})
	var driver sync.WaitGroup
	driver.Add(1)
	go func() {
		defer driver.Done()
		for {
			select {
			case <-stop:
				return
			default:
				clock.EndFrame()
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				p.AddRef()
				p.DecRef()
			}
		}()
	}
	wg.Wait()
	close(stop)
	driver.Wait()

	assert.Equal(t, 0, p.RefCount())
	assert.False(t, p.Active())
	assert.Equal(t, 0, clock.Subscribers())
}

func TestPump_TickerClock(t *testing.T) {
	n := newFakeNative()
	p := NewPump(n, NewTickerClock(200), LogBridgeFor(n, nil))

	p.AddRef()
	require.Eventually(t, func() bool { return n.pluginHits.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	p.DecRef()

	after := n.pluginHits.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, n.pluginHits.Load(), "no signal after the last DecRef")
}

func TestTickerClock_DefaultRate(t *testing.T) {
	c := NewTickerClock(0)
	if got, want := c.Interval(), time.Second/60; got != want {
		t.Errorf("Interval() = %v, want %v", got, want)
	}
}

// useProcessNative installs n as the default Native with fresh process-wide
// pump and factory, and restores a clean state when the test ends.
func useProcessNative(t *testing.T, n Native) {
	t.Helper()
	reset := func() {
		processPumpMu.Lock()
		p := processPump
		processPump = nil
		processPumpMu.Unlock()
		for p != nil && p.RefCount() > 0 {
			p.DecRef()
		}
		processFactoryMu.Lock()
		processFactory = nil
		processFactoryMu.Unlock()
	}
	reset()
	UseNative(n)
	t.Cleanup(func() {
		reset()
		UseNative(nil)
	})
}

func TestProcessPump_AddRefDecRef(t *testing.T) {
	n := newFakeNative()
	useProcessNative(t, n)

	DecRef() // Never started
	require.NoError(t, AddRef())
	require.NoError(t, AddRef())
	DecRef()

	p, err := DefaultPump()
	require.NoError(t, err)
	assert.True(t, p.Active())
	assert.Equal(t, 1, p.RefCount())

	DecRef()
	DecRef()
	assert.False(t, p.Active())
	assert.Equal(t, 0, p.RefCount())
	assert.Equal(t, uint64(1), p.Starts())
	assert.Equal(t, 1, n.registrations())

	again, err := DefaultPump()
	require.NoError(t, err)
	assert.Same(t, p, again)
}
