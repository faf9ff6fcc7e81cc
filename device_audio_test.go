package mrbridge

import (
	"context"
	"errors"
	"runtime"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFuture[T any](t *testing.T, f *Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := f.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("future did not resolve")
	}
	return v, err
}

func TestDeviceAudio_CreateAsync(t *testing.T) {
	n := newFakeNative()
	f := NewDeviceAudioSourceFactory(n, 2)

	cfg := DeviceAudioInitConfig{AutoGainControl: OptBoolTrue, Loopback: OptBoolFalse, DeviceID: "mic"}
	src, err := waitFuture(t, f.CreateAsync(context.Background(), cfg))
	require.NoError(t, err)
	require.NotNil(t, src)
	defer src.Close()

	assert.False(t, src.Handle().IsNil())
	assert.Equal(t, webrtc.RTPCodecTypeAudio, src.Kind())
	assert.Equal(t, cfg, src.Config())

	require.NotNil(t, n.audioCfg)
	assert.Equal(t, NativeOptBoolTrue, n.audioCfg.AutoGainControl)
	assert.Equal(t, NativeOptBoolFalse, n.audioCfg.Loopback)
	assert.Equal(t, NativeOptBoolUnset, n.audioCfg.EchoCancellation)
	require.NotNil(t, n.audioCfg.DeviceID)
	assert.Equal(t, "mic", *n.audioCfg.DeviceID)

	// Logging is set up before the first native call.
	calls := n.callLog()
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"SetLoggingFunctions", "CreateDeviceAudioSource"}, calls)
}

func TestDeviceAudio_RunsOffCaller(t *testing.T) {
	n := newFakeNative()
	release := make(chan struct{})
	n.onCreate = func() { <-release }
	f := NewDeviceAudioSourceFactory(n, 1)

	fut := f.CreateAsync(context.Background(), DeviceAudioInitConfig{})
	// The caller is not blocked by the native call.
	select {
	case <-fut.Done():
		t.Fatal("future resolved before the native call finished")
	default:
	}
	close(release)

	src, err := waitFuture(t, fut)
	require.NoError(t, err)
	require.NoError(t, src.Close())
}

func TestDeviceAudio_NativeFailure(t *testing.T) {
	n := newFakeNative()
	n.createResult = ResultNotFound
	f := NewDeviceAudioSourceFactory(n, 1)

	src, err := waitFuture(t, f.CreateAsync(context.Background(), DeviceAudioInitConfig{DeviceID: "missing"}))
	assert.Nil(t, src)
	assert.ErrorIs(t, err, ErrNotFound)
	var ne *NativeError
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, ResultNotFound, ne.Code)
	assert.Empty(t, n.releasedHandles(), "nothing to release after a failed create")
}

func TestDeviceAudio_CanceledBeforeStart(t *testing.T) {
	n := newFakeNative()
	f := NewDeviceAudioSourceFactory(n, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src, err := waitFuture(t, f.CreateAsync(ctx, DeviceAudioInitConfig{}))

	assert.Nil(t, src)
	assert.ErrorIs(t, err, context.Canceled)
	for _, c := range n.callLog() {
		assert.NotEqual(t, "CreateDeviceAudioSource", c)
	}
}

func TestDeviceAudio_CanceledDuringCreate(t *testing.T) {
	n := newFakeNative()
	ctx, cancel := context.WithCancel(context.Background())
	n.onCreate = cancel
	f := NewDeviceAudioSourceFactory(n, 1)

	src, err := waitFuture(t, f.CreateAsync(ctx, DeviceAudioInitConfig{}))

	assert.Nil(t, src)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, n.releasedHandles(), 1, "the created source must be released")
}

func TestDeviceAudio_CloseReleasesOnce(t *testing.T) {
	n := newFakeNative()
	f := NewDeviceAudioSourceFactory(n, 1)
	src, err := waitFuture(t, f.CreateAsync(context.Background(), DeviceAudioInitConfig{}))
	require.NoError(t, err)
	h := src.Handle()

	require.NoError(t, src.Close())
	require.NoError(t, src.Close())

	assert.Equal(t, []Handle{h}, n.releasedHandles())
	assert.True(t, src.Handle().IsNil())
}

func TestDeviceAudio_Concurrency(t *testing.T) {
	n := newFakeNative()
	f := NewDeviceAudioSourceFactory(n, 2)

	var futs []*Future[*DeviceAudioTrackSource]
	for i := 0; i < 10; i++ {
		futs = append(futs, f.CreateAsync(context.Background(), DeviceAudioInitConfig{}))
	}
	seen := make(map[Handle]bool)
	for _, fut := range futs {
		src, err := waitFuture(t, fut)
		require.NoError(t, err)
		assert.False(t, seen[src.Handle()], "handles must be unique")
		seen[src.Handle()] = true
		src.Close()
	}
}

func TestFuture_WaitTimeout(t *testing.T) {
	f := newFuture[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NoError(t, f.Err())

	f.resolve(7, nil)
	f.resolve(8, errors.New("ignored"))
	v, err := f.Wait(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestDeviceAudio_FinalizerReleases(t *testing.T) {
	n := newFakeNative()
	f := NewDeviceAudioSourceFactory(n, 1)

	h := func() Handle {
		src, err := waitFuture(t, f.CreateAsync(context.Background(), DeviceAudioInitConfig{}))
		require.NoError(t, err)
		return src.Handle()
	}()
	require.False(t, h.IsNil())

	require.Eventually(t, func() bool {
		runtime.GC()
		return slices.Contains(n.releasedHandles(), h)
	}, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, n.releasedHandles(), 1)
}

func TestDeviceAudio_ProcessFactoryBoundsCreations(t *testing.T) {
	orig := CurrentConfig()
	defer SetConfig(orig)
	cfg := DefaultConfig()
	cfg.Workers = 1
	SetConfig(cfg)

	n := newFakeNative()
	var inflight, peak atomic.Int32
	n.onCreate = func() {
		cur := inflight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inflight.Add(-1)
	}
	useProcessNative(t, n)

	futures := make([]*Future[*DeviceAudioTrackSource], 4)
	for i := range futures {
		futures[i] = CreateDeviceAudioSourceAsync(context.Background(), DeviceAudioInitConfig{})
	}
	for _, f := range futures {
		src, err := waitFuture(t, f)
		require.NoError(t, err)
		require.NoError(t, src.Close())
	}

	assert.Equal(t, int32(1), peak.Load())
	a, err := DefaultDeviceAudioSourceFactory()
	require.NoError(t, err)
	b, err := DefaultDeviceAudioSourceFactory()
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, n.registrations())
}
