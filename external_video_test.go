package mrbridge

import (
	"errors"
	"fmt"
	"runtime"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPeer Handle = 0x7000

func i420Frame(w, h int) *VideoFrame {
	buf := NewVideoFrameBuffer(w, h, PixelFormatI420)
	f := buf.ToVideoFrame()
	return &f
}

func newTestSource(t *testing.T, n *fakeNative, handler FrameRequestHandler) *ExternalVideoTrackSource {
	t.Helper()
	src, err := WrapPeerConnection(n, testPeer).AddLocalVideoTrackFromExternalSource(
		ExternalVideoTrackSourceConfig{TrackName: "cam", Format: PixelFormatI420},
		handler,
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })
	return src
}

func TestExternalVideo_CreateRegistersAnchor(t *testing.T) {
	before := AnchorCount()
	n := newFakeNative()
	src := newTestSource(t, n, func(*FrameRequest) {})

	assert.Equal(t, before+1, AnchorCount())
	assert.NotZero(t, n.lastUserData())
	assert.False(t, src.Handle().IsNil())
	assert.Equal(t, testPeer, src.PeerConnectionHandle())
	assert.Equal(t, "cam", src.Name())
	assert.Equal(t, PixelFormatI420, src.Format())
}

func TestExternalVideo_DefaultTrackName(t *testing.T) {
	n := newFakeNative()
	src, err := WrapPeerConnection(n, testPeer).AddLocalVideoTrackFromExternalSource(
		ExternalVideoTrackSourceConfig{Format: PixelFormatARGB32}, func(*FrameRequest) {})
	require.NoError(t, err)
	defer src.Close()
	assert.True(t, strings.HasPrefix(src.Name(), "external_video_"), src.Name())
}

func TestExternalVideo_CreateFailureReleasesAnchor(t *testing.T) {
	before := AnchorCount()
	n := newFakeNative()
	n.addResult = ResultPeerConnectionClosed

	_, err := WrapPeerConnection(n, testPeer).AddLocalVideoTrackFromExternalSource(
		ExternalVideoTrackSourceConfig{Format: PixelFormatI420}, func(*FrameRequest) {})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPeerConnectionClosed)
	var ne *NativeError
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, ResultPeerConnectionClosed, ne.Code)
	assert.Equal(t, before, AnchorCount())
}

func TestExternalVideo_InvalidArguments(t *testing.T) {
	n := newFakeNative()
	pc := WrapPeerConnection(n, testPeer)

	_, err := pc.AddLocalVideoTrackFromExternalSource(ExternalVideoTrackSourceConfig{}, nil)
	assert.ErrorIs(t, err, ErrInvalidParameter)

	_, err = WrapPeerConnection(n, 0).AddLocalVideoTrackFromExternalSource(ExternalVideoTrackSourceConfig{}, func(*FrameRequest) {})
	assert.ErrorIs(t, err, ErrInvalidNativeHandle)

	_, err = pc.AddLocalVideoTrackFromExternalSource(ExternalVideoTrackSourceConfig{Format: PixelFormat(42)}, func(*FrameRequest) {})
	assert.ErrorIs(t, err, ErrInvalidParameter)

	assert.Empty(t, n.callLog(), "no native call on invalid arguments")
}

func TestExternalVideo_DisposeOrder(t *testing.T) {
	before := AnchorCount()
	n := newFakeNative()
	src := newTestSource(t, n, func(*FrameRequest) {})
	h := src.Handle()

	var anchorLiveDuringDetach bool
	n.onRemove = func() { anchorLiveDuringDetach = AnchorCount() == before+1 }

	require.NoError(t, src.Close())

	assert.True(t, anchorLiveDuringDetach, "anchor released before detach")
	assert.Equal(t, before, AnchorCount())
	assert.True(t, src.Handle().IsNil())
	assert.True(t, src.PeerConnectionHandle().IsNil())
	assert.Nil(t, src.PeerConnection())

	calls := n.callLog()
	assert.Equal(t, "RemoveLocalVideoTrack("+testPeer.String()+","+h.String()+")", calls[len(calls)-1])
}

func TestExternalVideo_DisposeIdempotent(t *testing.T) {
	n := newFakeNative()
	src := newTestSource(t, n, func(*FrameRequest) {})

	require.NoError(t, src.Close())
	require.NoError(t, src.Close())
	require.NoError(t, src.Close())

	removes := 0
	for _, c := range n.callLog() {
		if strings.HasPrefix(c, "RemoveLocalVideoTrack") {
			removes++
		}
	}
	assert.Equal(t, 1, removes)
}

func TestExternalVideo_DetachFailureKeepsAnchor(t *testing.T) {
	before := AnchorCount()
	n := newFakeNative()
	src := newTestSource(t, n, func(*FrameRequest) {})
	ud := n.lastUserData()
	n.removeResult = ResultInvalidOperation

	err := src.Close()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidOperation)

	// The native side may still call back: the anchor stays resolvable.
	assert.Equal(t, before+1, AnchorCount())
	a, ok := acquireAnchor(ud)
	require.True(t, ok)
	a.done()

	assert.True(t, src.Handle().IsNil())
	assert.NoError(t, src.Close(), "second dispose is a no-op")

	// Late requests reach no handler: the handle is gone.
	DispatchFrameRequest(ud, 0x1234, 1, 0)
	assert.Equal(t, uint64(1), src.Stats().Dropped)

	// Clean up the deliberately kept anchor.
	a.Release()
}

func TestFrameRequest_EchoesRequestID(t *testing.T) {
	n := newFakeNative()
	var got *FrameRequest
	src := newTestSource(t, n, func(req *FrameRequest) {
		got = req
		assert.NoError(t, req.Complete(i420Frame(4, 4)))
	})

	DispatchFrameRequest(n.lastUserData(), src.Handle(), 17, 1234)

	require.NotNil(t, got)
	assert.Equal(t, src.Handle(), got.SourceHandle)
	assert.Equal(t, uint32(17), got.RequestID)
	assert.Equal(t, int64(1234), got.TimestampMs)

	c := n.completions()
	require.Len(t, c, 1)
	assert.Equal(t, completion{source: src.Handle(), requestID: 17, timestampMs: 1234, width: 4}, c[0])
	assert.Equal(t, ExternalVideoStats{Requested: 1, Completed: 1}, src.Stats())
}

func TestFrameRequest_HandleMismatch(t *testing.T) {
	n := newFakeNative()
	var err error
	src := newTestSource(t, n, func(req *FrameRequest) {
		err = req.Complete(i420Frame(4, 4))
	})

	DispatchFrameRequest(n.lastUserData(), src.Handle()+1, 3, 0)

	assert.ErrorIs(t, err, ErrHandleMismatch)
	assert.Empty(t, n.completions())
}

func TestFrameRequest_CompleteTwice(t *testing.T) {
	n := newFakeNative()
	var first, second error
	src := newTestSource(t, n, func(req *FrameRequest) {
		first = req.Complete(i420Frame(4, 4))
		second = req.Complete(i420Frame(4, 4))
	})

	DispatchFrameRequest(n.lastUserData(), src.Handle(), 1, 0)

	assert.NoError(t, first)
	assert.ErrorIs(t, second, ErrRequestCompleted)
	assert.Len(t, n.completions(), 1)
}

func TestFrameRequest_CompleteAfterReturn(t *testing.T) {
	n := newFakeNative()
	var kept *FrameRequest
	src := newTestSource(t, n, func(req *FrameRequest) { kept = req })

	DispatchFrameRequest(n.lastUserData(), src.Handle(), 1, 0)

	require.NotNil(t, kept)
	assert.ErrorIs(t, kept.Complete(i420Frame(4, 4)), ErrRequestExpired)
	assert.Empty(t, n.completions())
}

func TestFrameRequest_InvalidFrameDoesNotConsume(t *testing.T) {
	n := newFakeNative()
	var bad, good error
	src := newTestSource(t, n, func(req *FrameRequest) {
		bad = req.Complete(&VideoFrame{Format: PixelFormatI420, Width: 4, Height: 4})
		good = req.Complete(i420Frame(4, 4))
	})

	DispatchFrameRequest(n.lastUserData(), src.Handle(), 9, 0)

	assert.ErrorIs(t, bad, ErrInvalidFrame)
	assert.NoError(t, good)
}

func TestFrameRequest_NativeRejection(t *testing.T) {
	n := newFakeNative()
	n.completeResult = ResultInvalidParameter
	var err, retry error
	src := newTestSource(t, n, func(req *FrameRequest) {
		err = req.Complete(i420Frame(2, 2))
		retry = req.Complete(i420Frame(2, 2))
	})

	DispatchFrameRequest(n.lastUserData(), src.Handle(), 5, 0)

	assert.ErrorIs(t, err, ErrInvalidParameter)
	assert.ErrorIs(t, retry, ErrRequestCompleted, "a native rejection consumes the request")
	assert.Equal(t, uint64(0), src.Stats().Completed)
}

func TestFrameRequest_DroppedBeforeHandleStored(t *testing.T) {
	n := newFakeNative()
	called := false
	n.onAdd = func(userData uintptr, h Handle) {
		// The pipeline requests a frame before the factory returned.
		DispatchFrameRequest(userData, h, 1, 0)
	}
	src := newTestSource(t, n, func(*FrameRequest) { called = true })

	assert.False(t, called)
	assert.Equal(t, ExternalVideoStats{Requested: 1, Dropped: 1}, src.Stats())
}

func TestFrameRequest_AfterDisposeIgnored(t *testing.T) {
	n := newFakeNative()
	called := 0
	src := newTestSource(t, n, func(*FrameRequest) { called++ })
	ud, h := n.lastUserData(), src.Handle()
	require.NoError(t, src.Close())

	DispatchFrameRequest(ud, h, 1, 0)
	assert.Equal(t, 0, called)
}

func TestFrameRequest_CompleteDuringDispose(t *testing.T) {
	n := newFakeNative()
	var src *ExternalVideoTrackSource
	var err error
	src = newTestSource(t, n, func(req *FrameRequest) {
		// Simulates Close racing the handler: disposal has started.
		src.state.res.mu.Lock()
		src.state.res.closing = true
		src.state.res.mu.Unlock()
		err = req.Complete(i420Frame(2, 2))
	})

	DispatchFrameRequest(n.lastUserData(), src.Handle(), 1, 0)
	assert.ErrorIs(t, err, ErrDisposed)

	src.state.res.mu.Lock()
	src.state.res.closing = false
	src.state.res.mu.Unlock()
}

func TestFrameRequest_MismatchKeepsRequestPending(t *testing.T) {
	n := newFakeNative()
	var first, retry error
	var kept *FrameRequest
	src := newTestSource(t, n, func(req *FrameRequest) {
		kept = req
		first = req.Complete(i420Frame(4, 4))
		retry = req.Complete(i420Frame(4, 4))
	})

	DispatchFrameRequest(n.lastUserData(), src.Handle()+1, 3, 0)

	assert.ErrorIs(t, first, ErrHandleMismatch)
	assert.ErrorIs(t, retry, ErrHandleMismatch)
	assert.ErrorIs(t, kept.Complete(i420Frame(4, 4)), ErrRequestExpired)
	assert.Empty(t, n.completions())
}

func TestFrameRequest_DisposeCheckKeepsRequestPending(t *testing.T) {
	n := newFakeNative()
	var src *ExternalVideoTrackSource
	var disposed, after error
	src = newTestSource(t, n, func(req *FrameRequest) {
		src.state.res.mu.Lock()
		src.state.res.closing = true
		src.state.res.mu.Unlock()
		disposed = req.Complete(i420Frame(4, 4))

		src.state.res.mu.Lock()
		src.state.res.closing = false
		src.state.res.mu.Unlock()
		after = req.Complete(i420Frame(4, 4))
	})

	DispatchFrameRequest(n.lastUserData(), src.Handle(), 5, 0)

	assert.ErrorIs(t, disposed, ErrDisposed)
	assert.NoError(t, after)
	assert.Len(t, n.completions(), 1)
}

func TestFrameRequest_HandlerPanicRecovered(t *testing.T) {
	n := newFakeNative()
	src := newTestSource(t, n, func(*FrameRequest) { panic("boom") })

	assert.NotPanics(t, func() {
		DispatchFrameRequest(n.lastUserData(), src.Handle(), 1, 0)
	})
	assert.Equal(t, uint64(1), src.Stats().Requested)
}

func TestExternalVideo_FinalizerDetaches(t *testing.T) {
	n := newFakeNative()
	before := AnchorCount()

	// The source is dropped without Close.
	h := func() Handle {
		src, err := WrapPeerConnection(n, testPeer).AddLocalVideoTrackFromExternalSource(
			ExternalVideoTrackSourceConfig{TrackName: "leaked", Format: PixelFormatI420},
			func(*FrameRequest) {},
		)
		require.NoError(t, err)
		return src.Handle()
	}()
	require.False(t, h.IsNil())
	assert.Equal(t, before+1, AnchorCount())

	detach := fmt.Sprintf("RemoveLocalVideoTrack(%s,%s)", testPeer, h)
	require.Eventually(t, func() bool {
		runtime.GC()
		return slices.Contains(n.callLog(), detach) && AnchorCount() == before
	}, 5*time.Second, 10*time.Millisecond)
}
