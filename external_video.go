package mrbridge

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// FrameRequestHandler produces one frame for req and calls req.Complete.
// It runs on a native pipeline thread and must not retain req after returning.
// It must not close its own source: detaching waits for running handlers.
type FrameRequestHandler func(req *FrameRequest)

// Frame request states.
const (
	requestPending uint32 = iota
	requestCompleted
	requestExpired
)

// FrameRequest is a native request for one frame from an external source.
// It is a short-lived view valid only while the handler runs.
type FrameRequest struct {
	// SourceHandle is the native source the request is for.
	SourceHandle Handle

	// RequestID is assigned by the native side and echoed back unchanged.
	RequestID uint32

	// TimestampMs is the frame timestamp chosen by the pipeline.
	TimestampMs int64

	source *externalSourceState
	state  atomic.Uint32
}

// Complete hands frame to the pipeline. It may be called at most once, only
// while the handler is running, and only while the source still owns
// SourceHandle. Validation, disposal and handle mismatches leave the request
// pending; a native rejection consumes it.
func (r *FrameRequest) Complete(frame *VideoFrame) error {
	if err := frame.validate(r.source.format); err != nil {
		return err
	}
	if err := r.pendingErr(); err != nil {
		return err
	}

	handle, err := r.source.res.current()
	if err != nil {
		return err
	}
	if handle != r.SourceHandle {
		return fmt.Errorf("%w: request for %s, source owns %s", ErrHandleMismatch, r.SourceHandle, handle)
	}

	if !r.state.CompareAndSwap(requestPending, requestCompleted) {
		return r.pendingErr()
	}
	res := r.source.res.native.CompleteFrame(handle, r.RequestID, r.TimestampMs, frame)
	if err := res.Err("CompleteFrame"); err != nil {
		return err
	}
	r.source.completed.Add(1)
	return nil
}

func (r *FrameRequest) pendingErr() error {
	switch r.state.Load() {
	case requestExpired:
		return ErrRequestExpired
	case requestCompleted:
		return ErrRequestCompleted
	}
	return nil
}

func (r *FrameRequest) expire() {
	r.state.CompareAndSwap(requestPending, requestExpired)
}

// externalSourceState is the anchored target of native frame requests.
// It must not reference the public wrapper.
type externalSourceState struct {
	res     *resource
	format  PixelFormat
	handler FrameRequestHandler

	requested atomic.Uint64
	completed atomic.Uint64
	dropped   atomic.Uint64
}

// DispatchFrameRequest is the host entry point for native frame requests.
// Native implementations call it from their own threads with the userData
// given at registration. Requests for released anchors are ignored.
func DispatchFrameRequest(userData uintptr, source Handle, requestID uint32, timestampMs int64) {
	a, ok := acquireAnchor(userData)
	if !ok {
		return
	}
	defer a.done()

	st, ok := a.Value().(*externalSourceState)
	if !ok {
		return
	}
	st.requested.Add(1)

	// Requests can race the factory storing the handle; drop them.
	if _, err := st.res.current(); err != nil {
		st.dropped.Add(1)
		Logger().Debug("frame request for detached source dropped",
			zap.Stringer("source", source),
			zap.Uint32("request_id", requestID))
		return
	}

	req := &FrameRequest{
		SourceHandle: source,
		RequestID:    requestID,
		TimestampMs:  timestampMs,
		source:       st,
	}
	defer req.expire()
	defer func() {
		if p := recover(); p != nil {
			Logger().Error("frame request handler panicked",
				zap.Stringer("source", source),
				zap.Uint32("request_id", requestID),
				zap.Any("panic", p))
		}
	}()
	st.handler(req)
}

// PeerConnection is a non-owning host view of a native peer connection
// handle. The peer connection itself is created and closed by the pipeline.
type PeerConnection struct {
	native Native
	handle Handle
}

// WrapPeerConnection returns a view of the native peer connection h.
func WrapPeerConnection(n Native, h Handle) *PeerConnection {
	return &PeerConnection{native: n, handle: h}
}

// Handle returns the native peer connection handle.
func (pc *PeerConnection) Handle() Handle { return pc.handle }

// ExternalVideoTrackSourceConfig configures an external video source.
type ExternalVideoTrackSourceConfig struct {
	TrackName string      // Track name (default: generated)
	Format    PixelFormat // Frame format produced by the handler (I420A or ARGB32)
}

// ExternalVideoTrackSource injects host-produced frames into a local video
// track of a peer connection. Frames are pulled by the pipeline through the
// registered FrameRequestHandler.
type ExternalVideoTrackSource struct {
	state *externalSourceState
	name  string

	peerMu sync.Mutex
	peer   *PeerConnection
}

// AddLocalVideoTrackFromExternalSource creates an external video source on pc
// whose frames are produced by handler.
func (pc *PeerConnection) AddLocalVideoTrackFromExternalSource(config ExternalVideoTrackSourceConfig, handler FrameRequestHandler) (*ExternalVideoTrackSource, error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: nil frame request handler", ErrInvalidParameter)
	}
	if pc.handle == 0 {
		return nil, fmt.Errorf("%w: nil peer connection", ErrInvalidNativeHandle)
	}
	switch config.Format {
	case PixelFormatI420, PixelFormatI420A, PixelFormatARGB32:
		// I420 frames travel as I420A without an alpha plane.
	default:
		return nil, fmt.Errorf("%w: unsupported source format %s", ErrInvalidParameter, config.Format)
	}
	name := config.TrackName
	if name == "" {
		name = "external_video_" + uuid.NewString()
	}

	st := &externalSourceState{
		format:  config.Format,
		handler: handler,
	}
	// The anchor must exist before registration; native may call back at once.
	anchor := NewAnchor(st)
	st.res = newResource(pc.native, "ExternalVideoTrackSource", "RemoveLocalVideoTrack", 0, pc.handle, anchor, detachFromPeer)

	res, handle := pc.native.AddLocalVideoTrackFromExternalSource(pc.handle, name, config.Format, anchor.ID())
	if err := res.Err("AddLocalVideoTrackFromExternalSource"); err != nil {
		anchor.Release()
		return nil, err
	}
	if handle == 0 {
		anchor.Release()
		return nil, &NativeError{Op: "AddLocalVideoTrackFromExternalSource", Code: ResultInvalidNativeHandle}
	}

	st.res.mu.Lock()
	st.res.handle = handle
	st.res.mu.Unlock()

	s := &ExternalVideoTrackSource{
		state: st,
		name:  name,
		peer:  pc,
	}
	runtime.SetFinalizer(s, (*ExternalVideoTrackSource).finalize)

	Logger().Debug("external video source created",
		zap.String("track", name),
		zap.Stringer("peer", pc.handle),
		zap.Stringer("handle", handle),
		zap.Stringer("format", config.Format))
	return s, nil
}

// Name returns the track name.
func (s *ExternalVideoTrackSource) Name() string { return s.name }

// Kind returns the media kind of the source.
func (s *ExternalVideoTrackSource) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeVideo }

// Format returns the frame format the handler must produce.
func (s *ExternalVideoTrackSource) Format() PixelFormat { return s.state.format }

// Handle returns the native source handle, or nil once closed.
func (s *ExternalVideoTrackSource) Handle() Handle {
	h, _ := s.state.res.current()
	return h
}

// PeerConnectionHandle returns the owner handle, or nil once closed.
func (s *ExternalVideoTrackSource) PeerConnectionHandle() Handle {
	return s.state.res.ownerHandle()
}

// PeerConnection returns the peer connection the source is attached to, or
// nil once closed.
func (s *ExternalVideoTrackSource) PeerConnection() *PeerConnection {
	s.peerMu.Lock()
	defer s.peerMu.Unlock()
	return s.peer
}

// ExternalVideoStats counts frame requests seen by a source.
type ExternalVideoStats struct {
	Requested uint64 // Requests delivered by the pipeline
	Completed uint64 // Requests completed successfully
	Dropped   uint64 // Requests dropped before reaching the handler
}

// Stats returns the request counters.
func (s *ExternalVideoTrackSource) Stats() ExternalVideoStats {
	return ExternalVideoStats{
		Requested: s.state.requested.Load(),
		Completed: s.state.completed.Load(),
		Dropped:   s.state.dropped.Load(),
	}
}

// Close removes the track from its peer connection, releases the frame
// request callback and nulls the handles. It is idempotent.
func (s *ExternalVideoTrackSource) Close() error {
	runtime.SetFinalizer(s, nil)
	err := s.state.res.dispose()
	s.peerMu.Lock()
	s.peer = nil
	s.peerMu.Unlock()
	return err
}

func (s *ExternalVideoTrackSource) finalize() {
	if s.state.res.disposed() {
		return
	}
	Logger().Warn("external video source was not closed; releasing from finalizer",
		zap.String("track", s.name))
	_ = s.state.res.dispose()
}

func (s *ExternalVideoTrackSource) String() string {
	return fmt.Sprintf("(ExternalVideoTrackSource)%q", s.name)
}
