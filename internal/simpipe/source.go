package simpipe

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/thesyncim/mrbridge"
)

// source is an external video track source attached to a peer connection.
type source struct {
	pipe     *Pipeline
	handle   mrbridge.Handle
	peer     mrbridge.Handle
	name     string
	format   mrbridge.PixelFormat
	userData uintptr
	track    *rawVideoTrack
	sender   *webrtc.RTPSender

	mu          sync.Mutex
	detached    bool
	nextID      uint32
	outstanding map[uint32]struct{}
	requests    uint64
	completed   uint64
	rejected    uint64
	lastID      uint32
	inflight    sync.WaitGroup

	stop chan struct{}
	done chan struct{}
}

// SourceStats reports per-source counters.
type SourceStats struct {
	Name        string
	Requests    uint64
	Completed   uint64
	Rejected    uint64
	Outstanding int
	LastID      uint32
	Packets     uint64
	Bytes       uint64
}

// AddLocalVideoTrackFromExternalSource implements mrbridge.Native.
func (p *Pipeline) AddLocalVideoTrackFromExternalSource(peerHandle mrbridge.Handle, trackName string, format mrbridge.PixelFormat, userData uintptr) (mrbridge.Result, mrbridge.Handle) {
	switch format {
	case mrbridge.PixelFormatI420, mrbridge.PixelFormatI420A, mrbridge.PixelFormatARGB32:
	default:
		return mrbridge.ResultInvalidParameter, 0
	}

	p.mu.Lock()
	pr, ok := p.peers[peerHandle]
	if !ok || p.closed {
		p.mu.Unlock()
		return mrbridge.ResultInvalidNativeHandle, 0
	}
	h := p.newHandle()
	p.mu.Unlock()

	track := newRawVideoTrack(trackName, "mrbridge", uint32(h))
	sender, err := pr.pc.AddTrack(track)
	if err != nil {
		p.log().Warn("add track failed", zap.String("track", trackName), zap.Error(err))
		return mrbridge.ResultPeerConnectionClosed, 0
	}

	s := &source{
		pipe:        p,
		handle:      h,
		peer:        peerHandle,
		name:        trackName,
		format:      format,
		userData:    userData,
		track:       track,
		sender:      sender,
		outstanding: make(map[uint32]struct{}),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}

	p.mu.Lock()
	p.sources[h] = s
	p.mu.Unlock()

	// The host has not seen the handle yet; it has to cope with this.
	if p.opts.RequestOnCreate {
		s.request()
	}

	if p.opts.FPS > 0 {
		go s.run(time.Second / time.Duration(p.opts.FPS))
	} else {
		close(s.done)
	}
	p.log().Debug("external video source added",
		zap.Stringer("peer", peerHandle),
		zap.Stringer("source", h),
		zap.String("track", trackName))
	return mrbridge.ResultSuccess, h
}

// RemoveLocalVideoTrack implements mrbridge.Native. No frame request for the
// source is in progress once it returns, so a handler must not dispose its
// own source.
func (p *Pipeline) RemoveLocalVideoTrack(peerHandle, sourceHandle mrbridge.Handle) mrbridge.Result {
	p.mu.Lock()
	if res := p.failRemove; res != mrbridge.ResultSuccess {
		p.failRemove = mrbridge.ResultSuccess
		p.mu.Unlock()
		return res
	}
	s, ok := p.sources[sourceHandle]
	if !ok {
		p.mu.Unlock()
		return mrbridge.ResultNotFound
	}
	if s.peer != peerHandle {
		p.mu.Unlock()
		return mrbridge.ResultInvalidParameter
	}
	delete(p.sources, sourceHandle)
	pr := p.peers[peerHandle]
	p.mu.Unlock()

	s.shutdown()
	if pr != nil {
		if err := pr.pc.RemoveTrack(s.sender); err != nil {
			p.log().Debug("remove track", zap.Stringer("source", sourceHandle), zap.Error(err))
		}
	}
	return mrbridge.ResultSuccess
}

// FailNextRemove makes the next RemoveLocalVideoTrack fail with res without
// detaching anything.
func (p *Pipeline) FailNextRemove(res mrbridge.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failRemove = res
}

// CompleteFrame implements mrbridge.Native. Each request id can be completed
// once; unknown and repeated ids are rejected.
func (p *Pipeline) CompleteFrame(sourceHandle mrbridge.Handle, requestID uint32, timestampMs int64, frame *mrbridge.VideoFrame) mrbridge.Result {
	p.mu.Lock()
	s, ok := p.sources[sourceHandle]
	p.mu.Unlock()
	if !ok {
		return mrbridge.ResultInvalidNativeHandle
	}

	s.mu.Lock()
	if _, ok := s.outstanding[requestID]; !ok {
		s.rejected++
		s.mu.Unlock()
		return mrbridge.ResultInvalidParameter
	}
	if !formatCompatible(s.format, frame.Format) {
		s.rejected++
		s.mu.Unlock()
		return mrbridge.ResultInvalidParameter
	}
	delete(s.outstanding, requestID)
	s.completed++
	s.mu.Unlock()

	if _, err := s.track.writeFrame(frame.Data, timestampMs); err != nil {
		p.log().Debug("write frame", zap.Stringer("source", sourceHandle), zap.Error(err))
	}
	return mrbridge.ResultSuccess
}

func formatCompatible(source, frame mrbridge.PixelFormat) bool {
	if source == mrbridge.PixelFormatARGB32 {
		return frame == mrbridge.PixelFormatARGB32
	}
	return frame == mrbridge.PixelFormatI420 || frame == mrbridge.PixelFormatI420A
}

// RequestFrame issues one frame request for the source on the calling
// goroutine and returns its id once the host handler returned.
func (p *Pipeline) RequestFrame(sourceHandle mrbridge.Handle) (uint32, error) {
	p.mu.Lock()
	s, ok := p.sources[sourceHandle]
	p.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("request frame for %s: %w", sourceHandle, mrbridge.ErrNotFound)
	}
	id, ok := s.request()
	if !ok {
		return 0, fmt.Errorf("request frame for %s: %w", sourceHandle, mrbridge.ErrDisposed)
	}
	return id, nil
}

// RequestFrameWithID issues a request with a caller-chosen id, for exercising
// id echo and stale completions.
func (p *Pipeline) RequestFrameWithID(sourceHandle mrbridge.Handle, id uint32) error {
	p.mu.Lock()
	s, ok := p.sources[sourceHandle]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("request frame for %s: %w", sourceHandle, mrbridge.ErrNotFound)
	}
	if !s.dispatch(id) {
		return fmt.Errorf("request frame for %s: %w", sourceHandle, mrbridge.ErrDisposed)
	}
	return nil
}

// SourceStats returns the counters of a live source.
func (p *Pipeline) SourceStats(sourceHandle mrbridge.Handle) (SourceStats, bool) {
	p.mu.Lock()
	s, ok := p.sources[sourceHandle]
	p.mu.Unlock()
	if !ok {
		return SourceStats{}, false
	}
	packets, bytes := s.track.stats()
	s.mu.Lock()
	defer s.mu.Unlock()
	return SourceStats{
		Name:        s.name,
		Requests:    s.requests,
		Completed:   s.completed,
		Rejected:    s.rejected,
		Outstanding: len(s.outstanding),
		LastID:      s.lastID,
		Packets:     packets,
		Bytes:       bytes,
	}, true
}

// Sources returns the number of attached external sources.
func (p *Pipeline) Sources() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sources)
}

func (s *source) run(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.request()
		}
	}
}

func (s *source) request() (uint32, bool) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()
	return id, s.dispatch(id)
}

// dispatch delivers one request to the host unless the source is detached.
func (s *source) dispatch(id uint32) bool {
	s.mu.Lock()
	if s.detached {
		s.mu.Unlock()
		return false
	}
	s.outstanding[id] = struct{}{}
	s.requests++
	s.lastID = id
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	mrbridge.DispatchFrameRequest(s.userData, s.handle, id, s.pipe.timestampMs())

	// Requests the host did not answer while it had the chance are abandoned.
	s.mu.Lock()
	delete(s.outstanding, id)
	s.mu.Unlock()
	return true
}

// shutdown stops the request loop and waits for in-flight dispatches.
func (s *source) shutdown() {
	s.mu.Lock()
	if s.detached {
		s.mu.Unlock()
		return
	}
	s.detached = true
	s.mu.Unlock()

	close(s.stop)
	<-s.done
	s.inflight.Wait()
}
