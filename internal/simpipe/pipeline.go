// Package simpipe is an in-process implementation of the native media
// pipeline ABI. It backs peer connections with pion/webrtc, turns completed
// external frames into RTP, and lets tests drive frame requests, failures and
// native log output deterministically.
package simpipe

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/thesyncim/mrbridge"
)

// ErrClosed is returned by operations on a closed pipeline.
var ErrClosed = errors.New("simpipe: pipeline closed")

// updateMethod identifies the simulated per-frame render entry point.
const updateMethod uintptr = 0x5eed

// Options configures a Pipeline.
type Options struct {
	// FPS is the rate at which external sources are asked for frames.
	// Zero selects manual mode: requests are only issued by RequestFrame.
	FPS int

	// RequestOnCreate issues one frame request while the source is still
	// being created, before its handle is returned to the host.
	RequestOnCreate bool

	// Logger receives pipeline diagnostics (nil: mrbridge.Logger()).
	Logger *zap.Logger
}

// Level selects a native log channel.
type Level int

const (
	LevelDebug Level = iota
	LevelWarning
	LevelError
)

// Pipeline implements mrbridge.Native in Go.
type Pipeline struct {
	opts  Options
	start time.Time

	handles atomic.Uintptr

	mu        sync.Mutex
	closed    bool
	peers     map[mrbridge.Handle]*peer
	sources   map[mrbridge.Handle]*source
	audio     map[mrbridge.Handle]mrbridge.DeviceAudioInitConfig
	renderers map[mrbridge.Handle]*renderer

	failAudio  mrbridge.Result
	failRemove mrbridge.Result
	createHook func()
	lastAudio  *mrbridge.DeviceAudioNativeConfig

	logs             atomic.Pointer[logFuncs]
	logRegistrations atomic.Int32

	renderUpdates atomic.Uint64
	released      atomic.Uint64
}

type peer struct {
	handle mrbridge.Handle
	pc     *webrtc.PeerConnection
}

type renderer struct {
	remote   mrbridge.VideoKind
	local    mrbridge.VideoKind
	rendered uint64
}

type logFuncs struct {
	debug, warning, err mrbridge.LogFunc
}

// New creates an empty pipeline.
func New(opts Options) *Pipeline {
	return &Pipeline{
		opts:      opts,
		start:     time.Now(),
		peers:     make(map[mrbridge.Handle]*peer),
		sources:   make(map[mrbridge.Handle]*source),
		audio:     make(map[mrbridge.Handle]mrbridge.DeviceAudioInitConfig),
		renderers: make(map[mrbridge.Handle]*renderer),
	}
}

func (p *Pipeline) log() *zap.Logger {
	if p.opts.Logger != nil {
		return p.opts.Logger
	}
	return mrbridge.Logger()
}

func (p *Pipeline) newHandle() mrbridge.Handle {
	// Spread handles out so they never look like small integers.
	return mrbridge.Handle(0x10000 + p.handles.Add(1)*0x10)
}

func (p *Pipeline) timestampMs() int64 {
	return time.Since(p.start).Milliseconds()
}

// CreatePeerConnection opens a pion peer connection and returns its handle.
func (p *Pipeline) CreatePeerConnection() (mrbridge.Handle, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = pc.Close()
		return 0, ErrClosed
	}
	h := p.newHandle()
	p.peers[h] = &peer{handle: h, pc: pc}
	p.log().Debug("peer connection created", zap.Stringer("peer", h))
	return h, nil
}

// ClosePeerConnection detaches every source of the peer and closes it.
func (p *Pipeline) ClosePeerConnection(h mrbridge.Handle) error {
	p.mu.Lock()
	pr, ok := p.peers[h]
	if !ok {
		p.mu.Unlock()
		return mrbridge.ResultInvalidNativeHandle.Err("ClosePeerConnection")
	}
	delete(p.peers, h)
	delete(p.renderers, h)
	var detached []*source
	for sh, s := range p.sources {
		if s.peer == h {
			delete(p.sources, sh)
			detached = append(detached, s)
		}
	}
	p.mu.Unlock()

	for _, s := range detached {
		s.shutdown()
	}
	return pr.pc.Close()
}

// PeerConnection returns the pion peer connection behind h.
func (p *Pipeline) PeerConnection(h mrbridge.Handle) (*webrtc.PeerConnection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.peers[h]
	if !ok {
		return nil, false
	}
	return pr.pc, true
}

// CreateDeviceAudioSource implements mrbridge.Native.
func (p *Pipeline) CreateDeviceAudioSource(config *mrbridge.DeviceAudioNativeConfig) (mrbridge.Result, mrbridge.Handle) {
	p.mu.Lock()
	hook := p.createHook
	p.mu.Unlock()
	if hook != nil {
		hook()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	c := *config
	p.lastAudio = &c
	if p.closed {
		return mrbridge.ResultInvalidOperation, 0
	}
	if res := p.failAudio; res != mrbridge.ResultSuccess {
		p.failAudio = mrbridge.ResultSuccess
		return res, 0
	}
	h := p.newHandle()
	p.audio[h] = config.Unmarshal()
	return mrbridge.ResultSuccess, h
}

// FailNextDeviceAudioCreate makes the next device audio creation fail with res.
func (p *Pipeline) FailNextDeviceAudioCreate(res mrbridge.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failAudio = res
}

// SetCreateHook installs fn to run at the start of every device audio
// creation, on the calling thread.
func (p *Pipeline) SetCreateHook(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createHook = fn
}

// LastDeviceAudioConfig returns the last native config passed to
// CreateDeviceAudioSource.
func (p *Pipeline) LastDeviceAudioConfig() (mrbridge.DeviceAudioNativeConfig, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastAudio == nil {
		return mrbridge.DeviceAudioNativeConfig{}, false
	}
	return *p.lastAudio, true
}

// AudioSources returns the number of live device audio sources.
func (p *Pipeline) AudioSources() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.audio)
}

// ReleaseObject implements mrbridge.Native.
func (p *Pipeline) ReleaseObject(h mrbridge.Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.audio[h]; ok {
		delete(p.audio, h)
		p.released.Add(1)
		return
	}
	p.log().Warn("release of unknown object", zap.Stringer("handle", h))
}

// Released returns how many objects were released.
func (p *Pipeline) Released() uint64 { return p.released.Load() }

// NativeRendererCreate implements mrbridge.Native.
func (p *Pipeline) NativeRendererCreate(peer mrbridge.Handle) mrbridge.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.peers[peer]; !ok {
		return mrbridge.ResultInvalidNativeHandle
	}
	if _, ok := p.renderers[peer]; ok {
		return mrbridge.ResultInvalidOperation
	}
	p.renderers[peer] = &renderer{}
	return mrbridge.ResultSuccess
}

// NativeRendererDestroy implements mrbridge.Native.
func (p *Pipeline) NativeRendererDestroy(peer mrbridge.Handle) mrbridge.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.renderers[peer]; !ok {
		return mrbridge.ResultNotFound
	}
	delete(p.renderers, peer)
	return mrbridge.ResultSuccess
}

// NativeRendererEnableRemoteVideo implements mrbridge.Native.
func (p *Pipeline) NativeRendererEnableRemoteVideo(peer mrbridge.Handle, kind mrbridge.VideoKind, textures []mrbridge.TextureDesc) mrbridge.Result {
	return p.setRendererKind(peer, kind, textures, true)
}

// NativeRendererDisableRemoteVideo implements mrbridge.Native.
func (p *Pipeline) NativeRendererDisableRemoteVideo(peer mrbridge.Handle) mrbridge.Result {
	return p.setRendererKind(peer, mrbridge.VideoKindNone, nil, true)
}

// NativeRendererEnableLocalVideo implements mrbridge.Native.
func (p *Pipeline) NativeRendererEnableLocalVideo(peer mrbridge.Handle, kind mrbridge.VideoKind, textures []mrbridge.TextureDesc) mrbridge.Result {
	return p.setRendererKind(peer, kind, textures, false)
}

// NativeRendererDisableLocalVideo implements mrbridge.Native.
func (p *Pipeline) NativeRendererDisableLocalVideo(peer mrbridge.Handle) mrbridge.Result {
	return p.setRendererKind(peer, mrbridge.VideoKindNone, nil, false)
}

func (p *Pipeline) setRendererKind(peer mrbridge.Handle, kind mrbridge.VideoKind, textures []mrbridge.TextureDesc, remote bool) mrbridge.Result {
	if kind != mrbridge.VideoKindNone && len(textures) != kind.TextureCount() {
		return mrbridge.ResultInvalidParameter
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.renderers[peer]
	if !ok {
		return mrbridge.ResultNotFound
	}
	if remote {
		r.remote = kind
	} else {
		r.local = kind
	}
	return mrbridge.ResultSuccess
}

// RendererState returns the video kinds a peer's renderer draws, and how many
// render updates it received while drawing.
func (p *Pipeline) RendererState(peer mrbridge.Handle) (remote, local mrbridge.VideoKind, rendered uint64, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.renderers[peer]
	if !ok {
		return 0, 0, 0, false
	}
	return r.remote, r.local, r.rendered, true
}

// VideoUpdateMethod implements mrbridge.Native.
func (p *Pipeline) VideoUpdateMethod() uintptr { return updateMethod }

// IssuePluginEvent implements mrbridge.Native.
func (p *Pipeline) IssuePluginEvent(method uintptr, _ int32) {
	if method != updateMethod {
		p.log().Warn("plugin event for unknown method", zap.Uintptr("method", method))
		return
	}
	p.renderUpdates.Add(1)
	p.mu.Lock()
	for _, r := range p.renderers {
		if r.remote != mrbridge.VideoKindNone || r.local != mrbridge.VideoKindNone {
			r.rendered++
		}
	}
	p.mu.Unlock()
}

// RenderUpdates returns how many times the render entry point was signaled.
func (p *Pipeline) RenderUpdates() uint64 { return p.renderUpdates.Load() }

// SetLoggingFunctions implements mrbridge.Native.
func (p *Pipeline) SetLoggingFunctions(debugFn, warningFn, errorFn mrbridge.LogFunc) {
	p.logs.Store(&logFuncs{debug: debugFn, warning: warningFn, err: errorFn})
	p.logRegistrations.Add(1)
}

// LogRegistrations returns how many times logging functions were installed.
func (p *Pipeline) LogRegistrations() int { return int(p.logRegistrations.Load()) }

// Log emits a native log line. It reports whether a callback received it.
func (p *Pipeline) Log(level Level, msg string) bool {
	l := p.logs.Load()
	if l == nil {
		return false
	}
	var fn mrbridge.LogFunc
	switch level {
	case LevelDebug:
		fn = l.debug
	case LevelWarning:
		fn = l.warning
	case LevelError:
		fn = l.err
	}
	if fn == nil {
		return false
	}
	fn(msg)
	return true
}

// Close stops all sources and closes every peer connection.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	sources := p.sources
	peers := p.peers
	p.sources = make(map[mrbridge.Handle]*source)
	p.peers = make(map[mrbridge.Handle]*peer)
	p.renderers = make(map[mrbridge.Handle]*renderer)
	p.mu.Unlock()

	for _, s := range sources {
		s.shutdown()
	}
	var err error
	for _, pr := range peers {
		err = multierr.Append(err, pr.pc.Close())
	}
	return err
}
