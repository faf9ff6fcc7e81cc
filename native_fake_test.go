package mrbridge

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// fakeNative records every call it receives. Results default to success.
type fakeNative struct {
	mu    sync.Mutex
	calls []string

	nextHandle atomic.Uintptr

	addResult      Result
	addHandle      Handle // Returned instead of a fresh handle when set
	removeResult   Result
	completeResult Result
	createResult   Result
	rendererResult map[string]Result

	userData   uintptr
	completed  []completion
	released   []Handle
	pluginHits atomic.Uint64
	logFns     [3]LogFunc
	logRegs    int

	onAdd    func(userData uintptr, h Handle) // Runs inside AddLocalVideoTrackFromExternalSource
	onCreate func()                           // Runs inside CreateDeviceAudioSource
	onRemove func()                           // Runs inside RemoveLocalVideoTrack
	audioCfg *DeviceAudioNativeConfig
}

type completion struct {
	source      Handle
	requestID   uint32
	timestampMs int64
	width       int
}

func newFakeNative() *fakeNative {
	f := &fakeNative{rendererResult: make(map[string]Result)}
	f.nextHandle.Store(0x1000)
	return f
}

func (f *fakeNative) record(format string, args ...any) {
	f.mu.Lock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	f.mu.Unlock()
}

func (f *fakeNative) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeNative) newHandle() Handle {
	return Handle(f.nextHandle.Add(0x10))
}

func (f *fakeNative) CreateDeviceAudioSource(config *DeviceAudioNativeConfig) (Result, Handle) {
	if f.onCreate != nil {
		f.onCreate()
	}
	c := *config
	f.mu.Lock()
	f.audioCfg = &c
	res := f.createResult
	f.mu.Unlock()
	f.record("CreateDeviceAudioSource")
	if res != ResultSuccess {
		return res, 0
	}
	return ResultSuccess, f.newHandle()
}

func (f *fakeNative) AddLocalVideoTrackFromExternalSource(peer Handle, trackName string, format PixelFormat, userData uintptr) (Result, Handle) {
	f.record("AddLocalVideoTrackFromExternalSource(%s,%s)", peer, format)
	f.mu.Lock()
	f.userData = userData
	res, h := f.addResult, f.addHandle
	f.mu.Unlock()
	if res != ResultSuccess {
		return res, 0
	}
	if h == 0 {
		h = f.newHandle()
	}
	if f.onAdd != nil {
		f.onAdd(userData, h)
	}
	return ResultSuccess, h
}

func (f *fakeNative) RemoveLocalVideoTrack(peer, source Handle) Result {
	if f.onRemove != nil {
		f.onRemove()
	}
	f.record("RemoveLocalVideoTrack(%s,%s)", peer, source)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removeResult
}

func (f *fakeNative) CompleteFrame(source Handle, requestID uint32, timestampMs int64, frame *VideoFrame) Result {
	f.record("CompleteFrame(%s,%d)", source, requestID)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completeResult != ResultSuccess {
		return f.completeResult
	}
	f.completed = append(f.completed, completion{source, requestID, timestampMs, frame.Width})
	return ResultSuccess
}

func (f *fakeNative) ReleaseObject(h Handle) {
	f.record("ReleaseObject(%s)", h)
	f.mu.Lock()
	f.released = append(f.released, h)
	f.mu.Unlock()
}

func (f *fakeNative) rendererCall(name string, peer Handle) Result {
	f.record("%s(%s)", name, peer)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rendererResult[name]
}

func (f *fakeNative) NativeRendererCreate(peer Handle) Result {
	return f.rendererCall("NativeRendererCreate", peer)
}

func (f *fakeNative) NativeRendererDestroy(peer Handle) Result {
	return f.rendererCall("NativeRendererDestroy", peer)
}

func (f *fakeNative) NativeRendererEnableRemoteVideo(peer Handle, _ VideoKind, _ []TextureDesc) Result {
	return f.rendererCall("NativeRendererEnableRemoteVideo", peer)
}

func (f *fakeNative) NativeRendererDisableRemoteVideo(peer Handle) Result {
	return f.rendererCall("NativeRendererDisableRemoteVideo", peer)
}

func (f *fakeNative) NativeRendererEnableLocalVideo(peer Handle, _ VideoKind, _ []TextureDesc) Result {
	return f.rendererCall("NativeRendererEnableLocalVideo", peer)
}

func (f *fakeNative) NativeRendererDisableLocalVideo(peer Handle) Result {
	return f.rendererCall("NativeRendererDisableLocalVideo", peer)
}

const fakeUpdateMethod uintptr = 0xbeef

func (f *fakeNative) VideoUpdateMethod() uintptr { return fakeUpdateMethod }

func (f *fakeNative) IssuePluginEvent(method uintptr, eventID int32) {
	if method == fakeUpdateMethod && eventID == 0 {
		f.pluginHits.Add(1)
	}
}

func (f *fakeNative) SetLoggingFunctions(debugFn, warningFn, errorFn LogFunc) {
	f.record("SetLoggingFunctions")
	f.mu.Lock()
	f.logFns = [3]LogFunc{debugFn, warningFn, errorFn}
	f.logRegs++
	f.mu.Unlock()
}

func (f *fakeNative) registrations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logRegs
}

func (f *fakeNative) lastUserData() uintptr {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.userData
}

func (f *fakeNative) completions() []completion {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]completion(nil), f.completed...)
}

func (f *fakeNative) releasedHandles() []Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Handle(nil), f.released...)
}

var _ Native = (*fakeNative)(nil)
