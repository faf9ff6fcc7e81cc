package mrbridge

import (
	"sync"
)

// LogFunc receives one native log line.
type LogFunc func(msg string)

// Native is the native pipeline ABI consumed by the bridge. Implementations
// return raw status codes; translation into errors happens on the host side.
//
// Frame requests for external sources are delivered by calling
// DispatchFrameRequest with the userData given at registration.
type Native interface {
	// CreateDeviceAudioSource opens a local audio capture device.
	// Must not be called from a context that owns exclusive capture resources.
	CreateDeviceAudioSource(config *DeviceAudioNativeConfig) (Result, Handle)

	// AddLocalVideoTrackFromExternalSource creates an external video source on
	// peer. The native side requests frames through DispatchFrameRequest(userData, ...).
	AddLocalVideoTrackFromExternalSource(peer Handle, trackName string, format PixelFormat, userData uintptr) (Result, Handle)

	// RemoveLocalVideoTrack detaches source from peer. Once it returns the native
	// side no longer issues frame requests for source.
	RemoveLocalVideoTrack(peer, source Handle) Result

	// CompleteFrame hands the frame produced for requestID to the pipeline.
	CompleteFrame(source Handle, requestID uint32, timestampMs int64, frame *VideoFrame) Result

	// ReleaseObject drops the host reference on a ref-counted native object.
	ReleaseObject(h Handle)

	NativeRendererCreate(peer Handle) Result
	NativeRendererDestroy(peer Handle) Result
	NativeRendererEnableRemoteVideo(peer Handle, kind VideoKind, textures []TextureDesc) Result
	NativeRendererDisableRemoteVideo(peer Handle) Result
	NativeRendererEnableLocalVideo(peer Handle, kind VideoKind, textures []TextureDesc) Result
	NativeRendererDisableLocalVideo(peer Handle) Result

	// VideoUpdateMethod returns the stable identifier of the per-frame render entry point.
	VideoUpdateMethod() uintptr

	// IssuePluginEvent signals a native render entry point.
	IssuePluginEvent(method uintptr, eventID int32)

	// SetLoggingFunctions routes native log output to the given callbacks.
	SetLoggingFunctions(debugFn, warningFn, errorFn LogFunc)
}

// VideoKind is the texture layout a native renderer writes into.
type VideoKind int32

const (
	VideoKindNone VideoKind = 0
	VideoKindI420 VideoKind = 1
	VideoKindARGB VideoKind = 2
)

func (k VideoKind) String() string {
	switch k {
	case VideoKindNone:
		return "none"
	case VideoKindI420:
		return "I420"
	case VideoKindARGB:
		return "ARGB"
	default:
		return "unknown"
	}
}

// TextureCount returns the number of textures the kind renders into.
func (k VideoKind) TextureCount() int {
	switch k {
	case VideoKindI420:
		return 3 // Y, U, V
	case VideoKindARGB:
		return 1
	default:
		return 0
	}
}

// TextureDesc describes one host-owned GPU texture (native pointer + size).
type TextureDesc struct {
	Texture uintptr
	Width   int32
	Height  int32
}

var (
	defaultNativeMu  sync.Mutex
	defaultNative    Native
	defaultNativeErr error
)

// UseNative installs n as the process-wide Native used by the package-level
// helpers (AddRef, DecRef, CreateDeviceAudioSourceAsync). Call it before first use.
func UseNative(n Native) {
	defaultNativeMu.Lock()
	defer defaultNativeMu.Unlock()
	defaultNative = n
	defaultNativeErr = nil
}

// DefaultNative returns the process-wide Native, loading the native libraries
// on first use when none was installed with UseNative.
func DefaultNative() (Native, error) {
	defaultNativeMu.Lock()
	defer defaultNativeMu.Unlock()
	if defaultNative != nil || defaultNativeErr != nil {
		return defaultNative, defaultNativeErr
	}
	n, err := LoadNative(CurrentConfig())
	if err != nil {
		defaultNativeErr = err
		return nil, err
	}
	defaultNative = n
	return n, nil
}
