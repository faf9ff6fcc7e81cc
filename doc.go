// Package mrbridge bridges host-produced media into a native real-time WebRTC
// pipeline (mrwebrtc and its native rendering plugin) that runs on its own
// threads and manages its own object lifetimes.
//
// Key pieces include:
//   - Handle, the opaque token for every native-side object
//   - Anchor, which keeps host callbacks reachable while native code may call them
//   - ExternalVideoTrackSource and FrameRequest, the pull-based frame channel
//   - Pump, the reference-counted per-frame driver of the native render step
//   - LogBridge, which forwards native log lines to zap
//   - DeviceAudioSourceFactory, the asynchronous device-source factory
//   - NativeRenderer, texture-backed rendering of remote/local video
//
// # Architecture
//
//	host -> factory -> wrapper{handle, owner, anchor} -> native pipeline
//	native thread -> DispatchFrameRequest -> FrameRequestHandler -> FrameRequest.Complete -> native pipeline
//	FrameClock (end of frame) -> Pump -> IssuePluginEvent(VideoUpdateMethod)
//
// # Native Libraries
//
// The default Native implementation loads libmrwebrtc and the native rendering
// plugin with purego (no cgo required). Set MRWEBRTC_LIB_PATH,
// MRWEBRTC_PLUGIN_LIB_PATH or MEDIA_SDK_LIB_PATH to point at the libraries.
// Tests and the mrbridge CLI can use the in-process simulated pipeline from
// internal/simpipe instead.
//
// # Lifetimes
//
// Wrappers own exactly one handle. Close is idempotent and always detaches from
// the owner before releasing the callback anchor, so the native side never calls
// into a released callback. Finalizers only act as a leak-safety net.
package mrbridge
