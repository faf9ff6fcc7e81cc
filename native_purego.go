//go:build darwin || linux

package mrbridge

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ebitengine/purego"
	"go.uber.org/zap"
)

// Library base names (without the platform prefix and suffix).
const (
	mrwebrtcLibName = "mrwebrtc"
	pluginLibName   = "mrwebrtc-unityplugin"
)

// mrsI420AVideoFrame mirrors the native struct of the same name.
type mrsI420AVideoFrame struct {
	width   uint32
	height  uint32
	yData   uintptr
	uData   uintptr
	vData   uintptr
	aData   uintptr
	yStride int32
	uStride int32
	vStride int32
	aStride int32
}

// mrsArgb32VideoFrame mirrors the native struct of the same name.
type mrsArgb32VideoFrame struct {
	width  uint32
	height uint32
	data   uintptr
	stride int32
}

// mrsLocalAudioDeviceInitConfig mirrors the native struct of the same name.
// Six one-byte tri-states, padding, then the device id pointer.
type mrsLocalAudioDeviceInitConfig struct {
	autoGainControl  NativeOptBool
	noiseSuppression NativeOptBool
	highpassFilter   NativeOptBool
	stereoSwapping   NativeOptBool
	echoCancellation NativeOptBool
	loopback         NativeOptBool
	_                [2]byte
	deviceID         *byte
}

// puregoNative binds Native to libmrwebrtc and the native rendering plugin.
type puregoNative struct {
	lib    uintptr
	plugin uintptr

	deviceAudioCreate     func(config *mrsLocalAudioDeviceInitConfig, out *Handle) uint32
	addI420ASource        func(peer Handle, name string, callback, userData uintptr, out *Handle) uint32
	addArgb32Source       func(peer Handle, name string, callback, userData uintptr, out *Handle) uint32
	removeTracks          func(peer, source Handle) uint32
	completeI420A         func(source Handle, requestID uint32, timestampMs int64, frame *mrsI420AVideoFrame) uint32
	completeArgb32        func(source Handle, requestID uint32, timestampMs int64, frame *mrsArgb32VideoFrame) uint32
	removeRef             func(h Handle)
	rendererCreate        func(peer Handle) uint32
	rendererDestroy       func(peer Handle) uint32
	rendererEnableRemote  func(peer Handle, kind int32, textures *TextureDesc, count int32) uint32
	rendererDisableRemote func(peer Handle) uint32
	rendererEnableLocal   func(peer Handle, kind int32, textures *TextureDesc, count int32) uint32 // Optional
	rendererDisableLocal  func(peer Handle) uint32                                                 // Optional
	getVideoUpdateMethod  func() uintptr
	setLoggingFunctions   func(debugFn, errorFn, warningFn uintptr)
}

var (
	loadOnce   sync.Once
	loaded     *puregoNative
	loadErr    error
	loadedPath string
)

// LoadNative loads the native libraries once per process. Later calls return
// the same instance regardless of cfg.
func LoadNative(cfg Config) (Native, error) {
	loadOnce.Do(func() {
		loaded, loadErr = loadPuregoNative(cfg)
	})
	if loadErr != nil {
		return nil, loadErr
	}
	return loaded, nil
}

// LoadedLibraryPath returns the path libmrwebrtc was loaded from, if any.
func LoadedLibraryPath() string { return loadedPath }

func loadPuregoNative(cfg Config) (*puregoNative, error) {
	lib, path, err := openLibrary(mrwebrtcLibName, cfg.LibraryPath, cfg.SDKPath)
	if err != nil {
		return nil, err
	}
	plugin, _, err := openLibrary(pluginLibName, cfg.PluginLibraryPath, cfg.SDKPath)
	if err != nil {
		purego.Dlclose(lib)
		return nil, err
	}

	n := &puregoNative{lib: lib, plugin: plugin}
	if err := n.bind(); err != nil {
		purego.Dlclose(plugin)
		purego.Dlclose(lib)
		return nil, err
	}
	loadedPath = path
	Logger().Info("native libraries loaded", zap.String("path", path))
	return n, nil
}

func (n *puregoNative) bind() error {
	required := []struct {
		fptr any
		lib  uintptr
		name string
	}{
		{&n.deviceAudioCreate, n.lib, "mrsDeviceAudioTrackSourceCreate"},
		{&n.addI420ASource, n.lib, "mrsPeerConnectionAddLocalVideoTrackFromExternalI420ASource"},
		{&n.addArgb32Source, n.lib, "mrsPeerConnectionAddLocalVideoTrackFromExternalArgb32Source"},
		{&n.removeTracks, n.lib, "mrsPeerConnectionRemoveLocalVideoTracksFromSource"},
		{&n.completeI420A, n.lib, "mrsExternalVideoTrackSourceCompleteI420AFrameRequest"},
		{&n.completeArgb32, n.lib, "mrsExternalVideoTrackSourceCompleteArgb32FrameRequest"},
		{&n.removeRef, n.lib, "mrsRefCountedObjectRemoveRef"},
		{&n.rendererCreate, n.plugin, "mrsNativeRenderer_Create"},
		{&n.rendererDestroy, n.plugin, "mrsNativeRenderer_Destroy"},
		{&n.rendererEnableRemote, n.plugin, "mrsNativeRenderer_EnableRemoteVideo"},
		{&n.rendererDisableRemote, n.plugin, "mrsNativeRenderer_DisableRemoteVideo"},
		{&n.getVideoUpdateMethod, n.plugin, "mrsNativeRenderer_GetVideoUpdateMethod"},
		{&n.setLoggingFunctions, n.plugin, "mrsNativeRenderer_SetLoggingFunctions"},
	}
	for _, s := range required {
		if err := bindSymbol(s.fptr, s.lib, s.name); err != nil {
			return err
		}
	}

	// Older plugin builds only render remote video.
	if err := bindSymbol(&n.rendererEnableLocal, n.plugin, "mrsNativeRenderer_EnableLocalVideo"); err != nil {
		n.rendererEnableLocal = nil
	}
	if err := bindSymbol(&n.rendererDisableLocal, n.plugin, "mrsNativeRenderer_DisableLocalVideo"); err != nil {
		n.rendererDisableLocal = nil
	}
	return nil
}

func bindSymbol(fptr any, lib uintptr, name string) error {
	sym, err := purego.Dlsym(lib, name)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", name, err)
	}
	purego.RegisterFunc(fptr, sym)
	return nil
}

func (n *puregoNative) CreateDeviceAudioSource(config *DeviceAudioNativeConfig) (Result, Handle) {
	c := &mrsLocalAudioDeviceInitConfig{
		autoGainControl:  config.AutoGainControl,
		noiseSuppression: config.NoiseSuppression,
		highpassFilter:   config.HighpassFilter,
		stereoSwapping:   config.StereoSwapping,
		echoCancellation: config.EchoCancellation,
		loopback:         config.Loopback,
	}
	var id []byte
	if config.DeviceID != nil {
		id = append([]byte(*config.DeviceID), 0)
		c.deviceID = &id[0]
	}
	// Out parameters live on the heap; the stack may move during the call.
	h := new(Handle)
	res := Result(n.deviceAudioCreate(c, h))
	runtime.KeepAlive(id)
	runtime.KeepAlive(c)
	return res, *h
}

func (n *puregoNative) AddLocalVideoTrackFromExternalSource(peer Handle, trackName string, format PixelFormat, userData uintptr) (Result, Handle) {
	cb := frameRequestTrampoline()
	h := new(Handle)
	var res uint32
	switch format {
	case PixelFormatI420, PixelFormatI420A:
		res = n.addI420ASource(peer, trackName, cb, userData, h)
	case PixelFormatARGB32:
		res = n.addArgb32Source(peer, trackName, cb, userData, h)
	default:
		return ResultInvalidParameter, 0
	}
	return Result(res), *h
}

func (n *puregoNative) RemoveLocalVideoTrack(peer, source Handle) Result {
	return Result(n.removeTracks(peer, source))
}

func (n *puregoNative) CompleteFrame(source Handle, requestID uint32, timestampMs int64, frame *VideoFrame) Result {
	if frame.Format == PixelFormatARGB32 {
		f := &mrsArgb32VideoFrame{
			width:  uint32(frame.Width),
			height: uint32(frame.Height),
			data:   uintptr(unsafe.Pointer(unsafe.SliceData(frame.Data[0]))),
			stride: int32(frame.Stride[0]),
		}
		res := Result(n.completeArgb32(source, requestID, timestampMs, f))
		runtime.KeepAlive(frame)
		return res
	}

	f := &mrsI420AVideoFrame{
		width:   uint32(frame.Width),
		height:  uint32(frame.Height),
		yData:   uintptr(unsafe.Pointer(unsafe.SliceData(frame.Data[0]))),
		uData:   uintptr(unsafe.Pointer(unsafe.SliceData(frame.Data[1]))),
		vData:   uintptr(unsafe.Pointer(unsafe.SliceData(frame.Data[2]))),
		yStride: int32(frame.Stride[0]),
		uStride: int32(frame.Stride[1]),
		vStride: int32(frame.Stride[2]),
	}
	if frame.Format == PixelFormatI420A {
		f.aData = uintptr(unsafe.Pointer(unsafe.SliceData(frame.Data[3])))
		f.aStride = int32(frame.Stride[3])
	}
	res := Result(n.completeI420A(source, requestID, timestampMs, f))
	runtime.KeepAlive(frame)
	return res
}

func (n *puregoNative) ReleaseObject(h Handle) {
	if h != 0 {
		n.removeRef(h)
	}
}

func (n *puregoNative) NativeRendererCreate(peer Handle) Result {
	return Result(n.rendererCreate(peer))
}

func (n *puregoNative) NativeRendererDestroy(peer Handle) Result {
	return Result(n.rendererDestroy(peer))
}

func (n *puregoNative) NativeRendererEnableRemoteVideo(peer Handle, kind VideoKind, textures []TextureDesc) Result {
	res := Result(n.rendererEnableRemote(peer, int32(kind), unsafe.SliceData(textures), int32(len(textures))))
	runtime.KeepAlive(textures)
	return res
}

func (n *puregoNative) NativeRendererDisableRemoteVideo(peer Handle) Result {
	return Result(n.rendererDisableRemote(peer))
}

func (n *puregoNative) NativeRendererEnableLocalVideo(peer Handle, kind VideoKind, textures []TextureDesc) Result {
	if n.rendererEnableLocal == nil {
		return ResultUnsupported
	}
	res := Result(n.rendererEnableLocal(peer, int32(kind), unsafe.SliceData(textures), int32(len(textures))))
	runtime.KeepAlive(textures)
	return res
}

func (n *puregoNative) NativeRendererDisableLocalVideo(peer Handle) Result {
	if n.rendererDisableLocal == nil {
		return ResultUnsupported
	}
	return Result(n.rendererDisableLocal(peer))
}

func (n *puregoNative) VideoUpdateMethod() uintptr {
	return n.getVideoUpdateMethod()
}

// IssuePluginEvent calls the render entry point on the current thread. The
// pump calls it from its locked render thread.
func (n *puregoNative) IssuePluginEvent(method uintptr, _ int32) {
	if method == 0 {
		return
	}
	purego.SyscallN(method)
}

func (n *puregoNative) SetLoggingFunctions(debugFn, warningFn, errorFn LogFunc) {
	logSinks.Store(&logSinkSet{debug: debugFn, warning: warningFn, err: errorFn})
	d, w, e := logTrampolines()
	// Native parameter order is debug, error, warning.
	n.setLoggingFunctions(d, e, w)
}

// Callbacks created with purego.NewCallback are never freed, so every native
// callback goes through one static trampoline per signature.

var (
	frameTrampolineOnce sync.Once
	frameTrampoline     uintptr
)

func frameRequestTrampoline() uintptr {
	frameTrampolineOnce.Do(func() {
		frameTrampoline = purego.NewCallback(func(userData, source, requestID, timestampMs uintptr) uintptr {
			DispatchFrameRequest(userData, Handle(source), uint32(requestID), int64(timestampMs))
			return uintptr(ResultSuccess)
		})
	})
	return frameTrampoline
}

type logSinkSet struct {
	debug, warning, err LogFunc
}

var (
	logSinks          atomic.Pointer[logSinkSet]
	logTrampolineOnce sync.Once
	logDebugCB        uintptr
	logWarningCB      uintptr
	logErrorCB        uintptr
)

func logTrampolines() (debugCB, warningCB, errorCB uintptr) {
	logTrampolineOnce.Do(func() {
		logDebugCB = purego.NewCallback(func(msg uintptr) {
			if s := logSinks.Load(); s != nil && s.debug != nil {
				s.debug(goStringFromPtr(msg))
			}
		})
		logWarningCB = purego.NewCallback(func(msg uintptr) {
			if s := logSinks.Load(); s != nil && s.warning != nil {
				s.warning(goStringFromPtr(msg))
			}
		})
		logErrorCB = purego.NewCallback(func(msg uintptr) {
			if s := logSinks.Load(); s != nil && s.err != nil {
				s.err(goStringFromPtr(msg))
			}
		})
	})
	return logDebugCB, logWarningCB, logErrorCB
}

// goStringFromPtr converts a C string pointer to a Go string.
func goStringFromPtr(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	p := unsafe.Pointer(ptr)
	var length int
	for *(*byte)(unsafe.Add(p, length)) != 0 {
		length++
		if length >= 4096 { // Safety limit
			break
		}
	}
	return string(unsafe.Slice((*byte)(p), length))
}

// openLibrary tries explicit paths first, then the standard search locations.
func openLibrary(base, explicit, sdkDir string) (uintptr, string, error) {
	var lastErr error
	for _, path := range libraryPaths(base, explicit, sdkDir) {
		h, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err == nil {
			return h, path, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return 0, "", fmt.Errorf("%w: lib%s: %v", ErrLibraryNotLoaded, base, lastErr)
	}
	return 0, "", fmt.Errorf("%w: lib%s not found in any standard location", ErrLibraryNotLoaded, base)
}

func libraryPaths(base, explicit, sdkDir string) []string {
	var paths []string

	libName := "lib" + base + ".so"
	if runtime.GOOS == "darwin" {
		libName = "lib" + base + ".dylib"
	}

	// Explicit configuration (highest priority)
	if explicit != "" {
		paths = append(paths, explicit)
	}
	if sdkDir != "" {
		paths = append(paths, filepath.Join(sdkDir, libName))
	}

	// Search relative to executable location
	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(exeDir, libName),
			filepath.Join(exeDir, "..", "lib", libName),
		)
	}

	// Search relative to module root (find go.mod from cwd)
	if moduleRoot := findModuleRoot(); moduleRoot != "" {
		paths = append(paths,
			filepath.Join(moduleRoot, "build", libName),
			filepath.Join(moduleRoot, "build", "lib", libName),
		)
	}

	// System paths (lowest priority)
	switch runtime.GOOS {
	case "darwin":
		paths = append(paths,
			libName,
			filepath.Join("/usr/local/lib", libName),
			filepath.Join("/opt/homebrew/lib", libName),
		)
	case "linux":
		paths = append(paths,
			libName,
			filepath.Join("/usr/local/lib", libName),
			filepath.Join("/usr/lib", libName),
		)
	}

	return paths
}

// findModuleRoot walks up from the working directory to the directory
// containing go.mod.
func findModuleRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
