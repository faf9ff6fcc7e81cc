package mrbridge

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// DeviceAudioInitConfig configures capture on a local audio device
// (microphone). Unset options keep the native defaults.
type DeviceAudioInitConfig struct {
	AutoGainControl  OptBool `yaml:"auto_gain_control"`   // Automatic gain control (AGC)
	NoiseSuppression OptBool `yaml:"noise_suppression"`   // Background noise filtering
	HighpassFilter   OptBool `yaml:"highpass_filter"`     // Low-frequency noise filtering
	StereoSwapping   OptBool `yaml:"stereo_swapping"`     // Swap left and right channels
	EchoCancellation OptBool `yaml:"echo_cancellation"`   // Acoustic echo cancellation (AEC)
	Loopback         OptBool `yaml:"loopback"`            // Capture the output mix instead of an input device
	DeviceID         string  `yaml:"device_id,omitempty"` // Device to open (empty: default device)
}

// DeviceAudioNativeConfig is the marshaled form of DeviceAudioInitConfig
// (mrsLocalAudioDeviceInitConfig).
type DeviceAudioNativeConfig struct {
	AutoGainControl  NativeOptBool
	NoiseSuppression NativeOptBool
	HighpassFilter   NativeOptBool
	StereoSwapping   NativeOptBool
	EchoCancellation NativeOptBool
	Loopback         NativeOptBool
	DeviceID         *string // nil: default device
}

// Marshal converts c into its native form.
func (c DeviceAudioInitConfig) Marshal() DeviceAudioNativeConfig {
	nc := DeviceAudioNativeConfig{
		AutoGainControl:  c.AutoGainControl.Native(),
		NoiseSuppression: c.NoiseSuppression.Native(),
		HighpassFilter:   c.HighpassFilter.Native(),
		StereoSwapping:   c.StereoSwapping.Native(),
		EchoCancellation: c.EchoCancellation.Native(),
		Loopback:         c.Loopback.Native(),
	}
	if c.DeviceID != "" {
		id := c.DeviceID
		nc.DeviceID = &id
	}
	return nc
}

// Unmarshal converts a native config back into its host form.
func (nc DeviceAudioNativeConfig) Unmarshal() DeviceAudioInitConfig {
	c := DeviceAudioInitConfig{
		AutoGainControl:  nc.AutoGainControl.OptBool(),
		NoiseSuppression: nc.NoiseSuppression.OptBool(),
		HighpassFilter:   nc.HighpassFilter.OptBool(),
		StereoSwapping:   nc.StereoSwapping.OptBool(),
		EchoCancellation: nc.EchoCancellation.OptBool(),
		Loopback:         nc.Loopback.OptBool(),
	}
	if nc.DeviceID != nil {
		c.DeviceID = *nc.DeviceID
	}
	return c
}

// DeviceAudioTrackSource is an audio track source backed by a local capture
// device.
type DeviceAudioTrackSource struct {
	res    *resource
	config DeviceAudioInitConfig
}

func newDeviceAudioTrackSource(n Native, h Handle, config DeviceAudioInitConfig) *DeviceAudioTrackSource {
	s := &DeviceAudioTrackSource{
		res:    newResource(n, "DeviceAudioTrackSource", "ReleaseObject", h, 0, nil, releaseObject),
		config: config,
	}
	runtime.SetFinalizer(s, (*DeviceAudioTrackSource).finalize)
	return s
}

// Handle returns the native source handle, or nil once closed.
func (s *DeviceAudioTrackSource) Handle() Handle {
	h, _ := s.res.current()
	return h
}

// Kind returns the media kind of the source.
func (s *DeviceAudioTrackSource) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeAudio }

// Config returns the configuration the source was opened with.
func (s *DeviceAudioTrackSource) Config() DeviceAudioInitConfig { return s.config }

// Close releases the native source. It is idempotent.
func (s *DeviceAudioTrackSource) Close() error {
	runtime.SetFinalizer(s, nil)
	return s.res.dispose()
}

func (s *DeviceAudioTrackSource) finalize() {
	if s.res.disposed() {
		return
	}
	Logger().Warn("device audio source was not closed; releasing from finalizer")
	_ = s.res.dispose()
}

func (s *DeviceAudioTrackSource) String() string {
	if s.config.DeviceID == "" {
		return "(DeviceAudioTrackSource)default"
	}
	return fmt.Sprintf("(DeviceAudioTrackSource)%q", s.config.DeviceID)
}

// DeviceAudioSourceFactory opens device audio sources on worker threads.
type DeviceAudioSourceFactory struct {
	native Native
	pool   *workerPool
	logs   *LogBridge
}

// NewDeviceAudioSourceFactory creates a factory running at most workers
// native creations at once.
func NewDeviceAudioSourceFactory(n Native, workers int) *DeviceAudioSourceFactory {
	return &DeviceAudioSourceFactory{
		native: n,
		pool:   newWorkerPool(workers),
		logs:   processLogBridge(n),
	}
}

// CreateAsync opens a device audio source. The native call always runs on a
// worker thread, never on the caller's. On failure the future fails with a
// *NativeError and no handle is left behind.
//
// If ctx ends before the native call starts the future fails with ctx.Err().
// If it ends while the call is running, a successfully created source is
// released and the future still fails with ctx.Err().
func (f *DeviceAudioSourceFactory) CreateAsync(ctx context.Context, config DeviceAudioInitConfig) *Future[*DeviceAudioTrackSource] {
	fut := newFuture[*DeviceAudioTrackSource]()

	// Logging must be ready before the first native call.
	f.logs.Register()

	f.pool.submit(ctx, func(ctx context.Context) {
		if err := ctx.Err(); err != nil {
			fut.resolve(nil, err)
			return
		}

		nc := config.Marshal()
		res, h := f.native.CreateDeviceAudioSource(&nc)
		if err := res.Err("CreateDeviceAudioSource"); err != nil {
			Logger().Warn("device audio source creation failed",
				zap.String("device", config.DeviceID),
				zap.Error(err))
			fut.resolve(nil, err)
			return
		}
		if h == 0 {
			fut.resolve(nil, &NativeError{Op: "CreateDeviceAudioSource", Code: ResultInvalidNativeHandle})
			return
		}

		if err := ctx.Err(); err != nil {
			f.native.ReleaseObject(h)
			Logger().Debug("device audio source released after cancellation",
				zap.Stringer("handle", h))
			fut.resolve(nil, err)
			return
		}

		fut.resolve(newDeviceAudioTrackSource(f.native, h, config), nil)
	}, func(err error) {
		fut.resolve(nil, err)
	})

	return fut
}

var (
	processFactoryMu sync.Mutex
	processFactory   *DeviceAudioSourceFactory
)

// DefaultDeviceAudioSourceFactory returns the process-wide factory, created on
// first use with the default Native and the configured worker count. Its pool
// bounds concurrent native creations for the whole process.
func DefaultDeviceAudioSourceFactory() (*DeviceAudioSourceFactory, error) {
	processFactoryMu.Lock()
	defer processFactoryMu.Unlock()
	if processFactory != nil {
		return processFactory, nil
	}
	n, err := DefaultNative()
	if err != nil {
		return nil, err
	}
	processFactory = NewDeviceAudioSourceFactory(n, CurrentConfig().Workers)
	return processFactory, nil
}

// CreateDeviceAudioSourceAsync opens a device audio source through
// DefaultDeviceAudioSourceFactory.
func CreateDeviceAudioSourceAsync(ctx context.Context, config DeviceAudioInitConfig) *Future[*DeviceAudioTrackSource] {
	f, err := DefaultDeviceAudioSourceFactory()
	if err != nil {
		fut := newFuture[*DeviceAudioTrackSource]()
		fut.resolve(nil, err)
		return fut
	}
	return f.CreateAsync(ctx, config)
}
