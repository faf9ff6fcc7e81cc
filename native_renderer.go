package mrbridge

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// NativeRenderer renders the video of one peer connection directly into
// host-owned textures on the native render thread. Every renderer holds one
// reference on its Pump for as long as it is open.
type NativeRenderer struct {
	native Native
	pump   *Pump

	mu            sync.Mutex
	peer          Handle
	remoteEnabled bool
	localEnabled  bool
}

// NewNativeRenderer creates the native renderer for peer and takes a pump
// reference.
func NewNativeRenderer(n Native, pump *Pump, peer Handle) (*NativeRenderer, error) {
	if peer == 0 {
		return nil, fmt.Errorf("native renderer: %w", ErrInvalidNativeHandle)
	}
	// Logging and the render loop are up before the renderer exists.
	pump.AddRef()
	if err := n.NativeRendererCreate(peer).Err("NativeRendererCreate"); err != nil {
		pump.DecRef()
		return nil, err
	}
	Logger().Debug("native renderer created", zap.Stringer("peer", peer))
	return &NativeRenderer{native: n, pump: pump, peer: peer}, nil
}

// Peer returns the peer connection handle, or nil once closed.
func (r *NativeRenderer) Peer() Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peer
}

// EnableRemoteVideo starts rendering the remote video into textures.
func (r *NativeRenderer) EnableRemoteVideo(kind VideoKind, textures []TextureDesc) error {
	return r.enable(kind, textures, true)
}

// EnableLocalVideo starts rendering the local video into textures.
func (r *NativeRenderer) EnableLocalVideo(kind VideoKind, textures []TextureDesc) error {
	return r.enable(kind, textures, false)
}

// DisableRemoteVideo stops rendering the remote video.
func (r *NativeRenderer) DisableRemoteVideo() error {
	return r.disable(true)
}

// DisableLocalVideo stops rendering the local video.
func (r *NativeRenderer) DisableLocalVideo() error {
	return r.disable(false)
}

func (r *NativeRenderer) enable(kind VideoKind, textures []TextureDesc, remote bool) error {
	if err := validateTextures(kind, textures); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.peer == 0 {
		return ErrDisposed
	}
	if remote {
		if err := r.native.NativeRendererEnableRemoteVideo(r.peer, kind, textures).Err("NativeRendererEnableRemoteVideo"); err != nil {
			return err
		}
		r.remoteEnabled = true
	} else {
		if err := r.native.NativeRendererEnableLocalVideo(r.peer, kind, textures).Err("NativeRendererEnableLocalVideo"); err != nil {
			return err
		}
		r.localEnabled = true
	}
	return nil
}

func (r *NativeRenderer) disable(remote bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.peer == 0 {
		return ErrDisposed
	}
	return r.disableLocked(remote)
}

func (r *NativeRenderer) disableLocked(remote bool) error {
	if remote {
		if err := r.native.NativeRendererDisableRemoteVideo(r.peer).Err("NativeRendererDisableRemoteVideo"); err != nil {
			return err
		}
		r.remoteEnabled = false
		return nil
	}
	if err := r.native.NativeRendererDisableLocalVideo(r.peer).Err("NativeRendererDisableLocalVideo"); err != nil {
		return err
	}
	r.localEnabled = false
	return nil
}

// Close disables any enabled video, destroys the native renderer and drops
// the pump reference. Only the first call does any work.
func (r *NativeRenderer) Close() error {
	r.mu.Lock()
	if r.peer == 0 {
		r.mu.Unlock()
		return nil
	}
	var err error
	if r.remoteEnabled {
		err = multierr.Append(err, r.disableLocked(true))
	}
	if r.localEnabled {
		err = multierr.Append(err, r.disableLocked(false))
	}
	err = multierr.Append(err, r.native.NativeRendererDestroy(r.peer).Err("NativeRendererDestroy"))
	peer := r.peer
	r.peer = 0
	r.mu.Unlock()

	r.pump.DecRef()
	if err != nil {
		Logger().Warn("native renderer closed with errors", zap.Stringer("peer", peer), zap.Error(err))
	}
	return err
}

func validateTextures(kind VideoKind, textures []TextureDesc) error {
	want := kind.TextureCount()
	if want == 0 {
		return fmt.Errorf("video kind %s: %w", kind, ErrInvalidParameter)
	}
	if len(textures) != want {
		return fmt.Errorf("%s video needs %d textures, got %d: %w", kind, want, len(textures), ErrInvalidParameter)
	}
	for i, t := range textures {
		if t.Texture == 0 || t.Width <= 0 || t.Height <= 0 {
			return fmt.Errorf("texture %d invalid (%#x %dx%d): %w", i, t.Texture, t.Width, t.Height, ErrInvalidParameter)
		}
	}
	return nil
}
