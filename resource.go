package mrbridge

import (
	"sync"

	"go.uber.org/zap"
)

// detachFunc tells the native side to stop using self. owner is nil for
// resources without a parent.
type detachFunc func(n Native, owner, self Handle) Result

// resource owns exactly one native handle, an optional owner handle and an
// optional callback anchor. It is kept separate from the public wrappers so
// that anchored callbacks can reach the handle state without keeping the
// wrapper (and its finalizer) alive.
type resource struct {
	native Native
	kind   string // Used in logs and errors
	detach detachFunc
	op     string // Native entry point used by detach

	mu      sync.Mutex
	handle  Handle
	owner   Handle
	anchor  *Anchor
	closing bool
}

func newResource(n Native, kind, op string, handle, owner Handle, anchor *Anchor, detach detachFunc) *resource {
	return &resource{
		native: n,
		kind:   kind,
		op:     op,
		detach: detach,
		handle: handle,
		owner:  owner,
		anchor: anchor,
	}
}

// current returns the owned handle, or ErrDisposed once disposal started.
func (r *resource) current() (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handle == 0 || r.closing {
		return 0, ErrDisposed
	}
	return r.handle, nil
}

// ownerHandle returns the cached owner handle (nil after disposal).
func (r *resource) ownerHandle() Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.owner
}

// dispose tears the resource down in order: detach from the owner, release
// the anchor, then null both handles. Only the first call does any work.
//
// When the detach call fails the anchor is deliberately left in the table: the
// native side may still call it, and a leak is recoverable where a freed
// callback is not.
func (r *resource) dispose() error {
	r.mu.Lock()
	if r.handle == 0 || r.closing {
		r.mu.Unlock()
		return nil
	}
	r.closing = true
	owner, self, anchor := r.owner, r.handle, r.anchor
	r.mu.Unlock()

	var err error
	if res := r.detach(r.native, owner, self); res != ResultSuccess {
		err = res.Err(r.op)
		Logger().Error("native detach failed, callback anchor kept alive",
			zap.String("kind", r.kind),
			zap.Stringer("owner", owner),
			zap.Stringer("handle", self),
			zap.Error(err))
	} else if anchor != nil {
		anchor.Release()
	}

	r.mu.Lock()
	r.handle = 0
	r.owner = 0
	r.anchor = nil
	r.mu.Unlock()

	Logger().Debug("native object disposed",
		zap.String("kind", r.kind),
		zap.Stringer("handle", self))
	return err
}

// disposed reports whether the handle has been released.
func (r *resource) disposed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handle == 0
}

func detachFromPeer(n Native, owner, self Handle) Result {
	return n.RemoveLocalVideoTrack(owner, self)
}

func releaseObject(n Native, _, self Handle) Result {
	n.ReleaseObject(self)
	return ResultSuccess
}
