package mrbridge

import (
	"sync"
	"sync/atomic"
)

// Anchor keeps a host value (usually a callback and its closure state) alive
// and reachable from a stable identifier while native code holds a
// registration for it. The identifier is what crosses the boundary as
// user_data; Go pointers never do.
//
// Release must only be called after the native side was told to stop using
// the registration.
type Anchor struct {
	id    uintptr
	value any

	// Guarded by anchorMu.
	refs    int
	retired bool
}

// Process-wide anchor table. IDs come from a monotonic counter so a released
// ID is never handed out again.
var (
	anchorMu  sync.Mutex
	anchorSeq atomic.Uintptr
	anchors   = make(map[uintptr]*Anchor)
)

// NewAnchor pins v in the anchor table.
func NewAnchor(v any) *Anchor {
	a := &Anchor{
		id:    anchorSeq.Add(1),
		value: v,
	}
	anchorMu.Lock()
	anchors[a.id] = a
	anchorMu.Unlock()
	return a
}

// ID returns the stable identifier to register with the native side.
func (a *Anchor) ID() uintptr { return a.id }

// Value returns the anchored value.
func (a *Anchor) Value() any { return a.value }

// Release retires the anchor. The table entry is dropped once no native
// invocation is using it. Releasing twice is a no-op.
func (a *Anchor) Release() {
	anchorMu.Lock()
	defer anchorMu.Unlock()
	if a.retired {
		return
	}
	a.retired = true
	if a.refs == 0 {
		delete(anchors, a.id)
	}
}

// Released reports whether Release was called.
func (a *Anchor) Released() bool {
	anchorMu.Lock()
	defer anchorMu.Unlock()
	return a.retired
}

// acquireAnchor looks up a live anchor for one native invocation; the caller
// must call done when the invocation returns.
func acquireAnchor(id uintptr) (*Anchor, bool) {
	anchorMu.Lock()
	defer anchorMu.Unlock()
	a, ok := anchors[id]
	if !ok || a.retired {
		return nil, false
	}
	a.refs++
	return a, true
}

func (a *Anchor) done() {
	anchorMu.Lock()
	defer anchorMu.Unlock()
	a.refs--
	if a.refs == 0 && a.retired {
		delete(anchors, a.id)
	}
}

// AnchorCount returns the number of anchors still in the table.
// Useful for leak checks in tests.
func AnchorCount() int {
	anchorMu.Lock()
	defer anchorMu.Unlock()
	return len(anchors)
}
