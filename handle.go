package mrbridge

import "fmt"

// Handle is an opaque token identifying one native-side object.
// The zero value means "no object". Handles are passed by value and never
// dereferenced on the host side.
type Handle uintptr

// IsNil reports whether h refers to no object.
func (h Handle) IsNil() bool { return h == 0 }

func (h Handle) String() string {
	if h == 0 {
		return "nil"
	}
	return fmt.Sprintf("0x%x", uintptr(h))
}
