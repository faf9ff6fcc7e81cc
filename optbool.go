package mrbridge

import "fmt"

// OptBool is a three-valued flag for native options that must distinguish
// "use the native default" from an explicit boolean. The zero value is unset.
type OptBool uint8

const (
	OptBoolUnset OptBool = iota // Use the native default
	OptBoolFalse                // Explicitly disabled
	OptBoolTrue                 // Explicitly enabled
)

// NativeOptBool is the native (mrsOptBool) representation of an OptBool.
type NativeOptBool int8

// Values from interop_api.h.
const (
	NativeOptBoolTrue  NativeOptBool = -1
	NativeOptBoolFalse NativeOptBool = 0
	NativeOptBoolUnset NativeOptBool = -86 // 0xAA
)

// OptBoolOf returns the explicit OptBool for v.
func OptBoolOf(v bool) OptBool {
	if v {
		return OptBoolTrue
	}
	return OptBoolFalse
}

// OptBoolFrom converts a nullable bool; nil maps to OptBoolUnset.
func OptBoolFrom(v *bool) OptBool {
	if v == nil {
		return OptBoolUnset
	}
	return OptBoolOf(*v)
}

// IsSet reports whether b carries an explicit value.
func (b OptBool) IsSet() bool { return b == OptBoolFalse || b == OptBoolTrue }

// Ptr returns b as a nullable bool.
func (b OptBool) Ptr() *bool {
	switch b {
	case OptBoolTrue:
		v := true
		return &v
	case OptBoolFalse:
		v := false
		return &v
	default:
		return nil
	}
}

// Native marshals b into its native representation.
func (b OptBool) Native() NativeOptBool {
	switch b {
	case OptBoolTrue:
		return NativeOptBoolTrue
	case OptBoolFalse:
		return NativeOptBoolFalse
	default:
		return NativeOptBoolUnset
	}
}

// OptBool unmarshals a native value. Anything other than the true/false
// encodings is treated as unset, matching the native side.
func (n NativeOptBool) OptBool() OptBool {
	switch n {
	case NativeOptBoolTrue:
		return OptBoolTrue
	case NativeOptBoolFalse:
		return OptBoolFalse
	default:
		return OptBoolUnset
	}
}

func (b OptBool) String() string {
	switch b {
	case OptBoolTrue:
		return "true"
	case OptBoolFalse:
		return "false"
	default:
		return "unset"
	}
}

// MarshalText implements encoding.TextMarshaler (used by YAML and flags).
func (b OptBool) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *OptBool) UnmarshalText(text []byte) error {
	v, err := ParseOptBool(string(text))
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// ParseOptBool parses "unset", "default", "" (unset), "true"/"on"/"1" and
// "false"/"off"/"0".
func ParseOptBool(s string) (OptBool, error) {
	switch s {
	case "", "unset", "default":
		return OptBoolUnset, nil
	case "true", "on", "1", "yes":
		return OptBoolTrue, nil
	case "false", "off", "0", "no":
		return OptBoolFalse, nil
	}
	return OptBoolUnset, fmt.Errorf("invalid tri-state value %q", s)
}
