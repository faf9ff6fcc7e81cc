//go:build !darwin && !linux

package mrbridge

import "fmt"

// LoadNative reports that no native binding exists for this platform. Install
// another implementation with UseNative.
func LoadNative(Config) (Native, error) {
	return nil, fmt.Errorf("%w: no native binding for this platform", ErrNotSupported)
}

// LoadedLibraryPath returns "" on platforms without a native binding.
func LoadedLibraryPath() string { return "" }
