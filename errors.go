package mrbridge

import (
	"errors"
	"fmt"
)

// Result is a status code returned by the native pipeline (mrsResult).
// Zero is success; every other value aborts the operation that produced it.
type Result uint32

const (
	ResultSuccess               Result = 0
	ResultUnknownError          Result = 0x80000000
	ResultInvalidParameter      Result = 0x80000001
	ResultInvalidOperation      Result = 0x80000002
	ResultWrongThread           Result = 0x80000003
	ResultNotFound              Result = 0x80000004
	ResultInvalidNativeHandle   Result = 0x80000005
	ResultNotInitialized        Result = 0x80000006
	ResultUnsupported           Result = 0x80000007
	ResultOutOfRange            Result = 0x80000008
	ResultBufferTooSmall        Result = 0x80000009
	ResultPeerConnectionClosed  Result = 0x80000101
	ResultInvalidMediaKind      Result = 0x80000401
	ResultAudioResamplingFailed Result = 0x80000402
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultUnknownError:
		return "unknown error"
	case ResultInvalidParameter:
		return "invalid parameter"
	case ResultInvalidOperation:
		return "invalid operation"
	case ResultWrongThread:
		return "wrong thread"
	case ResultNotFound:
		return "not found"
	case ResultInvalidNativeHandle:
		return "invalid native handle"
	case ResultNotInitialized:
		return "not initialized"
	case ResultUnsupported:
		return "unsupported"
	case ResultOutOfRange:
		return "out of range"
	case ResultBufferTooSmall:
		return "buffer too small"
	case ResultPeerConnectionClosed:
		return "peer connection closed"
	case ResultInvalidMediaKind:
		return "invalid media kind"
	case ResultAudioResamplingFailed:
		return "audio resampling not supported"
	default:
		return "unknown result"
	}
}

// Err translates r into a host-visible error for operation op.
// It returns nil for ResultSuccess.
func (r Result) Err(op string) error {
	if r == ResultSuccess {
		return nil
	}
	return &NativeError{Op: op, Code: r}
}

// NativeError is a failed native call. The sentinel kind errors below match any
// NativeError with the same code through errors.Is.
type NativeError struct {
	Op   string // Native entry point or bridge operation
	Code Result // Native status code
}

func (e *NativeError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("mrbridge: %s (0x%08x)", e.Code, uint32(e.Code))
	}
	return fmt.Sprintf("mrbridge: %s: %s (0x%08x)", e.Op, e.Code, uint32(e.Code))
}

// Is matches kind sentinels (NativeError values without an Op).
func (e *NativeError) Is(target error) bool {
	t, ok := target.(*NativeError)
	if !ok {
		return false
	}
	if t.Op == "" {
		return t.Code == e.Code
	}
	return t.Op == e.Op && t.Code == e.Code
}

// Kind sentinels for native failures.
var (
	ErrUnknown              = &NativeError{Code: ResultUnknownError}
	ErrInvalidParameter     = &NativeError{Code: ResultInvalidParameter}
	ErrInvalidOperation     = &NativeError{Code: ResultInvalidOperation}
	ErrWrongThread          = &NativeError{Code: ResultWrongThread}
	ErrNotFound             = &NativeError{Code: ResultNotFound}
	ErrInvalidNativeHandle  = &NativeError{Code: ResultInvalidNativeHandle}
	ErrNotInitialized       = &NativeError{Code: ResultNotInitialized}
	ErrUnsupported          = &NativeError{Code: ResultUnsupported}
	ErrPeerConnectionClosed = &NativeError{Code: ResultPeerConnectionClosed}
)

// Bridge-side errors.
var (
	// ErrDisposed is returned by operations on a wrapper whose handle was released.
	ErrDisposed = errors.New("mrbridge: object disposed")

	// ErrHandleMismatch is returned when a frame request targets a handle that is
	// no longer the current handle of its source.
	ErrHandleMismatch = errors.New("mrbridge: frame request handle does not match source")

	// ErrRequestCompleted is returned by a second Complete on the same request.
	ErrRequestCompleted = errors.New("mrbridge: frame request already completed")

	// ErrRequestExpired is returned by Complete after the request handler returned.
	ErrRequestExpired = errors.New("mrbridge: frame request expired")

	// ErrInvalidFrame is returned when a frame does not match the source format.
	ErrInvalidFrame = errors.New("mrbridge: invalid video frame")

	// ErrLibraryNotLoaded is returned when the native libraries are unavailable.
	ErrLibraryNotLoaded = errors.New("mrbridge: native library not loaded")

	// ErrNotSupported is returned when an optional operation is not supported.
	ErrNotSupported = errors.New("mrbridge: operation not supported")
)
