package mrbridge

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// LogBridge forwards native log output to zap. There is one bridge per Native
// for the lifetime of the process, shared by the pump and the factories, so
// the native side receives its logging callbacks exactly once.
type LogBridge struct {
	native Native
	logger atomic.Pointer[zap.Logger] // nil: package Logger() at call time

	mu         sync.Mutex
	registered bool
}

var (
	logBridgesMu sync.Mutex
	logBridges   = make(map[Native]*LogBridge)
)

// LogBridgeFor returns the log bridge of n, creating it on first use. A
// non-nil logger becomes the destination of forwarded lines; nil keeps the
// current one. Entries are never replaced.
func LogBridgeFor(n Native, logger *zap.Logger) *LogBridge {
	b := processLogBridge(n)
	if logger != nil {
		b.SetLogger(logger)
	}
	return b
}

func processLogBridge(n Native) *LogBridge {
	logBridgesMu.Lock()
	defer logBridgesMu.Unlock()
	b, ok := logBridges[n]
	if !ok {
		b = &LogBridge{native: n}
		logBridges[n] = b
	}
	return b
}

// SetLogger redirects forwarded lines to l; nil restores the package logger.
// It takes effect without registering again.
func (b *LogBridge) SetLogger(l *zap.Logger) {
	b.logger.Store(l)
}

// Register installs the native logging callbacks. It reports whether this
// call performed the registration; later calls are no-ops.
func (b *LogBridge) Register() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.registered {
		return false
	}
	b.registered = true
	b.native.SetLoggingFunctions(b.logDebug, b.logWarning, b.logError)
	return true
}

// Registered reports whether the callbacks were installed.
func (b *LogBridge) Registered() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.registered
}

func (b *LogBridge) log() *zap.Logger {
	if l := b.logger.Load(); l != nil {
		return l
	}
	return Logger()
}

func (b *LogBridge) logDebug(msg string) {
	b.log().Debug(msg, zap.String("source", "native"))
}

func (b *LogBridge) logWarning(msg string) {
	b.log().Warn(msg, zap.String("source", "native"))
}

func (b *LogBridge) logError(msg string) {
	b.log().Error(msg, zap.String("source", "native"))
}
