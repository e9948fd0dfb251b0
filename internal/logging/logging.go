// Package logging builds per-component structured loggers for the
// consensus core. The teacher's services each built their own
// *log.Logger with a fixed component prefix (e.g. "CONSENSUS_ENGINE: ");
// this package keeps the one-logger-per-component convention but backs it
// with zap so component identity becomes a structured field instead of a
// string prefix.
package logging

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu   sync.Mutex
	base *zap.Logger
)

// SetBase installs the root logger every component logger derives from.
// Call once at process startup; defaults to zap.NewProduction() if never
// called.
func SetBase(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	base = l
}

func rootLogger() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if base == nil {
		l, err := zap.NewProduction()
		if err != nil {
			l = zap.NewNop()
		}
		base = l
	}
	return base
}

// Named returns a child logger tagged with component, mirroring the
// teacher's "COMPONENT: " prefix convention as a structured field.
func Named(component string) *zap.Logger {
	return rootLogger().Named(component)
}
