// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package build

import (
	"os"
	"sync"

	"github.com/btcsuite/btclog"
)

// LogType is an indicating the type of logging specified by the build flag.
type LogType byte

const (
	// LogTypeNone indicates no logging.
	LogTypeNone LogType = iota

	// LogTypeStdOut all logging is written directly to stdout.
	LogTypeStdOut

	// LogTypeDefault logs to both stdout and the daemon's rotating log
	// file.
	LogTypeDefault
)

// String returns a human readable identifier for the logging type.
func (t LogType) String() string {
	switch t {
	case LogTypeNone:
		return "none"
	case LogTypeStdOut:
		return "stdout"
	case LogTypeDefault:
		return "default"
	default:
		return "unknown"
	}
}

var (
	stdoutOnce    sync.Once
	stdoutBackend *btclog.Backend
)

// ParseLevel returns the level named by s, falling back to info for names
// btclog does not know.
func ParseLevel(s string) btclog.Level {
	level, ok := btclog.LevelFromString(s)
	if !ok {
		return btclog.LevelInfo
	}
	return level
}

// NewSubLogger constructs a logger for subsystem.  Production builds and the
// daemon use genSubLogger so every subsystem shares the daemon's backend; a
// nil genSubLogger disables the subsystem.  Development builds logging to
// stdout, as used by unit tests, write through one shared stdout backend at
// the level selected by build tags.
func NewSubLogger(subsystem string,
	genSubLogger func(string) btclog.Logger) btclog.Logger {

	useGen := Deployment == Production ||
		LoggingType == LogTypeDefault
	if useGen {
		if genSubLogger == nil {
			return btclog.Disabled
		}
		return genSubLogger(subsystem)
	}

	if LoggingType != LogTypeStdOut {
		return btclog.Disabled
	}

	stdoutOnce.Do(func() {
		stdoutBackend = btclog.NewBackend(os.Stdout)
	})
	logger := stdoutBackend.Logger(subsystem)
	logger.SetLevel(ParseLevel(LogLevel))
	return logger
}
