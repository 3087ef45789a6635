//go:build nolog
// +build nolog

package build

// LogLevel is unused when logging is compiled out.
var LogLevel = "off"

// LoggingType is a log type that disables all logging.
const LoggingType = LogTypeNone
