//go:build !nolog && debug
// +build !nolog,debug

package build

// LogLevel specifies a debug log level.
var LogLevel = "debug"
