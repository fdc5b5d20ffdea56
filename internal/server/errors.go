package server

import "errors"

// Server-specific errors
var (
	ErrServerClosed         = errors.New("server is closed")
	ErrServerNotRunning     = errors.New("server is not running")
	ErrServerAlreadyRunning = errors.New("server is already running")

	// ErrPluginLoadFailed wraps a Start failure coming from plugin
	// discovery under abi_tag_policy=strict, so callers can distinguish
	// it from a transport/runtime failure (spec.md §6 exit code 2).
	ErrPluginLoadFailed = errors.New("plugin load failed")
	// ErrFatalRuntime wraps a Start failure coming from bringing up a
	// network transport, so callers can distinguish it from a plugin
	// load failure (spec.md §6 exit code 3).
	ErrFatalRuntime = errors.New("fatal runtime error")
)
