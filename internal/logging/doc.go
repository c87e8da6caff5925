// Package logging provides structured logging with per-module log level configuration.
//
// # Usage
//
// Initialize once at startup, then ask for a module logger:
//
//	logging.Initialize(logging.Config{
//		Level:  "info",
//		Format: "text",
//		Modules: map[string]string{
//			"orchestrator": "debug",
//			"scheduler":    "warn",
//		},
//	})
//
//	logger := logging.GetLogger("orchestrator").With("stream_id", id)
//	logger.Info("Stream started", "pid", pid)
//
// Module levels can be changed at runtime with [SetModuleLevel].
//
// # Output Destinations
//
// Records go to stdout (text or json) when stdout is a terminal, pipe or file,
// to the systemd journal when journald is reachable, and always to an
// in-memory [RingBuffer] readable through [GetBuffer].
//
//	journalctl -t restreamer MODULE=orchestrator
//	journalctl -t restreamer STREAM_ID=abc -p warning
//
// [RingBuffer] is also used on its own to keep the recent output lines of
// each supervised encoder process.
package logging
