//go:build !windows

package util

import (
	"os"
	"syscall"
)

// ShutdownSignals returns the signals that stop the recorder. An active
// recording is stopped and finalized before exit.
func ShutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

// GracefulSignal asks a capture process to stop. arecord and ffmpeg release
// the device and flush buffered audio on SIGINT.
func GracefulSignal(p *os.Process) error {
	return p.Signal(syscall.SIGINT)
}
