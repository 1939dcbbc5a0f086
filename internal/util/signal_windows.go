//go:build windows

package util

import "os"

// ShutdownSignals returns the signals that stop the recorder.
func ShutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// GracefulSignal stops a capture process. Child processes cannot receive
// an interrupt on Windows, so the process is killed and the device is
// released by the OS.
func GracefulSignal(p *os.Process) error {
	return p.Kill()
}
