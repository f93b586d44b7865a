package serialmux

import "io"

// SerialPorter is the minimal surface of a serial port. go.bug.st/serial
// ports satisfy it, as do the in-memory ports used by the simulator.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}
