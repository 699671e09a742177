// Package candevice defines the interface the CAN Worker drives a local
// bus backend through, so the worker's read/flush logic in
// internal/canworker is identical whether the backend is a SocketCAN
// raw socket or a serial-attached SLCAN adapter.
package candevice

import "github.com/cannelloni-go/cannelloni/internal/can"

// Device is the minimal surface the CAN Worker needs from a backend.
// Implemented by *socketcan.Device and *slcan.Device in production and
// by fakes in tests.
type Device interface {
	ReadFrame(*can.Frame) error
	WriteFrame(can.Frame) error
	Close() error
}
