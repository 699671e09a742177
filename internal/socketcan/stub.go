//go:build !linux

package socketcan

import (
	"errors"

	"github.com/cannelloni-go/cannelloni/internal/can"
)

// ErrUnsupported is returned by Open on platforms without SocketCAN so
// the rest of the tree still builds; ReadFrame/WriteFrame are never
// reachable since Open always fails.
var ErrUnsupported = errors.New("socketcan: not supported on this platform")

// Device is a placeholder satisfying candevice.Device on non-Linux
// builds; it is never constructed because Open always returns an error.
type Device struct{}

func Open(iface string) (*Device, error) { return nil, ErrUnsupported }

func (d *Device) Close() error                 { return ErrUnsupported }
func (d *Device) ReadFrame(fr *can.Frame) error { return ErrUnsupported }
func (d *Device) WriteFrame(fr can.Frame) error { return ErrUnsupported }
