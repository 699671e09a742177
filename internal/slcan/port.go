package slcan

import (
	"time"

	"github.com/tarm/serial"
)

// Port abstracts tarm/serial for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// OpenPort opens the named serial device at baud, with a read
// deadline short enough that Device.ReadFrame's scan loop notices a
// Close promptly.
func OpenPort(name string, baud int) (Port, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: 200 * time.Millisecond}
	return serial.OpenPort(cfg)
}
