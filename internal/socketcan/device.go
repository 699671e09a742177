//go:build linux

// Package socketcan implements the primary local bus backend: a raw
// AF_CAN/SOCK_RAW socket bound to a named SocketCAN interface.
package socketcan

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/cannelloni-go/cannelloni/internal/can"
)

// Device owns one raw CAN socket bound to a single interface.
type Device struct {
	fd int
}

// Open resolves iface to an interface index, opens a raw CAN socket,
// disables CAN FD framing (classic frames only, per the wire format),
// and binds it.
func Open(iface string) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil {
		if err != unix.ENOPROTOOPT {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("disable CAN FD: %w", err)
		}
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	sa := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	return &Device{fd: fd}, nil
}

// Close shuts down and closes the underlying socket, unblocking any
// goroutine currently parked in ReadFrame.
func (d *Device) Close() error {
	_ = unix.Shutdown(d.fd, unix.SHUT_RDWR)
	return unix.Close(d.fd)
}

// ReadFrame reads one classic CAN frame from the raw CAN socket.
func (d *Device) ReadFrame(fr *can.Frame) error {
	var buf [unix.CAN_MTU]byte // classic CAN MTU = 16 bytes
	n, err := unix.Read(d.fd, buf[:])
	if err != nil {
		return err
	}
	if n != unix.CAN_MTU {
		return fmt.Errorf("short read: %d", n)
	}

	// struct can_frame (linux/can.h):
	//   can_id  u32   [0:4]  (includes EFF/RTR/ERR flags)
	//   can_dlc u8    [4]
	//   pad     3B    [5:8]
	//   data    [8]   [8:16]
	//
	// The kernel provides these fields in host byte order; on every
	// architecture this binary actually targets that is little-endian.
	id := binary.LittleEndian.Uint32(buf[0:4])
	dlc := int(buf[4])
	if dlc > 8 {
		dlc = 8
	}

	fr.CANID = id
	fr.Len = uint8(dlc)
	copy(fr.Data[:], buf[8:8+dlc])
	return nil
}

// WriteFrame writes one classic CAN frame to the raw CAN socket.
func (d *Device) WriteFrame(fr can.Frame) error {
	var buf [unix.CAN_MTU]byte
	binary.LittleEndian.PutUint32(buf[0:4], fr.CANID)
	buf[4] = fr.Len
	copy(buf[8:], fr.Data[:fr.Len])
	n, err := unix.Write(d.fd, buf[:])
	if err != nil {
		return err
	}
	if n != unix.CAN_MTU {
		return fmt.Errorf("short write: %d", n)
	}
	return nil
}
