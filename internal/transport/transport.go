// Package transport holds the small interfaces the two workers use to
// address each other, and the Waker fireTimer primitive they share.
package transport

import "github.com/cannelloni-go/cannelloni/internal/can"

// FrameSink is a generic CAN frame transmission target. No type in this
// module implements it: backend Devices expose WriteFrame and the UDP
// Worker's admission path is SendCANFrame (see UDPSink).
type FrameSink interface {
	SendFrame(can.Frame) error
}

// CANSink is what the UDP Worker holds a back-reference to: the CAN
// Worker's side of the hand-off, taking a decoded datagram's frames in
// one call and preserving their order.
type CANSink interface {
	TransmitCANFrames([]can.Frame)
}

// UDPSink is what the CAN Worker holds a back-reference to: the UDP
// Worker's outbound admission path, called once per frame read off the
// local bus.
type UDPSink interface {
	SendCANFrame(can.Frame) error
}

// Waker is the fireTimer primitive: a single-slot, non-blocking wake
// used to make a worker's periodic flush timer fire right now without
// touching its repeating interval. A producer that just made a buffer
// flushable calls Fire; the worker's select loop treats a receive from
// Waker exactly like a periodic tick. A pending, unconsumed wake makes
// a second Fire a no-op, so producers never block on it.
type Waker chan struct{}

// NewWaker returns a ready-to-use Waker.
func NewWaker() Waker { return make(Waker, 1) }

// Fire requests an immediate wake.
func (w Waker) Fire() {
	select {
	case w <- struct{}{}:
	default:
	}
}
