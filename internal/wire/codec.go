// Package wire implements the cannelloni UDP datagram framing: a fixed
// header followed by a concatenation of variable-length CAN frame
// records. It is pure — no sockets, no goroutines, no locks — so the
// UDP Worker can call it directly from its own thread of control.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cannelloni-go/cannelloni/internal/can"
)

// Wire format constants. The trailing comment on each gives the name
// other cannelloni-speaking implementations use for the same on-the-wire
// quantity.
const (
	FrameVersion = 1 // CANNELLONI_FRAME_VERSION

	OpData = 0 // the only op code this core emits or accepts
	OpAck  = 1 // reserved
	OpNack = 2 // reserved

	FrameHeaderSize    = 5 // CANNELLONI_FRAME_BASE_SIZE: 4-byte id + 1-byte length
	DatagramHeaderSize = 5 // UDP_DATA_PACKET_BASE_SIZE: version+op+seq+count(2)

	PayloadSize       = 1472 // UDP_PAYLOAD_SIZE: practical ceiling under common MTUs
	ReceiveBufferSize = 2048 // RECEIVE_BUFFER_SIZE: >= PayloadSize with slack
)

// Errors returned by Decode. All are non-fatal to the caller's loop;
// see internal/udpworker for how each is handled.
var (
	ErrProtocolVersionMismatch = errors.New("wire: protocol version mismatch")
	ErrUnsupportedOpCode       = errors.New("wire: unsupported op code")
	ErrEmptyPayload            = errors.New("wire: empty payload")
	ErrTruncatedDatagram       = errors.New("wire: truncated datagram")
)

// Encode packs frames into one or more datagrams, each no larger than
// ceiling bytes, and returns the sequence number one past the last
// datagram emitted. Frames are never split across datagrams. Encode
// returns no datagrams for an empty input.
//
// Policy: greedily fill the current datagram; when the next frame
// would push it past ceiling, seal the datagram (finalizing its header
// with the accumulated count and the next sequence number) and start a
// fresh one with that frame.
func Encode(frames []can.Frame, ceiling int, seq uint8) (datagrams [][]byte, nextSeq uint8) {
	if len(frames) == 0 {
		return nil, seq
	}
	body := make([]byte, 0, ceiling)
	count := 0
	seal := func() {
		dg := make([]byte, 0, DatagramHeaderSize+len(body))
		dg = append(dg, FrameVersion, OpData, seq)
		var cnt [2]byte
		binary.BigEndian.PutUint16(cnt[:], uint16(count))
		dg = append(dg, cnt[:]...)
		dg = append(dg, body...)
		datagrams = append(datagrams, dg)
		seq++
		body = body[:0]
		count = 0
	}
	for _, f := range frames {
		frameSize := FrameHeaderSize + int(f.Len)
		if DatagramHeaderSize+len(body)+frameSize > ceiling {
			seal()
		}
		var idb [4]byte
		binary.BigEndian.PutUint32(idb[:], f.CANID)
		body = append(body, idb[:]...)
		body = append(body, f.Len)
		body = append(body, f.Data[:f.Len]...)
		count++
	}
	seal()
	return datagrams, seq
}

// Decode validates and parses a single received datagram. On any
// protocol error all frames already extracted from that datagram are
// discarded — Decode returns either the complete frame set or none.
func Decode(buf []byte) ([]can.Frame, error) {
	if len(buf) < DatagramHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncatedDatagram, len(buf))
	}
	version := buf[0]
	opCode := buf[1]
	count := binary.BigEndian.Uint16(buf[3:5])

	if version != FrameVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrProtocolVersionMismatch, version, FrameVersion)
	}
	if opCode != OpData {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedOpCode, opCode)
	}
	if count == 0 {
		return nil, ErrEmptyPayload
	}

	frames := make([]can.Frame, 0, count)
	pos := DatagramHeaderSize
	for i := uint16(0); i < count; i++ {
		if len(buf)-pos < FrameHeaderSize {
			return nil, fmt.Errorf("%w: frame %d header", ErrTruncatedDatagram, i)
		}
		id := binary.BigEndian.Uint32(buf[pos : pos+4])
		ln := buf[pos+4]
		if int(ln) > len(can.Frame{}.Data) || len(buf)-pos < FrameHeaderSize+int(ln) {
			return nil, fmt.Errorf("%w: frame %d payload", ErrTruncatedDatagram, i)
		}
		var f can.Frame
		f.CANID = id
		f.Len = ln
		copy(f.Data[:ln], buf[pos+FrameHeaderSize:pos+FrameHeaderSize+int(ln)])
		frames = append(frames, f)
		pos += FrameHeaderSize + int(ln)
	}
	return frames, nil
}

// Seq returns the sequence number carried by a datagram header without
// fully decoding it. Used only for logging/debugging.
func Seq(buf []byte) (uint8, bool) {
	if len(buf) < DatagramHeaderSize {
		return 0, false
	}
	return buf[2], true
}

// FrameCount returns the frame count carried by a datagram header
// without fully decoding it, so a caller that only needs to know how
// many frames a sealed datagram holds (e.g. to gate a TX counter on
// whether the send succeeded) doesn't have to re-derive datagram
// boundaries itself.
func FrameCount(buf []byte) (int, bool) {
	if len(buf) < DatagramHeaderSize {
		return 0, false
	}
	return int(binary.BigEndian.Uint16(buf[3:5])), true
}
