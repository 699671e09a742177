// Package slcan backs the serial local bus backend: an SLCAN adapter
// reached over github.com/tarm/serial. Classic SocketCAN hardware goes
// through internal/socketcan instead; this backend exists for boards
// that only expose a USB-CDC SLCAN interface.
package slcan

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cannelloni-go/cannelloni/internal/can"
	"github.com/cannelloni-go/cannelloni/internal/logging"
	"github.com/cannelloni-go/cannelloni/internal/metrics"
)

// ErrTxOverflow is returned by WriteFrame when the write queue is
// full; the frame is dropped, matching the SocketCAN backend's
// drop-on-failure policy.
var ErrTxOverflow = errors.New("slcan: tx overflow")

// txQueueDepth bounds how many frames may be queued ahead of the
// serial port before WriteFrame starts dropping. A USB-CDC SLCAN link
// runs far below SocketCAN line rate, so a writer that blocked the CAN
// Worker's flush loop on a slow port would stall the bus mirror; the
// queued writer goroutine keeps admission non-blocking instead.
const txQueueDepth = 64

// Device is a candevice.Device backed by an SLCAN adapter. Reads run
// synchronously in ReadFrame's own scan loop (mirroring the blocking
// read model the CAN Worker expects from every backend). Writes are
// funneled through a single dedicated goroutine (txLoop) so a slow or
// wedged serial port never blocks the CAN Worker's flush loop; the
// hand-off itself is the only thing that needs to be non-blocking, not
// the write, so a bounded channel plus one goroutine is all this
// backend needs.
type Device struct {
	port  Port
	inbuf []byte

	txCh     chan can.Frame
	txDone   chan struct{}
	txWG     sync.WaitGroup
	txClosed atomic.Bool
	txMu     sync.Mutex
}

// bitrateCode maps a nominal CAN bus bitrate in kbit/s to the SLCAN
// 'S' command's single hex digit. Unknown rates leave the adapter at
// its power-on default.
func bitrateCode(kbps int) (byte, bool) {
	switch kbps {
	case 10:
		return '0', true
	case 20:
		return '1', true
	case 50:
		return '2', true
	case 100:
		return '3', true
	case 125:
		return '4', true
	case 250:
		return '5', true
	case 500:
		return '6', true
	case 800:
		return '7', true
	case 1000:
		return '8', true
	default:
		return 0, false
	}
}

// Open opens the named serial device, configures the adapter's CAN
// bitrate (if recognized) and opens its CAN channel ("O\r"), and
// starts the write goroutine.
func Open(devicePath string, serialBaud, canBitrateKbps int) (*Device, error) {
	p, err := OpenPort(devicePath, serialBaud)
	if err != nil {
		return nil, fmt.Errorf("slcan: open %q: %w", devicePath, err)
	}
	if code, ok := bitrateCode(canBitrateKbps); ok {
		if _, err := p.Write([]byte{'S', code, '\r'}); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("slcan: set bitrate: %w", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := p.Write([]byte("O\r")); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("slcan: open channel: %w", err)
	}

	d := &Device{
		port:   p,
		txCh:   make(chan can.Frame, txQueueDepth),
		txDone: make(chan struct{}),
	}
	d.txWG.Add(1)
	go d.txLoop()
	return d, nil
}

// txLoop is the single goroutine that owns writes to the serial port.
// It drains txCh until Close closes txDone; frames still queued at that
// point are not written. Close never closes txCh itself.
func (d *Device) txLoop() {
	defer d.txWG.Done()
	for {
		select {
		case fr, ok := <-d.txCh:
			if !ok {
				return
			}
			if err := d.writeLine(fr); err != nil {
				metrics.IncError(metrics.ErrSerialWrite)
				logging.L().Error("slcan_write_error", "error", err)
			}
		case <-d.txDone:
			return
		}
	}
}

func (d *Device) writeLine(fr can.Frame) error {
	line := append(Encode(fr), '\r')
	n, err := d.port.Write(line)
	if err != nil {
		return err
	}
	if n != len(line) {
		return fmt.Errorf("short write: %d/%d", n, len(line))
	}
	return nil
}

// WriteFrame enqueues fr for asynchronous transmission. It returns
// ErrTxOverflow if the write queue is saturated and drops the frame;
// it does not report a serial write failure synchronously, since the
// write itself happens on txLoop (see writeLine's error handling
// above).
func (d *Device) WriteFrame(fr can.Frame) error {
	if d.txClosed.Load() {
		return ErrTxOverflow
	}
	d.txMu.Lock()
	defer d.txMu.Unlock()
	if d.txClosed.Load() {
		return ErrTxOverflow
	}
	select {
	case d.txCh <- fr:
		return nil
	default:
		metrics.IncError(metrics.ErrSerialOver)
		return ErrTxOverflow
	}
}

// ReadFrame blocks until it decodes one data-frame line from the
// adapter, skipping status replies, the bell byte, and malformed
// lines (counted as metrics.IncMalformed and resynchronized on the
// next carriage return). It returns the underlying port error once
// Close has closed the port.
func (d *Device) ReadFrame(out *can.Frame) error {
	chunk := make([]byte, 128)
	for {
		if idx := bytes.IndexByte(d.inbuf, 0x0D); idx >= 0 {
			line := d.inbuf[:idx]
			d.inbuf = d.inbuf[idx+1:]
			if len(line) == 0 {
				continue
			}
			switch line[0] {
			case 't', 'T':
				fr, err := Decode(line)
				if err != nil {
					metrics.IncMalformed()
					continue
				}
				*out = fr
				return nil
			default:
				continue
			}
		}
		n, err := d.port.Read(chunk)
		if err != nil {
			return err
		}
		if n > 0 {
			d.inbuf = append(d.inbuf, chunk[:n]...)
		}
	}
}

// Close stops the write goroutine, tells the adapter to close its CAN
// channel, and closes the serial port, unblocking ReadFrame. Taking
// txMu here, the same lock WriteFrame's admission check holds, means
// once Close returns no WriteFrame call can have admitted a frame
// after txClosed became visible as true.
func (d *Device) Close() error {
	d.txMu.Lock()
	if !d.txClosed.Swap(true) {
		close(d.txDone)
	}
	d.txMu.Unlock()
	d.txWG.Wait()
	_, _ = d.port.Write([]byte("C\r"))
	return d.port.Close()
}
