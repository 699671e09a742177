// Package canworker implements the CAN Worker: the half of the tunnel
// that owns the local CAN bus device. It reads frames off the bus and
// hands them to its peer (the UDP Worker) one at a time, and it stages
// frames decoded from the remote peer into a buffer that it flushes to
// the bus on a short periodic timer.
package canworker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cannelloni-go/cannelloni/internal/can"
	"github.com/cannelloni-go/cannelloni/internal/candevice"
	"github.com/cannelloni-go/cannelloni/internal/logging"
	"github.com/cannelloni-go/cannelloni/internal/metrics"
	"github.com/cannelloni-go/cannelloni/internal/transport"
)

// Sentinel errors, classified per the tunnel's error taxonomy.
var (
	ErrDeviceOpenFailed = errors.New("canworker: device open failed")
	ErrAlreadyStarted   = errors.New("canworker: already started")
	ErrReadinessWait    = errors.New("canworker: readiness wait failed")
)

// DefaultFlushPeriod is CAN_TIMEOUT: the CAN side's flush cadence. It
// is short because the local bus has no MTU-equivalent ceiling the way
// the UDP side does, so latency alone governs the inbound-from-peer
// buffer's flush policy.
const DefaultFlushPeriod = 10 * time.Millisecond

// Worker owns the CAN device and the buffer of frames staged for it by
// the UDP Worker. It is created in "not started" state; Start moves it
// to "running", Stop moves it through "stopping" to "terminated".
type Worker struct {
	dev    candevice.Device
	peer   transport.UDPSink
	period time.Duration
	logger *slog.Logger
	debug  bool

	mu       sync.Mutex
	live     []can.Frame
	ticker   *time.Ticker
	waker    transport.Waker
	frameCh  chan can.Frame
	doneCh   chan struct{}
	failCh   chan struct{}
	running  atomic.Bool
	wg       sync.WaitGroup
	rxFrames atomic.Uint64
	txFrames atomic.Uint64

	errMu   sync.Mutex
	lastErr error
	errCh   chan error
}

// Option configures a Worker at construction time.
type Option func(*Worker)

// WithLogger overrides the default package logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithFlushPeriod overrides DefaultFlushPeriod.
func WithFlushPeriod(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.period = d
		}
	}
}

// WithDebug enables per-frame logging of bus reads and writes
// (spec's debug_can toggle).
func WithDebug(on bool) Option {
	return func(w *Worker) { w.debug = on }
}

// New constructs a CAN Worker around an already-opened device. The
// peer (the UDP Worker, addressed through transport.UDPSink) may be
// nil at construction and installed later with SetPeer, mirroring the
// mutual back-reference the two workers hold on each other; it must be
// set before Start is called.
func New(dev candevice.Device, peer transport.UDPSink, opts ...Option) *Worker {
	w := &Worker{
		dev:     dev,
		peer:    peer,
		period:  DefaultFlushPeriod,
		logger:  logging.L(),
		waker:   transport.NewWaker(),
		frameCh: make(chan can.Frame),
		doneCh:  make(chan struct{}),
		failCh:  make(chan struct{}),
		errCh:   make(chan error, 1),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// SetPeer installs the UDP Worker back-reference. Call before Start.
func (w *Worker) SetPeer(peer transport.UDPSink) { w.peer = peer }

// Errors reports fatal worker failures (ReadinessWaitFailed per
// SPEC_FULL.md §7): a send on this channel means readLoop hit a device
// error that was not caused by Stop, and the whole worker loop has
// exited. Callers should treat a receive here as a signal to Stop the
// worker (and, typically, its peer) rather than expect it to recover
// on its own.
func (w *Worker) Errors() <-chan error { return w.errCh }

// LastError returns the most recent fatal error, or nil if none has
// occurred.
func (w *Worker) LastError() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.lastErr
}

func (w *Worker) setError(err error) {
	if err == nil {
		return
	}
	w.errMu.Lock()
	w.lastErr = err
	w.errMu.Unlock()
	select {
	case w.errCh <- err:
	default:
	}
}

// Start creates the periodic flush timer and launches the reader and
// main-loop goroutines. It is an error to Start twice.
func (w *Worker) Start() error {
	if !w.running.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	w.ticker = time.NewTicker(w.period)
	w.wg.Add(2)
	go w.readLoop()
	go w.mainLoop()
	return nil
}

// readLoop blocks on the device, handing each frame it reads to the
// main loop over frameCh. A read error ends the loop; if it happened
// because Stop already closed the device this is the expected shutdown
// path. Otherwise it is the spec's ReadinessWaitFailed: fatal for the
// whole worker loop, not just this goroutine, so it is reported through
// Errors() and signaled to mainLoop via failCh instead of leaving
// mainLoop running deaf to the bus while it keeps flushing to a device
// that may no longer exist.
func (w *Worker) readLoop() {
	defer w.wg.Done()
	for {
		var fr can.Frame
		if err := w.dev.ReadFrame(&fr); err != nil {
			if !w.running.Load() {
				return
			}
			metrics.IncError(metrics.ErrCANRead)
			metrics.IncError(metrics.ErrReadinessWait)
			w.logger.Error("can_read_error", "error", err)
			w.setError(fmt.Errorf("%w: %v", ErrReadinessWait, err))
			close(w.failCh)
			return
		}
		select {
		case w.frameCh <- fr:
		case <-w.doneCh:
			return
		}
	}
}

// mainLoop is the single select over {frameCh, ticker.C, waker, failCh, doneCh}
// that drives both directions of the CAN side.
func (w *Worker) mainLoop() {
	defer w.wg.Done()
	defer w.ticker.Stop()
	for {
		select {
		case fr := <-w.frameCh:
			w.rxFrames.Add(1)
			metrics.IncCANRx()
			if w.debug {
				w.logger.Debug("can_rx_frame", "can_id", fmt.Sprintf("0x%X", fr.CANID), "len", fr.Len)
			}
			if w.peer != nil {
				if err := w.peer.SendCANFrame(fr); err != nil {
					w.logger.Warn("can_to_udp_admission_failed", "error", err)
				}
			}
		case <-w.ticker.C:
			w.flush()
		case <-w.waker:
			w.flush()
		case <-w.failCh:
			w.logger.Error("can_worker_exiting_on_read_failure")
			return
		case <-w.doneCh:
			return
		}
	}
}

// TransmitCANFrames appends frames, in order, to the live buffer and
// wakes the flush timer so they reach the bus without waiting for the
// next periodic tick. It implements transport.CANSink; the UDP Worker
// calls it once per decoded datagram.
func (w *Worker) TransmitCANFrames(frames []can.Frame) {
	if len(frames) == 0 {
		return
	}
	w.mu.Lock()
	w.live = append(w.live, frames...)
	w.mu.Unlock()
	w.waker.Fire()
}

// flush swaps the live buffer out under the lock and writes every
// frame to the device in admission order. A short write is logged and
// not retried, matching the spec's drop-on-failure policy exactly
// (see SPEC_FULL.md's design note on this open question).
func (w *Worker) flush() {
	w.mu.Lock()
	pending := w.live
	w.live = nil
	w.mu.Unlock()
	if len(pending) == 0 {
		return
	}
	for _, fr := range pending {
		if err := w.dev.WriteFrame(fr); err != nil {
			metrics.IncError(metrics.ErrCANWrite)
			w.logger.Error("can_write_error", "error", err, "can_id", fmt.Sprintf("0x%X", fr.CANID))
			continue
		}
		w.txFrames.Add(1)
		metrics.IncCANTx()
		if w.debug {
			w.logger.Debug("can_tx_frame", "can_id", fmt.Sprintf("0x%X", fr.CANID), "len", fr.Len)
		}
	}
}

// Stop flips the running flag, closes the device (unblocking readLoop
// with an error), fires the timer once to be certain mainLoop wakes,
// and joins both goroutines before logging the TX/RX summary.
func (w *Worker) Stop() {
	if !w.running.CompareAndSwap(true, false) {
		return
	}
	_ = w.dev.Close()
	close(w.doneCh)
	w.waker.Fire()
	w.wg.Wait()
	w.logger.Info("can_worker_summary", "tx", w.txFrames.Load(), "rx", w.rxFrames.Load())
}
