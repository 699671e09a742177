// Package udpworker implements the UDP Worker: the half of the tunnel
// that owns the UDP socket toward the remote peer. It aggregates
// outbound CAN frames into datagrams under a hybrid timer-and-size
// flush policy (see internal/wire for the framing and internal/pool
// for the frame reservoir this worker draws from), and it decodes
// inbound datagrams and hands the frames to its peer, the CAN Worker.
package udpworker

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cannelloni-go/cannelloni/internal/can"
	"github.com/cannelloni-go/cannelloni/internal/logging"
	"github.com/cannelloni-go/cannelloni/internal/metrics"
	"github.com/cannelloni-go/cannelloni/internal/pool"
	"github.com/cannelloni-go/cannelloni/internal/transport"
	"github.com/cannelloni-go/cannelloni/internal/wire"
)

// Sentinel errors, classified per the tunnel's error taxonomy.
var (
	ErrSocketSetupFailed = errors.New("udpworker: socket setup failed")
	ErrAlreadyStarted    = errors.New("udpworker: already started")
	ErrReadinessWait     = errors.New("udpworker: readiness wait failed")
)

// DefaultFramePoolSize is FRAME_POOL_SIZE: the initial number of
// pre-allocated frame slots.
const DefaultFramePoolSize = 16

// DefaultFlushTimeout is the spec's flush_timeout_ms default.
const DefaultFlushTimeout = 100 * time.Millisecond

type datagram struct {
	data []byte
	addr *net.UDPAddr
}

// udpConn is the subset of *net.UDPConn the worker needs. Addressing
// the socket through this interface, rather than the concrete type,
// lets tests substitute a fake conn that fails individual writes
// without opening a real socket — the same reason transport.CANSink
// and candevice.Device are interfaces rather than concrete types.
type udpConn interface {
	ReadFromUDP([]byte) (int, *net.UDPAddr, error)
	WriteToUDP([]byte, *net.UDPAddr) (int, error)
	Close() error
	LocalAddr() net.Addr
}

// Worker owns the UDP socket, the remote peer's address, and the
// outbound aggregation buffer. It is created in "not started" state;
// Start moves it to "running", Stop moves it through "stopping" to
// "terminated".
type Worker struct {
	remoteAddr atomic.Pointer[net.UDPAddr]
	localAddr  *net.UDPAddr
	peer       transport.CANSink
	pool       *pool.Pool
	period     time.Duration
	poolSize   int
	logger     *slog.Logger
	debugUDP   bool
	debugTimer bool
	debugBuf   bool

	conn udpConn

	mu       sync.Mutex
	live     []*can.Frame
	liveSize int
	seq      uint8

	ticker  *time.Ticker
	waker   transport.Waker
	readCh  chan datagram
	doneCh  chan struct{}
	failCh  chan struct{}
	running atomic.Bool
	wg      sync.WaitGroup

	errMu   sync.Mutex
	lastErr error
	errCh   chan error

	rxFrames atomic.Uint64
	txFrames atomic.Uint64
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

// WithFlushTimeout overrides DefaultFlushTimeout (spec's flush_timeout_ms).
func WithFlushTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.period = d
		}
	}
}

// WithPoolSize overrides DefaultFramePoolSize.
func WithPoolSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.poolSize = n
		}
	}
}

// WithDebug enables the spec's debug_udp, debug_timer and debug_buffer
// toggles independently.
func WithDebug(udp, timer, buffer bool) Option {
	return func(w *Worker) {
		w.debugUDP = udp
		w.debugTimer = timer
		w.debugBuf = buffer
	}
}

// New constructs a UDP Worker. remote is both the destination for
// transmissions and the only accepted source for receptions; local is
// the bind address. The peer (the CAN Worker, addressed through
// transport.CANSink) may be nil at construction and installed later
// with SetPeer; it must be set before Start is called.
func New(remote, local *net.UDPAddr, peer transport.CANSink, opts ...Option) *Worker {
	w := &Worker{
		localAddr: local,
		peer:      peer,
		period:    DefaultFlushTimeout,
		poolSize:  DefaultFramePoolSize,
		logger:    logging.L(),
		waker:     transport.NewWaker(),
		readCh:    make(chan datagram),
		doneCh:    make(chan struct{}),
		failCh:    make(chan struct{}),
		errCh:     make(chan error, 1),
	}
	w.remoteAddr.Store(remote)
	for _, o := range opts {
		o(w)
	}
	return w
}

// SetPeer installs the CAN Worker back-reference. Call before Start.
func (w *Worker) SetPeer(peer transport.CANSink) { w.peer = peer }

// Errors reports fatal worker failures (ReadinessWaitFailed per
// SPEC_FULL.md §7): a send on this channel means readLoop hit an error
// that was not caused by Stop, and the whole worker loop has exited.
// Callers should treat a receive here as a signal to Stop the worker
// (and, typically, its peer) rather than expect it to recover on its
// own.
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

// SetRemoteAddr updates the configured remote peer address. The core
// tunnel never calls this after Start — the remote is fixed for the
// worker's lifetime — but it lets a surrounding harness (such as a
// test that binds two loopback workers to each other) learn the
// peer's ephemeral port only after both sockets are open.
func (w *Worker) SetRemoteAddr(addr *net.UDPAddr) { w.remoteAddr.Store(addr) }

// Start pre-allocates the frame pool, opens and binds the UDP socket,
// creates the periodic flush timer, and launches the reader and
// main-loop goroutines.
func (w *Worker) Start() error {
	if !w.running.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	w.pool = pool.New(w.poolSize)
	conn, err := net.ListenUDP("udp4", w.localAddr)
	if err != nil {
		w.running.Store(false)
		metrics.IncError(metrics.ErrSocketSetup)
		return fmt.Errorf("%w: %v", ErrSocketSetupFailed, err)
	}
	w.conn = conn
	w.ticker = time.NewTicker(w.period)
	idle, total := w.pool.Stats()
	metrics.SetPoolStats(idle, total)
	w.wg.Add(2)
	go w.readLoop()
	go w.mainLoop()
	return nil
}

// readLoop blocks on the socket, copying each datagram (ReadFromUDP
// reuses its buffer across calls) and handing it to the main loop. A
// read error that happens while the worker is still meant to be
// running is fatal to the whole worker loop, not just this goroutine:
// it is reported through Errors() and signaled to mainLoop via failCh
// so the worker does not keep flushing outbound frames while deaf to
// new inbound data.
func (w *Worker) readLoop() {
	defer w.wg.Done()
	buf := make([]byte, wire.ReceiveBufferSize)
	for {
		n, addr, err := w.conn.ReadFromUDP(buf)
		if err != nil {
			if !w.running.Load() {
				return
			}
			metrics.IncError(metrics.ErrUDPRead)
			metrics.IncError(metrics.ErrReadinessWait)
			w.logger.Error("udp_read_error", "error", err)
			w.setError(fmt.Errorf("%w: %v", ErrReadinessWait, err))
			close(w.failCh)
			return
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		select {
		case w.readCh <- datagram{data: cp, addr: addr}:
		case <-w.doneCh:
			return
		}
	}
}

// mainLoop is the single select over {readCh, ticker.C, waker, failCh, doneCh}
// that drives both directions of the UDP side. No other source blocks
// the loop, per the spec's single-readiness-wait model.
func (w *Worker) mainLoop() {
	defer w.wg.Done()
	defer w.ticker.Stop()
	for {
		select {
		case dg := <-w.readCh:
			w.handleDatagram(dg)
		case <-w.ticker.C:
			if w.debugTimer {
				w.logger.Debug("udp_timer_fired")
			}
			w.flushIfNonEmpty()
		case <-w.waker:
			w.flushIfNonEmpty()
		case <-w.failCh:
			w.logger.Error("udp_worker_exiting_on_read_failure")
			return
		case <-w.doneCh:
			return
		}
	}
}

func (w *Worker) flushIfNonEmpty() {
	w.mu.Lock()
	nonEmpty := w.liveSize > 0
	w.mu.Unlock()
	if nonEmpty {
		w.flush()
	}
}

// handleDatagram validates the sender, decodes the datagram, and
// forwards any decoded frames to the peer in one call, preserving
// order.
func (w *Worker) handleDatagram(dg datagram) {
	remote := w.remoteAddr.Load()
	if !sameUDPAddr(dg.addr, remote) {
		metrics.IncDroppedSource()
		w.logger.Warn("udp_unexpected_source", "from", dg.addr.String(), "want", remote.String())
		return
	}
	metrics.IncUDPRxDatagram()
	frames, err := wire.Decode(dg.data)
	if err != nil {
		metrics.IncMalformed()
		switch {
		case errors.Is(err, wire.ErrEmptyPayload):
			w.logger.Info("udp_empty_payload")
		default:
			w.logger.Warn("udp_decode_error", "error", err)
		}
		return
	}
	w.rxFrames.Add(uint64(len(frames)))
	metrics.IncUDPRx(len(frames))
	if w.debugUDP {
		w.logger.Debug("udp_rx_datagram", "frames", len(frames), "from", dg.addr.String())
	}
	if w.peer != nil {
		w.peer.TransmitCANFrames(frames)
	}
}

func sameUDPAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

// SendCANFrame is the UDP Worker's outbound admission path, called
// once per frame read off the local bus by the CAN Worker. It
// implements transport.UDPSink.
func (w *Worker) SendCANFrame(fr can.Frame) error {
	slot, grew, total := w.pool.Reserve()
	if grew {
		idle, _ := w.pool.Stats()
		metrics.SetPoolStats(idle, total)
		if w.debugBuf {
			w.logger.Debug("pool_grew", "total", total)
		}
	}
	*slot = fr

	w.mu.Lock()
	w.live = append(w.live, slot)
	w.liveSize += wire.FrameHeaderSize + int(fr.Len)
	size := w.liveSize
	w.mu.Unlock()
	metrics.SetBufferLiveSize(size)

	if wire.DatagramHeaderSize+size >= wire.PayloadSize {
		w.waker.Fire()
	}
	return nil
}

// byPtrOrder sorts pointers to pool slots using the same comparator
// can.ByOrder applies to values, so the flush path can sort in place
// without copying frames out of the pool first.
type byPtrOrder []*can.Frame

func (s byPtrOrder) Len() int           { return len(s) }
func (s byPtrOrder) Less(i, j int) bool { return can.Less(*s[i], *s[j]) }
func (s byPtrOrder) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

// flush swaps the live buffer out under the lock (the in-flight
// counterpart of spec 4.2/4.4 is simply local ownership of the slice
// taken out of the struct — no contents are copied), sorts it by the
// frame comparator, serializes it into one or more datagrams, and
// transmits each. Slots are returned to the pool once transmission of
// all of them has been attempted.
func (w *Worker) flush() {
	w.mu.Lock()
	pending := w.live
	w.live = nil
	w.liveSize = 0
	w.mu.Unlock()
	if len(pending) == 0 {
		return
	}
	metrics.SetBufferLiveSize(0)

	sort.Sort(byPtrOrder(pending))
	frames := make([]can.Frame, len(pending))
	for i, slot := range pending {
		frames[i] = *slot
	}

	datagrams, nextSeq := wire.Encode(frames, wire.PayloadSize, w.seq)
	w.seq = nextSeq
	remote := w.remoteAddr.Load()
	sentFrames := 0
	for _, dg := range datagrams {
		n, err := w.conn.WriteToUDP(dg, remote)
		if err != nil {
			metrics.IncError(metrics.ErrUDPWrite)
			w.logger.Error("udp_write_error", "error", err)
			continue
		}
		if n != len(dg) {
			metrics.IncError(metrics.ErrUDPWrite)
			w.logger.Error("udp_short_write", "sent", n, "want", len(dg))
			continue
		}
		metrics.IncUDPTxDatagram()
		// Only a sealed, successfully-sent datagram's frames count as
		// transmitted; a failed or short write is logged and dropped,
		// not retried, so its frames must not inflate the TX counter.
		if count, ok := wire.FrameCount(dg); ok {
			sentFrames += count
		}
	}
	w.txFrames.Add(uint64(sentFrames))
	metrics.IncUDPTx(sentFrames)
	if w.debugUDP {
		w.logger.Debug("udp_tx_flush", "frames", len(frames), "sent", sentFrames, "datagrams", len(datagrams))
	}

	w.pool.Return(pending)
	idle, total := w.pool.Stats()
	metrics.SetPoolStats(idle, total)
}

// Stop flips the running flag, closes the socket (unblocking readLoop
// with an error), fires the timer once, joins both goroutines, logs
// the TX/RX summary and releases the pool.
func (w *Worker) Stop() {
	if !w.running.CompareAndSwap(true, false) {
		return
	}
	_ = w.conn.Close()
	close(w.doneCh)
	w.waker.Fire()
	w.wg.Wait()
	idle, total := w.pool.Stats()
	if w.debugBuf {
		w.mu.Lock()
		liveFrames, liveSize := len(w.live), w.liveSize
		w.mu.Unlock()
		w.logger.Debug("udp_pool_at_shutdown", "idle", idle, "total", total,
			"buffer_frames", liveFrames, "buffer_bytes", liveSize)
	}
	w.logger.Info("udp_worker_summary", "tx", w.txFrames.Load(), "rx", w.rxFrames.Load())
	w.pool.Clear()
}

// LocalAddr reports the socket's bound address once Start has
// succeeded; it is primarily useful in tests that bind to port 0.
func (w *Worker) LocalAddr() *net.UDPAddr {
	if w.conn == nil {
		return nil
	}
	addr, _ := w.conn.LocalAddr().(*net.UDPAddr)
	return addr
}
