// Package metrics exposes Prometheus counters/gauges for the tunnel and
// a small HTTP surface (/metrics, /ready) for operators.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/cannelloni-go/cannelloni/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus series.
var (
	UDPRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cannelloni_udp_rx_frames_total",
		Help: "Total CAN frames decoded from datagrams received from the remote peer.",
	})
	UDPTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cannelloni_udp_tx_frames_total",
		Help: "Total CAN frames transmitted to the remote peer.",
	})
	UDPTxDatagrams = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cannelloni_udp_tx_datagrams_total",
		Help: "Total UDP datagrams sent to the remote peer.",
	})
	UDPRxDatagrams = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cannelloni_udp_rx_datagrams_total",
		Help: "Total UDP datagrams accepted from the remote peer.",
	})
	CANRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cannelloni_can_rx_frames_total",
		Help: "Total CAN frames read from the local bus.",
	})
	CANTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cannelloni_can_tx_frames_total",
		Help: "Total CAN frames written to the local bus.",
	})
	DroppedRemoteSource = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cannelloni_dropped_unexpected_source_total",
		Help: "Total datagrams dropped because they did not come from the configured remote peer.",
	})
	MalformedDatagrams = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cannelloni_malformed_datagrams_total",
		Help: "Total datagrams rejected by the wire codec (version/opcode/truncation).",
	})
	PoolTotalAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cannelloni_pool_total_allocated",
		Help: "Total frame slots ever allocated by the UDP worker's frame pool.",
	})
	PoolIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cannelloni_pool_idle",
		Help: "Idle frame slots currently available in the pool.",
	})
	BufferLiveSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cannelloni_udp_buffer_live_wire_size_bytes",
		Help: "Accumulated wire size of the live (not yet flushed) outbound UDP buffer.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cannelloni_build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cannelloni_errors_total",
		Help: "Error counters by subsystem/kind.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable values to bound cardinality).
const (
	ErrUDPRead       = "udp_read"
	ErrUDPWrite      = "udp_write"
	ErrCANRead       = "can_read"
	ErrCANWrite      = "can_write"
	ErrSocketSetup   = "socket_setup"
	ErrTimerSetup    = "timer_setup"
	ErrReadinessWait = "readiness_wait"
	ErrSerialWrite   = "serial_write"
	ErrSerialOver    = "serial_tx_overflow"
)

// Local mirrored counters for cheap in-process logging without scraping.
var (
	localUDPRx       uint64
	localUDPTx       uint64
	localCANRx       uint64
	localCANTx       uint64
	localMalformed   uint64
	localDroppedSrc  uint64
	localErrors      uint64
	localPoolTotal   uint64
	localPoolIdle    uint64
	localBufferBytes uint64
)

// Snapshot is a cheap copy of the local counters.
type Snapshot struct {
	UDPRx, UDPTx          uint64
	CANRx, CANTx          uint64
	Malformed, DroppedSrc uint64
	Errors                uint64
	PoolTotal, PoolIdle   uint64
	BufferBytes           uint64
}

func Snap() Snapshot {
	return Snapshot{
		UDPRx:       atomic.LoadUint64(&localUDPRx),
		UDPTx:       atomic.LoadUint64(&localUDPTx),
		CANRx:       atomic.LoadUint64(&localCANRx),
		CANTx:       atomic.LoadUint64(&localCANTx),
		Malformed:   atomic.LoadUint64(&localMalformed),
		DroppedSrc:  atomic.LoadUint64(&localDroppedSrc),
		Errors:      atomic.LoadUint64(&localErrors),
		PoolTotal:   atomic.LoadUint64(&localPoolTotal),
		PoolIdle:    atomic.LoadUint64(&localPoolIdle),
		BufferBytes: atomic.LoadUint64(&localBufferBytes),
	}
}

func IncUDPRx(n int) {
	UDPRxFrames.Add(float64(n))
	atomic.AddUint64(&localUDPRx, uint64(n))
}

func IncUDPTx(n int) {
	UDPTxFrames.Add(float64(n))
	atomic.AddUint64(&localUDPTx, uint64(n))
}

func IncUDPTxDatagram() { UDPTxDatagrams.Inc() }
func IncUDPRxDatagram() { UDPRxDatagrams.Inc() }

func IncCANRx() {
	CANRxFrames.Inc()
	atomic.AddUint64(&localCANRx, 1)
}

func IncCANTx() {
	CANTxFrames.Inc()
	atomic.AddUint64(&localCANTx, 1)
}

func IncDroppedSource() {
	DroppedRemoteSource.Inc()
	atomic.AddUint64(&localDroppedSrc, 1)
}

func IncMalformed() {
	MalformedDatagrams.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func SetPoolStats(idle, total int) {
	PoolIdle.Set(float64(idle))
	PoolTotalAllocated.Set(float64(total))
	atomic.StoreUint64(&localPoolIdle, uint64(idle))
	atomic.StoreUint64(&localPoolTotal, uint64(total))
}

func SetBufferLiveSize(n int) {
	BufferLiveSize.Set(float64(n))
	atomic.StoreUint64(&localBufferBytes, uint64(n))
}

// InitBuildInfo sets the build info gauge and pre-registers error label
// series so the first real error doesn't pay registration latency.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrUDPRead, ErrUDPWrite, ErrCANRead, ErrCANWrite,
		ErrSocketSetup, ErrTimerSetup, ErrReadinessWait,
		ErrSerialWrite, ErrSerialOver,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// StartHTTP serves Prometheus metrics and a readiness probe.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// SetReadinessFunc registers the function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}
