package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	remoteAddr      string
	localAddr       string
	canIf           string
	flushTimeoutMs  int
	debugCAN        bool
	debugUDP        bool
	debugTimer      bool
	debugBuffer     bool
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	backend         string
	serialDevice    string
	serialBaud      int
	canBitrateKbps  int
	mdnsEnable      bool
	mdnsName        string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	remote := flag.String("remote", "", "Remote peer address, host:port (UDP destination and only accepted source)")
	local := flag.String("local", ":20000", "Local bind address, host:port")
	canIf := flag.String("can-if", "can0", "SocketCAN interface name (when --backend=socketcan)")
	flushTimeoutMs := flag.Int("flush-timeout-ms", 100, "UDP aggregation flush timeout in milliseconds (1..60000)")
	debugCAN := flag.Bool("debug-can", false, "Log every CAN frame read from or written to the local bus")
	debugUDP := flag.Bool("debug-udp", false, "Log every UDP datagram sent to or received from the remote peer")
	debugTimer := flag.Bool("debug-timer", false, "Log every UDP flush timer expiration")
	debugBuffer := flag.Bool("debug-buffer", false, "Log frame pool growth and pool/buffer sizes on shutdown")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	backend := flag.String("backend", "socketcan", "Local CAN backend: socketcan|slcan")
	serialDevice := flag.String("serial-device", "/dev/ttyUSB0", "Serial device path (when --backend=slcan)")
	serialBaud := flag.Int("serial-baud", 115200, "Serial baud rate (when --backend=slcan)")
	canBitrate := flag.Int("can-bitrate-kbps", 500, "Nominal CAN bus bitrate in kbit/s to configure on an slcan adapter")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS advertisement of this tunnel endpoint")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default cannellonid-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.remoteAddr = *remote
	cfg.localAddr = *local
	cfg.canIf = *canIf
	cfg.flushTimeoutMs = *flushTimeoutMs
	cfg.debugCAN = *debugCAN
	cfg.debugUDP = *debugUDP
	cfg.debugTimer = *debugTimer
	cfg.debugBuffer = *debugBuffer
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.backend = *backend
	cfg.serialDevice = *serialDevice
	cfg.serialBaud = *serialBaud
	cfg.canBitrateKbps = *canBitrate
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs semantic validation of the parsed configuration.
// It does not open any socket or device — only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if c.remoteAddr == "" {
		return errors.New("remote address is required")
	}
	if _, err := net.ResolveUDPAddr("udp4", c.remoteAddr); err != nil {
		return fmt.Errorf("invalid remote address %q: %w", c.remoteAddr, err)
	}
	if _, err := net.ResolveUDPAddr("udp4", c.localAddr); err != nil {
		return fmt.Errorf("invalid local address %q: %w", c.localAddr, err)
	}
	if c.flushTimeoutMs < 1 || c.flushTimeoutMs > 60000 {
		return fmt.Errorf("flush-timeout-ms must be in 1..60000 (got %d)", c.flushTimeoutMs)
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.backend {
	case "socketcan":
		if c.canIf == "" {
			return errors.New("can-if must be set for backend=socketcan")
		}
	case "slcan":
		if c.serialDevice == "" {
			return errors.New("serial-device must be set for backend=slcan")
		}
		if c.serialBaud <= 0 {
			return fmt.Errorf("serial-baud must be > 0 (got %d)", c.serialBaud)
		}
	default:
		return fmt.Errorf("invalid backend: %s (use socketcan|slcan)", c.backend)
	}
	if c.logMetricsEvery < 0 {
		return errors.New("log-metrics-interval must be >= 0")
	}
	return nil
}

// applyEnvOverrides maps CANNELLONI_* environment variables to config
// fields unless the corresponding flag was explicitly set on the
// command line, in which case the flag wins. Parsing is lax: empty
// values are ignored.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	str := func(flagName, envName string, dst *string) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(envName); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(flagName, envName string, dst *bool) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(envName); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			}
		}
	}
	integer := func(flagName, envName string, dst *int) {
		if _, ok := set[flagName]; ok {
			return
		}
		v, ok := get(envName)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", envName, err)
			}
			return
		}
		*dst = n
	}
	duration := func(flagName, envName string, dst *time.Duration) {
		if _, ok := set[flagName]; ok {
			return
		}
		v, ok := get(envName)
		if !ok || v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", envName, err)
			}
			return
		}
		*dst = d
	}

	str("remote", "CANNELLONI_REMOTE", &c.remoteAddr)
	str("local", "CANNELLONI_LOCAL", &c.localAddr)
	str("can-if", "CANNELLONI_CAN_IF", &c.canIf)
	integer("flush-timeout-ms", "CANNELLONI_FLUSH_TIMEOUT_MS", &c.flushTimeoutMs)
	boolean("debug-can", "CANNELLONI_DEBUG_CAN", &c.debugCAN)
	boolean("debug-udp", "CANNELLONI_DEBUG_UDP", &c.debugUDP)
	boolean("debug-timer", "CANNELLONI_DEBUG_TIMER", &c.debugTimer)
	boolean("debug-buffer", "CANNELLONI_DEBUG_BUFFER", &c.debugBuffer)
	str("log-format", "CANNELLONI_LOG_FORMAT", &c.logFormat)
	str("log-level", "CANNELLONI_LOG_LEVEL", &c.logLevel)
	str("metrics-addr", "CANNELLONI_METRICS_ADDR", &c.metricsAddr)
	duration("log-metrics-interval", "CANNELLONI_LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	str("backend", "CANNELLONI_BACKEND", &c.backend)
	str("serial-device", "CANNELLONI_SERIAL_DEVICE", &c.serialDevice)
	integer("serial-baud", "CANNELLONI_SERIAL_BAUD", &c.serialBaud)
	integer("can-bitrate-kbps", "CANNELLONI_CAN_BITRATE_KBPS", &c.canBitrateKbps)
	boolean("mdns-enable", "CANNELLONI_MDNS_ENABLE", &c.mdnsEnable)
	str("mdns-name", "CANNELLONI_MDNS_NAME", &c.mdnsName)

	return firstErr
}
