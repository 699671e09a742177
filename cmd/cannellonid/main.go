// Command cannellonid bridges one local CAN bus to one remote peer over
// UDP, aggregating frames in both directions under a hybrid timer-and-
// size flush policy. See internal/udpworker and internal/canworker for
// the two halves of the tunnel this binary wires together.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cannelloni-go/cannelloni/internal/canworker"
	"github.com/cannelloni-go/cannelloni/internal/metrics"
	"github.com/cannelloni-go/cannelloni/internal/udpworker"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("cannellonid %s (commit %s, built %s)\n", version, commit, date)
		return 0
	}
	if cfg == nil {
		return 2
	}

	logger := setupLogger(cfg.logFormat, cfg.logLevel)
	metrics.InitBuildInfo(version, commit, date)

	dev, err := openBackend(cfg)
	if err != nil {
		logger.Error("backend_open_failed", "error", err)
		return 1
	}

	remoteAddr, err := net.ResolveUDPAddr("udp4", cfg.remoteAddr)
	if err != nil {
		logger.Error("resolve_remote_failed", "error", err)
		return 1
	}
	localAddr, err := net.ResolveUDPAddr("udp4", cfg.localAddr)
	if err != nil {
		logger.Error("resolve_local_failed", "error", err)
		return 1
	}

	// The two workers hold mutual back-references; neither can be fully
	// constructed before the other exists, so the CAN Worker is built with
	// a nil peer, the UDP Worker is built pointing at it, and the CAN
	// Worker's peer is installed with SetPeer before either is started.
	can := canworker.New(dev, nil,
		canworker.WithLogger(logger),
		canworker.WithDebug(cfg.debugCAN),
	)
	udp := udpworker.New(remoteAddr, localAddr, can,
		udpworker.WithLogger(logger),
		udpworker.WithFlushTimeout(time.Duration(cfg.flushTimeoutMs)*time.Millisecond),
		udpworker.WithDebug(cfg.debugUDP, cfg.debugTimer, cfg.debugBuffer),
	)
	can.SetPeer(udp)

	if err := udp.Start(); err != nil {
		logger.Error("udp_worker_start_failed", "error", err)
		_ = dev.Close()
		return 1
	}
	if err := can.Start(); err != nil {
		logger.Error("can_worker_start_failed", "error", err)
		udp.Stop()
		return 1
	}
	logger.Info("tunnel_started",
		"remote", remoteAddr.String(),
		"local", udp.LocalAddr().String(),
		"backend", cfg.backend,
	)

	metrics.SetReadinessFunc(func() bool {
		return can.LastError() == nil && udp.LastError() == nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var bgWG sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, logger, &bgWG)

	var metricsSrv interface{ Shutdown(context.Context) error }
	if cfg.metricsAddr != "" {
		metricsSrv = metrics.StartHTTP(cfg.metricsAddr)
	}

	stopMDNS, err := startMDNS(ctx, cfg, localAddr.Port)
	if err != nil {
		logger.Warn("mdns_start_failed", "error", err)
		stopMDNS = func() {}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	// A fatal ReadinessWaitFailed on either worker's read side must wake
	// this select too, not just the signal — otherwise a dead worker
	// leaves the process running indefinitely with no way to notice.
	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("shutdown_signal", "signal", sig.String())
	case err := <-can.Errors():
		logger.Error("can_worker_failed", "error", err)
		exitCode = 1
	case err := <-udp.Errors():
		logger.Error("udp_worker_failed", "error", err)
		exitCode = 1
	}

	cancel()
	stopMDNS()
	can.Stop()
	udp.Stop()
	bgWG.Wait()
	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	logger.Info("shutdown_complete")
	return exitCode
}
