package main

import (
	"os"
	"testing"
	"time"
)

func setenv(t *testing.T, k, v string) {
	t.Helper()
	old, hadOld := os.LookupEnv(k)
	if err := os.Setenv(k, v); err != nil {
		t.Fatalf("setenv %s: %v", k, err)
	}
	t.Cleanup(func() {
		if hadOld {
			_ = os.Setenv(k, old)
		} else {
			_ = os.Unsetenv(k)
		}
	})
}

func TestApplyEnvOverrides_Basic(t *testing.T) {
	c := baseConfig()
	setenv(t, "CANNELLONI_FLUSH_TIMEOUT_MS", "250")
	setenv(t, "CANNELLONI_DEBUG_CAN", "true")
	setenv(t, "CANNELLONI_LOG_METRICS_INTERVAL", "5s")
	setenv(t, "CANNELLONI_BACKEND", "slcan")

	if err := applyEnvOverrides(c, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.flushTimeoutMs != 250 {
		t.Fatalf("expected flushTimeoutMs=250, got %d", c.flushTimeoutMs)
	}
	if !c.debugCAN {
		t.Fatalf("expected debugCAN true")
	}
	if c.logMetricsEvery != 5*time.Second {
		t.Fatalf("expected logMetricsEvery=5s, got %v", c.logMetricsEvery)
	}
	if c.backend != "slcan" {
		t.Fatalf("expected backend=slcan, got %s", c.backend)
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	c := baseConfig()
	c.flushTimeoutMs = 100
	setenv(t, "CANNELLONI_FLUSH_TIMEOUT_MS", "9999")
	if err := applyEnvOverrides(c, map[string]struct{}{"flush-timeout-ms": {}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.flushTimeoutMs != 100 {
		t.Fatalf("expected flag to win, got %d", c.flushTimeoutMs)
	}
}

func TestApplyEnvOverrides_BadInt(t *testing.T) {
	c := baseConfig()
	setenv(t, "CANNELLONI_SERIAL_BAUD", "notanumber")
	if err := applyEnvOverrides(c, map[string]struct{}{}); err == nil {
		t.Fatalf("expected error for bad integer")
	}
}

func TestApplyEnvOverrides_BadDuration(t *testing.T) {
	c := baseConfig()
	setenv(t, "CANNELLONI_LOG_METRICS_INTERVAL", "notaduration")
	if err := applyEnvOverrides(c, map[string]struct{}{}); err == nil {
		t.Fatalf("expected error for bad duration")
	}
}
