package main

import (
	"fmt"

	"github.com/cannelloni-go/cannelloni/internal/candevice"
	"github.com/cannelloni-go/cannelloni/internal/slcan"
	"github.com/cannelloni-go/cannelloni/internal/socketcan"
)

// openBackend opens the configured local bus backend and returns it
// through the candevice.Device interface the CAN Worker drives.
func openBackend(cfg *appConfig) (candevice.Device, error) {
	switch cfg.backend {
	case "socketcan":
		dev, err := socketcan.Open(cfg.canIf)
		if err != nil {
			return nil, fmt.Errorf("socketcan open %s: %w", cfg.canIf, err)
		}
		return dev, nil
	case "slcan":
		dev, err := slcan.Open(cfg.serialDevice, cfg.serialBaud, cfg.canBitrateKbps)
		if err != nil {
			return nil, fmt.Errorf("slcan open %s: %w", cfg.serialDevice, err)
		}
		return dev, nil
	default:
		return nil, fmt.Errorf("unknown backend %q (use socketcan|slcan)", cfg.backend)
	}
}
