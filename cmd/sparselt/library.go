package main

import (
	"fmt"

	"github.com/samcharles93/sparselt/internal/backend"
	"github.com/samcharles93/sparselt/internal/device"
	"github.com/samcharles93/sparselt/internal/device/host"
	"github.com/samcharles93/sparselt/internal/inference"
)

// settingsFlags holds the operator flags. alpha and beta are read as float64
// and narrowed in settings.
type settingsFlags struct {
	inference.Settings
	alpha float64
	beta  float64
}

func (s *settingsFlags) settings() inference.Settings {
	out := s.Settings
	out.Alpha = float32(s.alpha)
	out.Beta = float32(s.beta)
	return out
}

// openLibrary builds the device library selected by the backend flags.
func openLibrary() (device.Library, error) {
	cfg := host.Config{TotalMemory: hostMemory}
	for _, raw := range hostCaps {
		cc, err := device.ParseCapability(raw)
		if err != nil {
			return nil, fmt.Errorf("--host-capability: %w", err)
		}
		cfg.Capabilities = append(cfg.Capabilities, cc)
	}
	return backend.New(backendName, cfg)
}
