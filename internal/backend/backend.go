// Package backend selects the device library the operator runs on.
package backend

import (
	"fmt"
	"strings"

	"github.com/samcharles93/sparselt/internal/device"
	"github.com/samcharles93/sparselt/internal/device/host"
)

const (
	Host = "host"
	CUDA = "cuda"
	Auto = "auto"
)

func Normalize(name string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(name))
	if backend == "" {
		return Auto, nil
	}
	switch backend {
	case Host, CUDA, Auto:
		return backend, nil
	default:
		return "", fmt.Errorf("unknown backend %q (expected auto, host, or cuda)", backend)
	}
}

// New returns the library for name. Auto prefers CUDA when this build has it
// and a device is present, and falls back to the host emulator otherwise.
func New(name string, cfg host.Config) (device.Library, error) {
	backend, err := Normalize(name)
	if err != nil {
		return nil, err
	}
	switch backend {
	case Host:
		return host.New(cfg), nil
	case CUDA:
		return newCUDA()
	default:
		if cudaEnabled {
			if lib, err := newCUDA(); err == nil {
				return lib, nil
			}
		}
		return host.New(cfg), nil
	}
}
