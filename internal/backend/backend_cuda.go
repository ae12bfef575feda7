//go:build cuda

package backend

import (
	"github.com/samcharles93/sparselt/internal/device"
	"github.com/samcharles93/sparselt/internal/device/cuda"
)

const cudaEnabled = true

func newCUDA() (device.Library, error) {
	return cuda.New()
}
