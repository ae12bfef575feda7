//go:build !cuda

package backend

import (
	"errors"

	"github.com/samcharles93/sparselt/internal/device"
)

const cudaEnabled = false

var errCUDAUnavailable = errors.New("cuda backend is not available in this build")

func newCUDA() (device.Library, error) {
	return nil, errCUDAUnavailable
}
