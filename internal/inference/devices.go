package inference

import (
	"github.com/samcharles93/sparselt/internal/device"
	"github.com/samcharles93/sparselt/internal/sparselinear"
)

// DeviceStatus is one device and whether the operator can run on it.
type DeviceStatus struct {
	device.Info
	Supported bool
}

// Devices describes every device lib reports.
func Devices(lib device.Library) ([]DeviceStatus, error) {
	n, err := lib.DeviceCount()
	if err != nil {
		return nil, err
	}
	out := make([]DeviceStatus, 0, n)
	for i := range n {
		info, err := lib.Describe(i)
		if err != nil {
			return nil, err
		}
		out = append(out, DeviceStatus{Info: info, Supported: sparselinear.Supported(info.Capability)})
	}
	return out, nil
}
