package sparselinear

import (
	"slices"

	"github.com/samcharles93/sparselt/internal/device"
)

// SupportedCapabilities lists the architecture revisions with sparse tensor
// cores that the structured-sparsity library runs on.
var SupportedCapabilities = []device.Capability{
	{Major: 8, Minor: 0},
	{Major: 8, Minor: 6},
	{Major: 8, Minor: 7},
	{Major: 8, Minor: 9},
	{Major: 9, Minor: 0},
}

// Supported reports whether cc is in SupportedCapabilities.
func Supported(cc device.Capability) bool {
	return slices.Contains(SupportedCapabilities, cc)
}

// CheckDevice reads the revision of device index and rejects it unless it is
// supported. It touches no device memory.
func CheckDevice(lib device.Library, index int) (device.Capability, error) {
	cc, err := lib.ComputeCapability(index)
	if err != nil {
		return device.Capability{}, stageErr(stageCapability, ErrUnsupportedDevice, err)
	}
	if !Supported(cc) {
		return cc, stageErrf(stageCapability, ErrUnsupportedDevice,
			"device %d has compute capability %s, want one of %v", index, cc, SupportedCapabilities)
	}
	return cc, nil
}
