package host

import (
	"sync"

	"github.com/samcharles93/sparselt/internal/device"
)

// Device addresses start high enough that a zero Ptr is never valid and are
// spaced out so an overrun never lands in a neighbouring allocation.
const (
	addressBase  device.Ptr = 0x7f0000000000
	addressAlign            = 256
	addressGap              = 4096
)

type region struct {
	base       device.Ptr
	data       []byte
	registered bool
}

func (r *region) end() device.Ptr {
	return r.base + device.Ptr(len(r.data))
}

// memory is an emulated device address space.
type memory struct {
	mu        sync.Mutex
	next      device.Ptr
	regions   map[device.Ptr]*region
	allocated int
}

func newMemory() *memory {
	return &memory{
		next:    addressBase,
		regions: make(map[device.Ptr]*region),
	}
}

func (m *memory) reserve(data []byte, registered bool) device.Ptr {
	m.mu.Lock()
	defer m.mu.Unlock()

	base := m.next
	size := (len(data) + addressAlign - 1) / addressAlign * addressAlign
	m.next += device.Ptr(size + addressGap)
	m.regions[base] = &region{base: base, data: data, registered: registered}
	if !registered {
		m.allocated++
	}
	return base
}

func (m *memory) release(p device.Ptr, registered bool) device.Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.regions[p]
	if !ok || r.registered != registered {
		return device.StatusInvalidValue
	}
	delete(m.regions, p)
	return device.StatusSuccess
}

// view returns the bytes [p, p+n) if they lie inside one region.
func (m *memory) view(p device.Ptr, n int64) ([]byte, device.Status) {
	if p == 0 || n < 0 {
		return nil, device.StatusInvalidValue
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.regions {
		if p < r.base || p >= r.end() {
			continue
		}
		off := int64(p - r.base)
		if off+n > int64(len(r.data)) {
			return nil, device.StatusInvalidValue
		}
		return r.data[off : off+n], device.StatusSuccess
	}
	return nil, device.StatusInvalidValue
}

func (m *memory) live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.regions)
}

func (m *memory) allocations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocated
}
