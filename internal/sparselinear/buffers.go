package sparselinear

import (
	"fmt"

	"github.com/samcharles93/sparselt/internal/device"
)

type role string

const (
	roleWeight      role = "weight"
	roleActivation  role = "activation"
	roleAccumulator role = "accumulator"
	roleOutput      role = "output"
	roleBias        role = "bias"
	roleValid       role = "valid"
	roleCompressed  role = "compressed"
	roleScratch     role = "compress-scratch"
	roleWorkspace   role = "workspace"
)

// deviceBuffer is one region owned by a bufferSet. Host-registered buffers
// alias caller memory and are unregistered instead of freed.
type deviceBuffer struct {
	role       role
	ptr        device.Ptr
	bytes      int64
	registered bool
}

// bufferSet owns every device buffer of one operator and releases them in
// reverse allocation order, exactly once.
type bufferSet struct {
	sess device.Session
	bufs []*deviceBuffer
}

func newBufferSet(sess device.Session) *bufferSet {
	return &bufferSet{sess: sess}
}

func (s *bufferSet) get(r role) *deviceBuffer {
	for _, b := range s.bufs {
		if b.role == r {
			return b
		}
	}
	return nil
}

// ptr returns the address of r, or zero when it was never allocated.
func (s *bufferSet) ptr(r role) device.Ptr {
	if b := s.get(r); b != nil {
		return b.ptr
	}
	return 0
}

func (s *bufferSet) alloc(r role, bytes int64) (*deviceBuffer, error) {
	if s.get(r) != nil {
		return nil, fmt.Errorf("%s buffer already allocated", r)
	}
	p, err := s.sess.Malloc(bytes)
	if err != nil {
		return nil, fmt.Errorf("allocate %s buffer (%d bytes): %w", r, bytes, err)
	}
	b := &deviceBuffer{role: r, ptr: p, bytes: bytes}
	s.bufs = append(s.bufs, b)
	return b, nil
}

// upload allocates len(data) bytes for r and copies data into them.
func (s *bufferSet) upload(r role, data []byte) (*deviceBuffer, error) {
	b, err := s.alloc(r, int64(len(data)))
	if err != nil {
		return nil, err
	}
	if err := s.sess.CopyToDevice(b.ptr, data); err != nil {
		return nil, fmt.Errorf("copy %s buffer to device: %w", r, err)
	}
	return b, nil
}

// register maps caller memory as r without copying.
func (s *bufferSet) register(r role, data []byte) (*deviceBuffer, error) {
	if s.get(r) != nil {
		return nil, fmt.Errorf("%s buffer already allocated", r)
	}
	p, err := s.sess.RegisterHost(data)
	if err != nil {
		return nil, fmt.Errorf("register %s buffer: %w", r, err)
	}
	b := &deviceBuffer{role: r, ptr: p, bytes: int64(len(data)), registered: true}
	s.bufs = append(s.bufs, b)
	return b, nil
}

// release frees every buffer and returns the first failure. Buffers are
// forgotten even when their release fails so nothing is freed twice.
func (s *bufferSet) release() error {
	var first error
	for i := len(s.bufs) - 1; i >= 0; i-- {
		b := s.bufs[i]
		var err error
		if b.registered {
			err = s.sess.UnregisterHost(b.ptr)
		} else {
			err = s.sess.Free(b.ptr)
		}
		if err != nil && first == nil {
			first = fmt.Errorf("release %s buffer: %w", b.role, err)
		}
	}
	s.bufs = nil
	return first
}

// bytes returns the total size held by the set, registered memory excluded.
func (s *bufferSet) bytes() int64 {
	var n int64
	for _, b := range s.bufs {
		if !b.registered {
			n += b.bytes
		}
	}
	return n
}
