//go:build cuda

// Package cuda binds the device contract to the CUDA runtime and cuSPARSELt.
package cuda

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/samcharles93/sparselt/internal/device"
)

// Library is the CUDA runtime. It holds no state; sessions own handles.
type Library struct{}

func New() (*Library, error) {
	n, err := deviceCount()
	if err != nil {
		return nil, fmt.Errorf("cuda device query failed: %w", err)
	}
	if n < 1 {
		return nil, fmt.Errorf("no CUDA devices available")
	}
	return &Library{}, nil
}

func (l *Library) Name() string {
	return "cuda"
}

func (l *Library) DeviceCount() (int, error) {
	return deviceCount()
}

func (l *Library) ComputeCapability(index int) (device.Capability, error) {
	return capability(index)
}

func (l *Library) Describe(index int) (device.Info, error) {
	cc, err := capability(index)
	if err != nil {
		return device.Info{}, err
	}
	name, total, err := deviceInfo(index)
	if err != nil {
		return device.Info{}, err
	}
	return device.Info{Index: index, Name: name, Capability: cc, TotalMemory: total}, nil
}

func (l *Library) Open(index int) (device.Session, error) {
	if err := setDevice(index); err != nil {
		return nil, err
	}
	h, err := newHandle()
	if err != nil {
		return nil, err
	}
	return &Session{
		index:      index,
		handle:     h,
		registered: make(map[device.Ptr]*registration),
	}, nil
}

type registration struct {
	buf    []byte
	pinner runtime.Pinner
}

// Session owns one cuSPARSELt handle. Calls are serialized because the
// handle and the current device are per-thread state in the runtime.
type Session struct {
	index  int
	handle handle

	mu         sync.Mutex
	closed     bool
	registered map[device.Ptr]*registration
}

func (s *Session) lock(op string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return device.Check("cusparseLt", op, device.StatusNotInitialized)
	}
	runtime.LockOSThread()
	if err := setDevice(s.index); err != nil {
		runtime.UnlockOSThread()
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Session) unlock() {
	runtime.UnlockOSThread()
	s.mu.Unlock()
}

func (s *Session) NewStream() (device.Stream, error) {
	if err := s.lock("NewStream"); err != nil {
		return 0, err
	}
	defer s.unlock()
	return streamCreate()
}

func (s *Session) DestroyStream(st device.Stream) error {
	if err := s.lock("DestroyStream"); err != nil {
		return err
	}
	defer s.unlock()
	return streamDestroy(st)
}

func (s *Session) Synchronize(st device.Stream) error {
	if err := s.lock("Synchronize"); err != nil {
		return err
	}
	defer s.unlock()
	return streamSynchronize(st)
}

func (s *Session) Malloc(bytes int64) (device.Ptr, error) {
	if err := s.lock("Malloc"); err != nil {
		return 0, err
	}
	defer s.unlock()
	return malloc(bytes)
}

func (s *Session) Free(p device.Ptr) error {
	if err := s.lock("Free"); err != nil {
		return err
	}
	defer s.unlock()
	return free(p)
}

func (s *Session) Memset(dst device.Ptr, bytes int64) error {
	if err := s.lock("Memset"); err != nil {
		return err
	}
	defer s.unlock()
	return memset(dst, bytes)
}

func (s *Session) CopyToDevice(dst device.Ptr, src []byte) error {
	if err := s.lock("CopyToDevice"); err != nil {
		return err
	}
	defer s.unlock()
	return copyToDevice(dst, src)
}

func (s *Session) CopyToHost(dst []byte, src device.Ptr) error {
	if err := s.lock("CopyToHost"); err != nil {
		return err
	}
	defer s.unlock()
	return copyToHost(dst, src)
}

// RegisterHost pins buf for the Go runtime and maps it for the device.
func (s *Session) RegisterHost(buf []byte) (device.Ptr, error) {
	if len(buf) == 0 {
		return 0, device.CheckDetail("cuda", "cudaHostRegister", device.StatusInvalidValue, "empty host buffer")
	}
	if err := s.lock("RegisterHost"); err != nil {
		return 0, err
	}
	defer s.unlock()
	reg := &registration{buf: buf}
	reg.pinner.Pin(&buf[0])
	p, err := hostRegister(buf)
	if err != nil {
		reg.pinner.Unpin()
		return 0, err
	}
	s.registered[p] = reg
	return p, nil
}

func (s *Session) UnregisterHost(p device.Ptr) error {
	if err := s.lock("UnregisterHost"); err != nil {
		return err
	}
	defer s.unlock()
	reg, ok := s.registered[p]
	if !ok {
		return device.CheckDetail("cuda", "cudaHostUnregister", device.StatusInvalidValue, "pointer was not registered")
	}
	delete(s.registered, p)
	err := hostUnregister(reg.buf)
	reg.pinner.Unpin()
	return err
}

func (s *Session) PlanInit(desc device.MatmulDesc, alg device.AlgSelection) (device.CompiledPlan, error) {
	if err := s.lock("PlanInit"); err != nil {
		return nil, err
	}
	defer s.unlock()
	return s.handle.planInit(desc, alg)
}

func (s *Session) Prune(desc device.MatDesc, op device.Operation, in, out device.Ptr, alg device.PruneAlg, st device.Stream) error {
	if err := s.lock("Prune"); err != nil {
		return err
	}
	defer s.unlock()
	return s.handle.withMat("cusparseLtSpMMAPrune2", desc, func(md *matDescriptor) cint {
		return prune(s.handle, md, op, in, out, alg, st)
	})
}

func (s *Session) PruneCheck(desc device.MatDesc, op device.Operation, in, valid device.Ptr, st device.Stream) error {
	if err := s.lock("PruneCheck"); err != nil {
		return err
	}
	defer s.unlock()
	return s.handle.withMat("cusparseLtSpMMAPruneCheck2", desc, func(md *matDescriptor) cint {
		return pruneCheck(s.handle, md, op, in, valid, st)
	})
}

func (s *Session) CompressedSize(desc device.MatDesc) (int64, int64, error) {
	if err := s.lock("CompressedSize"); err != nil {
		return 0, 0, err
	}
	defer s.unlock()
	var size, scratch int64
	err := s.handle.withMat("cusparseLtSpMMACompressedSize2", desc, func(md *matDescriptor) cint {
		var st cint
		size, scratch, st = compressedSize(s.handle, md)
		return st
	})
	return size, scratch, err
}

func (s *Session) Compress(desc device.MatDesc, op device.Operation, dense, compressed, scratch device.Ptr, st device.Stream) error {
	if err := s.lock("Compress"); err != nil {
		return err
	}
	defer s.unlock()
	return s.handle.withMat("cusparseLtSpMMACompress2", desc, func(md *matDescriptor) cint {
		return compress(s.handle, md, op, dense, compressed, scratch, st)
	})
}

func (s *Session) Matmul(cp device.CompiledPlan, alpha, beta float32, a, b, c, d, workspace device.Ptr, streams []device.Stream) error {
	if err := s.lock("Matmul"); err != nil {
		return err
	}
	defer s.unlock()
	p, ok := cp.(*compiledPlan)
	if !ok {
		return device.CheckDetail("cusparseLt", "cusparseLtMatmul", device.StatusInvalidValue, "plan was not built by this library")
	}
	return s.handle.matmul(p, alpha, beta, a, b, c, d, workspace, streams)
}

// Close unregisters leftover host mappings and destroys the handle.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	var errs []error
	if err := setDevice(s.index); err != nil {
		errs = append(errs, err)
	}
	for p, reg := range s.registered {
		if err := hostUnregister(reg.buf); err != nil {
			errs = append(errs, err)
		}
		reg.pinner.Unpin()
		delete(s.registered, p)
	}
	if err := s.handle.destroy(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
