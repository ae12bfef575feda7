// Package host implements the device contract on the CPU. It reproduces the
// structured-sparsity library semantics (2:4 pruning, compression, batched
// sparse matmul with bias) so the operator runs and is tested without a GPU.
package host

import (
	"fmt"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/sys/cpu"

	"github.com/samcharles93/sparselt/internal/device"
)

const libName = "host"

// DefaultCapability is reported when no device list is configured.
var DefaultCapability = device.Capability{Major: 8, Minor: 0}

// Config selects the emulated devices.
type Config struct {
	// Capabilities lists one entry per emulated device.
	Capabilities []device.Capability
	// TotalMemory is reported by Describe; zero means unlimited.
	TotalMemory uint64
}

// Library is an emulated accelerator. The zero value is not usable; use New.
type Library struct {
	caps        []device.Capability
	totalMemory uint64
	mem         *memory

	mu         sync.Mutex
	faults     map[string]device.Status
	bypassed   map[string]bool
	nextStream device.Stream
	streams    map[device.Stream]bool
}

// New returns a library emulating cfg.Capabilities (one 8.0 device if empty).
func New(cfg Config) *Library {
	caps := cfg.Capabilities
	if len(caps) == 0 {
		caps = []device.Capability{DefaultCapability}
	}
	return &Library{
		caps:        append([]device.Capability(nil), caps...),
		totalMemory: cfg.TotalMemory,
		mem:         newMemory(),
		faults:      make(map[string]device.Status),
		bypassed:    make(map[string]bool),
		streams:     make(map[device.Stream]bool),
	}
}

// Inject makes every later call to op return status. Op names match the
// Session method names plus "Open" and "ComputeCapability".
func (l *Library) Inject(op string, status device.Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults[op] = status
}

// Bypass turns op into a successful no-op.
func (l *Library) Bypass(op string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bypassed[op] = true
}

// Reset clears injected faults and bypasses.
func (l *Library) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.faults)
	clear(l.bypassed)
}

// LiveBuffers returns the number of allocated or registered regions.
func (l *Library) LiveBuffers() int {
	return l.mem.live()
}

// LiveStreams returns the number of streams not yet destroyed.
func (l *Library) LiveStreams() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.streams)
}

// Allocations returns how many Malloc calls have succeeded so far.
func (l *Library) Allocations() int {
	return l.mem.allocations()
}

func (l *Library) fault(op string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if status, ok := l.faults[op]; ok {
		if err := device.Check(libName, op, status); err != nil {
			return false, err
		}
	}
	return l.bypassed[op], nil
}

func (l *Library) Name() string {
	return "host"
}

func (l *Library) DeviceCount() (int, error) {
	return len(l.caps), nil
}

func (l *Library) ComputeCapability(index int) (device.Capability, error) {
	if _, err := l.fault("ComputeCapability"); err != nil {
		return device.Capability{}, err
	}
	if index < 0 || index >= len(l.caps) {
		return device.Capability{}, device.Check(libName, "ComputeCapability", device.StatusInvalidValue)
	}
	return l.caps[index], nil
}

func (l *Library) Describe(index int) (device.Info, error) {
	cc, err := l.ComputeCapability(index)
	if err != nil {
		return device.Info{}, err
	}
	name := "host emulator"
	if features := cpuFeatures(); len(features) > 0 {
		name += " (" + strings.Join(features, ",") + ")"
	}
	return device.Info{
		Index:       index,
		Name:        name,
		Capability:  cc,
		TotalMemory: l.totalMemory,
	}, nil
}

func (l *Library) Open(index int) (device.Session, error) {
	if _, err := l.fault("Open"); err != nil {
		return nil, err
	}
	if index < 0 || index >= len(l.caps) {
		return nil, device.Check(libName, "Open", device.StatusInvalidValue)
	}
	return &Session{lib: l, index: index}, nil
}

func cpuFeatures() []string {
	var out []string
	switch runtime.GOARCH {
	case "amd64":
		if cpu.X86.HasAVX2 {
			out = append(out, "avx2")
		}
		if cpu.X86.HasFMA {
			out = append(out, "fma")
		}
		if cpu.X86.HasAVX512F {
			out = append(out, "avx512f")
		}
	case "arm64":
		if cpu.ARM64.HasASIMD {
			out = append(out, "asimd")
		}
		if cpu.ARM64.HasSVE {
			out = append(out, "sve")
		}
	}
	return out
}

// Session is a host library handle. Work runs synchronously when issued, which
// trivially satisfies in-order stream semantics. Streams belong to the
// device, so any session of the same Library may use them.
type Session struct {
	lib   *Library
	index int

	mu     sync.Mutex
	closed bool
}

func (s *Session) enter(op string) (bool, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false, device.Check(libName, op, device.StatusNotInitialized)
	}
	return s.lib.fault(op)
}

func (s *Session) checkStream(op string, st device.Stream) error {
	if st == 0 {
		return nil
	}
	s.lib.mu.Lock()
	defer s.lib.mu.Unlock()
	if !s.lib.streams[st] {
		return device.CheckDetail(libName, op, device.StatusInvalidValue, fmt.Sprintf("unknown stream %#x", uintptr(st)))
	}
	return nil
}

func (s *Session) NewStream() (device.Stream, error) {
	if _, err := s.enter("NewStream"); err != nil {
		return 0, err
	}
	s.lib.mu.Lock()
	defer s.lib.mu.Unlock()
	s.lib.nextStream++
	st := s.lib.nextStream
	s.lib.streams[st] = true
	return st, nil
}

func (s *Session) DestroyStream(st device.Stream) error {
	if _, err := s.enter("DestroyStream"); err != nil {
		return err
	}
	if err := s.checkStream("DestroyStream", st); err != nil {
		return err
	}
	s.lib.mu.Lock()
	defer s.lib.mu.Unlock()
	delete(s.lib.streams, st)
	return nil
}

func (s *Session) Synchronize(st device.Stream) error {
	if _, err := s.enter("Synchronize"); err != nil {
		return err
	}
	return s.checkStream("Synchronize", st)
}

func (s *Session) Malloc(bytes int64) (device.Ptr, error) {
	if _, err := s.enter("Malloc"); err != nil {
		return 0, err
	}
	if bytes <= 0 {
		return 0, device.CheckDetail(libName, "Malloc", device.StatusInvalidValue, "device alloc size must be > 0")
	}
	if s.lib.totalMemory > 0 && uint64(bytes) > s.lib.totalMemory {
		return 0, device.Check(libName, "Malloc", device.StatusAllocFailed)
	}
	return s.lib.mem.reserve(make([]byte, bytes), false), nil
}

func (s *Session) Free(p device.Ptr) error {
	if _, err := s.enter("Free"); err != nil {
		return err
	}
	if p == 0 {
		return nil
	}
	return device.Check(libName, "Free", s.lib.mem.release(p, false))
}

func (s *Session) Memset(dst device.Ptr, bytes int64) error {
	if bypass, err := s.enter("Memset"); err != nil || bypass {
		return err
	}
	buf, st := s.lib.mem.view(dst, bytes)
	if err := device.Check(libName, "Memset", st); err != nil {
		return err
	}
	clear(buf)
	return nil
}

func (s *Session) CopyToDevice(dst device.Ptr, src []byte) error {
	if bypass, err := s.enter("CopyToDevice"); err != nil || bypass {
		return err
	}
	if len(src) == 0 {
		return nil
	}
	buf, st := s.lib.mem.view(dst, int64(len(src)))
	if err := device.Check(libName, "CopyToDevice", st); err != nil {
		return err
	}
	copy(buf, src)
	return nil
}

func (s *Session) CopyToHost(dst []byte, src device.Ptr) error {
	if bypass, err := s.enter("CopyToHost"); err != nil || bypass {
		return err
	}
	if len(dst) == 0 {
		return nil
	}
	buf, st := s.lib.mem.view(src, int64(len(dst)))
	if err := device.Check(libName, "CopyToHost", st); err != nil {
		return err
	}
	copy(dst, buf)
	return nil
}

func (s *Session) RegisterHost(buf []byte) (device.Ptr, error) {
	if _, err := s.enter("RegisterHost"); err != nil {
		return 0, err
	}
	if len(buf) == 0 {
		return 0, device.CheckDetail(libName, "RegisterHost", device.StatusInvalidValue, "empty host buffer")
	}
	return s.lib.mem.reserve(buf, true), nil
}

func (s *Session) UnregisterHost(p device.Ptr) error {
	if _, err := s.enter("UnregisterHost"); err != nil {
		return err
	}
	return device.Check(libName, "UnregisterHost", s.lib.mem.release(p, true))
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return nil
}
