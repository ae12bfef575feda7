// Package device defines the accelerator contract the sparse linear operator
// runs against: memory, streams and the structured-sparsity matmul library.
package device

// Info describes one device as reported by a Library.
type Info struct {
	Index       int
	Name        string
	Capability  Capability
	TotalMemory uint64
}

// Library is an accelerator runtime plus its sparse matmul library.
type Library interface {
	Name() string
	DeviceCount() (int, error)
	ComputeCapability(index int) (Capability, error)
	Describe(index int) (Info, error)
	// Open binds a session to the device. Every session must be closed.
	Open(index int) (Session, error)
}

// Session is a library handle bound to one device.
//
// Work that takes a Stream is issued on that stream and ordered after
// everything previously issued on it. Copies are blocking.
type Session interface {
	NewStream() (Stream, error)
	DestroyStream(s Stream) error
	Synchronize(s Stream) error

	Malloc(bytes int64) (Ptr, error)
	Free(p Ptr) error
	Memset(dst Ptr, bytes int64) error
	CopyToDevice(dst Ptr, src []byte) error
	CopyToHost(dst []byte, src Ptr) error

	// RegisterHost maps caller memory into the device address space so
	// kernels write straight into it. The memory must stay alive and pinned
	// until UnregisterHost.
	RegisterHost(buf []byte) (Ptr, error)
	UnregisterHost(p Ptr) error

	PlanInit(desc MatmulDesc, alg AlgSelection) (CompiledPlan, error)

	Prune(desc MatDesc, op Operation, in, out Ptr, alg PruneAlg, s Stream) error
	// PruneCheck writes an int32 to valid: 0 when in conforms to the
	// sparsity pattern, 1 otherwise.
	PruneCheck(desc MatDesc, op Operation, in, valid Ptr, s Stream) error
	// CompressedSize returns the compressed buffer size and the scratch
	// size Compress needs.
	CompressedSize(desc MatDesc) (compressed int64, scratch int64, err error)
	Compress(desc MatDesc, op Operation, dense, compressed, scratch Ptr, s Stream) error

	Matmul(plan CompiledPlan, alpha, beta float32, a, b, c, d, workspace Ptr, streams []Stream) error

	Close() error
}

// CompiledPlan is the library side of a matmul plan.
type CompiledPlan interface {
	WorkspaceSize() int64
	Close() error
}
