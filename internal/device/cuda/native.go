//go:build cuda

package cuda

/*
#cgo LDFLAGS: -lcudart -lcusparseLt

#include <stdlib.h>
#include <stdint.h>
#include <cuda_runtime.h>
#include <cusparseLt.h>

static int sltDeviceCount(int* out) {
	return (int)cudaGetDeviceCount(out);
}

static int sltCapability(int dev, int* major, int* minor) {
	cudaError_t err = cudaDeviceGetAttribute(major, cudaDevAttrComputeCapabilityMajor, dev);
	if (err != cudaSuccess) {
		return (int)err;
	}
	return (int)cudaDeviceGetAttribute(minor, cudaDevAttrComputeCapabilityMinor, dev);
}

static int sltDeviceInfo(int dev, char* name, int nameLen, unsigned long long* total) {
	struct cudaDeviceProp prop;
	cudaError_t err = cudaGetDeviceProperties(&prop, dev);
	if (err != cudaSuccess) {
		return (int)err;
	}
	int i = 0;
	for (; i < nameLen - 1 && prop.name[i] != 0; i++) {
		name[i] = prop.name[i];
	}
	name[i] = 0;
	*total = (unsigned long long)prop.totalGlobalMem;
	return 0;
}

static const char* sltErrorString(int err) {
	return cudaGetErrorString((cudaError_t)err);
}

static int sltSetDevice(int dev) {
	return (int)cudaSetDevice(dev);
}

static int sltStreamCreate(uintptr_t* out) {
	cudaStream_t s;
	cudaError_t err = cudaStreamCreate(&s);
	*out = (uintptr_t)s;
	return (int)err;
}

static int sltStreamDestroy(uintptr_t s) {
	return (int)cudaStreamDestroy((cudaStream_t)s);
}

static int sltStreamSynchronize(uintptr_t s) {
	return (int)cudaStreamSynchronize((cudaStream_t)s);
}

static int sltMalloc(uintptr_t* out, unsigned long long size) {
	void* p = NULL;
	cudaError_t err = cudaMalloc(&p, size);
	*out = (uintptr_t)p;
	return (int)err;
}

static int sltFree(uintptr_t p) {
	return (int)cudaFree((void*)p);
}

static int sltMemset(uintptr_t p, unsigned long long size) {
	return (int)cudaMemset((void*)p, 0, size);
}

static int sltMemcpyH2D(uintptr_t dst, const void* src, unsigned long long size) {
	return (int)cudaMemcpy((void*)dst, src, size, cudaMemcpyHostToDevice);
}

static int sltMemcpyD2H(void* dst, uintptr_t src, unsigned long long size) {
	return (int)cudaMemcpy(dst, (const void*)src, size, cudaMemcpyDeviceToHost);
}

static int sltHostRegister(void* p, unsigned long long size, uintptr_t* dev) {
	cudaError_t err = cudaHostRegister(p, size, cudaHostRegisterMapped);
	if (err != cudaSuccess) {
		return (int)err;
	}
	void* d = NULL;
	err = cudaHostGetDevicePointer(&d, p, 0);
	if (err != cudaSuccess) {
		cudaHostUnregister(p);
		return (int)err;
	}
	*dev = (uintptr_t)d;
	return 0;
}

static int sltHostUnregister(void* p) {
	return (int)cudaHostUnregister(p);
}

static cusparseLtHandle_t* sltHandleNew(int* status) {
	cusparseLtHandle_t* h = (cusparseLtHandle_t*)calloc(1, sizeof(cusparseLtHandle_t));
	*status = (int)cusparseLtInit(h);
	if (*status != 0) {
		free(h);
		return NULL;
	}
	return h;
}

static int sltHandleDestroy(cusparseLtHandle_t* h) {
	int st = (int)cusparseLtDestroy(h);
	free(h);
	return st;
}

typedef struct {
	int64_t rows;
	int64_t cols;
	int64_t ld;
	uint32_t alignment;
	int type;
	int order;
	int structured;
	int batches;
	int64_t batchStride;
} sltMatSpec;

static cudaDataType sltValueType(int t) {
	return t == 0 ? CUDA_R_16F : CUDA_R_32F;
}

static cusparseOrder_t sltOrder(int o) {
	return o == 0 ? CUSPARSE_ORDER_ROW : CUSPARSE_ORDER_COL;
}

static cusparseOperation_t sltOp(int op) {
	return op == 0 ? CUSPARSE_OPERATION_NON_TRANSPOSE : CUSPARSE_OPERATION_TRANSPOSE;
}

static cusparseComputeType sltCompute(int c) {
	switch (c) {
	case 0:
		return CUSPARSE_COMPUTE_16F;
	case 2:
		return CUSPARSE_COMPUTE_TF32;
	case 3:
		return CUSPARSE_COMPUTE_TF32_FAST;
	default:
		return CUSPARSE_COMPUTE_32F;
	}
}

static int sltMatInit(cusparseLtHandle_t* h, cusparseLtMatDescriptor_t* d, const sltMatSpec* s) {
	int st;
	if (s->structured) {
		st = (int)cusparseLtStructuredDescriptorInit(h, d, s->rows, s->cols, s->ld, s->alignment,
			sltValueType(s->type), sltOrder(s->order), CUSPARSELT_SPARSITY_50_PERCENT);
	} else {
		st = (int)cusparseLtDenseDescriptorInit(h, d, s->rows, s->cols, s->ld, s->alignment,
			sltValueType(s->type), sltOrder(s->order));
	}
	if (st != 0) {
		return st;
	}
	int batches = s->batches;
	st = (int)cusparseLtMatDescSetAttribute(h, d, CUSPARSELT_MAT_NUM_BATCHES, &batches, sizeof(batches));
	if (st != 0) {
		cusparseLtMatDescriptorDestroy(d);
		return st;
	}
	int64_t stride = s->batchStride;
	st = (int)cusparseLtMatDescSetAttribute(h, d, CUSPARSELT_MAT_BATCH_STRIDE, &stride, sizeof(stride));
	if (st != 0) {
		cusparseLtMatDescriptorDestroy(d);
	}
	return st;
}

static cusparseLtMatDescriptor_t* sltMatNew(cusparseLtHandle_t* h, const sltMatSpec* s, int* status) {
	cusparseLtMatDescriptor_t* d = (cusparseLtMatDescriptor_t*)calloc(1, sizeof(cusparseLtMatDescriptor_t));
	*status = sltMatInit(h, d, s);
	if (*status != 0) {
		free(d);
		return NULL;
	}
	return d;
}

static void sltMatFree(cusparseLtMatDescriptor_t* d) {
	if (d != NULL) {
		cusparseLtMatDescriptorDestroy(d);
		free(d);
	}
}

typedef struct {
	cusparseLtMatDescriptor_t a;
	cusparseLtMatDescriptor_t b;
	cusparseLtMatDescriptor_t c;
	cusparseLtMatmulDescriptor_t matmul;
	cusparseLtMatmulAlgSelection_t alg;
	cusparseLtMatmulPlan_t plan;
	int stage;
	size_t workspace;
} sltPlan;

static void sltPlanFree(sltPlan* p) {
	if (p == NULL) {
		return;
	}
	if (p->stage >= 6) {
		cusparseLtMatmulPlanDestroy(&p->plan);
	}
	if (p->stage >= 5) {
		cusparseLtMatmulAlgSelectionDestroy(&p->alg);
	}
	if (p->stage >= 3) {
		cusparseLtMatDescriptorDestroy(&p->c);
	}
	if (p->stage >= 2) {
		cusparseLtMatDescriptorDestroy(&p->b);
	}
	if (p->stage >= 1) {
		cusparseLtMatDescriptorDestroy(&p->a);
	}
	free(p);
}

// sltPlanNew builds descriptors, the matmul descriptor with an optional bias
// pointer, the algorithm selection and the plan. stage records how far it got
// so sltPlanFree releases exactly what was created.
static sltPlan* sltPlanNew(cusparseLtHandle_t* h, const sltMatSpec* a, const sltMatSpec* b, const sltMatSpec* c,
	int opA, int opB, int compute, uintptr_t bias, int configID, int* status) {
	sltPlan* p = (sltPlan*)calloc(1, sizeof(sltPlan));
	if ((*status = sltMatInit(h, &p->a, a)) != 0) goto fail;
	p->stage = 1;
	if ((*status = sltMatInit(h, &p->b, b)) != 0) goto fail;
	p->stage = 2;
	if ((*status = sltMatInit(h, &p->c, c)) != 0) goto fail;
	p->stage = 3;
	if ((*status = (int)cusparseLtMatmulDescriptorInit(h, &p->matmul, sltOp(opA), sltOp(opB),
		&p->a, &p->b, &p->c, &p->c, sltCompute(compute))) != 0) goto fail;
	p->stage = 4;
	if (bias != 0) {
		void* bp = (void*)bias;
		if ((*status = (int)cusparseLtMatmulDescSetAttribute(h, &p->matmul, CUSPARSELT_MATMUL_BIAS_POINTER,
			&bp, sizeof(bp))) != 0) goto fail;
	}
	if ((*status = (int)cusparseLtMatmulAlgSelectionInit(h, &p->alg, &p->matmul, CUSPARSELT_MATMUL_ALG_DEFAULT)) != 0) goto fail;
	p->stage = 5;
	if ((*status = (int)cusparseLtMatmulAlgSetAttribute(h, &p->alg, CUSPARSELT_MATMUL_ALG_CONFIG_ID,
		&configID, sizeof(configID))) != 0) goto fail;
	if ((*status = (int)cusparseLtMatmulPlanInit(h, &p->plan, &p->matmul, &p->alg)) != 0) goto fail;
	p->stage = 6;
	if ((*status = (int)cusparseLtMatmulGetWorkspace(h, &p->plan, &p->workspace)) != 0) goto fail;
	return p;
fail:
	sltPlanFree(p);
	return NULL;
}

static size_t sltPlanWorkspace(sltPlan* p) {
	return p->workspace;
}

static int sltPrune(cusparseLtHandle_t* h, cusparseLtMatDescriptor_t* d, int op, uintptr_t in, uintptr_t out, int alg, uintptr_t stream) {
	cusparseLtPruneAlg_t a = alg == 0 ? CUSPARSELT_PRUNE_SPMMA_STRIP : CUSPARSELT_PRUNE_SPMMA_TILE;
	return (int)cusparseLtSpMMAPrune2(h, d, 1, sltOp(op), (const void*)in, (void*)out, a, (cudaStream_t)stream);
}

static int sltPruneCheck(cusparseLtHandle_t* h, cusparseLtMatDescriptor_t* d, int op, uintptr_t in, uintptr_t valid, uintptr_t stream) {
	return (int)cusparseLtSpMMAPruneCheck2(h, d, 1, sltOp(op), (const void*)in, (int*)valid, (cudaStream_t)stream);
}

static int sltCompressedSize(cusparseLtHandle_t* h, cusparseLtMatDescriptor_t* d, unsigned long long* size, unsigned long long* scratch) {
	size_t s = 0, b = 0;
	int st = (int)cusparseLtSpMMACompressedSize2(h, d, &s, &b);
	*size = s;
	*scratch = b;
	return st;
}

static int sltCompress(cusparseLtHandle_t* h, cusparseLtMatDescriptor_t* d, int op, uintptr_t dense, uintptr_t compressed, uintptr_t scratch, uintptr_t stream) {
	return (int)cusparseLtSpMMACompress2(h, d, 1, sltOp(op), (const void*)dense, (void*)compressed,
		(void*)scratch, (cudaStream_t)stream);
}

static int sltMatmul(cusparseLtHandle_t* h, sltPlan* p, float alpha, float beta, uintptr_t a, uintptr_t b,
	uintptr_t c, uintptr_t d, uintptr_t workspace, uintptr_t* streams, int numStreams) {
	return (int)cusparseLtMatmul(h, &p->plan, &alpha, (const void*)a, (const void*)b, &beta,
		(const void*)c, (void*)d, (void*)workspace, (cudaStream_t*)streams, numStreams);
}
*/
import "C"

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/samcharles93/sparselt/internal/device"
)

func cudaErr(op string, code C.int) error {
	if code == 0 {
		return nil
	}
	msg := C.GoString(C.sltErrorString(code))
	return device.CheckDetail("cuda", op, device.Status(code), msg)
}

func sparseErr(op string, code C.int) error {
	return device.Check("cusparseLt", op, device.Status(code))
}

func matSpec(d device.MatDesc) C.sltMatSpec {
	structured := 0
	if d.Structured {
		structured = 1
	}
	return C.sltMatSpec{
		rows:        C.int64_t(d.Rows),
		cols:        C.int64_t(d.Cols),
		ld:          C.int64_t(d.Ld),
		alignment:   C.uint32_t(d.Alignment),
		_type:       C.int(d.Type),
		order:       C.int(d.Order),
		structured:  C.int(structured),
		batches:     C.int(d.Batches),
		batchStride: C.int64_t(d.BatchStride),
	}
}

func deviceCount() (int, error) {
	var n C.int
	if err := cudaErr("cudaGetDeviceCount", C.sltDeviceCount(&n)); err != nil {
		return 0, err
	}
	return int(n), nil
}

func capability(index int) (device.Capability, error) {
	var major, minor C.int
	if err := cudaErr("cudaDeviceGetAttribute", C.sltCapability(C.int(index), &major, &minor)); err != nil {
		return device.Capability{}, err
	}
	return device.Capability{Major: int(major), Minor: int(minor)}, nil
}

func deviceInfo(index int) (string, uint64, error) {
	var total C.ulonglong
	buf := (*C.char)(C.malloc(256))
	defer C.free(unsafe.Pointer(buf))
	if err := cudaErr("cudaGetDeviceProperties", C.sltDeviceInfo(C.int(index), buf, 256, &total)); err != nil {
		return "", 0, err
	}
	return C.GoString(buf), uint64(total), nil
}

func setDevice(index int) error {
	return cudaErr("cudaSetDevice", C.sltSetDevice(C.int(index)))
}

type (
	cint          = C.int
	matDescriptor = C.cusparseLtMatDescriptor_t
)

type handle struct {
	ptr *C.cusparseLtHandle_t
}

func newHandle() (handle, error) {
	var st C.int
	h := C.sltHandleNew(&st)
	if err := sparseErr("cusparseLtInit", st); err != nil {
		return handle{}, err
	}
	return handle{ptr: h}, nil
}

func (h handle) destroy() error {
	if h.ptr == nil {
		return nil
	}
	return sparseErr("cusparseLtDestroy", C.sltHandleDestroy(h.ptr))
}

// withMat builds a transient descriptor for the sparse stage calls.
func (h handle) withMat(op string, d device.MatDesc, fn func(*matDescriptor) cint) error {
	spec := matSpec(d)
	var st C.int
	md := C.sltMatNew(h.ptr, &spec, &st)
	if err := sparseErr(op, st); err != nil {
		return err
	}
	defer C.sltMatFree(md)
	return sparseErr(op, fn(md))
}

func prune(h handle, md *matDescriptor, op device.Operation, in, out device.Ptr, alg device.PruneAlg, st device.Stream) cint {
	return C.sltPrune(h.ptr, md, C.int(op), C.uintptr_t(in), C.uintptr_t(out), C.int(alg), C.uintptr_t(st))
}

func pruneCheck(h handle, md *matDescriptor, op device.Operation, in, valid device.Ptr, st device.Stream) cint {
	return C.sltPruneCheck(h.ptr, md, C.int(op), C.uintptr_t(in), C.uintptr_t(valid), C.uintptr_t(st))
}

func compressedSize(h handle, md *matDescriptor) (int64, int64, cint) {
	var size, scratch C.ulonglong
	st := C.sltCompressedSize(h.ptr, md, &size, &scratch)
	return int64(size), int64(scratch), st
}

func compress(h handle, md *matDescriptor, op device.Operation, dense, compressed, scratch device.Ptr, st device.Stream) cint {
	return C.sltCompress(h.ptr, md, C.int(op), C.uintptr_t(dense), C.uintptr_t(compressed), C.uintptr_t(scratch), C.uintptr_t(st))
}

type compiledPlan struct {
	ptr *C.sltPlan
}

func (p *compiledPlan) WorkspaceSize() int64 {
	if p.ptr == nil {
		return 0
	}
	return int64(C.sltPlanWorkspace(p.ptr))
}

func (p *compiledPlan) Close() error {
	if p.ptr != nil {
		C.sltPlanFree(p.ptr)
		p.ptr = nil
	}
	return nil
}

func (h handle) planInit(desc device.MatmulDesc, alg device.AlgSelection) (*compiledPlan, error) {
	a, b, c := matSpec(desc.A), matSpec(desc.B), matSpec(desc.C)
	var st C.int
	p := C.sltPlanNew(h.ptr, &a, &b, &c, C.int(desc.OpA), C.int(desc.OpB), C.int(desc.Compute),
		C.uintptr_t(desc.Bias), C.int(alg.ConfigID), &st)
	if err := sparseErr("cusparseLtMatmulPlanInit", st); err != nil {
		return nil, err
	}
	return &compiledPlan{ptr: p}, nil
}

func (h handle) matmul(p *compiledPlan, alpha, beta float32, a, b, c, d, workspace device.Ptr, streams []device.Stream) error {
	if p == nil || p.ptr == nil {
		return device.CheckDetail("cusparseLt", "cusparseLtMatmul", device.StatusInvalidValue, "plan is closed")
	}
	var sp *C.uintptr_t
	if len(streams) > 0 {
		// Copied into C memory: the library reads the array after return.
		arr := (*C.uintptr_t)(C.malloc(C.size_t(len(streams)) * C.size_t(unsafe.Sizeof(C.uintptr_t(0)))))
		defer C.free(unsafe.Pointer(arr))
		view := unsafe.Slice(arr, len(streams))
		for i, s := range streams {
			view[i] = C.uintptr_t(s)
		}
		sp = arr
	}
	return sparseErr("cusparseLtMatmul", C.sltMatmul(h.ptr, p.ptr, C.float(alpha), C.float(beta),
		C.uintptr_t(a), C.uintptr_t(b), C.uintptr_t(c), C.uintptr_t(d), C.uintptr_t(workspace), sp, C.int(len(streams))))
}

func streamCreate() (device.Stream, error) {
	var s C.uintptr_t
	if err := cudaErr("cudaStreamCreate", C.sltStreamCreate(&s)); err != nil {
		return 0, err
	}
	return device.Stream(s), nil
}

func streamDestroy(s device.Stream) error {
	if s == 0 {
		return nil
	}
	return cudaErr("cudaStreamDestroy", C.sltStreamDestroy(C.uintptr_t(s)))
}

func streamSynchronize(s device.Stream) error {
	return cudaErr("cudaStreamSynchronize", C.sltStreamSynchronize(C.uintptr_t(s)))
}

func malloc(bytes int64) (device.Ptr, error) {
	if bytes <= 0 {
		return 0, fmt.Errorf("device alloc size must be > 0")
	}
	var p C.uintptr_t
	if err := cudaErr("cudaMalloc", C.sltMalloc(&p, C.ulonglong(bytes))); err != nil {
		return 0, err
	}
	return device.Ptr(p), nil
}

func free(p device.Ptr) error {
	if p == 0 {
		return nil
	}
	return cudaErr("cudaFree", C.sltFree(C.uintptr_t(p)))
}

func memset(p device.Ptr, bytes int64) error {
	return cudaErr("cudaMemset", C.sltMemset(C.uintptr_t(p), C.ulonglong(bytes)))
}

func copyToDevice(dst device.Ptr, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	err := cudaErr("cudaMemcpy", C.sltMemcpyH2D(C.uintptr_t(dst), unsafe.Pointer(&src[0]), C.ulonglong(len(src))))
	runtime.KeepAlive(src)
	return err
}

func copyToHost(dst []byte, src device.Ptr) error {
	if len(dst) == 0 {
		return nil
	}
	err := cudaErr("cudaMemcpy", C.sltMemcpyD2H(unsafe.Pointer(&dst[0]), C.uintptr_t(src), C.ulonglong(len(dst))))
	runtime.KeepAlive(dst)
	return err
}

func hostRegister(buf []byte) (device.Ptr, error) {
	var p C.uintptr_t
	if err := cudaErr("cudaHostRegister", C.sltHostRegister(unsafe.Pointer(&buf[0]), C.ulonglong(len(buf)), &p)); err != nil {
		return 0, err
	}
	return device.Ptr(p), nil
}

func hostUnregister(buf []byte) error {
	return cudaErr("cudaHostUnregister", C.sltHostUnregister(unsafe.Pointer(&buf[0])))
}
