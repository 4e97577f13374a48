//go:build cuda

// Package cudnn implements dnn.Backend and kernels.Kernels on cuDNN.
package cudnn

/*
#cgo LDFLAGS: -lcudnn -lcudart

#include <stddef.h>

typedef void* cudaStream_t;
typedef struct cudnnContext* cudnnHandle_t;
typedef struct cudnnTensorStruct* cudnnTensorDescriptor_t;
typedef struct cudnnFilterStruct* cudnnFilterDescriptor_t;
typedef struct cudnnConvolutionStruct* cudnnConvolutionDescriptor_t;
typedef int cudnnStatus_t;

typedef struct {
	int algo;
	int status;
	float time;
	size_t memory;
	int determinism;
	int mathType;
	int reserved[3];
} plugkitBwdDataAlgoPerf;

extern const char* cudnnGetErrorString(cudnnStatus_t status);
extern cudnnStatus_t cudnnCreate(cudnnHandle_t* handle);
extern cudnnStatus_t cudnnDestroy(cudnnHandle_t handle);
extern cudnnStatus_t cudnnSetStream(cudnnHandle_t handle, cudaStream_t stream);

extern cudnnStatus_t cudnnCreateTensorDescriptor(cudnnTensorDescriptor_t* desc);
extern cudnnStatus_t cudnnSetTensorNdDescriptor(cudnnTensorDescriptor_t desc, int dataType, int nbDims, const int dimA[], const int strideA[]);
extern cudnnStatus_t cudnnDestroyTensorDescriptor(cudnnTensorDescriptor_t desc);

extern cudnnStatus_t cudnnCreateFilterDescriptor(cudnnFilterDescriptor_t* desc);
extern cudnnStatus_t cudnnSetFilterNdDescriptor(cudnnFilterDescriptor_t desc, int dataType, int format, int nbDims, const int filterDimA[]);
extern cudnnStatus_t cudnnDestroyFilterDescriptor(cudnnFilterDescriptor_t desc);

extern cudnnStatus_t cudnnCreateConvolutionDescriptor(cudnnConvolutionDescriptor_t* desc);
extern cudnnStatus_t cudnnSetConvolutionNdDescriptor(cudnnConvolutionDescriptor_t desc, int arrayLength, const int padA[], const int filterStrideA[], const int dilationA[], int mode, int computeType);
extern cudnnStatus_t cudnnDestroyConvolutionDescriptor(cudnnConvolutionDescriptor_t desc);

extern cudnnStatus_t cudnnGetConvolutionNdForwardOutputDim(cudnnConvolutionDescriptor_t conv, cudnnTensorDescriptor_t x, cudnnFilterDescriptor_t w, int nbDims, int outDimA[]);
extern cudnnStatus_t cudnnGetConvolutionBackwardDataAlgorithm_v7(cudnnHandle_t handle, cudnnFilterDescriptor_t w, cudnnTensorDescriptor_t dy, cudnnConvolutionDescriptor_t conv, cudnnTensorDescriptor_t dx, int requested, int* returned, void* perf);
extern cudnnStatus_t cudnnConvolutionBackwardData(cudnnHandle_t handle, const void* alpha, cudnnFilterDescriptor_t wDesc, const void* w, cudnnTensorDescriptor_t dyDesc, const void* dy, cudnnConvolutionDescriptor_t conv, int algo, void* workspace, size_t workspaceBytes, const void* beta, cudnnTensorDescriptor_t dxDesc, void* dx);
extern cudnnStatus_t cudnnAddTensor(cudnnHandle_t handle, const void* alpha, cudnnTensorDescriptor_t aDesc, const void* A, const void* beta, cudnnTensorDescriptor_t cDesc, void* C);
extern cudnnStatus_t cudnnTransformTensor(cudnnHandle_t handle, const void* alpha, cudnnTensorDescriptor_t xDesc, const void* x, const void* beta, cudnnTensorDescriptor_t yDesc, void* y);

#define PLUGKIT_CUDNN_DATA_FLOAT 0
#define PLUGKIT_CUDNN_DATA_HALF 2
#define PLUGKIT_CUDNN_TENSOR_NCHW 0
#define PLUGKIT_CUDNN_CROSS_CORRELATION 1
#define PLUGKIT_BWD_DATA_ALGO_MAX 20

static int plugkitBwdDataAlgorithms(cudnnHandle_t h, cudnnFilterDescriptor_t w, cudnnTensorDescriptor_t dy,
	cudnnConvolutionDescriptor_t conv, cudnnTensorDescriptor_t dx, int* returned, plugkitBwdDataAlgoPerf* perf) {
	return (int)cudnnGetConvolutionBackwardDataAlgorithm_v7(h, w, dy, conv, dx, PLUGKIT_BWD_DATA_ALGO_MAX, returned, perf);
}
*/
import "C"

import (
	"fmt"
	"time"
	"unsafe"

	"github.com/samcharles93/plugkit/internal/device"
	"github.com/samcharles93/plugkit/internal/device/cuda"
	"github.com/samcharles93/plugkit/internal/dims"
	"github.com/samcharles93/plugkit/internal/dnn"
	"github.com/samcharles93/plugkit/internal/precision"
)

type Backend struct{}

func New() *Backend {
	return &Backend{}
}

func (*Backend) Name() string {
	return "cudnn"
}

func (*Backend) NewHandle() (dnn.Handle, error) {
	var h C.cudnnHandle_t
	if err := status("create", C.cudnnCreate(&h)); err != nil {
		return nil, err
	}
	return &Handle{ptr: h}, nil
}

type Handle struct {
	ptr C.cudnnHandle_t
}

func (h *Handle) Close() error {
	if h.ptr == nil {
		return nil
	}
	err := status("destroy", C.cudnnDestroy(h.ptr))
	h.ptr = nil
	return err
}

func (h *Handle) bind(s device.Stream) error {
	if h.ptr == nil {
		return dnn.Errorf("handle used after Close")
	}
	cs, err := cuda.AsStream(s)
	if err != nil {
		return err
	}
	return status("set_stream", C.cudnnSetStream(h.ptr, C.cudaStream_t(cs.Raw())))
}

func (h *Handle) ForwardOutputDims(c dnn.ConvDesc, x dnn.TensorDesc, w dnn.FilterDesc) (dims.Dims, error) {
	var d descriptors
	defer d.release()
	xd, err := d.tensor(x)
	if err != nil {
		return nil, err
	}
	wd, err := d.filter(w)
	if err != nil {
		return nil, err
	}
	cd, err := d.conv(c)
	if err != nil {
		return nil, err
	}
	out := make([]C.int, 5)
	if err := status("forward_output_dim", C.cudnnGetConvolutionNdForwardOutputDim(cd, xd, wd, 5, &out[0])); err != nil {
		return nil, err
	}
	res := make(dims.Dims, 5)
	for i, v := range out {
		res[i] = int(v)
	}
	return res, nil
}

func (h *Handle) BackwardDataAlgorithms(w dnn.FilterDesc, dy dnn.TensorDesc, c dnn.ConvDesc, dx dnn.TensorDesc) ([]dnn.AlgoPerf, error) {
	if h.ptr == nil {
		return nil, dnn.Errorf("handle used after Close")
	}
	var d descriptors
	defer d.release()
	wd, dyd, cd, dxd, err := d.backwardData(w, dy, c, dx)
	if err != nil {
		return nil, err
	}
	var perf [C.PLUGKIT_BWD_DATA_ALGO_MAX]C.plugkitBwdDataAlgoPerf
	var n C.int
	if err := status("bwd_data_algorithms", C.cudnnStatus_t(C.plugkitBwdDataAlgorithms(h.ptr, wd, dyd, cd, dxd, &n, &perf[0]))); err != nil {
		return nil, err
	}
	out := make([]dnn.AlgoPerf, 0, int(n))
	for _, p := range perf[:int(n)] {
		ap := dnn.AlgoPerf{
			Algo:   dnn.Algo(p.algo),
			Time:   time.Duration(float64(p.time) * float64(time.Millisecond)),
			Memory: int64(p.memory),
		}
		if p.status != 0 {
			ap.Err = status("bwd_data_algorithm", C.cudnnStatus_t(p.status))
		}
		out = append(out, ap)
	}
	return out, nil
}

func (h *Handle) ConvolutionBackwardData(a dnn.BackwardData, s device.Stream) error {
	if err := h.bind(s); err != nil {
		return err
	}
	var d descriptors
	defer d.release()
	wd, dyd, cd, dxd, err := d.backwardData(a.W, a.DY, a.Conv, a.DX)
	if err != nil {
		return err
	}
	alpha, beta := C.float(a.Alpha), C.float(a.Beta)
	return status("bwd_data", C.cudnnConvolutionBackwardData(h.ptr,
		unsafe.Pointer(&alpha), wd, a.WData.Unsafe(),
		dyd, a.DYData.Unsafe(), cd, C.int(a.Algo),
		a.Workspace.Unsafe(), C.size_t(a.WorkspaceBytes),
		unsafe.Pointer(&beta), dxd, a.DXData.Unsafe()))
}

func (h *Handle) AddTensor(alpha float32, b dnn.TensorDesc, bData device.Ptr, beta float32, y dnn.TensorDesc, yData device.Ptr, s device.Stream) error {
	if err := h.bind(s); err != nil {
		return err
	}
	var d descriptors
	defer d.release()
	bd, err := d.tensor(b)
	if err != nil {
		return err
	}
	yd, err := d.tensor(y)
	if err != nil {
		return err
	}
	ca, cb := C.float(alpha), C.float(beta)
	return status("add_tensor", C.cudnnAddTensor(h.ptr, unsafe.Pointer(&ca), bd, bData.Unsafe(), unsafe.Pointer(&cb), yd, yData.Unsafe()))
}

// transform copies x into y converting element types through y's descriptor.
func (h *Handle) transform(x dnn.TensorDesc, xData device.Ptr, y dnn.TensorDesc, yData device.Ptr, s device.Stream) error {
	if err := h.bind(s); err != nil {
		return err
	}
	var d descriptors
	defer d.release()
	xd, err := d.tensor(x)
	if err != nil {
		return err
	}
	yd, err := d.tensor(y)
	if err != nil {
		return err
	}
	one, zero := C.float(1), C.float(0)
	return status("transform_tensor", C.cudnnTransformTensor(h.ptr, unsafe.Pointer(&one), xd, xData.Unsafe(), unsafe.Pointer(&zero), yd, yData.Unsafe()))
}

// descriptors owns the cuDNN descriptors built for one call.
type descriptors struct {
	tensors []C.cudnnTensorDescriptor_t
	filters []C.cudnnFilterDescriptor_t
	convs   []C.cudnnConvolutionDescriptor_t
}

func (d *descriptors) release() {
	for _, t := range d.tensors {
		C.cudnnDestroyTensorDescriptor(t)
	}
	for _, f := range d.filters {
		C.cudnnDestroyFilterDescriptor(f)
	}
	for _, c := range d.convs {
		C.cudnnDestroyConvolutionDescriptor(c)
	}
}

func (d *descriptors) tensor(t dnn.TensorDesc) (C.cudnnTensorDescriptor_t, error) {
	var td C.cudnnTensorDescriptor_t
	if err := status("create_tensor", C.cudnnCreateTensorDescriptor(&td)); err != nil {
		return nil, err
	}
	d.tensors = append(d.tensors, td)
	dt, err := dataType(t.Type)
	if err != nil {
		return nil, err
	}
	dimA, strideA := cInts(t.Dims), cInts(t.Strides)
	if len(dimA) < 3 || len(dimA) != len(strideA) {
		return nil, dnn.Errorf("tensor %s: need 3 to 8 dims with matching strides", t)
	}
	return td, status("set_tensor", C.cudnnSetTensorNdDescriptor(td, dt, C.int(len(dimA)), &dimA[0], &strideA[0]))
}

func (d *descriptors) filter(w dnn.FilterDesc) (C.cudnnFilterDescriptor_t, error) {
	if !equalInts(w.Strides, w.Dims.Strides()) {
		return nil, dnn.Errorf("filter %s%v: only packed filters are supported", w.Dims, w.Strides)
	}
	var fd C.cudnnFilterDescriptor_t
	if err := status("create_filter", C.cudnnCreateFilterDescriptor(&fd)); err != nil {
		return nil, err
	}
	d.filters = append(d.filters, fd)
	dt, err := dataType(w.Type)
	if err != nil {
		return nil, err
	}
	dimA := cInts(w.Dims)
	return fd, status("set_filter", C.cudnnSetFilterNdDescriptor(fd, dt, C.PLUGKIT_CUDNN_TENSOR_NCHW, C.int(len(dimA)), &dimA[0]))
}

func (d *descriptors) conv(c dnn.ConvDesc) (C.cudnnConvolutionDescriptor_t, error) {
	var cd C.cudnnConvolutionDescriptor_t
	if err := status("create_conv", C.cudnnCreateConvolutionDescriptor(&cd)); err != nil {
		return nil, err
	}
	d.convs = append(d.convs, cd)
	pad, stride, dil := cInts(c.Pad[:]), cInts(c.Stride[:]), cInts(c.Dilation[:])
	// Half data accumulates in float.
	compute := C.int(C.PLUGKIT_CUDNN_DATA_FLOAT)
	return cd, status("set_conv", C.cudnnSetConvolutionNdDescriptor(cd, 3, &pad[0], &stride[0], &dil[0],
		C.PLUGKIT_CUDNN_CROSS_CORRELATION, compute))
}

func (d *descriptors) backwardData(w dnn.FilterDesc, dy dnn.TensorDesc, c dnn.ConvDesc, dx dnn.TensorDesc) (
	C.cudnnFilterDescriptor_t, C.cudnnTensorDescriptor_t, C.cudnnConvolutionDescriptor_t, C.cudnnTensorDescriptor_t, error) {
	wd, err := d.filter(w)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	dyd, err := d.tensor(dy)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	cd, err := d.conv(c)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	dxd, err := d.tensor(dx)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return wd, dyd, cd, dxd, nil
}

func dataType(t precision.DataType) (C.int, error) {
	switch t {
	case precision.Float:
		return C.PLUGKIT_CUDNN_DATA_FLOAT, nil
	case precision.Half:
		return C.PLUGKIT_CUDNN_DATA_HALF, nil
	default:
		return 0, dnn.Errorf("unsupported data type %s", t)
	}
}

func cInts(v []int) []C.int {
	out := make([]C.int, len(v))
	for i, x := range v {
		out[i] = C.int(x)
	}
	return out
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func status(op string, st C.cudnnStatus_t) error {
	if st == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s: cudnn status %d: %s", dnn.ErrBackend, op, int(st), C.GoString(C.cudnnGetErrorString(st)))
}
