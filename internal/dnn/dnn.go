// Package dnn describes the device math backend the convolution plugin
// negotiates with. Descriptors are plain values; the Handle owns whatever
// backend state is needed to run them.
package dnn

import (
	"errors"
	"fmt"
	"time"

	"github.com/samcharles93/plugkit/internal/device"
	"github.com/samcharles93/plugkit/internal/dims"
	"github.com/samcharles93/plugkit/internal/precision"
)

var (
	// ErrBackend is wrapped by every failure reported by a math backend call.
	ErrBackend = errors.New("dnn backend error")
	// ErrNoAlgorithm means no candidate algorithm succeeded for a configuration.
	ErrNoAlgorithm = errors.New("no usable convolution algorithm")
)

// TensorDesc describes a 5-D tensor as N,C,D,H,W extents with element strides.
// Strides may describe a memory order other than NCDHW.
type TensorDesc struct {
	Type    precision.DataType
	Dims    dims.Dims
	Strides []int
}

// Packed returns a descriptor with row-major strides over d.
func Packed(t precision.DataType, d dims.Dims) TensorDesc {
	return TensorDesc{Type: t, Dims: d.Clone(), Strides: d.Strides()}
}

// Permuted returns a descriptor whose logical axes are d but whose memory is
// packed in the axis order given by order (a permutation of logical axes).
func Permuted(t precision.DataType, d dims.Dims, order []int) TensorDesc {
	strides := make([]int, len(d))
	acc := 1
	for i := len(order) - 1; i >= 0; i-- {
		strides[order[i]] = acc
		acc *= d[order[i]]
	}
	return TensorDesc{Type: t, Dims: d.Clone(), Strides: strides}
}

func (d TensorDesc) Elements() int {
	return d.Dims.Volume()
}

func (d TensorDesc) String() string {
	return fmt.Sprintf("%s%s strides=%v", d.Type, d.Dims, d.Strides)
}

// FilterDesc describes convolution weights as K,C,T,R,S extents with element strides.
type FilterDesc struct {
	Type    precision.DataType
	Dims    dims.Dims
	Strides []int
}

// ConvDesc holds per spatial axis (D,H,W) convolution parameters. The backend
// computes cross-correlation.
type ConvDesc struct {
	Type     precision.DataType
	Pad      [3]int
	Stride   [3]int
	Dilation [3]int
}

// Algo identifies a backend backward-data algorithm.
type Algo int

func (a Algo) String() string {
	return fmt.Sprintf("algo%d", int(a))
}

// AlgoPerf is one ranked candidate. Err is nil for candidates that can run.
type AlgoPerf struct {
	Algo   Algo
	Err    error
	Time   time.Duration
	Memory int64
}

func (p AlgoPerf) OK() bool {
	return p.Err == nil
}

// AlgoRanker reports every backward-data algorithm able to run a
// configuration, each with its measured time and workspace bytes.
type AlgoRanker interface {
	BackwardDataAlgorithms(w FilterDesc, dy TensorDesc, c ConvDesc, dx TensorDesc) ([]AlgoPerf, error)
}

// BackwardData bundles the operands of a backward-data convolution:
// dx = alpha * conv_bwd_data(w, dy) + beta * dx.
type BackwardData struct {
	Alpha, Beta    float32
	W              FilterDesc
	WData          device.Ptr
	DY             TensorDesc
	DYData         device.Ptr
	Conv           ConvDesc
	Algo           Algo
	Workspace      device.Ptr
	WorkspaceBytes int64
	DX             TensorDesc
	DXData         device.Ptr
}

type Handle interface {
	AlgoRanker
	// ForwardOutputDims returns the N,K,D,H,W dims a forward convolution of x by w produces.
	ForwardOutputDims(c ConvDesc, x TensorDesc, w FilterDesc) (dims.Dims, error)
	ConvolutionBackwardData(args BackwardData, s device.Stream) error
	// AddTensor computes y = alpha*b + beta*y, broadcasting b over every axis where its extent is 1.
	AddTensor(alpha float32, b TensorDesc, bData device.Ptr, beta float32, y TensorDesc, yData device.Ptr, s device.Stream) error
	Close() error
}

type Backend interface {
	Name() string
	NewHandle() (Handle, error)
}

// ConvOutputDim is the forward convolution output extent along one axis.
func ConvOutputDim(in, pad, kernel, stride, dilation int) int {
	return (in+2*pad-dilation*(kernel-1)-1)/stride + 1
}

// Errorf formats a backend failure that matches ErrBackend.
func Errorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBackend, fmt.Sprintf(format, args...))
}
