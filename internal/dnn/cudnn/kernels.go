//go:build cuda

package cudnn

import (
	"github.com/samcharles93/plugkit/internal/device"
	"github.com/samcharles93/plugkit/internal/dims"
	"github.com/samcharles93/plugkit/internal/dnn"
	"github.com/samcharles93/plugkit/internal/precision"
)

// Kernels implements kernels.Kernels with cuDNN tensor transforms on a
// private handle.
type Kernels struct {
	h *Handle
}

func NewKernels() (*Kernels, error) {
	h, err := New().NewHandle()
	if err != nil {
		return nil, err
	}
	return &Kernels{h: h.(*Handle)}, nil
}

func (k *Kernels) Close() error {
	return k.h.Close()
}

// vector describes n elements as a 4-D tensor, the smallest rank cuDNN accepts here.
func vector(t precision.DataType, n int) dnn.TensorDesc {
	return dnn.Packed(t, dims.Of(1, 1, 1, n))
}

func (k *Kernels) FloatToHalf(dst, src device.Ptr, n int, s device.Stream) error {
	if n <= 0 {
		return nil
	}
	return k.h.transform(vector(precision.Float, n), src, vector(precision.Half, n), dst, s)
}

func (k *Kernels) HalfToFloat(dst, src device.Ptr, n int, s device.Stream) error {
	if n <= 0 {
		return nil
	}
	return k.h.transform(vector(precision.Half, n), src, vector(precision.Float, n), dst, s)
}

// AddAxisBias folds shape into outer, axis and inner extents and lets
// cudnnAddTensor broadcast the bias over the outer and inner ones.
func (k *Kernels) AddAxisBias(bias, out device.Ptr, shape dims.Dims, axis int, t precision.DataType, s device.Stream) error {
	if axis < 0 || axis >= shape.Rank() {
		return device.Errorf("add_bias", "axis %d out of range for shape %s", axis, shape)
	}
	y := dnn.Packed(t, dims.Of(shape.Outer(axis), shape[axis], shape.Inner(axis), 1))
	b := dnn.Packed(t, dims.Of(1, shape[axis], 1, 1))
	return k.h.AddTensor(1, b, bias, 1, y, out, s)
}
