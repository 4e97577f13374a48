// Package kernels declares the elementwise device kernels the plugins launch
// directly, outside the math backend.
package kernels

import (
	"github.com/samcharles93/plugkit/internal/device"
	"github.com/samcharles93/plugkit/internal/dims"
	"github.com/samcharles93/plugkit/internal/precision"
)

type Kernels interface {
	// FloatToHalf narrows n float32 values at src into binary16 at dst.
	FloatToHalf(dst, src device.Ptr, n int, s device.Stream) error
	// HalfToFloat widens n binary16 values at src into float32 at dst.
	// src and dst must not alias.
	HalfToFloat(dst, src device.Ptr, n int, s device.Stream) error
	// AddAxisBias adds bias[i] to every element of the packed tensor out whose
	// index along axis is i. len(bias) == shape[axis].
	AddAxisBias(bias, out device.Ptr, shape dims.Dims, axis int, t precision.DataType, s device.Stream) error
}
