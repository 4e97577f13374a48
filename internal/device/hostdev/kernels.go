package hostdev

import (
	"github.com/samcharles93/plugkit/internal/device"
	"github.com/samcharles93/plugkit/internal/dims"
	"github.com/samcharles93/plugkit/internal/precision"
)

// Kernels implements kernels.Kernels on host streams.
type Kernels struct{}

func (Kernels) FloatToHalf(dst, src device.Ptr, n int, s device.Stream) error {
	if n <= 0 {
		return nil
	}
	hs, err := AsStream(s)
	if err != nil {
		return err
	}
	return hs.Enqueue(func() error {
		precision.FloatToHalf(Uint16s(dst, n), Float32s(src, n))
		return nil
	})
}

func (Kernels) HalfToFloat(dst, src device.Ptr, n int, s device.Stream) error {
	if n <= 0 {
		return nil
	}
	hs, err := AsStream(s)
	if err != nil {
		return err
	}
	return hs.Enqueue(func() error {
		precision.HalfToFloat(Float32s(dst, n), Uint16s(src, n))
		return nil
	})
}

func (Kernels) AddAxisBias(bias, out device.Ptr, shape dims.Dims, axis int, t precision.DataType, s device.Stream) error {
	if axis < 0 || axis >= shape.Rank() {
		return device.Errorf("add_bias", "axis %d out of range for shape %s", axis, shape)
	}
	if !t.Valid() {
		return device.Errorf("add_bias", "unsupported data type %s", t)
	}
	hs, err := AsStream(s)
	if err != nil {
		return err
	}
	outer, extent, inner := shape.Outer(axis), shape[axis], shape.Inner(axis)
	total := shape.Volume()
	return hs.Enqueue(func() error {
		switch t {
		case precision.Float:
			b := Float32s(bias, extent)
			o := Float32s(out, total)
			for blk := 0; blk < outer; blk++ {
				for i := 0; i < extent; i++ {
					row := o[(blk*extent+i)*inner : (blk*extent+i+1)*inner]
					for j := range row {
						row[j] += b[i]
					}
				}
			}
		case precision.Half:
			b := make([]float32, extent)
			precision.HalfToFloat(b, Uint16s(bias, extent))
			o := Uint16s(out, total)
			row := make([]float32, inner)
			for blk := 0; blk < outer; blk++ {
				for i := 0; i < extent; i++ {
					seg := o[(blk*extent+i)*inner : (blk*extent+i+1)*inner]
					precision.HalfToFloat(row, seg)
					for j := range row {
						row[j] += b[i]
					}
					precision.FloatToHalf(seg, row)
				}
			}
		}
		return nil
	})
}
