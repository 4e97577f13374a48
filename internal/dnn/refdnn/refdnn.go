// Package refdnn is a host-memory reference implementation of dnn.Backend.
// Every algorithm computes the same direct transposed convolution; the
// candidates differ only in their modelled cost and workspace needs, which
// keeps rankings deterministic.
package refdnn

import (
	"fmt"
	"slices"
	"time"

	"github.com/samcharles93/plugkit/internal/device"
	"github.com/samcharles93/plugkit/internal/device/hostdev"
	"github.com/samcharles93/plugkit/internal/dims"
	"github.com/samcharles93/plugkit/internal/dnn"
	"github.com/samcharles93/plugkit/internal/precision"
)

const (
	AlgoDirect dnn.Algo = iota
	AlgoGemm
	AlgoFFT
)

type Backend struct{}

func New() *Backend {
	return &Backend{}
}

func (*Backend) Name() string {
	return "reference"
}

func (*Backend) NewHandle() (dnn.Handle, error) {
	return &Handle{}, nil
}

type Handle struct {
	closed bool
}

func (h *Handle) Close() error {
	h.closed = true
	return nil
}

func (h *Handle) check() error {
	if h.closed {
		return dnn.Errorf("handle used after Close")
	}
	return nil
}

func (h *Handle) ForwardOutputDims(c dnn.ConvDesc, x dnn.TensorDesc, w dnn.FilterDesc) (dims.Dims, error) {
	if err := h.check(); err != nil {
		return nil, err
	}
	if x.Dims.Rank() != 5 || w.Dims.Rank() != 5 {
		return nil, dnn.Errorf("forward output dims: expected 5-D tensor and filter, got %s and %s", x.Dims, w.Dims)
	}
	if x.Dims[1] != w.Dims[1] {
		return nil, dnn.Errorf("forward output dims: tensor channels %d != filter channels %d", x.Dims[1], w.Dims[1])
	}
	out := dims.Of(x.Dims[0], w.Dims[0], 0, 0, 0)
	for i := range 3 {
		if c.Stride[i] <= 0 || c.Dilation[i] <= 0 {
			return nil, dnn.Errorf("forward output dims: invalid stride/dilation on axis %d", i)
		}
		out[2+i] = dnn.ConvOutputDim(x.Dims[2+i], c.Pad[i], w.Dims[2+i], c.Stride[i], c.Dilation[i])
		if out[2+i] <= 0 {
			return nil, dnn.Errorf("forward output dims: empty output on axis %d", i)
		}
	}
	return out, nil
}

// BackwardDataAlgorithms ranks candidates by a flop-based cost model, fastest first.
func (h *Handle) BackwardDataAlgorithms(w dnn.FilterDesc, dy dnn.TensorDesc, c dnn.ConvDesc, dx dnn.TensorDesc) ([]dnn.AlgoPerf, error) {
	if err := h.check(); err != nil {
		return nil, err
	}
	if err := validateOperands(w, dy, dx); err != nil {
		return nil, err
	}
	macs := int64(dy.Elements()) * int64(w.Dims[1]*w.Dims[2]*w.Dims[3]*w.Dims[4])
	elt := int64(w.Type.Size())
	colBytes := int64(w.Dims[1]*w.Dims[2]*w.Dims[3]*w.Dims[4]) * int64(dy.Dims[2]*dy.Dims[3]*dy.Dims[4]) * elt

	perfs := []dnn.AlgoPerf{
		{Algo: AlgoDirect, Time: time.Duration(macs) * 2, Memory: 0},
		{Algo: AlgoGemm, Time: time.Duration(macs) + 20*time.Microsecond, Memory: colBytes},
	}
	fft := dnn.AlgoPerf{Algo: AlgoFFT, Time: time.Duration(macs)/2 + 200*time.Microsecond, Memory: 4 * int64(dx.Elements()) * elt}
	if c.Stride != [3]int{1, 1, 1} {
		fft.Err = dnn.Errorf("%s: strided convolution not supported", AlgoFFT)
	}
	perfs = append(perfs, fft)

	slices.SortStableFunc(perfs, func(a, b dnn.AlgoPerf) int {
		if a.OK() != b.OK() {
			if a.OK() {
				return -1
			}
			return 1
		}
		switch {
		case a.Time < b.Time:
			return -1
		case a.Time > b.Time:
			return 1
		}
		return 0
	})
	return perfs, nil
}

func (h *Handle) ConvolutionBackwardData(args dnn.BackwardData, s device.Stream) error {
	if err := h.check(); err != nil {
		return err
	}
	if err := validateOperands(args.W, args.DY, args.DX); err != nil {
		return err
	}
	if args.W.Type != args.DY.Type || args.W.Type != args.DX.Type {
		return dnn.Errorf("backward data: mixed data types %s/%s/%s", args.W.Type, args.DY.Type, args.DX.Type)
	}
	perfs, err := h.BackwardDataAlgorithms(args.W, args.DY, args.Conv, args.DX)
	if err != nil {
		return err
	}
	idx := slices.IndexFunc(perfs, func(p dnn.AlgoPerf) bool { return p.Algo == args.Algo })
	if idx < 0 {
		return dnn.Errorf("backward data: unknown %s", args.Algo)
	}
	if !perfs[idx].OK() {
		return perfs[idx].Err
	}
	if args.WorkspaceBytes < perfs[idx].Memory {
		return dnn.Errorf("backward data: %s needs %d workspace bytes, got %d", args.Algo, perfs[idx].Memory, args.WorkspaceBytes)
	}
	if perfs[idx].Memory > 0 && args.Workspace.IsNil() {
		return dnn.Errorf("backward data: nil workspace")
	}
	hs, err := hostdev.AsStream(s)
	if err != nil {
		return err
	}
	return hs.Enqueue(func() error {
		backwardData(args)
		return nil
	})
}

func (h *Handle) AddTensor(alpha float32, b dnn.TensorDesc, bData device.Ptr, beta float32, y dnn.TensorDesc, yData device.Ptr, s device.Stream) error {
	if err := h.check(); err != nil {
		return err
	}
	if b.Dims.Rank() != y.Dims.Rank() {
		return dnn.Errorf("add tensor: rank mismatch %s vs %s", b.Dims, y.Dims)
	}
	for i := range b.Dims {
		if b.Dims[i] != 1 && b.Dims[i] != y.Dims[i] {
			return dnn.Errorf("add tensor: cannot broadcast %s to %s", b.Dims, y.Dims)
		}
	}
	if b.Type != y.Type {
		return dnn.Errorf("add tensor: data type mismatch %s vs %s", b.Type, y.Type)
	}
	hs, err := hostdev.AsStream(s)
	if err != nil {
		return err
	}
	return hs.Enqueue(func() error {
		bv := newView(b.Type, bData, span(b))
		yv := newView(y.Type, yData, span(y))
		idx := make([]int, y.Dims.Rank())
		for {
			yo, bo := 0, 0
			for i, v := range idx {
				yo += v * y.Strides[i]
				if b.Dims[i] != 1 {
					bo += v * b.Strides[i]
				}
			}
			yv.set(yo, alpha*bv.get(bo)+beta*yv.get(yo))
			if !next(idx, y.Dims) {
				return nil
			}
		}
	})
}

func validateOperands(w dnn.FilterDesc, dy, dx dnn.TensorDesc) error {
	if w.Dims.Rank() != 5 || dy.Dims.Rank() != 5 || dx.Dims.Rank() != 5 {
		return dnn.Errorf("expected 5-D operands, got w=%s dy=%s dx=%s", w.Dims, dy.Dims, dx.Dims)
	}
	if dy.Dims[0] != dx.Dims[0] {
		return dnn.Errorf("batch mismatch: dy=%d dx=%d", dy.Dims[0], dx.Dims[0])
	}
	if dy.Dims[1] != w.Dims[0] || dx.Dims[1] != w.Dims[1] {
		return dnn.Errorf("channel mismatch: w=%s dy=%s dx=%s", w.Dims, dy.Dims, dx.Dims)
	}
	return nil
}

func backwardData(a dnn.BackwardData) {
	n, c := a.DX.Dims[0], a.DX.Dims[1]
	k := a.DY.Dims[1]
	xd, xh, xw := a.DX.Dims[2], a.DX.Dims[3], a.DX.Dims[4]
	yd, yh, yw := a.DY.Dims[2], a.DY.Dims[3], a.DY.Dims[4]
	kt, kr, ks := a.W.Dims[2], a.W.Dims[3], a.W.Dims[4]

	wv := newView(a.W.Type, a.WData, filterSpan(a.W))
	dyv := newView(a.DY.Type, a.DYData, span(a.DY))
	dxv := newView(a.DX.Type, a.DXData, span(a.DX))

	// Accumulate in logical NCDHW order, then write through dx strides.
	acc := make([]float32, n*c*xd*xh*xw)
	for ni := 0; ni < n; ni++ {
		for ki := 0; ki < k; ki++ {
			for od := 0; od < yd; od++ {
				for oh := 0; oh < yh; oh++ {
					for ow := 0; ow < yw; ow++ {
						g := dyv.get(offset(a.DY.Strides, ni, ki, od, oh, ow))
						if g == 0 {
							continue
						}
						for ci := 0; ci < c; ci++ {
							for t := 0; t < kt; t++ {
								id := od*a.Conv.Stride[0] - a.Conv.Pad[0] + t*a.Conv.Dilation[0]
								if id < 0 || id >= xd {
									continue
								}
								for r := 0; r < kr; r++ {
									ih := oh*a.Conv.Stride[1] - a.Conv.Pad[1] + r*a.Conv.Dilation[1]
									if ih < 0 || ih >= xh {
										continue
									}
									for q := 0; q < ks; q++ {
										iw := ow*a.Conv.Stride[2] - a.Conv.Pad[2] + q*a.Conv.Dilation[2]
										if iw < 0 || iw >= xw {
											continue
										}
										wt := wv.get(offset(a.W.Strides, ki, ci, t, r, q))
										acc[(((ni*c+ci)*xd+id)*xh+ih)*xw+iw] += g * wt
									}
								}
							}
						}
					}
				}
			}
		}
	}

	idx := make([]int, 5)
	for i := 0; ; i++ {
		o := offset(a.DX.Strides, idx...)
		v := a.Alpha * acc[i]
		if a.Beta != 0 {
			v += a.Beta * dxv.get(o)
		}
		dxv.set(o, v)
		if !next(idx, a.DX.Dims) {
			return
		}
	}
}

func offset(strides []int, idx ...int) int {
	o := 0
	for i, v := range idx {
		o += v * strides[i]
	}
	return o
}

// next advances idx in row-major order and reports false after the last index.
func next(idx []int, d dims.Dims) bool {
	for i := len(idx) - 1; i >= 0; i-- {
		idx[i]++
		if idx[i] < d[i] {
			return true
		}
		idx[i] = 0
	}
	return false
}

// span is the number of elements addressed by a strided descriptor.
func span(d dnn.TensorDesc) int {
	return extent(d.Dims, d.Strides)
}

func filterSpan(d dnn.FilterDesc) int {
	return extent(d.Dims, d.Strides)
}

func extent(d dims.Dims, strides []int) int {
	if d.Volume() == 0 {
		return 0
	}
	last := 0
	for i, v := range d {
		last += (v - 1) * strides[i]
	}
	return last + 1
}

type view struct {
	f32 []float32
	f16 []uint16
}

func newView(t precision.DataType, p device.Ptr, n int) view {
	switch t {
	case precision.Float:
		return view{f32: hostdev.Float32s(p, n)}
	case precision.Half:
		return view{f16: hostdev.Uint16s(p, n)}
	default:
		panic(fmt.Sprintf("refdnn: unsupported data type %s", t))
	}
}

func (v view) get(i int) float32 {
	if v.f32 != nil {
		return v.f32[i]
	}
	var out [1]float32
	precision.HalfToFloat(out[:], v.f16[i:i+1])
	return out[0]
}

func (v view) set(i int, x float32) {
	if v.f32 != nil {
		v.f32[i] = x
		return
	}
	precision.FloatToHalf(v.f16[i:i+1], []float32{x})
}
