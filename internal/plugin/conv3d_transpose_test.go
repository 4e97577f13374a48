package plugin

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/plugkit/internal/autotune"
	"github.com/samcharles93/plugkit/internal/device"
	"github.com/samcharles93/plugkit/internal/dims"
	"github.com/samcharles93/plugkit/internal/dnn"
	"github.com/samcharles93/plugkit/internal/dnn/refdnn"
	"github.com/samcharles93/plugkit/internal/precision"
)

type convCase struct {
	in     dims.Dims // K,D,H,W
	kernel dims.Dims // K,V,C,R,S
	out    dims.Dims // C,D,H,W
	stride [3]int
	pad    [3]int // start; D end may be one larger
	padEnd [3]int
	bias   bool
}

// symmetric is the C=3 D=4 H=8 W=8 volume with a 3x3x3 kernel, stride 1, pad 1.
var symmetric = convCase{
	in:     dims.Of(3, 4, 8, 8),
	kernel: dims.Of(3, 3, 3, 3, 3),
	out:    dims.Of(3, 4, 8, 8),
	stride: [3]int{1, 1, 1},
	pad:    [3]int{1, 1, 1},
	padEnd: [3]int{1, 1, 1},
	bias:   true,
}

func (c convCase) config(t precision.DataType, layout Layout, seed uint64) Conv3DTransposeConfig {
	cfg := Conv3DTransposeConfig{
		Name:       "deconv",
		Layout:     layout,
		KernelDims: c.kernel,
		OutDims:    c.out,
		Stride:     dims.Of(c.stride[:]...),
		PadStart:   dims.Of(c.pad[:]...),
		PadEnd:     dims.Of(c.padEnd[:]...),
		Kernel:     FloatWeights(t, randomFloats(seed, c.kernel.Volume())),
	}
	if layout == LayoutNDCHW {
		cfg.OutDims = dims.Of(c.out[1], c.out[0], c.out[2], c.out[3])
	}
	if c.bias {
		cfg.Bias = FloatWeights(t, randomFloats(seed+1, c.out[0]))
	}
	return cfg
}

// expected computes the output for the weights in cfg as they were rounded
// to cfg's precision.
func (c convCase) expected(cfg Conv3DTransposeConfig, dy []float32, batch int) []float32 {
	w := precision.DecodeFloat32(cfg.Kernel.Type, cfg.Kernel.Values)
	var b []float32
	if !cfg.Bias.Empty() {
		b = precision.DecodeFloat32(cfg.Bias.Type, cfg.Bias.Values)
	}
	if cfg.Kernel.Type.Reduced() {
		dy = roundHalf(dy)
	}
	xd := c.out.WithBatch(batch)
	dx := transposedConv(dy, c.in.WithBatch(batch), w, c.kernel, b, c.stride, c.pad, xd)
	if cfg.Layout == LayoutNDCHW {
		return toNDCHW(dx, xd)
	}
	return dx
}

func roundHalf(x []float32) []float32 {
	h := make([]uint16, len(x))
	precision.FloatToHalf(h, x)
	out := make([]float32, len(x))
	precision.HalfToFloat(out, h)
	return out
}

// run walks a plugin through its whole lifecycle and returns its output.
func (r *rig) run(t *testing.T, p Plugin, in dims.Dims, batch int, input []float32) []float32 {
	t.Helper()
	out := p.InferShape(in)
	require.NoError(t, p.Configure(in, out, precision.Float, FormatLinear, batch))
	require.NoError(t, p.Initialize())

	x := r.upload(t, input)
	y := r.alloc(t, int64(batch*out.Volume())*4)
	ws := r.alloc(t, p.WorkspaceSize(batch))
	require.NoError(t, p.Enqueue(batch, []device.Ptr{x}, []device.Ptr{y}, ws, r.stream))
	return r.download(t, y, batch*out.Volume())
}

func TestConv3DTransposeSymmetricScenario(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	const batch = 2
	cfg := symmetric.config(precision.Float, LayoutNCDHW, 1)
	p := NewConv3DTranspose(r.env, cfg)

	out := p.InferShape(symmetric.in)
	if diff := cmp.Diff(symmetric.out, out); diff != "" {
		t.Fatalf("InferShape mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, StateShapeInferred, p.State())

	input := randomFloats(7, batch*symmetric.in.Volume())
	got := r.run(t, p, symmetric.in, batch, input)
	requireClose(t, symmetric.expected(cfg, input, batch), got, 1e-4)

	info := p.Info()
	require.Equal(t, "Conv3dTranspose", info.Type)
	require.Equal(t, "2", info.Version)
	require.Equal(t, batch, info.MaxBatch)
	require.NotEmpty(t, info.Candidates)

	r.freeAll(t)
	require.Equal(t, 2, r.dev.Live(), "kernel and bias stay resident until Terminate")
	p.Terminate()
	require.Equal(t, 0, r.dev.Live())
	p.Destroy()
	require.Equal(t, StateDestroyed, p.State())
}

func TestConv3DTransposeStridedAsymmetricDepth(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	c := convCase{
		in:     dims.Of(4, 4, 3, 3),
		kernel: dims.Of(4, 3, 2, 3, 3),
		out:    dims.Of(2, 8, 6, 6),
		stride: [3]int{2, 2, 2},
		pad:    [3]int{1, 1, 1},
		padEnd: [3]int{2, 1, 1},
		bias:   true,
	}
	cfg := c.config(precision.Float, LayoutNCDHW, 3)
	p := NewConv3DTranspose(r.env, cfg)
	input := randomFloats(11, c.in.Volume())
	got := r.run(t, p, c.in, 1, input)
	requireClose(t, c.expected(cfg, input, 1), got, 1e-4)

	// FFT cannot run strided; only the two remaining candidates are reported.
	require.Len(t, p.Info().Candidates, 2)
	p.Destroy()
}

func TestConv3DTransposeBiasDispatch(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		layout   Layout
		biasDims dims.Dims
		mode     biasMode
	}{
		{name: "native layout", layout: LayoutNCDHW, mode: biasTensor},
		{name: "depth-major layout", layout: LayoutNDCHW, mode: biasAxis},
		{name: "depth-major layout with native bias", layout: LayoutNDCHW, biasDims: dims.Of(1, 3, 1, 1, 1), mode: biasTensor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := newRig(t)
			cfg := symmetric.config(precision.Float, tt.layout, 5)
			cfg.BiasDims = tt.biasDims
			p := NewConv3DTranspose(r.env, cfg)
			input := randomFloats(13, 2*symmetric.in.Volume())
			got := r.run(t, p, symmetric.in, 2, input)
			require.Equal(t, tt.mode, p.desc.biasMode)
			requireClose(t, symmetric.expected(cfg, input, 2), got, 1e-4)
			p.Destroy()
		})
	}
}

func TestConv3DTransposeRejectsUnsupportedBiasShape(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	cfg := symmetric.config(precision.Float, LayoutNCDHW, 5)
	cfg.BiasDims = dims.Of(1, 1, 1, 3, 1)
	p := NewConv3DTranspose(r.env, cfg)
	out := p.InferShape(symmetric.in)

	ce := requireContract(t, func() {
		_ = p.Configure(symmetric.in, out, precision.Float, FormatLinear, 1)
	})
	require.Contains(t, ce.Msg, "cannot be broadcast")
	require.Equal(t, 0, r.dev.Live(), "partial commitment must be released")
}

func TestConv3DTransposeHalfPrecision(t *testing.T) {
	t.Parallel()
	for _, layout := range []Layout{LayoutNCDHW, LayoutNDCHW} {
		t.Run(layout.String(), func(t *testing.T) {
			t.Parallel()
			r := newRig(t)
			const batch = 2
			cfg := symmetric.config(precision.Half, layout, 9)
			p := NewConv3DTranspose(r.env, cfg)
			input := randomFloats(17, batch*symmetric.in.Volume())
			got := r.run(t, p, symmetric.in, batch, input)
			requireClose(t, symmetric.expected(cfg, input, batch), got, 5e-2)

			conv := int64(batch * symmetric.out.Volume() * 2)
			require.Equal(t, conv, p.desc.convBytes)
			require.Equal(t, p.desc.algo.Memory+conv, p.WorkspaceSize(batch))
			require.Equal(t, "float16", p.Info().Precision)
			p.Destroy()
		})
	}
}

func TestConv3DTransposeFloatPathHasNoConversionRegion(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	p := NewConv3DTranspose(r.env, symmetric.config(precision.Float, LayoutNCDHW, 1))
	out := p.InferShape(symmetric.in)
	require.NoError(t, p.Configure(symmetric.in, out, precision.Float, FormatLinear, 2))
	require.Zero(t, p.desc.convBytes)
	require.Equal(t, p.desc.algo.Memory, p.WorkspaceSize(2))
	p.Destroy()
}

type fixedRanker struct {
	perfs []dnn.AlgoPerf
	calls int
}

func (f *fixedRanker) BackwardDataAlgorithms(dnn.FilterDesc, dnn.TensorDesc, dnn.ConvDesc, dnn.TensorDesc) ([]dnn.AlgoPerf, error) {
	f.calls++
	return slices.Clone(f.perfs), nil
}

func TestConv3DTransposeSelectsFastestFirstOnTies(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	r.env.Ranker = &fixedRanker{perfs: []dnn.AlgoPerf{
		{Algo: refdnn.AlgoFFT, Err: dnn.Errorf("unsupported")},
		{Algo: refdnn.AlgoDirect, Time: time.Millisecond},
		{Algo: refdnn.AlgoGemm, Time: time.Millisecond, Memory: 1 << 20},
	}}
	cfg := symmetric.config(precision.Float, LayoutNCDHW, 1)
	p := NewConv3DTranspose(r.env, cfg)
	input := randomFloats(19, symmetric.in.Volume())
	got := r.run(t, p, symmetric.in, 1, input)
	requireClose(t, symmetric.expected(cfg, input, 1), got, 1e-4)

	want := []Candidate{
		{Algo: "algo0", TimeMS: 1, MemoryBytes: 0, Selected: true},
		{Algo: "algo1", TimeMS: 1, MemoryBytes: 1 << 20},
	}
	if diff := cmp.Diff(want, p.Info().Candidates); diff != "" {
		t.Fatalf("candidates mismatch (-want +got):\n%s", diff)
	}
	require.Zero(t, p.WorkspaceSize(1))
	p.Destroy()
}

func TestConv3DTransposeNoUsableAlgorithm(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	r.env.Ranker = &fixedRanker{perfs: []dnn.AlgoPerf{
		{Algo: refdnn.AlgoDirect, Err: dnn.Errorf("out of memory")},
	}}
	p := NewConv3DTranspose(r.env, symmetric.config(precision.Float, LayoutNCDHW, 1))
	out := p.InferShape(symmetric.in)
	err := p.Configure(symmetric.in, out, precision.Float, FormatLinear, 1)
	require.ErrorIs(t, err, dnn.ErrNoAlgorithm)
	require.Equal(t, StateShapeInferred, p.State())
	require.Equal(t, 0, r.dev.Live())

	requireContract(t, func() { p.WorkspaceSize(1) })
	p.Destroy()
}

func TestConv3DTransposeDeviceFailureIsReturned(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	r.dev.Limit = 64
	p := NewConv3DTranspose(r.env, symmetric.config(precision.Float, LayoutNCDHW, 1))
	out := p.InferShape(symmetric.in)
	err := p.Configure(symmetric.in, out, precision.Float, FormatLinear, 1)
	require.ErrorIs(t, err, device.ErrDevice)
	require.Equal(t, 0, r.dev.Live())
	p.Destroy()
}

func TestConv3DTransposeSharedTuningCache(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	ranker := &fixedRanker{perfs: []dnn.AlgoPerf{{Algo: refdnn.AlgoDirect, Time: time.Millisecond}}}
	r.env.Ranker = ranker
	r.env.Tuning = autotune.NewCache()

	p := NewConv3DTranspose(r.env, symmetric.config(precision.Float, LayoutNCDHW, 1))
	p.SetNamespace("stereo")
	clone := p.Clone()
	require.Equal(t, StateConstructed, clone.State())
	require.Equal(t, "stereo", clone.Namespace())

	for _, q := range []Plugin{p, clone} {
		out := q.InferShape(symmetric.in)
		require.NoError(t, q.Configure(symmetric.in, out, precision.Float, FormatLinear, 2))
	}
	require.Equal(t, 1, ranker.calls)
	require.Equal(t, 1, r.env.Tuning.Len())
	require.Equal(t, 4, r.dev.Live(), "each instance owns its device weights")

	p.Destroy()
	clone.Destroy()
	require.Equal(t, 0, r.dev.Live())
}

func TestConv3DTransposeRecommitReleasesPrevious(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	p := NewConv3DTranspose(r.env, symmetric.config(precision.Float, LayoutNCDHW, 1))
	out := p.InferShape(symmetric.in)
	require.NoError(t, p.Configure(symmetric.in, out, precision.Float, FormatLinear, 1))
	require.NoError(t, p.Configure(symmetric.in, out, precision.Float, FormatLinear, 4))
	require.Equal(t, 2, r.dev.Live())
	require.Equal(t, 4, p.Info().MaxBatch)

	p.Terminate()
	p.Terminate()
	require.Equal(t, 0, r.dev.Live())
	p.Destroy()
}

func TestConv3DTransposeInferShapeIsPure(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	p := NewConv3DTranspose(r.env, symmetric.config(precision.Float, LayoutNDCHW, 1))
	first := p.InferShape(symmetric.in)
	second := p.InferShape(symmetric.in)
	require.Equal(t, first, second)
	require.Equal(t, dims.Of(4, 3, 8, 8), first)
	require.Equal(t, 0, r.dev.Live())

	requireContract(t, func() { p.InferShape(dims.Of(3, 5, 8, 8)) })
	requireContract(t, func() { p.InferShape(dims.Of(2, 4, 8, 8)) })
}

func TestConv3DTransposeConstructionContract(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*Conv3DTransposeConfig)
	}{
		{"kernel rank", func(c *Conv3DTransposeConfig) { c.KernelDims = dims.Of(3, 3, 3, 3) }},
		{"asymmetric height", func(c *Conv3DTransposeConfig) { c.PadEnd = dims.Of(1, 2, 1) }},
		{"depth asymmetry of two", func(c *Conv3DTransposeConfig) { c.PadEnd = dims.Of(3, 1, 1) }},
		{"leading depth asymmetry", func(c *Conv3DTransposeConfig) { c.PadStart = dims.Of(2, 1, 1) }},
		{"zero stride", func(c *Conv3DTransposeConfig) { c.Stride = dims.Of(1, 0, 1) }},
		{"output rank", func(c *Conv3DTransposeConfig) { c.OutDims = dims.Of(3, 4, 8) }},
		{"channel mismatch", func(c *Conv3DTransposeConfig) { c.OutDims = dims.Of(2, 4, 8, 8) }},
		{"missing kernel", func(c *Conv3DTransposeConfig) { c.Kernel = Weights{Type: precision.Float} }},
		{"kernel count", func(c *Conv3DTransposeConfig) {
			c.Kernel = FloatWeights(precision.Float, make([]float32, 10))
		}},
		{"bias precision", func(c *Conv3DTransposeConfig) {
			c.Bias = FloatWeights(precision.Half, []float32{1, 2, 3})
		}},
		{"bias half present", func(c *Conv3DTransposeConfig) { c.Bias.Values = nil }},
		{"bias dims", func(c *Conv3DTransposeConfig) { c.BiasDims = dims.Of(1, 4, 1, 1, 1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := newRig(t)
			cfg := symmetric.config(precision.Float, LayoutNCDHW, 1)
			tt.mutate(&cfg)
			requireContract(t, func() { NewConv3DTranspose(r.env, cfg) })
		})
	}
}

func TestConv3DTransposeLifecycleContract(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	p := NewConv3DTranspose(r.env, symmetric.config(precision.Float, LayoutNCDHW, 1))
	require.True(t, p.SupportsFormat(precision.Float, FormatLinear))
	require.False(t, p.SupportsFormat(precision.Half, FormatLinear))
	require.Equal(t, 1, p.Outputs())
	require.Zero(t, p.SerializationSize())

	requireContract(t, func() {
		_ = p.Configure(symmetric.in, symmetric.out, precision.Float, FormatLinear, 1)
	})
	requireContract(t, func() {
		_ = p.Enqueue(1, nil, nil, device.Ptr{}, r.stream)
	})
	requireContract(t, func() { p.Serialize(nil) })

	out := p.InferShape(symmetric.in)
	requireContract(t, func() {
		_ = p.Configure(symmetric.in, out, precision.Half, FormatLinear, 1)
	})
	require.NoError(t, p.Configure(symmetric.in, out, precision.Float, FormatLinear, 2))
	requireContract(t, func() { p.WorkspaceSize(1) })

	x := r.alloc(t, int64(symmetric.in.Volume())*4)
	y := r.alloc(t, int64(symmetric.out.Volume())*4)
	requireContract(t, func() {
		_ = p.Enqueue(1, []device.Ptr{x}, []device.Ptr{y}, device.Ptr{}, r.stream)
	})

	p.Destroy()
	requireContract(t, func() { p.InferShape(symmetric.in) })
	requireContract(t, func() { p.Destroy() })
	r.freeAll(t)
	require.Equal(t, 0, r.dev.Live())
}

func TestConv3DTransposeTerminatedCannotRecommit(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	p := NewConv3DTranspose(r.env, symmetric.config(precision.Float, LayoutNCDHW, 1))
	out := p.InferShape(symmetric.in)
	require.NoError(t, p.Configure(symmetric.in, out, precision.Float, FormatLinear, 1))
	require.NoError(t, p.Initialize())
	live := r.dev.Live()
	require.Positive(t, live)

	p.Terminate()
	require.Equal(t, 0, r.dev.Live())
	requireContract(t, func() {
		_ = p.Configure(symmetric.in, out, precision.Float, FormatLinear, 1)
	})
	require.Equal(t, 0, r.dev.Live())
	require.Equal(t, StateTerminated, p.State())

	x := r.alloc(t, int64(symmetric.in.Volume())*4)
	y := r.alloc(t, int64(symmetric.out.Volume())*4)
	requireContract(t, func() {
		_ = p.Enqueue(1, []device.Ptr{x}, []device.Ptr{y}, device.Ptr{}, r.stream)
	})
	requireContract(t, func() { _ = p.Initialize() })

	p.Destroy()
	r.freeAll(t)
}

func TestParseLayout(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Layout{"": LayoutNCDHW, "NCDHW": LayoutNCDHW, "ndchw": LayoutNDCHW, "tf": LayoutNDCHW} {
		got, err := ParseLayout(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	_, err := ParseLayout("nhwc")
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrContract))
}

func TestConv3DTransposeKernelRepack(t *testing.T) {
	t.Parallel()
	// K=1 V=2 C=3 R=S=1: host order is v-major, packed order is c-major.
	kd := dims.Of(1, 2, 3, 1, 1)
	values := []float32{0, 1, 2, 10, 11, 12}
	cfg := Conv3DTransposeConfig{
		Name:       "repack",
		KernelDims: kd,
		OutDims:    dims.Of(3, 2, 1, 1),
		Stride:     dims.Of(1, 1, 1),
		PadStart:   dims.Of(0, 0, 0),
		PadEnd:     dims.Of(0, 0, 0),
		Kernel:     FloatWeights(precision.Float, values),
	}
	p := NewConv3DTranspose(newRig(t).env, cfg)

	got := precision.DecodeFloat32(precision.Float, p.kernelKCTRS())
	if diff := cmp.Diff([]float32{0, 10, 1, 11, 2, 12}, got); diff != "" {
		t.Fatalf("repacked kernel mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, dims.Of(1, 3, 2, 1, 1), p.filterDesc(precision.Float).Dims)
}
