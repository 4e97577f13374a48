package plugin

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/plugkit/internal/device"
	"github.com/samcharles93/plugkit/internal/dims"
	"github.com/samcharles93/plugkit/internal/precision"
)

func seq(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i + 1)
	}
	return out
}

func TestPaddingDepthScenario(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	p := NewPadding(r.env, PaddingConfig{
		Name:     "pad",
		PadStart: dims.Of(0, 0, 0, 0),
		PadEnd:   dims.Of(0, 2, 0, 0),
	})
	require.Equal(t, 1, p.Axis())

	in := dims.Of(2, 3, 4, 4)
	input := seq(in.Volume())
	got := r.run(t, p, in, 1, input)
	if diff := cmp.Diff(dims.Of(2, 5, 4, 4), p.Info().Out); diff != "" {
		t.Fatalf("output shape mismatch (-want +got):\n%s", diff)
	}
	require.Zero(t, p.WorkspaceSize(1))

	const slab = 4 * 4
	for c := range 2 {
		block := got[c*5*slab : (c+1)*5*slab]
		require.Equal(t, input[c*3*slab:(c+1)*3*slab], block[:3*slab], "channel %d copied slices", c)
		require.Equal(t, make([]float32, 2*slab), block[3*slab:], "channel %d padding", c)
	}
	p.Terminate()
	p.Destroy()
}

func TestPaddingOuterAxisBatched(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	p := NewPadding(r.env, PaddingConfig{
		PadStart: dims.Of(0, 0, 0, 0),
		PadEnd:   dims.Of(1, 0, 0, 0),
	})
	in := dims.Of(2, 1, 2, 2)
	input := seq(2 * in.Volume())
	got := r.run(t, p, in, 2, input)
	want := append(append(append([]float32{}, input[:8]...), make([]float32, 4)...), input[8:]...)
	want = append(want, make([]float32, 4)...)
	require.Equal(t, want, got)
}

func TestPaddingWithoutPaddingIsIdentity(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	p := NewPadding(r.env, PaddingConfig{PadStart: dims.Of(0, 0, 0, 0), PadEnd: dims.Of(0, 0, 0, 0)})
	in := dims.Of(3, 2, 2, 5)
	input := seq(in.Volume())
	require.Equal(t, input, r.run(t, p, in, 1, input))
}

func TestPaddingContract(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	tests := map[string]PaddingConfig{
		"leading pad":  {PadStart: dims.Of(0, 1, 0, 0), PadEnd: dims.Of(0, 0, 0, 0)},
		"two axes":     {PadStart: dims.Of(0, 0, 0, 0), PadEnd: dims.Of(1, 0, 1, 0)},
		"negative pad": {PadStart: dims.Of(0, 0, 0, 0), PadEnd: dims.Of(0, -1, 0, 0)},
		"rank":         {PadStart: dims.Of(0, 0, 0), PadEnd: dims.Of(0, 0, 0)},
	}
	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			requireContract(t, func() { NewPadding(r.env, cfg) })
		})
	}

	p := NewPadding(r.env, PaddingConfig{PadStart: dims.Of(0, 0, 0, 0), PadEnd: dims.Of(0, 1, 0, 0)})
	out := p.InferShape(dims.Of(1, 2, 2, 2))
	requireContract(t, func() {
		_ = p.Configure(dims.Of(1, 2, 2, 2), dims.Of(1, 2, 2, 2), precision.Float, FormatLinear, 1)
	})
	require.NoError(t, p.Configure(dims.Of(1, 2, 2, 2), out, precision.Float, FormatLinear, 1))
	x := r.alloc(t, 32)
	y := r.alloc(t, 48)
	requireContract(t, func() {
		_ = p.Enqueue(2, []device.Ptr{x}, []device.Ptr{y}, device.Ptr{}, r.stream)
	})

	// Committed shapes may be inferred again but not replaced.
	require.Equal(t, out, p.InferShape(dims.Of(1, 2, 2, 2)))
	requireContract(t, func() { p.InferShape(dims.Of(1, 4, 2, 2)) })
	require.Equal(t, dims.Of(1, 2, 2, 2), p.Info().In)
	require.NoError(t, p.Enqueue(1, []device.Ptr{x}, []device.Ptr{y}, device.Ptr{}, r.stream))
	require.NoError(t, r.stream.Synchronize())

	p.Terminate()
	requireContract(t, func() {
		_ = p.Configure(dims.Of(1, 2, 2, 2), out, precision.Float, FormatLinear, 1)
	})
	requireContract(t, func() {
		_ = p.Enqueue(1, []device.Ptr{x}, []device.Ptr{y}, device.Ptr{}, r.stream)
	})
	require.Equal(t, StateTerminated, p.State())
}

func TestSliceDepthScenario(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	in := dims.Of(6, 2, 3, 3)
	p := NewSlice(r.env, SliceConfig{
		Name:  "slice",
		In:    in,
		Start: dims.Of(1, 0, 0, 0),
		End:   dims.Of(4, 2, 3, 3),
	})
	require.Equal(t, 0, p.Axis())

	input := seq(in.Volume())
	got := r.run(t, p, in, 1, input)
	require.Equal(t, dims.Of(3, 2, 3, 3), p.Info().Out)
	slab := in.Inner(0)
	require.Equal(t, input[1*slab:4*slab], got)
}

func TestSliceInnerAxisBatched(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	in := dims.Of(2, 4, 1, 2)
	p := NewSlice(r.env, SliceConfig{
		In:    in,
		Start: dims.Of(0, 2, 0, 0),
		End:   dims.Of(2, 3, 1, 2),
	})
	require.Equal(t, 1, p.Axis())

	const batch = 2
	input := seq(batch * in.Volume())
	got := r.run(t, p, in, batch, input)

	var want []float32
	for blk := range batch * 2 {
		base := blk*4*2 + 2*2
		want = append(want, input[base:base+2]...)
	}
	require.Equal(t, want, got)
}

func TestSliceContract(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	in := dims.Of(6, 2, 3, 3)
	tests := map[string]SliceConfig{
		"empty range": {In: in, Start: dims.Of(3, 0, 0, 0), End: dims.Of(3, 2, 3, 3)},
		"past extent": {In: in, Start: dims.Of(1, 0, 0, 0), End: dims.Of(7, 2, 3, 3)},
		"two axes":    {In: in, Start: dims.Of(1, 1, 0, 0), End: dims.Of(4, 2, 3, 3)},
		"rank":        {In: dims.Of(6, 2, 3), Start: dims.Of(1, 0, 0), End: dims.Of(4, 2, 3)},
	}
	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			requireContract(t, func() { NewSlice(r.env, cfg) })
		})
	}

	p := NewSlice(r.env, SliceConfig{In: in, Start: dims.Of(1, 0, 0, 0), End: dims.Of(4, 2, 3, 3)})
	requireContract(t, func() { p.InferShape(dims.Of(5, 2, 3, 3)) })
}

func TestCopyOpClonesAreIndependent(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	p := NewSlice(r.env, SliceConfig{In: dims.Of(4, 1, 1, 1), Start: dims.Of(1, 0, 0, 0), End: dims.Of(3, 1, 1, 1)})
	p.SetNamespace("ns")
	p.InferShape(dims.Of(4, 1, 1, 1))

	c := p.Clone()
	require.Equal(t, StateConstructed, c.State())
	require.Equal(t, "ns", c.Namespace())
	require.Equal(t, StateShapeInferred, p.State())
	require.Equal(t, dims.Of(2, 1, 1, 1), c.InferShape(dims.Of(4, 1, 1, 1)))
}
