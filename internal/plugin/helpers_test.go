package plugin

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/floats/scalar"

	"github.com/samcharles93/plugkit/internal/device"
	"github.com/samcharles93/plugkit/internal/device/hostdev"
	"github.com/samcharles93/plugkit/internal/dims"
	"github.com/samcharles93/plugkit/internal/dnn/refdnn"
	"github.com/samcharles93/plugkit/internal/logger"
	"github.com/samcharles93/plugkit/internal/precision"
)

// rig is a host device, one stream and the buffers a test allocated on it.
type rig struct {
	dev     *hostdev.Device
	env     Env
	stream  device.Stream
	buffers []device.Ptr
}

func newRig(t *testing.T) *rig {
	t.Helper()
	dev := hostdev.New()
	s, err := dev.NewStream()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Destroy() })
	return &rig{
		dev:    dev,
		stream: s,
		env: Env{
			Device:  dev,
			Kernels: hostdev.Kernels{},
			DNN:     refdnn.New(),
			Log:     logger.Discard(),
		},
	}
}

func (r *rig) alloc(t *testing.T, bytes int64) device.Ptr {
	t.Helper()
	if bytes == 0 {
		return device.Ptr{}
	}
	p, err := r.dev.Alloc(bytes)
	require.NoError(t, err)
	r.buffers = append(r.buffers, p)
	return p
}

func (r *rig) upload(t *testing.T, values []float32) device.Ptr {
	t.Helper()
	p := r.alloc(t, int64(len(values))*4)
	require.NoError(t, r.dev.Upload(p, precision.EncodeFloat32(precision.Float, values)))
	return p
}

func (r *rig) download(t *testing.T, p device.Ptr, n int) []float32 {
	t.Helper()
	require.NoError(t, r.stream.Synchronize())
	buf := make([]byte, n*4)
	require.NoError(t, r.dev.Download(buf, p))
	return precision.DecodeFloat32(precision.Float, buf)
}

// freeAll releases the test's buffers; afterwards only plugin-owned memory is live.
func (r *rig) freeAll(t *testing.T) {
	t.Helper()
	for _, p := range r.buffers {
		require.NoError(t, r.dev.Free(p))
	}
	r.buffers = nil
}

func randomFloats(seed uint64, n int) []float32 {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	out := make([]float32, n)
	for i := range out {
		out[i] = rng.Float32()*2 - 1
	}
	return out
}

func requireClose(t *testing.T, want, got []float32, tol float64) {
	t.Helper()
	require.Len(t, got, len(want))
	w, g := make([]float64, len(want)), make([]float64, len(got))
	for i := range want {
		w[i], g[i] = float64(want[i]), float64(got[i])
	}
	if !floats.EqualApprox(w, g, tol) {
		for i := range w {
			if !scalar.EqualWithinAbsOrRel(w[i], g[i], tol, tol) {
				t.Fatalf("element %d: want %v, got %v (tol %g)", i, w[i], g[i], tol)
			}
		}
	}
}

// requireContract runs f and returns the *ContractError it panics with.
func requireContract(t *testing.T, f func()) *ContractError {
	t.Helper()
	var err error
	func() {
		defer Recover(&err)
		f()
	}()
	require.Error(t, err, "expected a contract violation")
	require.True(t, errors.Is(err, ErrContract))
	var ce *ContractError
	require.ErrorAs(t, err, &ce)
	return ce
}

// transposedConv is a naive scatter over packed N,K,D,H,W input and KVCRS
// weights producing N,C,D,H,W output with bias on C.
func transposedConv(dy []float32, yd dims.Dims, w []float32, kd dims.Dims, bias []float32,
	stride, pad [3]int, xd dims.Dims) []float32 {
	dx := make([]float32, xd.Volume())
	ys, ks, xs := yd.Strides(), kd.Strides(), xd.Strides()
	for n := 0; n < yd[0]; n++ {
		for k := 0; k < yd[1]; k++ {
			for od := 0; od < yd[2]; od++ {
				for oh := 0; oh < yd[3]; oh++ {
					for ow := 0; ow < yd[4]; ow++ {
						g := dy[n*ys[0]+k*ys[1]+od*ys[2]+oh*ys[3]+ow*ys[4]]
						for c := 0; c < kd[2]; c++ {
							for v := 0; v < kd[1]; v++ {
								for r := 0; r < kd[3]; r++ {
									for q := 0; q < kd[4]; q++ {
										id := od*stride[0] - pad[0] + v
										ih := oh*stride[1] - pad[1] + r
										iw := ow*stride[2] - pad[2] + q
										if id < 0 || ih < 0 || iw < 0 || id >= xd[2] || ih >= xd[3] || iw >= xd[4] {
											continue
										}
										dx[n*xs[0]+c*xs[1]+id*xs[2]+ih*xs[3]+iw*xs[4]] +=
											g * w[k*ks[0]+v*ks[1]+c*ks[2]+r*ks[3]+q*ks[4]]
									}
								}
							}
						}
					}
				}
			}
		}
	}
	if bias != nil {
		inner := xd.Inner(1)
		for i := range dx {
			dx[i] += bias[(i/inner)%xd[1]]
		}
	}
	return dx
}

// toNDCHW reorders a packed N,C,D,H,W buffer into N,D,C,H,W.
func toNDCHW(x []float32, d dims.Dims) []float32 {
	out := make([]float32, len(x))
	hw := d[3] * d[4]
	for n := 0; n < d[0]; n++ {
		for c := 0; c < d[1]; c++ {
			for z := 0; z < d[2]; z++ {
				src := ((n*d[1]+c)*d[2] + z) * hw
				dst := ((n*d[2]+z)*d[1] + c) * hw
				copy(out[dst:dst+hw], x[src:src+hw])
			}
		}
	}
	return out
}
