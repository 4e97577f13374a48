package weights

import (
	"hash/fnv"
	"math/rand/v2"

	"github.com/samcharles93/plugkit/internal/dims"
	"github.com/samcharles93/plugkit/internal/plugin"
	"github.com/samcharles93/plugkit/internal/precision"
)

// Random generates deterministic weights in [-Scale, Scale) for layer files
// that name no weight file. The values for a name depend only on Seed and
// the name.
type Random struct {
	Seed  uint64
	Type  precision.DataType
	Scale float32
}

func (r Random) Weights(name string, shape dims.Dims) (plugin.Weights, error) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	rng := rand.New(rand.NewPCG(r.Seed, h.Sum64()))
	scale := r.Scale
	if scale == 0 {
		scale = 0.1
	}
	values := make([]float32, shape.Volume())
	for i := range values {
		values[i] = (rng.Float32()*2 - 1) * scale
	}
	return plugin.FloatWeights(r.Type, values), nil
}
