package plugin

import (
	"fmt"

	"github.com/samcharles93/plugkit/internal/device"
	"github.com/samcharles93/plugkit/internal/dims"
)

// TypeSlice identifies the slice operator to the host.
const TypeSlice = "Slice"

// SliceConfig takes [Start, End) of a 4-D input along one axis. Every other
// axis must span its full extent.
type SliceConfig struct {
	Name  string
	In    dims.Dims
	Start dims.Dims
	End   dims.Dims
}

// Slice copies a contiguous sub-range of one designated axis.
type Slice struct {
	copyOp
	cfg  SliceConfig
	axis int
}

// NewSlice validates cfg and panics with *ContractError if it is malformed.
func NewSlice(env Env, cfg SliceConfig) *Slice {
	p := &Slice{copyOp: newCopyOp(env, TypeSlice, cfg.Name), cfg: cfg}
	p.require(cfg.In.Rank() == 4, "input must be 4-D, got %s", cfg.In)
	p.require(cfg.Start.Rank() == 4 && cfg.End.Rank() == 4,
		"slice bounds must be 4-D, got start %s end %s", cfg.Start, cfg.End)
	p.axis = designatedAxis(4, func(i int) bool {
		return cfg.Start[i] == 0 && cfg.End[i] == cfg.In[i]
	})
	p.require(p.axis >= 0, "slicing is supported on one axis only, got start %s end %s", cfg.Start, cfg.End)
	a := p.axis
	p.require(0 <= cfg.Start[a] && cfg.Start[a] < cfg.End[a] && cfg.End[a] <= cfg.In[a],
		"slice [%d, %d) is empty or outside extent %d", cfg.Start[a], cfg.End[a], cfg.In[a])
	return p
}

// Axis is the designated slicing axis.
func (p *Slice) Axis() int {
	return p.axis
}

func (p *Slice) InferShape(in dims.Dims) dims.Dims {
	p.alive()
	p.require(in.Equal(p.cfg.In), "input %s differs from configured input %s", in, p.cfg.In)
	out := in.Clone()
	out[p.axis] = p.cfg.End[p.axis] - p.cfg.Start[p.axis]
	p.setShapes(in, out)
	p.shapeInferred()
	return out.Clone()
}

func (p *Slice) Enqueue(batch int, inputs, outputs []device.Ptr, _ device.Ptr, s device.Stream) error {
	p.beginEnqueue(batch, inputs, outputs)
	const elem = 4
	blocks := batch * p.in.Outer(p.axis)
	inner := int64(p.in.Inner(p.axis)) * elem
	src := inputs[0].Add(int64(p.cfg.Start[p.axis]) * inner)
	inSlab := int64(p.in[p.axis]) * inner
	outSlab := int64(p.out[p.axis]) * inner
	if err := p.copyBlocks(outputs[0], src, blocks, outSlab, inSlab, outSlab, s); err != nil {
		return fmt.Errorf("%s: copy slice: %w", p.name, err)
	}
	return nil
}

func (p *Slice) Clone() Plugin {
	c := &Slice{copyOp: newCopyOp(p.env, TypeSlice, p.cfg.Name), cfg: p.cfg, axis: p.axis}
	c.namespace = p.namespace
	return c
}

func (p *Slice) Info() Info {
	return p.info()
}
