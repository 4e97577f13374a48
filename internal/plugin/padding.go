package plugin

import (
	"fmt"

	"github.com/samcharles93/plugkit/internal/device"
	"github.com/samcharles93/plugkit/internal/dims"
)

// TypePadding identifies the padding operator to the host.
const TypePadding = "Padding"

// PaddingConfig pads a 4-D tensor. Only trailing padding along one axis is
// supported; every start pad must be zero.
type PaddingConfig struct {
	Name     string
	PadStart dims.Dims
	PadEnd   dims.Dims
}

// Padding appends zeros after the input along one designated axis.
type Padding struct {
	copyOp
	cfg  PaddingConfig
	axis int
}

// NewPadding validates cfg and panics with *ContractError if it is malformed.
func NewPadding(env Env, cfg PaddingConfig) *Padding {
	p := &Padding{copyOp: newCopyOp(env, TypePadding, cfg.Name), cfg: cfg}
	p.require(cfg.PadStart.Rank() == 4 && cfg.PadEnd.Rank() == 4,
		"padding must be 4-D, got start %s end %s", cfg.PadStart, cfg.PadEnd)
	p.require(cfg.PadEnd.NonNegative(), "end padding must be non-negative, got %s", cfg.PadEnd)
	for i, v := range cfg.PadStart {
		p.require(v == 0, "start padding must be zero, got %d on axis %d", v, i)
	}
	p.axis = designatedAxis(4, func(i int) bool { return cfg.PadEnd[i] == 0 })
	p.require(p.axis >= 0, "trailing padding is supported on one axis only, got %s", cfg.PadEnd)
	return p
}

// Axis is the designated padding axis.
func (p *Padding) Axis() int {
	return p.axis
}

func (p *Padding) InferShape(in dims.Dims) dims.Dims {
	p.alive()
	p.require(in.Rank() == 4, "input must be 4-D, got %s", in)
	out := make(dims.Dims, 4)
	for i := range out {
		out[i] = in[i] + p.cfg.PadStart[i] + p.cfg.PadEnd[i]
	}
	p.setShapes(in, out)
	p.shapeInferred()
	return out.Clone()
}

func (p *Padding) Enqueue(batch int, inputs, outputs []device.Ptr, _ device.Ptr, s device.Stream) error {
	p.beginEnqueue(batch, inputs, outputs)
	const elem = 4
	blocks := batch * p.in.Outer(p.axis)
	inner := int64(p.in.Inner(p.axis)) * elem
	inSlab := int64(p.in[p.axis]) * inner
	outSlab := int64(p.out[p.axis]) * inner
	padSlab := outSlab - inSlab

	if err := p.copyBlocks(outputs[0], inputs[0], blocks, outSlab, inSlab, inSlab, s); err != nil {
		return fmt.Errorf("%s: copy input: %w", p.name, err)
	}
	if padSlab == 0 {
		return nil
	}
	if blocks == 1 {
		if err := p.env.Device.MemsetAsync(outputs[0].Add(inSlab), 0, padSlab, s); err != nil {
			return fmt.Errorf("%s: zero padding: %w", p.name, err)
		}
		return nil
	}
	for b := range int64(blocks) {
		if err := p.env.Device.MemsetAsync(outputs[0].Add(b*outSlab+inSlab), 0, padSlab, s); err != nil {
			return fmt.Errorf("%s: zero padding: %w", p.name, err)
		}
	}
	return nil
}

func (p *Padding) Clone() Plugin {
	c := &Padding{copyOp: newCopyOp(p.env, TypePadding, p.cfg.Name), cfg: p.cfg, axis: p.axis}
	c.namespace = p.namespace
	return c
}

func (p *Padding) Info() Info {
	return p.info()
}
