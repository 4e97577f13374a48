package plugin

import (
	"github.com/samcharles93/plugkit/internal/device"
)

type biasMode int

const (
	biasNone biasMode = iota
	// biasTensor broadcasts over the native channel axis through the math backend.
	biasTensor
	// biasAxis adds along axis 2 of the declared NDCHW output with a device kernel.
	biasAxis
)

func (m biasMode) String() string {
	switch m {
	case biasTensor:
		return "tensor"
	case biasAxis:
		return "axis"
	default:
		return "none"
	}
}

// biasAxisOf returns the single non-unit axis of the 5-D bias dims, or the
// layout's channel position when every extent is 1.
func (p *Conv3DTranspose) biasAxisOf() int {
	axis := -1
	for i, v := range p.biasDims {
		if v == 1 {
			continue
		}
		p.require(axis < 0, "bias dims %s broadcast over more than one axis", p.biasDims)
		axis = i
	}
	if axis < 0 {
		return p.channelAxis5()
	}
	return axis
}

func (p *Conv3DTranspose) selectBiasMode(d *convDescriptors, batch int) biasMode {
	if p.cfg.Bias.Empty() {
		return biasNone
	}
	axis := p.biasAxisOf()
	extent := p.biasDims[axis]
	switch {
	case axis == 1 && extent == d.dxNative.Dims[1]:
		return biasTensor
	case axis == 2 && p.cfg.Layout == LayoutNDCHW && extent == p.xDims.WithBatch(batch)[2]:
		return biasAxis
	}
	p.require(false, "bias dims %s cannot be broadcast over %s output %s", p.biasDims, p.cfg.Layout, p.xDims)
	return biasNone
}

func (p *Conv3DTranspose) addBias(d *convDescriptors, batch int, out device.Ptr, s device.Stream) error {
	switch d.biasMode {
	case biasTensor:
		return d.handle.AddTensor(1, d.bias, p.bias, 1, d.dx, out, s)
	case biasAxis:
		return p.env.Kernels.AddAxisBias(p.bias, out, p.xDims.WithBatch(batch), 2, p.weightsType, s)
	}
	return nil
}
