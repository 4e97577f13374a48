package plugin

import "github.com/samcharles93/plugkit/internal/device"

// toReduced narrows the fp32 input into the start of the workspace when the
// weights are half precision. Otherwise in is used as is.
func (p *Conv3DTranspose) toReduced(batch int, in, workspace device.Ptr, s device.Stream) (device.Ptr, error) {
	if !p.weightsType.Reduced() {
		return in, nil
	}
	n := batch * p.yDims.Volume()
	if err := p.env.Kernels.FloatToHalf(workspace, in, n, s); err != nil {
		return device.Ptr{}, err
	}
	return workspace, nil
}

// toFull widens the half result held at the front of out back to fp32 in
// place, staging it through the workspace conversion region.
func (p *Conv3DTranspose) toFull(batch int, out, workspace device.Ptr, s device.Stream) error {
	if !p.weightsType.Reduced() {
		return nil
	}
	n := batch * p.xDims.Volume()
	bytes := int64(n) * int64(p.weightsType.Size())
	if err := p.env.Device.CopyAsync(workspace, out, bytes, s); err != nil {
		return err
	}
	return p.env.Kernels.HalfToFloat(out, workspace, n, s)
}
