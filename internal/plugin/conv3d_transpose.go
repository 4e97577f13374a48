package plugin

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samcharles93/plugkit/internal/autotune"
	"github.com/samcharles93/plugkit/internal/device"
	"github.com/samcharles93/plugkit/internal/dims"
	"github.com/samcharles93/plugkit/internal/dnn"
	"github.com/samcharles93/plugkit/internal/logger"
	"github.com/samcharles93/plugkit/internal/precision"
)

// TypeConv3DTranspose identifies the transposed 3-D convolution to the host.
const TypeConv3DTranspose = "Conv3dTranspose"

// Layout is the memory order of the convolution output as declared to the host.
type Layout int

const (
	// LayoutNCDHW matches the backend's native order.
	LayoutNCDHW Layout = iota
	// LayoutNDCHW stores depth outside channels, as TensorFlow does for 3-D volumes.
	LayoutNDCHW
)

func (l Layout) String() string {
	switch l {
	case LayoutNCDHW:
		return "ncdhw"
	case LayoutNDCHW:
		return "ndchw"
	default:
		return fmt.Sprintf("layout(%d)", int(l))
	}
}

// ParseLayout maps a layout name to a Layout. The empty string, "ncdhw" and
// "cudnn" select LayoutNCDHW; "ndchw" and "tf" select LayoutNDCHW.
func ParseLayout(s string) (Layout, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ncdhw", "cdhw", "cudnn":
		return LayoutNCDHW, nil
	case "ndchw", "dchw", "tensorflow", "tf":
		return LayoutNDCHW, nil
	default:
		return 0, fmt.Errorf("unknown layout %q (expected ncdhw or ndchw)", s)
	}
}

// Conv3DTransposeConfig is immutable after construction.
//
// Following the backend's naming, the plugin input is dy (the forward
// convolution's output, always NCDHW) and the plugin output is dx.
type Conv3DTransposeConfig struct {
	Name   string
	Layout Layout
	// KernelDims is K,V,C,R,S: forward output channels, depth, input channels, height, width.
	KernelDims dims.Dims
	// OutDims is the declared output without batch, in Layout order.
	OutDims dims.Dims
	// Stride, PadStart and PadEnd are D,H,W.
	Stride   dims.Dims
	PadStart dims.Dims
	PadEnd   dims.Dims
	Kernel   Weights
	Bias     Weights
	// BiasDims overrides the 5-D broadcast shape of Bias. By default the bias
	// extent sits at the channel position of Layout.
	BiasDims dims.Dims
}

type Conv3DTranspose struct {
	lifecycle
	env Env
	log logger.Logger
	cfg Conv3DTransposeConfig

	weightsType precision.DataType
	xDims       dims.Dims // declared output
	xNative     dims.Dims // output as C,D,H,W
	biasDims    dims.Dims
	yDims       dims.Dims // set by InferShape

	maxBatch int
	desc     *convDescriptors
	kernel   device.Ptr
	bias     device.Ptr
	res      resources
}

// convDescriptors is rebuilt on every commitment.
type convDescriptors struct {
	handle   dnn.Handle
	dy       dnn.TensorDesc
	dx       dnn.TensorDesc // declared layout
	dxNative dnn.TensorDesc
	filter   dnn.FilterDesc
	conv     dnn.ConvDesc
	bias     dnn.TensorDesc
	biasMode biasMode

	algo   dnn.AlgoPerf
	ranked []dnn.AlgoPerf

	// convBytes is the precision conversion region at the start of the workspace.
	convBytes int64
	workspace int64
}

// NewConv3DTranspose validates cfg and panics with *ContractError if it is malformed.
func NewConv3DTranspose(env Env, cfg Conv3DTransposeConfig) *Conv3DTranspose {
	p := newConv3DTranspose(env, cfg)
	p.validate()
	return p
}

func newConv3DTranspose(env Env, cfg Conv3DTransposeConfig) *Conv3DTranspose {
	p := &Conv3DTranspose{
		lifecycle:   lifecycle{kind: TypeConv3DTranspose, name: cfg.Name},
		env:         env,
		cfg:         cfg,
		weightsType: cfg.Kernel.Type,
	}
	p.log = env.logger(TypeConv3DTranspose, cfg.Name)
	if cfg.OutDims.Rank() == 4 {
		p.xDims = cfg.OutDims.Clone()
		p.xNative = p.xDims.Clone()
		if cfg.Layout == LayoutNDCHW {
			p.xNative = dims.Of(p.xDims[1], p.xDims[0], p.xDims[2], p.xDims[3])
		}
		p.biasDims = cfg.BiasDims.Clone()
		if p.biasDims == nil {
			p.biasDims = dims.Of(1, 1, 1, 1, 1)
			p.biasDims[p.channelAxis5()] = p.xNative[0]
		}
	}
	return p
}

// channelAxis5 is the channel position of the declared layout with batch.
func (p *Conv3DTranspose) channelAxis5() int {
	if p.cfg.Layout == LayoutNDCHW {
		return 2
	}
	return 1
}

func (p *Conv3DTranspose) validate() {
	c := p.cfg
	p.require(c.KernelDims.Rank() == 5, "kernel dims must be 5-D KVCRS, got %s", c.KernelDims)
	p.require(allPositive(c.KernelDims), "kernel dims must be positive, got %s", c.KernelDims)
	p.require(c.Stride.Rank() == 3 && allPositive(c.Stride), "stride must be 3-D DHW and positive, got %s", c.Stride)
	p.require(c.PadStart.Rank() == 3 && c.PadStart.NonNegative(), "pad start must be 3-D DHW and non-negative, got %s", c.PadStart)
	p.require(c.PadEnd.Rank() == 3 && c.PadEnd.NonNegative(), "pad end must be 3-D DHW and non-negative, got %s", c.PadEnd)
	p.require(c.PadStart[1] == c.PadEnd[1] && c.PadStart[2] == c.PadEnd[2],
		"only symmetric H,W padding is supported, got start %s end %s", c.PadStart, c.PadEnd)
	p.require(c.PadStart[0] == c.PadEnd[0] || c.PadStart[0] == c.PadEnd[0]-1,
		"D padding may only be asymmetric by one trailing unit, got start %d end %d", c.PadStart[0], c.PadEnd[0])
	p.require(c.Layout == LayoutNCDHW || c.Layout == LayoutNDCHW, "unsupported layout %s", c.Layout)
	p.require(c.OutDims.Rank() == 4 && allPositive(c.OutDims), "output dims must be 4-D and positive, got %s", c.OutDims)
	p.require(c.KernelDims[2] == p.xNative[0],
		"kernel input channels %d do not match output channels %d", c.KernelDims[2], p.xNative[0])

	p.require(c.Kernel.Type.Valid(), "unsupported kernel weights type %s", c.Kernel.Type)
	p.require(c.Kernel.Count > 0 && c.Kernel.Values != nil, "kernel weights are required")
	p.require(c.Kernel.Count == c.KernelDims.Volume(),
		"kernel weights count %d does not match kernel dims %s", c.Kernel.Count, c.KernelDims)
	p.require(len(c.Kernel.Values) == c.Kernel.Count*c.Kernel.Type.Size(),
		"kernel weights hold %d bytes, want %d", len(c.Kernel.Values), c.Kernel.Count*c.Kernel.Type.Size())

	b := c.Bias
	p.require((b.Count > 0 && b.Values != nil) || (b.Count == 0 && b.Values == nil),
		"bias weights must be either fully present or absent")
	if b.Count > 0 {
		p.require(b.Type == c.Kernel.Type, "bias type %s differs from kernel type %s", b.Type, c.Kernel.Type)
		p.require(len(b.Values) == b.Count*b.Type.Size(),
			"bias weights hold %d bytes, want %d", len(b.Values), b.Count*b.Type.Size())
		p.require(p.biasDims.Rank() == 5 && p.biasDims.Volume() == b.Count,
			"bias dims %s do not describe %d values", p.biasDims, b.Count)
	}
}

func (p *Conv3DTranspose) SupportsFormat(t precision.DataType, f Format) bool {
	return t == precision.Float && f == FormatLinear
}

// InferShape checks that in is the forward convolution output of the declared
// output shape and returns the declared output shape.
func (p *Conv3DTranspose) InferShape(in dims.Dims) dims.Dims {
	p.alive()
	k := p.cfg.KernelDims
	p.require(in.Rank() == 4, "input must be 4-D CDHW, got %s", in)
	p.require(in[0] == k[0], "input channels %d do not match kernel output channels %d", in[0], k[0])
	spatial := [3]int{k[1], k[3], k[4]}
	for i := range 3 {
		want := dnn.ConvOutputDim(p.xNative[1+i], p.cfg.PadStart[i], spatial[i], p.cfg.Stride[i], 1)
		p.require(in[1+i] == want,
			"input %s is not the convolution of output %s (axis %d: got %d, want %d)", in, p.xDims, i, in[1+i], want)
	}
	p.yDims = in.Clone()
	p.shapeInferred()
	return p.xDims.Clone()
}

// Configure builds descriptors, selects an algorithm and uploads weights.
// A previous commitment is torn down first.
func (p *Conv3DTranspose) Configure(in, out dims.Dims, t precision.DataType, f Format, maxBatch int) error {
	p.beginCommit()
	p.require(in.Equal(p.yDims), "configured input %s differs from inferred input %s", in, p.yDims)
	p.require(out.Equal(p.xDims), "configured output %s differs from declared output %s", out, p.xDims)
	p.require(p.SupportsFormat(t, f), "unsupported format %s/%s", t, f)
	p.require(maxBatch > 0, "max batch size must be positive, got %d", maxBatch)

	if err := p.release(); err != nil {
		return fmt.Errorf("%s: release previous commitment: %w", p.name, err)
	}
	p.maxBatch = maxBatch
	if err := p.negotiate(maxBatch); err != nil {
		return fmt.Errorf("%s: %w", p.name, err)
	}
	p.committed()
	p.log.Info("in dims", "dims", p.yDims.String())
	p.log.Info("out dims", "dims", p.xDims.String())
	return nil
}

func (p *Conv3DTranspose) negotiate(batch int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.abandon()
			panic(r)
		}
		if err != nil {
			err = errors.Join(err, p.abandon())
		}
	}()

	h, err := p.env.DNN.NewHandle()
	if err != nil {
		return fmt.Errorf("create dnn handle: %w", err)
	}
	p.res.add(h.Close)

	t := p.weightsType
	d := &convDescriptors{
		handle:   h,
		dy:       dnn.Packed(t, p.yDims.WithBatch(batch)),
		dxNative: dnn.Packed(t, p.xNative.WithBatch(batch)),
		filter:   p.filterDesc(t),
		conv:     p.convDesc(t),
		bias:     dnn.Packed(t, p.biasDims),
	}
	d.dx = d.dxNative
	if p.cfg.Layout == LayoutNDCHW {
		d.dx = dnn.Permuted(t, p.xNative.WithBatch(batch), []int{0, 2, 1, 3, 4})
	}
	d.biasMode = p.selectBiasMode(d, batch)

	res, err := p.tune(d)
	if err != nil {
		return fmt.Errorf("select backward data algorithm: %w", err)
	}
	d.algo, d.ranked = res.Best, res.Ranked
	p.logTuning(d)

	got, err := h.ForwardOutputDims(d.conv, d.dx, d.filter)
	if err != nil {
		return fmt.Errorf("query forward output dims: %w", err)
	}
	p.require(got.Equal(d.dy.Dims), "backend output dims %s disagree with committed input %s", got, d.dy.Dims)

	d.workspace = d.algo.Memory
	if t.Reduced() {
		d.convBytes = int64(batch) * int64(max(p.xDims.Volume(), p.yDims.Volume())) * int64(t.Size())
		d.workspace += d.convBytes
	}

	if p.kernel, err = p.upload(p.kernelKCTRS()); err != nil {
		return fmt.Errorf("upload kernel weights: %w", err)
	}
	if p.cfg.Bias.Count > 0 {
		if p.bias, err = p.upload(p.cfg.Bias.Values); err != nil {
			return fmt.Errorf("upload bias weights: %w", err)
		}
	}
	p.desc = d
	return nil
}

func (p *Conv3DTranspose) tune(d *convDescriptors) (autotune.Result, error) {
	var ranker dnn.AlgoRanker = d.handle
	if p.env.Ranker != nil {
		ranker = p.env.Ranker
	}
	rank := func() ([]dnn.AlgoPerf, error) {
		return ranker.BackwardDataAlgorithms(d.filter, d.dy, d.conv, d.dx)
	}
	if p.env.Tuning != nil {
		return p.env.Tuning.Tune(autotune.KeyOf(d.filter, d.dy, d.conv, d.dx), rank)
	}
	return autotune.Tune(rank)
}

func (p *Conv3DTranspose) logTuning(d *convDescriptors) {
	p.log.Info("--> Conv3DTranspose layer tuning results")
	for _, a := range autotune.Successful(d.ranked) {
		p.log.Info(fmt.Sprintf("%s: %8.1fms, %8dB", a.Algo, durationMS(a), a.Memory))
	}
	p.log.Info("<-- Conv3DTranspose layer tuning results", "selected", d.algo.Algo.String())
}

func (p *Conv3DTranspose) upload(values []byte) (device.Ptr, error) {
	bytes := int64(len(values))
	ptr, err := p.env.Device.Alloc(bytes)
	if err != nil {
		return device.Ptr{}, err
	}
	p.res.add(func() error { return p.env.Device.Free(ptr) })
	if err := p.env.Device.Upload(ptr, values); err != nil {
		return device.Ptr{}, err
	}
	return ptr, nil
}

// filterDesc describes the kernel as packed K,C,T,R,S, the order upload
// stores it in.
func (p *Conv3DTranspose) filterDesc(t precision.DataType) dnn.FilterDesc {
	k := p.cfg.KernelDims
	d := dims.Of(k[0], k[2], k[1], k[3], k[4])
	return dnn.FilterDesc{Type: t, Dims: d, Strides: d.Strides()}
}

// kernelKCTRS reorders the K,V,C,R,S host weights into packed K,C,T,R,S.
func (p *Conv3DTranspose) kernelKCTRS() []byte {
	k := p.cfg.KernelDims
	src := p.cfg.Kernel.Values
	elem := p.weightsType.Size()
	rs := k[3] * k[4] * elem
	out := make([]byte, len(src))
	for ki := 0; ki < k[0]; ki++ {
		for v := 0; v < k[1]; v++ {
			for c := 0; c < k[2]; c++ {
				from := ((ki*k[1]+v)*k[2] + c) * rs
				to := ((ki*k[2]+c)*k[1] + v) * rs
				copy(out[to:to+rs], src[from:from+rs])
			}
		}
	}
	return out
}

func (p *Conv3DTranspose) convDesc(t precision.DataType) dnn.ConvDesc {
	c := dnn.ConvDesc{Type: t, Dilation: [3]int{1, 1, 1}}
	for i := range 3 {
		c.Pad[i] = p.cfg.PadStart[i]
		c.Stride[i] = p.cfg.Stride[i]
	}
	return c
}

func (p *Conv3DTranspose) Initialize() error {
	p.initialize()
	return nil
}

func (p *Conv3DTranspose) WorkspaceSize(maxBatch int) int64 {
	p.beginWorkspaceQuery()
	p.require(maxBatch == p.maxBatch, "workspace queried for batch %d, committed for %d", maxBatch, p.maxBatch)
	return p.desc.workspace
}

// Enqueue runs dx = conv_bwd_data(w, dy) + bias on s. Batch must equal the
// committed maximum batch size.
func (p *Conv3DTranspose) Enqueue(batch int, inputs, outputs []device.Ptr, workspace device.Ptr, s device.Stream) error {
	p.beginExecute()
	d := p.desc
	p.require(batch == p.maxBatch, "batch %d differs from committed batch %d", batch, p.maxBatch)
	p.require(len(inputs) == 1 && len(outputs) == 1, "expected 1 input and 1 output, got %d and %d", len(inputs), len(outputs))
	p.require(!inputs[0].IsNil() && !outputs[0].IsNil(), "nil input or output buffer")
	p.require(d.workspace == 0 || !workspace.IsNil(), "nil workspace, need %d bytes", d.workspace)

	dy, err := p.toReduced(batch, inputs[0], workspace, s)
	if err != nil {
		return fmt.Errorf("%s: convert input: %w", p.name, err)
	}
	err = d.handle.ConvolutionBackwardData(dnn.BackwardData{
		Alpha:          1,
		W:              d.filter,
		WData:          p.kernel,
		DY:             d.dy,
		DYData:         dy,
		Conv:           d.conv,
		Algo:           d.algo.Algo,
		Workspace:      workspace.Add(d.convBytes),
		WorkspaceBytes: d.workspace - d.convBytes,
		DX:             d.dx,
		DXData:         outputs[0],
	}, s)
	if err != nil {
		return fmt.Errorf("%s: backward data: %w", p.name, err)
	}
	if err := p.addBias(d, batch, outputs[0], s); err != nil {
		return fmt.Errorf("%s: add bias: %w", p.name, err)
	}
	if err := p.toFull(batch, outputs[0], workspace, s); err != nil {
		return fmt.Errorf("%s: convert output: %w", p.name, err)
	}
	return nil
}

func (p *Conv3DTranspose) Terminate() {
	if !p.terminate() {
		return
	}
	if err := p.release(); err != nil {
		p.log.Warn("release failed", "error", err)
	}
}

func (p *Conv3DTranspose) Destroy() {
	if p.State() != StateDestroyed {
		p.Terminate()
	}
	p.destroy()
}

// release tears down the descriptor set and device weights.
func (p *Conv3DTranspose) release() error {
	err := p.res.release()
	p.desc = nil
	p.kernel, p.bias = device.Ptr{}, device.Ptr{}
	return err
}

// abandon releases a partial commitment.
func (p *Conv3DTranspose) abandon() error {
	err := p.release()
	p.maxBatch = 0
	p.state = StateShapeInferred
	return err
}

// Clone shares the borrowed weights; the clone has no descriptors.
func (p *Conv3DTranspose) Clone() Plugin {
	c := newConv3DTranspose(p.env, p.cfg)
	c.namespace = p.namespace
	return c
}

func (p *Conv3DTranspose) SerializationSize() int {
	p.alive()
	return 0
}

func (p *Conv3DTranspose) Serialize([]byte) {
	p.alive()
	p.require(false, "serialization is not implemented")
}

func (p *Conv3DTranspose) Info() Info {
	info := Info{
		Type:      p.kind,
		Version:   Version,
		Name:      p.name,
		Namespace: p.namespace,
		State:     p.state.String(),
		In:        p.yDims.Clone(),
		Out:       p.xDims.Clone(),
		MaxBatch:  p.maxBatch,
		Precision: p.weightsType.String(),
		Layout:    p.cfg.Layout.String(),
	}
	if p.desc != nil {
		info.Workspace = p.desc.workspace
		for _, a := range autotune.Successful(p.desc.ranked) {
			info.Candidates = append(info.Candidates, Candidate{
				Algo:        a.Algo.String(),
				TimeMS:      durationMS(a),
				MemoryBytes: a.Memory,
				Selected:    a.Algo == p.desc.algo.Algo,
			})
		}
	}
	return info
}

func durationMS(a dnn.AlgoPerf) float64 {
	return float64(a.Time.Microseconds()) / 1000
}

func allPositive(d dims.Dims) bool {
	for _, v := range d {
		if v <= 0 {
			return false
		}
	}
	return true
}
