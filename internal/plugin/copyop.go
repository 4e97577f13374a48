package plugin

import (
	"github.com/samcharles93/plugkit/internal/device"
	"github.com/samcharles93/plugkit/internal/dims"
	"github.com/samcharles93/plugkit/internal/logger"
	"github.com/samcharles93/plugkit/internal/precision"
)

// copyOp is the part shared by the operators that only move memory. They
// hold no device state, so commitment is bookkeeping and termination is free.
type copyOp struct {
	lifecycle
	env      Env
	log      logger.Logger
	in, out  dims.Dims
	maxBatch int
}

func newCopyOp(env Env, kind, name string) copyOp {
	return copyOp{
		lifecycle: lifecycle{kind: kind, name: name},
		env:       env,
		log:       env.logger(kind, name),
	}
}

func (o *copyOp) SupportsFormat(t precision.DataType, f Format) bool {
	return t == precision.Float && f == FormatLinear
}

func (o *copyOp) Configure(in, out dims.Dims, t precision.DataType, f Format, maxBatch int) error {
	o.beginCommit()
	o.require(in.Equal(o.in), "configured input %s differs from inferred input %s", in, o.in)
	o.require(out.Equal(o.out), "configured output %s differs from inferred output %s", out, o.out)
	o.require(o.SupportsFormat(t, f), "unsupported format %s/%s", t, f)
	o.require(maxBatch > 0, "max batch size must be positive, got %d", maxBatch)
	o.maxBatch = maxBatch
	o.committed()
	o.log.Info("in dims", "dims", o.in.String())
	o.log.Info("out dims", "dims", o.out.String())
	return nil
}

// setShapes records inferred shapes. Once committed, InferShape may only
// repeat the committed shapes.
func (o *copyOp) setShapes(in, out dims.Dims) {
	if o.isCommitted() {
		o.require(in.Equal(o.in) && out.Equal(o.out),
			"input %s differs from committed input %s", in, o.in)
		return
	}
	o.in, o.out = in.Clone(), out.Clone()
}

func (o *copyOp) Initialize() error {
	o.initialize()
	return nil
}

func (o *copyOp) WorkspaceSize(int) int64 {
	o.beginWorkspaceQuery()
	return 0
}

func (o *copyOp) Terminate() {
	o.terminate()
}

func (o *copyOp) Destroy() {
	o.destroy()
}

func (o *copyOp) SerializationSize() int {
	o.alive()
	return 0
}

func (o *copyOp) Serialize([]byte) {
	o.alive()
}

func (o *copyOp) beginEnqueue(batch int, inputs, outputs []device.Ptr) {
	o.beginExecute()
	o.require(batch >= 1 && batch <= o.maxBatch, "batch %d outside [1, %d]", batch, o.maxBatch)
	o.require(len(inputs) == 1 && len(outputs) == 1, "expected 1 input and 1 output, got %d and %d", len(inputs), len(outputs))
	o.require(!inputs[0].IsNil() && !outputs[0].IsNil(), "nil input or output buffer")
}

func (o *copyOp) info() Info {
	return Info{
		Type:      o.kind,
		Version:   Version,
		Name:      o.name,
		Namespace: o.namespace,
		State:     o.state.String(),
		In:        o.in.Clone(),
		Out:       o.out.Clone(),
		MaxBatch:  o.maxBatch,
		Precision: precision.Float.String(),
	}
}

// copyBlocks copies blocks strided slabs of bytes each from src to dst.
// Contiguous runs collapse into one copy.
func (o *copyOp) copyBlocks(dst, src device.Ptr, blocks int, dstStride, srcStride, bytes int64, s device.Stream) error {
	if bytes == 0 {
		return nil
	}
	if dstStride == bytes && srcStride == bytes {
		return o.env.Device.CopyAsync(dst, src, int64(blocks)*bytes, s)
	}
	for b := range int64(blocks) {
		if err := o.env.Device.CopyAsync(dst.Add(b*dstStride), src.Add(b*srcStride), bytes, s); err != nil {
			return err
		}
	}
	return nil
}

// designatedAxis returns the only axis for which identity is false, 0 when
// there is none, and -1 when there are several.
func designatedAxis(rank int, identity func(i int) bool) int {
	axis := -1
	for i := range rank {
		if identity(i) {
			continue
		}
		if axis >= 0 {
			return -1
		}
		axis = i
	}
	if axis < 0 {
		return 0
	}
	return axis
}
