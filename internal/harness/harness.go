// Package harness drives a configured layer graph the way a host engine
// would: it owns every activation buffer and the shared workspace, and
// enqueues the stages in order on one stream.
package harness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samcharles93/plugkit/internal/device"
	"github.com/samcharles93/plugkit/internal/logger"
	"github.com/samcharles93/plugkit/internal/netcfg"
	"github.com/samcharles93/plugkit/internal/plugin"
	"github.com/samcharles93/plugkit/internal/precision"
)

type Runner struct {
	dev    device.Device
	graph  *netcfg.Graph
	batch  int
	stream device.Stream
	log    logger.Logger

	// acts[i] is the input of stage i; acts[len(stages)] is the result.
	acts      []device.Ptr
	workspace device.Ptr
	wsBytes   int64
	owned     []device.Ptr
}

// New allocates buffers for a configured graph. The runner owns its stream.
func New(dev device.Device, g *netcfg.Graph, batch int, log logger.Logger) (r *Runner, err error) {
	if log == nil {
		log = logger.Default()
	}
	r = &Runner{dev: dev, graph: g, batch: batch, log: log}
	defer func() {
		if err != nil {
			err = errors.Join(err, r.Close())
			r = nil
		}
	}()

	if r.stream, err = dev.NewStream(); err != nil {
		return r, fmt.Errorf("create stream: %w", err)
	}
	if r.wsBytes, err = g.Workspace(batch); err != nil {
		return r, err
	}
	if r.wsBytes > 0 {
		if r.workspace, err = r.alloc(r.wsBytes); err != nil {
			return r, fmt.Errorf("allocate workspace: %w", err)
		}
	}
	shapes := append([]int{g.Input.Volume()}, make([]int, len(g.Stages))...)
	for i, s := range g.Stages {
		shapes[i+1] = s.Out.Volume()
	}
	for _, vol := range shapes {
		p, err := r.alloc(int64(batch*vol) * 4)
		if err != nil {
			return r, fmt.Errorf("allocate activation: %w", err)
		}
		r.acts = append(r.acts, p)
	}
	log.Debug("runner ready", "stages", len(g.Stages), "batch", batch, "workspace_bytes", r.wsBytes)
	return r, nil
}

func (r *Runner) alloc(bytes int64) (device.Ptr, error) {
	p, err := r.dev.Alloc(bytes)
	if err != nil {
		return device.Ptr{}, err
	}
	r.owned = append(r.owned, p)
	return p, nil
}

// WorkspaceBytes is the size of the shared workspace.
func (r *Runner) WorkspaceBytes() int64 {
	return r.wsBytes
}

// Enqueue schedules every stage on the runner's stream without waiting.
func (r *Runner) Enqueue() (err error) {
	defer plugin.Recover(&err)
	for i, s := range r.graph.Stages {
		in, out := []device.Ptr{r.acts[i]}, []device.Ptr{r.acts[i+1]}
		if err := s.Plugin.Enqueue(r.batch, in, out, r.workspace, r.stream); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) Synchronize() error {
	return r.stream.Synchronize()
}

// Run uploads input, executes the graph and returns its output.
func (r *Runner) Run(ctx context.Context, input []float32) ([]float32, error) {
	want := r.batch * r.graph.Input.Volume()
	if len(input) != want {
		return nil, fmt.Errorf("input holds %d values, want %d", len(input), want)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := r.dev.Upload(r.acts[0], precision.EncodeFloat32(precision.Float, input)); err != nil {
		return nil, fmt.Errorf("upload input: %w", err)
	}
	if err := r.Enqueue(); err != nil {
		return nil, err
	}
	if err := r.Synchronize(); err != nil {
		return nil, err
	}
	out := make([]byte, r.batch*r.graph.Output().Volume()*4)
	if err := r.dev.Download(out, r.acts[len(r.acts)-1]); err != nil {
		return nil, fmt.Errorf("download output: %w", err)
	}
	return precision.DecodeFloat32(precision.Float, out), nil
}

// Time runs the graph n times and returns the wall time of each run,
// measured from first enqueue to stream completion.
func (r *Runner) Time(ctx context.Context, n int) ([]time.Duration, error) {
	times := make([]time.Duration, 0, n)
	for range n {
		if err := ctx.Err(); err != nil {
			return times, err
		}
		start := time.Now()
		if err := r.Enqueue(); err != nil {
			return times, err
		}
		if err := r.Synchronize(); err != nil {
			return times, err
		}
		times = append(times, time.Since(start))
	}
	return times, nil
}

// Close frees the runner's buffers and stream. Plugins are left to their owner.
func (r *Runner) Close() error {
	var errs []error
	if r.stream != nil {
		errs = append(errs, r.stream.Synchronize(), r.stream.Destroy())
		r.stream = nil
	}
	for i := len(r.owned) - 1; i >= 0; i-- {
		errs = append(errs, r.dev.Free(r.owned[i]))
	}
	r.owned, r.acts, r.workspace = nil, nil, device.Ptr{}
	return errors.Join(errs...)
}
