package netcfg

import (
	"fmt"

	"github.com/samcharles93/plugkit/internal/dims"
	"github.com/samcharles93/plugkit/internal/plugin"
	"github.com/samcharles93/plugkit/internal/precision"
	"github.com/samcharles93/plugkit/internal/weights"
)

// Stage is one built layer.
type Stage struct {
	Layer  Layer
	Entry  *plugin.Entry
	Plugin plugin.Plugin
	In     dims.Dims
	Out    dims.Dims
}

// Graph is a chain of plugins that have inferred their shapes.
type Graph struct {
	Name   string
	Input  dims.Dims
	Stages []*Stage
}

// Output is the shape produced by the last stage.
func (g *Graph) Output() dims.Dims {
	return g.Stages[len(g.Stages)-1].Out.Clone()
}

// OpenSource returns the weight source for n and a function that releases it.
func (n *Net) OpenSource() (weights.Source, func() error, error) {
	if path := n.WeightsPath(); path != "" {
		f, err := weights.Open(path)
		if err != nil {
			return nil, nil, err
		}
		return f, f.Close, nil
	}
	t, err := n.precision()
	if err != nil {
		return nil, nil, err
	}
	seed := uint64(1)
	if n.Seed != nil {
		seed = *n.Seed
	}
	return weights.Random{Seed: seed, Type: t}, func() error { return nil }, nil
}

// Build creates every layer in c and runs shape inference along the chain.
// Contract violations raised by the plugins are returned as errors.
func Build(c *plugin.Container, n *Net, src weights.Source) (g *Graph, err error) {
	defer plugin.Recover(&err)

	g = &Graph{Name: n.Name, Input: dims.Of(n.Input...)}
	in := g.Input
	for _, l := range n.Layers {
		p, e, err := build(c, l, in, src)
		if err != nil {
			return nil, fmt.Errorf("layer %q: %w", l.Name, err)
		}
		p.SetNamespace(n.Namespace)
		out := p.InferShape(in)
		g.Stages = append(g.Stages, &Stage{Layer: l, Entry: e, Plugin: p, In: in.Clone(), Out: out})
		in = out
	}
	return g, nil
}

func build(c *plugin.Container, l Layer, in dims.Dims, src weights.Source) (plugin.Plugin, *plugin.Entry, error) {
	switch l.Type {
	case KindConv3DTranspose:
		cfg, err := convConfig(l, src)
		if err != nil {
			return nil, nil, err
		}
		p, e := c.NewConv3DTranspose(cfg)
		return p, e, nil
	case KindPadding:
		p, e := c.NewPadding(plugin.PaddingConfig{
			Name:     l.Name,
			PadStart: orDefault(l.PadStart, 0, 0, 0, 0),
			PadEnd:   dims.Of(l.PadEnd...),
		})
		return p, e, nil
	case KindSlice:
		p, e := c.NewSlice(plugin.SliceConfig{
			Name:  l.Name,
			In:    in.Clone(),
			Start: dims.Of(l.Start...),
			End:   dims.Of(l.End...),
		})
		return p, e, nil
	default:
		return nil, nil, fmt.Errorf("unknown layer type %q", l.Type)
	}
}

func convConfig(l Layer, src weights.Source) (plugin.Conv3DTransposeConfig, error) {
	layout, err := plugin.ParseLayout(l.Layout)
	if err != nil {
		return plugin.Conv3DTransposeConfig{}, err
	}
	cfg := plugin.Conv3DTransposeConfig{
		Name:       l.Name,
		Layout:     layout,
		KernelDims: dims.Of(l.Kernel...),
		OutDims:    dims.Of(l.Out...),
		Stride:     orDefault(l.Stride, 1, 1, 1),
		PadStart:   orDefault(l.PadStart, 0, 0, 0),
		PadEnd:     orDefault(l.PadEnd, 0, 0, 0),
	}
	if l.BiasDims != nil {
		cfg.BiasDims = dims.Of(l.BiasDims...)
	}

	name := l.KernelTensor
	if name == "" {
		name = l.Name + ".kernel"
	}
	if cfg.Kernel, err = src.Weights(name, cfg.KernelDims); err != nil {
		return cfg, fmt.Errorf("kernel: %w", err)
	}
	if !l.Bias {
		return cfg, nil
	}
	name = l.BiasTensor
	if name == "" {
		name = l.Name + ".bias"
	}
	shape := cfg.BiasDims
	if shape == nil {
		shape = dims.Of(cfg.KernelDims[2])
	}
	if cfg.Bias, err = src.Weights(name, shape); err != nil {
		return cfg, fmt.Errorf("bias: %w", err)
	}
	return cfg, nil
}

// Configure commits every stage to maxBatch and initializes it.
func (g *Graph) Configure(maxBatch int) (err error) {
	defer plugin.Recover(&err)
	for _, s := range g.Stages {
		if err := s.Plugin.Configure(s.In, s.Out, precision.Float, plugin.FormatLinear, maxBatch); err != nil {
			return err
		}
		if err := s.Plugin.Initialize(); err != nil {
			return fmt.Errorf("%s: initialize: %w", s.Layer.Name, err)
		}
	}
	return nil
}

// Workspace is the largest workspace any stage needs; stages run in
// sequence and share one buffer.
func (g *Graph) Workspace(maxBatch int) (n int64, err error) {
	defer plugin.Recover(&err)
	for _, s := range g.Stages {
		n = max(n, s.Plugin.WorkspaceSize(maxBatch))
	}
	return n, nil
}

// Clone replicates every stage into c with independent, shape-inferred
// instances. The clones still need Configure.
func (g *Graph) Clone(c *plugin.Container) (clone *Graph, err error) {
	defer plugin.Recover(&err)
	clone = &Graph{Name: g.Name, Input: g.Input.Clone()}
	for _, s := range g.Stages {
		p := s.Plugin.Clone()
		e := c.Adopt(p)
		out := p.InferShape(s.In)
		clone.Stages = append(clone.Stages, &Stage{Layer: s.Layer, Entry: e, Plugin: p, In: s.In.Clone(), Out: out})
	}
	return clone, nil
}
