// Package netcfg describes a chain of plugin layers in YAML and builds it
// through a plugin.Container.
//
//	name: cost-volume
//	input: [64, 12, 32, 64]
//	weights: stereo.safetensors
//	layers:
//	  - name: deconv1
//	    type: conv3d_transpose
//	    kernel: [64, 3, 32, 3, 3]
//	    out: [32, 24, 64, 128]
//	    stride: [2, 2, 2]
//	    pad_start: [1, 1, 1]
//	    pad_end: [2, 1, 1]
//	    bias: true
//	  - name: pad1
//	    type: padding
//	    pad_end: [0, 1, 0, 0]
//
// Each layer consumes the previous layer's output.
package netcfg

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/plugkit/internal/dims"
	"github.com/samcharles93/plugkit/internal/plugin"
	"github.com/samcharles93/plugkit/internal/precision"
)

const (
	KindConv3DTranspose = "conv3d_transpose"
	KindPadding         = "padding"
	KindSlice           = "slice"
)

type Net struct {
	Name  string `yaml:"name"`
	Input []int  `yaml:"input"`
	// Weights is a safetensors file, relative to the net file. Without it
	// weights are generated from Seed in Precision.
	Weights   string  `yaml:"weights"`
	Precision string  `yaml:"precision"`
	Seed      *uint64 `yaml:"seed"`
	Namespace string  `yaml:"namespace"`
	Layers    []Layer `yaml:"layers"`

	dir string
}

type Layer struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`

	// conv3d_transpose
	Layout   string `yaml:"layout"`
	Kernel   []int  `yaml:"kernel"`
	Out      []int  `yaml:"out"`
	Stride   []int  `yaml:"stride"`
	Bias     bool   `yaml:"bias"`
	BiasDims []int  `yaml:"bias_dims"`
	// KernelTensor and BiasTensor default to <name>.kernel and <name>.bias.
	KernelTensor string `yaml:"kernel_tensor"`
	BiasTensor   string `yaml:"bias_tensor"`

	// conv3d_transpose (3-D) and padding (4-D)
	PadStart []int `yaml:"pad_start"`
	PadEnd   []int `yaml:"pad_end"`

	// slice
	Start []int `yaml:"start"`
	End   []int `yaml:"end"`
}

func Load(path string) (*Net, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	net, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	net.dir = filepath.Dir(path)
	return net, nil
}

func Parse(data []byte) (*Net, error) {
	var net Net
	if err := yaml.Unmarshal(data, &net); err != nil {
		return nil, fmt.Errorf("parse net: %w", err)
	}
	if err := net.Validate(); err != nil {
		return nil, err
	}
	return &net, nil
}

// Validate checks the file's structure. Shape consistency between layers is
// checked by the plugins themselves at Build.
func (n *Net) Validate() error {
	var errs []error
	if len(n.Input) != 4 {
		errs = append(errs, fmt.Errorf("input must have 4 extents, got %d", len(n.Input)))
	}
	if len(n.Layers) == 0 {
		errs = append(errs, errors.New("no layers"))
	}
	if _, err := n.precision(); err != nil {
		errs = append(errs, err)
	}
	seen := map[string]bool{}
	for i, l := range n.Layers {
		if l.Name == "" {
			errs = append(errs, fmt.Errorf("layer %d: missing name", i))
		} else if seen[l.Name] {
			errs = append(errs, fmt.Errorf("layer %d: duplicate name %q", i, l.Name))
		}
		seen[l.Name] = true
		if err := l.validate(); err != nil {
			errs = append(errs, fmt.Errorf("layer %q: %w", l.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (l Layer) validate() error {
	switch l.Type {
	case KindConv3DTranspose:
		if len(l.Kernel) != 5 || len(l.Out) != 4 {
			return errors.New("conv3d_transpose needs a 5-D kernel and a 4-D out")
		}
		for _, v := range [][]int{l.Stride, l.PadStart, l.PadEnd} {
			if v != nil && len(v) != 3 {
				return errors.New("stride and padding must have 3 extents")
			}
		}
		_, err := plugin.ParseLayout(l.Layout)
		return err
	case KindPadding:
		if len(l.PadEnd) != 4 || (l.PadStart != nil && len(l.PadStart) != 4) {
			return errors.New("padding needs 4-D pad_end")
		}
	case KindSlice:
		if len(l.Start) != 4 || len(l.End) != 4 {
			return errors.New("slice needs 4-D start and end")
		}
	default:
		return fmt.Errorf("unknown layer type %q", l.Type)
	}
	return nil
}

func (n *Net) precision() (precision.DataType, error) {
	if n.Precision == "" {
		return precision.Float, nil
	}
	return precision.Parse(n.Precision)
}

// WeightsPath resolves Weights against the directory of the loaded file.
func (n *Net) WeightsPath() string {
	if n.Weights == "" || filepath.IsAbs(n.Weights) {
		return n.Weights
	}
	return filepath.Join(n.dir, n.Weights)
}

func orDefault(v []int, def ...int) dims.Dims {
	if v == nil {
		return dims.Of(def...)
	}
	return dims.Of(v...)
}
