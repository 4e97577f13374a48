// Package plugin implements custom tensor operators driven by a host
// inference engine: a transposed 3-D convolution, trailing-axis padding and
// contiguous slicing.
//
// A host walks every plugin through the same lifecycle:
//
//	InferShape -> Configure -> Initialize -> Enqueue* -> Terminate -> Destroy
//
// Calls made out of order, or with shapes that contradict an earlier phase,
// are contract violations and panic with *ContractError. Device and backend
// failures are returned as errors.
package plugin

import (
	"github.com/samcharles93/plugkit/internal/autotune"
	"github.com/samcharles93/plugkit/internal/device"
	"github.com/samcharles93/plugkit/internal/dims"
	"github.com/samcharles93/plugkit/internal/dnn"
	"github.com/samcharles93/plugkit/internal/kernels"
	"github.com/samcharles93/plugkit/internal/logger"
	"github.com/samcharles93/plugkit/internal/precision"
)

// Version is reported by every plugin kind.
const Version = "2"

// Format is a tensor memory format negotiated with the host.
type Format int

const (
	FormatLinear Format = iota
)

func (f Format) String() string {
	if f == FormatLinear {
		return "linear"
	}
	return "unknown"
}

// Plugin is a custom operator as the host engine sees it. Implementations
// are driven from one goroutine at a time.
type Plugin interface {
	Type() string
	Version() string
	Name() string
	Namespace() string
	SetNamespace(ns string)
	State() State

	Outputs() int
	// InferShape derives the output shape from one candidate input shape.
	// It never touches the device.
	InferShape(in dims.Dims) dims.Dims
	SupportsFormat(t precision.DataType, f Format) bool
	// Configure commits to concrete shapes and a maximum batch size.
	Configure(in, out dims.Dims, t precision.DataType, f Format, maxBatch int) error
	Initialize() error
	// WorkspaceSize reports the scratch bytes Enqueue needs for maxBatch.
	WorkspaceSize(maxBatch int) int64
	// Enqueue schedules the operator on s and returns without waiting.
	// workspace is only valid for the duration of the call.
	Enqueue(batch int, inputs, outputs []device.Ptr, workspace device.Ptr, s device.Stream) error
	Terminate()
	Destroy()
	// Clone returns an independent, unconfigured instance with the same configuration.
	Clone() Plugin

	SerializationSize() int
	Serialize(buf []byte)

	Info() Info
}

// Env carries the collaborators a plugin needs. Ranker and Tuning are optional.
type Env struct {
	Device  device.Device
	Kernels kernels.Kernels
	DNN     dnn.Backend
	Log     logger.Logger

	// Ranker overrides the handle's algorithm ranking.
	Ranker dnn.AlgoRanker
	// Tuning shares algorithm selections between instances with identical configurations.
	Tuning *autotune.Cache
}

func (e Env) logger(kind, name string) logger.Logger {
	l := e.Log
	if l == nil {
		l = logger.Default()
	}
	return l.With(logger.PluginKey, name, "type", kind)
}

// Candidate is one successful ranked algorithm.
type Candidate struct {
	Algo        string  `json:"algo" yaml:"algo"`
	TimeMS      float64 `json:"time_ms" yaml:"time_ms"`
	MemoryBytes int64   `json:"memory_bytes" yaml:"memory_bytes"`
	Selected    bool    `json:"selected" yaml:"selected"`
}

// Info is a read-only snapshot of a plugin for inspection.
type Info struct {
	Type       string      `json:"type"`
	Version    string      `json:"version"`
	Name       string      `json:"name"`
	Namespace  string      `json:"namespace,omitempty"`
	State      string      `json:"state"`
	In         dims.Dims   `json:"in,omitempty"`
	Out        dims.Dims   `json:"out,omitempty"`
	MaxBatch   int         `json:"max_batch,omitempty"`
	Workspace  int64       `json:"workspace_bytes"`
	Precision  string      `json:"precision,omitempty"`
	Layout     string      `json:"layout,omitempty"`
	Candidates []Candidate `json:"candidates,omitempty"`
}
