// Package weights loads plugin weight buffers from safetensors files.
package weights

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"slices"

	json "github.com/goccy/go-json"
	"golang.org/x/sys/unix"

	"github.com/samcharles93/plugkit/internal/dims"
	"github.com/samcharles93/plugkit/internal/plugin"
	"github.com/samcharles93/plugkit/internal/precision"
)

var (
	ErrNotFound = errors.New("tensor not found")
	ErrCorrupt  = errors.New("corrupt safetensors file")
)

// Source resolves named weight buffers.
type Source interface {
	Weights(name string, shape dims.Dims) (plugin.Weights, error)
}

type TensorInfo struct {
	DType string
	Shape dims.Dims
	Start int64
	End   int64
}

// File is a memory-mapped safetensors file. Weights returned from it alias
// the mapping and stay valid until Close.
type File struct {
	Path    string
	Tensors map[string]TensorInfo

	data      []byte
	dataStart int64
	mmapped   bool
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := stat.Size()
	if size < 8 || size > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("%s: %w: size %d", path, ErrCorrupt, size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	mmapped := err == nil
	if !mmapped {
		if data, err = os.ReadFile(path); err != nil {
			return nil, err
		}
	}
	sf, err := parse(path, data)
	if err != nil {
		if mmapped {
			_ = unix.Munmap(data)
		}
		return nil, err
	}
	sf.mmapped = mmapped
	return sf, nil
}

func parse(path string, data []byte) (*File, error) {
	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > uint64(len(data)-8) {
		return nil, fmt.Errorf("%s: %w: header length %d", path, ErrCorrupt, headerLen)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &raw); err != nil {
		return nil, fmt.Errorf("%s: parse header: %w", path, err)
	}
	delete(raw, "__metadata__")

	dataStart := int64(8 + headerLen)
	payload := int64(len(data)) - dataStart
	tensors := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("%s: parse tensor %s: %w", path, name, err)
		}
		if len(th.DataOffsets) != 2 || th.DataOffsets[0] < 0 ||
			th.DataOffsets[1] < th.DataOffsets[0] || th.DataOffsets[1] > payload {
			return nil, fmt.Errorf("%s: %w: tensor %s has invalid data_offsets %v", path, ErrCorrupt, name, th.DataOffsets)
		}
		tensors[name] = TensorInfo{
			DType: th.DType,
			Shape: dims.Of(th.Shape...),
			Start: th.DataOffsets[0],
			End:   th.DataOffsets[1],
		}
	}
	return &File{Path: path, Tensors: tensors, data: data, dataStart: dataStart}, nil
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// Weights returns the named tensor without copying. F32 maps to
// precision.Float and F16 to precision.Half. When shape is non-nil the
// stored element count must match its volume.
func (f *File) Weights(name string, shape dims.Dims) (plugin.Weights, error) {
	if f.data == nil {
		return plugin.Weights{}, fmt.Errorf("%s: file is closed", f.Path)
	}
	info, ok := f.Tensors[name]
	if !ok {
		return plugin.Weights{}, fmt.Errorf("%s: %w: %s", f.Path, ErrNotFound, name)
	}
	t, err := dataType(info.DType)
	if err != nil {
		return plugin.Weights{}, fmt.Errorf("%s: tensor %s: %w", f.Path, name, err)
	}
	raw := f.data[f.dataStart+info.Start : f.dataStart+info.End]
	count := info.Shape.Volume()
	if len(raw) != count*t.Size() {
		return plugin.Weights{}, fmt.Errorf("%s: %w: tensor %s holds %d bytes for shape %s",
			f.Path, ErrCorrupt, name, len(raw), info.Shape)
	}
	if shape != nil && shape.Volume() != count {
		return plugin.Weights{}, fmt.Errorf("%s: tensor %s has %d values, want %d for shape %s",
			f.Path, name, count, shape.Volume(), shape)
	}
	return plugin.Weights{Type: t, Count: count, Values: raw}, nil
}

// Close releases the mapping. Weights obtained from f must not be used afterwards.
func (f *File) Close() error {
	if f == nil || f.data == nil {
		return nil
	}
	var err error
	if f.mmapped {
		err = unix.Munmap(f.data)
	}
	f.data, f.mmapped = nil, false
	return err
}

func dataType(dtype string) (precision.DataType, error) {
	switch dtype {
	case "F32":
		return precision.Float, nil
	case "F16":
		return precision.Half, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %s", dtype)
	}
}

func dtypeName(t precision.DataType) string {
	if t == precision.Half {
		return "F16"
	}
	return "F32"
}
