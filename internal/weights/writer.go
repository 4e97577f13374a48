package weights

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	json "github.com/goccy/go-json"

	"github.com/samcharles93/plugkit/internal/dims"
	"github.com/samcharles93/plugkit/internal/precision"
)

// Tensor is one entry for Write.
type Tensor struct {
	Name   string
	Type   precision.DataType
	Shape  dims.Dims
	Values []float32
}

// Write stores tensors as a safetensors file, in the given order.
func Write(path string, tensors []Tensor) error {
	header := make(map[string]tensorHeader, len(tensors))
	var payload bytes.Buffer
	for _, t := range tensors {
		if t.Shape.Volume() != len(t.Values) {
			return fmt.Errorf("tensor %s: shape %s does not hold %d values", t.Name, t.Shape, len(t.Values))
		}
		if _, dup := header[t.Name]; dup {
			return fmt.Errorf("tensor %s written twice", t.Name)
		}
		start := int64(payload.Len())
		payload.Write(precision.EncodeFloat32(t.Type, t.Values))
		header[t.Name] = tensorHeader{
			DType:       dtypeName(t.Type),
			Shape:       t.Shape,
			DataOffsets: []int64{start, int64(payload.Len())},
		}
	}
	hdr, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	// Pad the header so the payload starts 8-byte aligned.
	for (len(hdr)+8)%8 != 0 {
		hdr = append(hdr, ' ')
	}

	var out bytes.Buffer
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(len(hdr)))
	out.Write(n[:])
	out.Write(hdr)
	out.Write(payload.Bytes())
	return os.WriteFile(path, out.Bytes(), 0o644)
}
