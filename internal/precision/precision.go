package precision

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/x448/float16"
)

// DataType tags the numeric representation of a tensor or weight buffer.
type DataType int

const (
	Float DataType = iota // IEEE binary32
	Half                  // IEEE binary16
)

func (t DataType) String() string {
	switch t {
	case Float:
		return "float32"
	case Half:
		return "float16"
	default:
		return fmt.Sprintf("dtype(%d)", int(t))
	}
}

// Size returns the element size in bytes.
func (t DataType) Size() int {
	switch t {
	case Float:
		return 4
	case Half:
		return 2
	default:
		panic(fmt.Sprintf("precision: unknown data type %d", int(t)))
	}
}

func (t DataType) Valid() bool {
	return t == Float || t == Half
}

// Reduced reports whether t is narrower than Float.
func (t DataType) Reduced() bool {
	return t == Half
}

// Parse maps "f32"/"float32"/"F32" and "f16"/"float16"/"half" to a DataType.
func Parse(s string) (DataType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "f32", "float", "float32", "fp32":
		return Float, nil
	case "f16", "half", "float16", "fp16":
		return Half, nil
	default:
		return 0, fmt.Errorf("unknown precision %q (expected f32 or f16)", s)
	}
}

// FloatToHalf converts src into binary16 bit patterns in dst.
func FloatToHalf(dst []uint16, src []float32) {
	for i, v := range src {
		dst[i] = float16.Fromfloat32(v).Bits()
	}
}

// HalfToFloat widens binary16 bit patterns in src into dst.
func HalfToFloat(dst []float32, src []uint16) {
	for i, v := range src {
		dst[i] = float16.Frombits(v).Float32()
	}
}

// EncodeFloat32 serialises values little-endian in the requested precision.
func EncodeFloat32(t DataType, values []float32) []byte {
	out := make([]byte, len(values)*t.Size())
	switch t {
	case Float:
		for i, v := range values {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
	case Half:
		for i, v := range values {
			binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(v).Bits())
		}
	}
	return out
}

// DecodeFloat32 reads little-endian values of precision t and widens them to float32.
func DecodeFloat32(t DataType, raw []byte) []float32 {
	n := len(raw) / t.Size()
	out := make([]float32, n)
	switch t {
	case Float:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case Half:
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
	}
	return out
}
