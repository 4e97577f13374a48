package plugin

import "github.com/samcharles93/plugkit/internal/precision"

// Weights is a host-owned, read-only weight buffer. Plugins borrow Values
// and copy them to the device only at commitment. An absent buffer has
// Count 0 and nil Values.
type Weights struct {
	Type   precision.DataType
	Count  int
	Values []byte
}

func (w Weights) Empty() bool {
	return w.Count == 0 && w.Values == nil
}

// FloatWeights encodes values in the given precision.
func FloatWeights(t precision.DataType, values []float32) Weights {
	if len(values) == 0 {
		return Weights{Type: t}
	}
	return Weights{Type: t, Count: len(values), Values: precision.EncodeFloat32(t, values)}
}
