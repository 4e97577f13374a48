package dims

import (
	"strconv"
	"strings"
)

// Dims is an ordered list of tensor extents. Methods never mutate the receiver.
type Dims []int

// Of builds Dims from the given extents.
func Of(d ...int) Dims {
	out := make(Dims, len(d))
	copy(out, d)
	return out
}

func (d Dims) Rank() int {
	return len(d)
}

// Volume returns the product of all extents. The volume of an empty Dims is 0.
func (d Dims) Volume() int {
	if len(d) == 0 {
		return 0
	}
	n := 1
	for _, v := range d {
		n *= v
	}
	return n
}

func (d Dims) Equal(o Dims) bool {
	if len(d) != len(o) {
		return false
	}
	for i := range d {
		if d[i] != o[i] {
			return false
		}
	}
	return true
}

func (d Dims) Clone() Dims {
	if d == nil {
		return nil
	}
	return Of(d...)
}

// WithBatch prepends a batch extent.
func (d Dims) WithBatch(n int) Dims {
	out := make(Dims, 0, len(d)+1)
	out = append(out, n)
	return append(out, d...)
}

// Strides returns packed row-major strides in elements.
func (d Dims) Strides() []int {
	s := make([]int, len(d))
	acc := 1
	for i := len(d) - 1; i >= 0; i-- {
		s[i] = acc
		acc *= d[i]
	}
	return s
}

// Inner returns the number of elements in one unit step of axis.
func (d Dims) Inner(axis int) int {
	n := 1
	for _, v := range d[axis+1:] {
		n *= v
	}
	return n
}

// Outer returns the number of blocks that precede axis.
func (d Dims) Outer(axis int) int {
	n := 1
	for _, v := range d[:axis] {
		n *= v
	}
	return n
}

// NonNegative reports whether every extent is >= 0.
func (d Dims) NonNegative() bool {
	for _, v := range d {
		if v < 0 {
			return false
		}
	}
	return true
}

func (d Dims) String() string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range d {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(strconv.Itoa(v))
	}
	b.WriteByte(']')
	return b.String()
}
