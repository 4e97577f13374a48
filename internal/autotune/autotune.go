// Package autotune picks a convolution algorithm from backend-ranked candidates.
package autotune

import (
	"fmt"
	"strings"
	"sync"

	"github.com/samcharles93/plugkit/internal/dnn"
)

// Select returns the successful candidate with the lowest measured time.
// Ties keep the earliest candidate in backend order.
func Select(perfs []dnn.AlgoPerf) (dnn.AlgoPerf, error) {
	best := -1
	for i, p := range perfs {
		if !p.OK() {
			continue
		}
		if best < 0 || p.Time < perfs[best].Time {
			best = i
		}
	}
	if best < 0 {
		return dnn.AlgoPerf{}, fmt.Errorf("%w: %d candidates reported, none succeeded", dnn.ErrNoAlgorithm, len(perfs))
	}
	return perfs[best], nil
}

// Successful returns the candidates that can run, in backend order.
func Successful(perfs []dnn.AlgoPerf) []dnn.AlgoPerf {
	out := make([]dnn.AlgoPerf, 0, len(perfs))
	for _, p := range perfs {
		if p.OK() {
			out = append(out, p)
		}
	}
	return out
}

// Key identifies a backward-data configuration.
type Key string

func KeyOf(w dnn.FilterDesc, dy dnn.TensorDesc, c dnn.ConvDesc, dx dnn.TensorDesc) Key {
	var b strings.Builder
	fmt.Fprintf(&b, "w=%s%s%v|", w.Type, w.Dims, w.Strides)
	fmt.Fprintf(&b, "dy=%s|dx=%s|", dy, dx)
	fmt.Fprintf(&b, "pad=%v stride=%v dil=%v", c.Pad, c.Stride, c.Dilation)
	return Key(b.String())
}

// Result is a tuned selection together with the ranking it came from.
type Result struct {
	Best   dnn.AlgoPerf
	Ranked []dnn.AlgoPerf
}

// Cache remembers selections per configuration so replicated instances with
// identical configurations rank once.
type Cache struct {
	mu    sync.RWMutex
	cache map[Key]Result
}

func NewCache() *Cache {
	return &Cache{cache: make(map[Key]Result)}
}

// Tune returns the cached result for key or ranks through r and stores it.
func (c *Cache) Tune(key Key, rank func() ([]dnn.AlgoPerf, error)) (Result, error) {
	c.mu.RLock()
	if res, ok := c.cache[key]; ok {
		c.mu.RUnlock()
		return res, nil
	}
	c.mu.RUnlock()

	res, err := Tune(rank)
	if err != nil {
		return Result{}, err
	}

	c.mu.Lock()
	c.cache[key] = res
	c.mu.Unlock()
	return res, nil
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

// Tune ranks and selects without caching.
func Tune(rank func() ([]dnn.AlgoPerf, error)) (Result, error) {
	perfs, err := rank()
	if err != nil {
		return Result{}, err
	}
	best, err := Select(perfs)
	if err != nil {
		return Result{}, err
	}
	return Result{Best: best, Ranked: perfs}, nil
}
