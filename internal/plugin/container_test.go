package plugin

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/plugkit/internal/dims"
	"github.com/samcharles93/plugkit/internal/precision"
)

func TestContainerConcurrentCreation(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	c := NewContainer(r.env)

	const workers = 16
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				c.NewPadding(PaddingConfig{PadStart: dims.Of(0, 0, 0, 0), PadEnd: dims.Of(1, 0, 0, 0)})
				return
			}
			c.NewSlice(SliceConfig{In: dims.Of(4, 1, 1, 1), Start: dims.Of(0, 0, 0, 0), End: dims.Of(2, 1, 1, 1)})
		}()
	}
	wg.Wait()

	require.Equal(t, workers, c.Len())
	seen := map[string]bool{}
	for _, e := range c.List() {
		require.False(t, seen[e.ID], "duplicate id %s", e.ID)
		seen[e.ID] = true
		got, ok := c.Get(e.ID)
		require.True(t, ok)
		require.Same(t, e, got)
	}
	c.Close()
}

func TestContainerCloseReleasesEverything(t *testing.T) {
	t.Parallel()
	r := newRig(t)
	c := NewContainer(r.env)

	conv, _ := c.NewConv3DTranspose(symmetric.config(precision.Float, LayoutNCDHW, 1))
	out := conv.InferShape(symmetric.in)
	require.NoError(t, conv.Configure(symmetric.in, out, precision.Float, FormatLinear, 1))
	clone := c.Adopt(conv.Clone())
	pad, _ := c.NewPadding(PaddingConfig{PadStart: dims.Of(0, 0, 0, 0), PadEnd: dims.Of(1, 0, 0, 0)})
	pad.Destroy()
	require.Equal(t, 2, r.dev.Live())

	c.Close()
	require.Equal(t, 0, r.dev.Live())
	require.Equal(t, StateDestroyed, conv.State())
	require.Equal(t, StateDestroyed, clone.Plugin.State())
	require.Zero(t, c.Len())
	_, ok := c.Get(clone.ID)
	require.False(t, ok)

	c.Close()
	requireContract(t, func() { c.Adopt(conv.Clone()) })
}
