// Package hostdev is a device runtime backed by host memory. Streams execute
// enqueued work in submission order on a dedicated goroutine, so asynchronous
// semantics match a real accelerator closely enough to exercise plugins.
package hostdev

import (
	"sync"
	"unsafe"

	"github.com/samcharles93/plugkit/internal/device"
)

type Device struct {
	// Limit caps the bytes that may be live at once. Zero means unlimited.
	Limit int64

	mu     sync.Mutex
	allocs map[unsafe.Pointer][]uint64
	used   int64
}

func New() *Device {
	return &Device{allocs: make(map[unsafe.Pointer][]uint64)}
}

func (d *Device) Name() string {
	return device.CPU
}

func (d *Device) Alloc(bytes int64) (device.Ptr, error) {
	if bytes <= 0 {
		return device.Ptr{}, device.Errorf("alloc", "size must be > 0, got %d", bytes)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Limit > 0 && d.used+bytes > d.Limit {
		return device.Ptr{}, &device.StatusError{Op: "alloc", Code: 2, Msg: "out of memory"}
	}
	// uint64 backing keeps every allocation 8-byte aligned.
	words := make([]uint64, (bytes+7)/8)
	p := unsafe.Pointer(&words[0])
	if d.allocs == nil {
		d.allocs = make(map[unsafe.Pointer][]uint64)
	}
	d.allocs[p] = words
	d.used += int64(len(words) * 8)
	return device.NewPtr(p), nil
}

func (d *Device) Free(p device.Ptr) error {
	if p.IsNil() {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	words, ok := d.allocs[p.Unsafe()]
	if !ok {
		return device.Errorf("free", "pointer %s was not allocated by this device", p)
	}
	delete(d.allocs, p.Unsafe())
	d.used -= int64(len(words) * 8)
	return nil
}

// Live returns the number of outstanding allocations.
func (d *Device) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.allocs)
}

// Used returns the number of bytes currently allocated.
func (d *Device) Used() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.used
}

func (d *Device) Upload(dst device.Ptr, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	if dst.IsNil() {
		return device.Errorf("upload", "nil destination")
	}
	copy(View(dst, int64(len(src))), src)
	return nil
}

func (d *Device) Download(dst []byte, src device.Ptr) error {
	if len(dst) == 0 {
		return nil
	}
	if src.IsNil() {
		return device.Errorf("download", "nil source")
	}
	copy(dst, View(src, int64(len(dst))))
	return nil
}

func (d *Device) CopyAsync(dst, src device.Ptr, bytes int64, s device.Stream) error {
	if bytes <= 0 {
		return nil
	}
	if dst.IsNil() || src.IsNil() {
		return device.Errorf("memcpy", "nil pointer")
	}
	hs, err := AsStream(s)
	if err != nil {
		return err
	}
	return hs.Enqueue(func() error {
		copy(View(dst, bytes), View(src, bytes))
		return nil
	})
}

func (d *Device) MemsetAsync(dst device.Ptr, value byte, bytes int64, s device.Stream) error {
	if bytes <= 0 {
		return nil
	}
	if dst.IsNil() {
		return device.Errorf("memset", "nil pointer")
	}
	hs, err := AsStream(s)
	if err != nil {
		return err
	}
	return hs.Enqueue(func() error {
		b := View(dst, bytes)
		for i := range b {
			b[i] = value
		}
		return nil
	})
}

func (d *Device) NewStream() (device.Stream, error) {
	return NewStream(), nil
}

// View exposes n bytes of host-device memory starting at p.
func View(p device.Ptr, n int64) []byte {
	return unsafe.Slice((*byte)(p.Unsafe()), n)
}

// Float32s exposes n float32 elements starting at p.
func Float32s(p device.Ptr, n int) []float32 {
	return unsafe.Slice((*float32)(p.Unsafe()), n)
}

// Uint16s exposes n 16-bit elements starting at p.
func Uint16s(p device.Ptr, n int) []uint16 {
	return unsafe.Slice((*uint16)(p.Unsafe()), n)
}
