package device

import (
	"errors"
	"fmt"
	"strings"
	"unsafe"
)

const (
	CPU  = "cpu"
	CUDA = "cuda"
	Auto = "auto"
)

// ErrDevice is wrapped by every error reported by a device memory or stream operation.
var ErrDevice = errors.New("device error")

// Ptr addresses device memory. The zero Ptr is nil.
type Ptr struct {
	p unsafe.Pointer
}

func NewPtr(p unsafe.Pointer) Ptr {
	return Ptr{p: p}
}

func (p Ptr) Unsafe() unsafe.Pointer {
	return p.p
}

func (p Ptr) IsNil() bool {
	return p.p == nil
}

// Add offsets p by n bytes.
func (p Ptr) Add(n int64) Ptr {
	if p.p == nil {
		return p
	}
	return Ptr{p: unsafe.Add(p.p, n)}
}

func (p Ptr) String() string {
	return fmt.Sprintf("%p", p.p)
}

// Stream is an ordered queue of asynchronous device work.
type Stream interface {
	// Synchronize blocks until all previously enqueued work has completed and
	// reports the first asynchronous failure, if any.
	Synchronize() error
	Destroy() error
}

// Device is the memory and copy surface the plugins need from a device runtime.
// Asynchronous methods only enqueue work on the stream.
type Device interface {
	Name() string
	NewStream() (Stream, error)
	Alloc(bytes int64) (Ptr, error)
	Free(p Ptr) error
	Upload(dst Ptr, src []byte) error
	Download(dst []byte, src Ptr) error
	CopyAsync(dst, src Ptr, bytes int64, s Stream) error
	MemsetAsync(dst Ptr, value byte, bytes int64, s Stream) error
}

// StatusError carries a failed runtime status.
type StatusError struct {
	Op   string
	Code int
	Msg  string
}

func (e *StatusError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: device status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: device status %d: %s", e.Op, e.Code, e.Msg)
}

func (e *StatusError) Unwrap() error {
	return ErrDevice
}

// Errorf formats a device failure that matches ErrDevice.
func Errorf(op string, format string, args ...any) error {
	return &StatusError{Op: op, Code: -1, Msg: fmt.Sprintf(format, args...)}
}

// Normalize validates a backend name.
func Normalize(name string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(name))
	if backend == "" {
		return Auto, nil
	}
	switch backend {
	case CPU, CUDA, Auto:
		return backend, nil
	default:
		return "", fmt.Errorf("unknown backend %q (expected auto, cpu, or cuda)", name)
	}
}
