//go:build cuda

// Package cuda implements device.Device on the CUDA runtime.
package cuda

/*
#cgo LDFLAGS: -lcudart

// Forward declarations keep the CUDA headers out of the build; the linker
// still needs libcudart with the cuda tag.
typedef void* cudaStream_t;
typedef int cudaError_t;

extern const char* cudaGetErrorString(cudaError_t err);
extern cudaError_t cudaGetDeviceCount(int* count);
extern cudaError_t cudaSetDevice(int device);
extern cudaError_t cudaStreamCreate(cudaStream_t* stream);
extern cudaError_t cudaStreamDestroy(cudaStream_t stream);
extern cudaError_t cudaStreamSynchronize(cudaStream_t stream);
extern cudaError_t cudaMalloc(void** ptr, unsigned long long size);
extern cudaError_t cudaFree(void* ptr);
extern cudaError_t cudaMemcpy(void* dst, const void* src, unsigned long long size, int kind);
extern cudaError_t cudaMemcpyAsync(void* dst, const void* src, unsigned long long size, int kind, cudaStream_t stream);
extern cudaError_t cudaMemsetAsync(void* dst, int value, unsigned long long size, cudaStream_t stream);

#define PLUGKIT_MEMCPY_HOST_TO_DEVICE 1
#define PLUGKIT_MEMCPY_DEVICE_TO_HOST 2
#define PLUGKIT_MEMCPY_DEVICE_TO_DEVICE 3

static const char* plugkitCudaErrorString(int err) {
	return cudaGetErrorString((cudaError_t)err);
}

static int plugkitCudaDeviceCount(int* out) {
	return (int)cudaGetDeviceCount(out);
}

static int plugkitCudaSetDevice(int device) {
	return (int)cudaSetDevice(device);
}

static int plugkitCudaStreamCreate(cudaStream_t* out) {
	return (int)cudaStreamCreate(out);
}

static int plugkitCudaStreamDestroy(cudaStream_t stream) {
	return (int)cudaStreamDestroy(stream);
}

static int plugkitCudaStreamSynchronize(cudaStream_t stream) {
	return (int)cudaStreamSynchronize(stream);
}

static int plugkitCudaMalloc(void** ptr, unsigned long long size) {
	return (int)cudaMalloc(ptr, size);
}

static int plugkitCudaFree(void* ptr) {
	return (int)cudaFree(ptr);
}

static int plugkitCudaMemcpy(void* dst, const void* src, unsigned long long size, int kind) {
	return (int)cudaMemcpy(dst, src, size, kind);
}

static int plugkitCudaMemcpyAsync(void* dst, const void* src, unsigned long long size, int kind, cudaStream_t stream) {
	return (int)cudaMemcpyAsync(dst, src, size, kind, stream);
}

static int plugkitCudaMemsetAsync(void* dst, int value, unsigned long long size, cudaStream_t stream) {
	return (int)cudaMemsetAsync(dst, value, size, stream);
}
*/
import "C"

import (
	"fmt"
	"unsafe"

	"github.com/samcharles93/plugkit/internal/device"
)

// Device is one CUDA device selected by ordinal.
type Device struct {
	ordinal int
}

func DeviceCount() (int, error) {
	var count C.int
	if err := cudaErr("device_count", C.plugkitCudaDeviceCount(&count)); err != nil {
		return 0, err
	}
	return int(count), nil
}

func New(ordinal int) (*Device, error) {
	n, err := DeviceCount()
	if err != nil {
		return nil, err
	}
	if ordinal < 0 || ordinal >= n {
		return nil, device.Errorf("set_device", "ordinal %d out of range (%d devices)", ordinal, n)
	}
	if err := cudaErr("set_device", C.plugkitCudaSetDevice(C.int(ordinal))); err != nil {
		return nil, err
	}
	return &Device{ordinal: ordinal}, nil
}

func (d *Device) Name() string {
	return fmt.Sprintf("cuda:%d", d.ordinal)
}

// Stream wraps a cudaStream_t.
type Stream struct {
	ptr C.cudaStream_t
}

func (d *Device) NewStream() (device.Stream, error) {
	var s C.cudaStream_t
	if err := cudaErr("stream_create", C.plugkitCudaStreamCreate(&s)); err != nil {
		return nil, err
	}
	return &Stream{ptr: s}, nil
}

// Raw returns the cudaStream_t for other cgo packages.
func (s *Stream) Raw() unsafe.Pointer {
	return unsafe.Pointer(s.ptr)
}

func (s *Stream) Synchronize() error {
	if s.ptr == nil {
		return nil
	}
	return cudaErr("stream_synchronize", C.plugkitCudaStreamSynchronize(s.ptr))
}

func (s *Stream) Destroy() error {
	if s.ptr == nil {
		return nil
	}
	err := cudaErr("stream_destroy", C.plugkitCudaStreamDestroy(s.ptr))
	s.ptr = nil
	return err
}

// AsStream unwraps a stream created by Device.NewStream.
func AsStream(s device.Stream) (*Stream, error) {
	cs, ok := s.(*Stream)
	if !ok || cs == nil {
		return nil, device.Errorf("stream", "not a cuda stream: %T", s)
	}
	return cs, nil
}

func (d *Device) Alloc(bytes int64) (device.Ptr, error) {
	if bytes <= 0 {
		return device.Ptr{}, device.Errorf("alloc", "size must be > 0, got %d", bytes)
	}
	var p unsafe.Pointer
	if err := cudaErr("alloc", C.plugkitCudaMalloc(&p, C.ulonglong(bytes))); err != nil {
		return device.Ptr{}, err
	}
	return device.NewPtr(p), nil
}

func (d *Device) Free(p device.Ptr) error {
	if p.IsNil() {
		return nil
	}
	return cudaErr("free", C.plugkitCudaFree(p.Unsafe()))
}

func (d *Device) Upload(dst device.Ptr, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	return cudaErr("upload", C.plugkitCudaMemcpy(dst.Unsafe(), unsafe.Pointer(&src[0]),
		C.ulonglong(len(src)), C.PLUGKIT_MEMCPY_HOST_TO_DEVICE))
}

func (d *Device) Download(dst []byte, src device.Ptr) error {
	if len(dst) == 0 {
		return nil
	}
	return cudaErr("download", C.plugkitCudaMemcpy(unsafe.Pointer(&dst[0]), src.Unsafe(),
		C.ulonglong(len(dst)), C.PLUGKIT_MEMCPY_DEVICE_TO_HOST))
}

func (d *Device) CopyAsync(dst, src device.Ptr, bytes int64, s device.Stream) error {
	if bytes <= 0 {
		return nil
	}
	cs, err := AsStream(s)
	if err != nil {
		return err
	}
	return cudaErr("copy", C.plugkitCudaMemcpyAsync(dst.Unsafe(), src.Unsafe(), C.ulonglong(bytes),
		C.PLUGKIT_MEMCPY_DEVICE_TO_DEVICE, cs.ptr))
}

func (d *Device) MemsetAsync(dst device.Ptr, value byte, bytes int64, s device.Stream) error {
	if bytes <= 0 {
		return nil
	}
	cs, err := AsStream(s)
	if err != nil {
		return err
	}
	return cudaErr("memset", C.plugkitCudaMemsetAsync(dst.Unsafe(), C.int(value), C.ulonglong(bytes), cs.ptr))
}

func cudaErr(op string, code C.int) error {
	if code == 0 {
		return nil
	}
	return &device.StatusError{
		Op:   op,
		Code: int(code),
		Msg:  C.GoString(C.plugkitCudaErrorString(code)),
	}
}
