//go:build cuda

package accel

import (
	"math"
	"runtime"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"gorgonia.org/cu"
)

const addBlockSize = 256

// add_f32(dst, src, n, stride): dst[i] += src[i*stride] for i < n.
// A stride of 0 broadcasts src[0].
const addPTX = `
.version 6.0
.target sm_50
.address_size 64

.visible .entry add_f32(
	.param .u64 add_f32_param_0,
	.param .u64 add_f32_param_1,
	.param .u64 add_f32_param_2,
	.param .u64 add_f32_param_3
)
{
	.reg .pred 	%p<2>;
	.reg .f32 	%f<4>;
	.reg .b32 	%r<4>;
	.reg .b64 	%rd<14>;

	ld.param.u64 	%rd1, [add_f32_param_0];
	ld.param.u64 	%rd2, [add_f32_param_1];
	ld.param.u64 	%rd3, [add_f32_param_2];
	ld.param.u64 	%rd4, [add_f32_param_3];
	mov.u32 	%r1, %ctaid.x;
	mov.u32 	%r2, %ntid.x;
	mov.u32 	%r3, %tid.x;
	mul.wide.u32 	%rd5, %r1, %r2;
	cvt.u64.u32 	%rd6, %r3;
	add.s64 	%rd7, %rd5, %rd6;
	setp.ge.u64 	%p1, %rd7, %rd3;
	@%p1 bra 	$L__done;
	cvta.to.global.u64 	%rd8, %rd1;
	cvta.to.global.u64 	%rd9, %rd2;
	mul.lo.s64 	%rd10, %rd7, %rd4;
	shl.b64 	%rd11, %rd10, 2;
	add.s64 	%rd12, %rd9, %rd11;
	ld.global.f32 	%f1, [%rd12];
	shl.b64 	%rd13, %rd7, 2;
	add.s64 	%rd13, %rd8, %rd13;
	ld.global.f32 	%f2, [%rd13];
	add.f32 	%f3, %f2, %f1;
	st.global.f32 	[%rd13], %f3;

$L__done:
	ret;
}
`

// CUDA drives NVIDIA devices through the CUDA driver API.
type CUDA struct{}

func defaultBackend() Backend { return CUDA{} }

func (CUDA) Name() string { return "cuda" }

func (CUDA) Available() bool {
	n, err := cu.NumDevices()
	return err == nil && n > 0
}

func (CUDA) DeviceName(index int) (string, error) {
	n, err := cu.NumDevices()
	if err != nil {
		return "", errors.Wrap(err, "cuDeviceGetCount")
	}
	if index < 0 || index >= n {
		return "", errors.Wrapf(ErrDeviceIndex, "device %d of %d", index, n)
	}
	name, err := cu.Device(index).Name()
	if err != nil {
		return "", errors.Wrapf(err, "cuDeviceGetName %d", index)
	}
	return name, nil
}

// Open creates a context on the device and binds it to the calling OS thread.
// The returned Device must only be used from the goroutine that opened it.
func (c CUDA) Open(index int) (Device, error) {
	name, err := c.DeviceName(index)
	if err != nil {
		return nil, err
	}

	runtime.LockOSThread()
	ctx, err := cu.Device(index).MakeContext(cu.SchedAuto)
	if err != nil {
		runtime.UnlockOSThread()
		return nil, errors.Wrapf(err, "cuCtxCreate device %d", index)
	}
	mod, err := cu.LoadData(addPTX)
	if err != nil {
		cu.DestroyContext(&ctx) //nolint:errcheck
		runtime.UnlockOSThread()
		return nil, errors.Wrap(err, "load add kernel")
	}
	fn, err := mod.Function("add_f32")
	if err != nil {
		cu.DestroyContext(&ctx) //nolint:errcheck
		runtime.UnlockOSThread()
		return nil, errors.Wrap(err, "resolve add kernel")
	}

	return &cudaDevice{name: name, ctx: ctx, add: fn}, nil
}

type cudaDevice struct {
	name string
	ctx  cu.CUContext
	add  cu.Function

	allocated int64
	closed    bool
}

func (d *cudaDevice) Name() string { return d.name }

func (d *cudaDevice) Alloc(n int, fill float32) (Buffer, error) {
	if d.closed {
		return nil, ErrReleased
	}
	if n <= 0 {
		return nil, errors.Newf("invalid buffer length %d", n)
	}

	size := int64(n) * ElemSize
	ptr, err := cu.MemAlloc(size)
	if err != nil {
		return nil, allocError(err, size)
	}
	if err := cu.MemsetD32(ptr, uint(math.Float32bits(fill)), int64(n)); err != nil {
		cu.MemFree(ptr) //nolint:errcheck
		return nil, errors.Wrap(err, "cuMemsetD32")
	}
	d.allocated += size
	return &cudaBuffer{dev: d, ptr: ptr, n: n}, nil
}

// allocError wraps a cuMemAlloc failure. Only CUDA_ERROR_OUT_OF_MEMORY is
// reported as ErrOutOfMemory; anything else is a driver fault.
func allocError(err error, size int64) error {
	err = errors.Wrapf(err, "cuMemAlloc %s", humanize.Bytes(uint64(size)))
	if errors.Is(err, cu.OutOfMemory) {
		return errors.Mark(err, ErrOutOfMemory)
	}
	return err
}

func (d *cudaDevice) MemoryAllocated() int64 { return d.allocated }

func (d *cudaDevice) Synchronize() error {
	if d.closed {
		return ErrReleased
	}
	return errors.Wrap(cu.Synchronize(), "cuCtxSynchronize")
}

func (d *cudaDevice) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	defer runtime.UnlockOSThread()
	return errors.Wrap(cu.DestroyContext(&d.ctx), "cuCtxDestroy")
}

type cudaBuffer struct {
	dev   *cudaDevice
	ptr   cu.DevicePtr
	n     int
	freed bool
}

func (b *cudaBuffer) Len() int { return b.n }

// Add enqueues the kernel and returns without waiting for it.
func (b *cudaBuffer) Add(src Buffer) error {
	if b.freed || b.dev.closed {
		return ErrReleased
	}
	if err := checkAdd(b, src); err != nil {
		return err
	}
	s, ok := src.(*cudaBuffer)
	if !ok || s.dev != b.dev {
		return errors.New("source buffer belongs to another device")
	}
	if s.freed {
		return ErrReleased
	}

	dst, from := b.ptr, s.ptr
	n := uint64(b.n)
	stride := uint64(1)
	if s.n == 1 {
		stride = 0
	}
	args := []unsafe.Pointer{
		unsafe.Pointer(&dst),
		unsafe.Pointer(&from),
		unsafe.Pointer(&n),
		unsafe.Pointer(&stride),
	}
	blocks := (b.n + addBlockSize - 1) / addBlockSize
	if err := b.dev.add.Launch(blocks, 1, 1, addBlockSize, 1, 1, 0, cu.Stream{}, args); err != nil {
		return errors.Wrap(err, "launch add kernel")
	}
	return nil
}

func (b *cudaBuffer) At(i int) (float32, error) {
	if b.freed || b.dev.closed {
		return 0, ErrReleased
	}
	if err := checkIndex(b, i); err != nil {
		return 0, err
	}
	var v float32
	src := b.ptr + cu.DevicePtr(i*ElemSize)
	if err := cu.MemcpyDtoH(unsafe.Pointer(&v), src, ElemSize); err != nil {
		return 0, errors.Wrap(err, "cuMemcpyDtoH")
	}
	return v, nil
}

func (b *cudaBuffer) Free() error {
	if b.freed {
		return ErrReleased
	}
	b.freed = true
	b.dev.allocated -= int64(b.n) * ElemSize
	if b.dev.closed {
		return nil
	}
	return errors.Wrap(cu.MemFree(b.ptr), "cuMemFree")
}
