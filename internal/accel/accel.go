// Package accel abstracts the accelerator runtime the stress loop drives.
//
// A Backend discovers devices, a Device owns allocations and the execution
// queue, and a Buffer is a float32 array resident on that device.
package accel

import "github.com/cockroachdb/errors"

var (
	ErrUnavailable    = errors.New("no accelerator runtime available")
	ErrDeviceIndex    = errors.New("device index out of range")
	ErrOutOfMemory    = errors.New("out of device memory")
	ErrLengthMismatch = errors.New("buffer length mismatch")
	ErrReleased       = errors.New("buffer or device already released")
)

// ElemSize is the size in bytes of one buffer element.
const ElemSize = 4

type Backend interface {
	Name() string
	// Available reports whether the runtime is usable and has at least one device.
	Available() bool
	DeviceName(index int) (string, error)
	// Open makes device index the current device for the calling goroutine.
	Open(index int) (Device, error)
}

type Device interface {
	Name() string
	// Alloc reserves n elements and sets each one to fill.
	Alloc(n int, fill float32) (Buffer, error)
	// MemoryAllocated is the number of bytes held by live buffers.
	MemoryAllocated() int64
	// Synchronize blocks until all previously issued work has completed.
	Synchronize() error
	Close() error
}

type Buffer interface {
	Len() int
	// Add adds src into the buffer in place. A one-element src is broadcast.
	Add(src Buffer) error
	// At copies element i back to the host.
	At(i int) (float32, error)
	Free() error
}

// Default returns the backend compiled into this binary.
func Default() Backend {
	return defaultBackend()
}

func checkAdd(dst, src Buffer) error {
	if src.Len() == 1 || src.Len() == dst.Len() {
		return nil
	}
	return errors.Wrapf(ErrLengthMismatch, "add %d elements into %d", src.Len(), dst.Len())
}

func checkIndex(b Buffer, i int) error {
	if i < 0 || i >= b.Len() {
		return errors.Newf("element %d out of range [0,%d)", i, b.Len())
	}
	return nil
}
