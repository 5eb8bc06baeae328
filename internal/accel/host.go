package accel

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
)

// Host is a CPU-resident stand-in for an accelerator. Buffers live in host
// memory and every operation completes synchronously. Capacity caps the bytes
// each device will hand out, which makes allocation failures reproducible.
type Host struct {
	Devices  []string
	Capacity int64
	// OnAdd, when set, runs before every Add; a non-nil error fails the Add.
	OnAdd func() error
}

// NewHost returns a host backend exposing a single device.
func NewHost(capacity int64) *Host {
	return &Host{Devices: []string{"Host Emulator"}, Capacity: capacity}
}

func (h *Host) Name() string { return "host" }

func (h *Host) Available() bool { return len(h.Devices) > 0 }

func (h *Host) DeviceName(index int) (string, error) {
	if index < 0 || index >= len(h.Devices) {
		return "", errors.Wrapf(ErrDeviceIndex, "device %d of %d", index, len(h.Devices))
	}
	return h.Devices[index], nil
}

func (h *Host) Open(index int) (Device, error) {
	name, err := h.DeviceName(index)
	if err != nil {
		return nil, err
	}
	return &hostDevice{host: h, name: name}, nil
}

type hostDevice struct {
	host *Host
	name string

	mu        sync.Mutex
	allocated int64
	closed    bool
}

func (d *hostDevice) Name() string { return d.name }

func (d *hostDevice) Alloc(n int, fill float32) (Buffer, error) {
	if n <= 0 {
		return nil, errors.Newf("invalid buffer length %d", n)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrReleased
	}

	size := int64(n) * ElemSize
	if d.host.Capacity > 0 && d.allocated+size > d.host.Capacity {
		return nil, errors.Wrapf(ErrOutOfMemory, "tried to allocate %s (%s of %s already allocated)",
			humanize.IBytes(uint64(size)), humanize.IBytes(uint64(d.allocated)), humanize.IBytes(uint64(d.host.Capacity)))
	}

	data := make([]float32, n)
	for i := range data {
		data[i] = fill
	}
	d.allocated += size
	return &hostBuffer{dev: d, data: data}, nil
}

func (d *hostDevice) MemoryAllocated() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocated
}

func (d *hostDevice) Synchronize() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrReleased
	}
	return nil
}

func (d *hostDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

type hostBuffer struct {
	dev  *hostDevice
	data []float32
}

func (b *hostBuffer) Len() int { return len(b.data) }

func (b *hostBuffer) Add(src Buffer) error {
	if b.data == nil {
		return ErrReleased
	}
	if err := checkAdd(b, src); err != nil {
		return err
	}
	s, ok := src.(*hostBuffer)
	if !ok || s.dev != b.dev {
		return errors.New("source buffer belongs to another device")
	}
	if s.data == nil {
		return ErrReleased
	}
	if hook := b.dev.host.OnAdd; hook != nil {
		if err := hook(); err != nil {
			return err
		}
	}

	if len(s.data) == 1 {
		v := s.data[0]
		for i := range b.data {
			b.data[i] += v
		}
		return nil
	}
	for i := range b.data {
		b.data[i] += s.data[i]
	}
	return nil
}

func (b *hostBuffer) At(i int) (float32, error) {
	if b.data == nil {
		return 0, ErrReleased
	}
	if err := checkIndex(b, i); err != nil {
		return 0, err
	}
	return b.data[i], nil
}

func (b *hostBuffer) Free() error {
	if b.data == nil {
		return ErrReleased
	}
	b.dev.mu.Lock()
	b.dev.allocated -= int64(len(b.data)) * ElemSize
	b.dev.mu.Unlock()
	b.data = nil
	return nil
}
