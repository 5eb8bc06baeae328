//go:build cuda

package accel

import (
	"testing"

	"github.com/cockroachdb/errors"
	"gorgonia.org/cu"
)

func TestCUDAAddScalar(t *testing.T) {
	b := Default()
	if !b.Available() {
		t.Skip("no CUDA device on this runner")
	}

	dev, err := b.Open(0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer dev.Close()
	t.Logf("device 0: %s", dev.Name())

	const n = 1<<20 + 3
	buf, err := dev.Alloc(n, 1)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	defer buf.Free()
	inc, err := dev.Alloc(1, 1)
	if err != nil {
		t.Fatalf("alloc scalar: %v", err)
	}
	defer inc.Free()

	if got := dev.MemoryAllocated(); got != (n+1)*ElemSize {
		t.Fatalf("allocated = %d, want %d", got, (n+1)*ElemSize)
	}

	for i := 0; i < 5; i++ {
		if err := buf.Add(inc); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if err := dev.Synchronize(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	for _, i := range []int{0, n / 2, n - 1} {
		v, err := buf.At(i)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if v != 6 {
			t.Fatalf("element %d = %v, want 6", i, v)
		}
	}
}

func TestAllocErrorMarksOnlyOutOfMemory(t *testing.T) {
	oom := allocError(cu.OutOfMemory, 8<<30)
	if !errors.Is(oom, ErrOutOfMemory) {
		t.Fatalf("%v: want ErrOutOfMemory", oom)
	}

	fault := allocError(cu.InvalidContext, 8<<30)
	if errors.Is(fault, ErrOutOfMemory) {
		t.Fatalf("%v: driver fault reported as out of memory", fault)
	}
	if !errors.Is(fault, cu.InvalidContext) {
		t.Fatalf("%v: lost the driver result", fault)
	}
}
