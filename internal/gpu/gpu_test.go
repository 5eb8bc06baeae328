package gpu

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseGPUs(t *testing.T) {
	out := "0, NVIDIA A100-SXM4-40GB, 40960, 2101, 38859\n" +
		"1, NVIDIA A100-SXM4-40GB, 40960, 0, 40960\n" +
		"\n" +
		"garbage line\n"
	gpus := parseGPUs(out)
	assert.Equal(t, []Info{
		{Index: 0, Name: "NVIDIA A100-SXM4-40GB", MemTotal: 40960, MemUsed: 2101, MemFree: 38859},
		{Index: 1, Name: "NVIDIA A100-SXM4-40GB", MemTotal: 40960, MemUsed: 0, MemFree: 40960},
	}, gpus)
}

func TestParseApps(t *testing.T) {
	out := "4242, 1910, /usr/local/bin/gpustress\n" +
		"77, 300\n" +
		"[Not Found], 12, ghost\n"
	assert.Equal(t, []Process{
		{PID: 4242, Name: "/usr/local/bin/gpustress", MemMB: 1910},
		{PID: 77, MemMB: 300},
	}, parseApps(out))
}

func TestParseEmpty(t *testing.T) {
	assert.Empty(t, parseGPUs(""))
	assert.Empty(t, parseApps("\n\n"))
}

func TestProcessGPUMemNonexistent(t *testing.T) {
	mem := ProcessGPUMem(context.Background(), 999999)
	if mem != 0 {
		t.Fatalf("expected 0 for nonexistent PID, got %d", mem)
	}
}

func TestDriverVersion(t *testing.T) {
	v := DriverVersion(context.Background())
	t.Logf("driver version: %q", v)
}

func TestMissingBinary(t *testing.T) {
	old := smi
	smi = "nvidia-smi-does-not-exist"
	defer func() { smi = old }()

	ctx := context.Background()
	assert.False(t, HasGPU(ctx))
	_, err := QueryGPUs(ctx)
	assert.Error(t, err)
	_, err = ComputeApps(ctx)
	assert.Error(t, err)
	assert.Equal(t, "", DriverVersion(ctx))
}
