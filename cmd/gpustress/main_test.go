package main

import (
	"bytes"
	"io"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpustress/internal/accel"
	"gpustress/internal/gpu"
	"gpustress/internal/stress"
)

func exitCode(t *testing.T, err error) int {
	t.Helper()
	var ee *exitError
	require.True(t, errors.As(err, &ee), "expected exitError, got %v", err)
	return ee.code
}

func TestRunStressNoDeviceExitsOne(t *testing.T) {
	var out bytes.Buffer
	err := runStress(&accel.Host{}, stress.DefaultConfig(), &out)
	assert.Equal(t, 1, exitCode(t, err))
	assert.Contains(t, out.String(), "FATAL: no CUDA device available, exiting")
	assert.NotContains(t, out.String(), "allocating")
}

func TestRunStressAllocationFailureExitsOne(t *testing.T) {
	err := runStress(accel.NewHost(1<<20), stress.DefaultConfig(), io.Discard)
	assert.Equal(t, 1, exitCode(t, err))
	assert.Contains(t, err.Error(), "out of device memory")
}

// signalOnStatus sends sig to this process once the first status line has
// been written, and remembers every line.
type signalOnStatus struct {
	sig   syscall.Signal
	sent  bool
	lines []string
}

func (w *signalOnStatus) Write(p []byte) (int, error) {
	w.lines = append(w.lines, strings.TrimSuffix(string(p), "\n"))
	if !w.sent && strings.Contains(string(p), "loop 0:") {
		w.sent = true
		if err := syscall.Kill(os.Getpid(), w.sig); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func TestRunStressSignalExit(t *testing.T) {
	cfg := stress.DefaultConfig()
	cfg.Elements = 1024
	cfg.Interval = 20 * time.Millisecond
	// Caps the run if the signal never arrives.
	cfg.Iterations = 500

	w := &signalOnStatus{sig: syscall.SIGTERM}
	err := runStress(accel.NewHost(0), cfg, w)
	require.True(t, w.sent)
	assert.Equal(t, 143, exitCode(t, err))

	require.NotEmpty(t, w.lines)
	assert.Contains(t, w.lines[len(w.lines)-1], "loop 0: value=2.0")
	for _, l := range w.lines {
		assert.NotContains(t, l, "ERROR")
	}
}

func TestRootRejectsArguments(t *testing.T) {
	root := rootCmd()
	root.SetArgs([]string{"unexpected"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	assert.Error(t, root.Execute())
}

func TestParsePID(t *testing.T) {
	pid, err := parsePID("4242")
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)

	for _, bad := range []string{"", "abc", "0", "-3"} {
		_, err := parsePID(bad)
		assert.Error(t, err, bad)
	}
}

func TestCheckpointRejectsBadPID(t *testing.T) {
	root := rootCmd()
	root.SetArgs([]string{"checkpoint", "freeze", "nope"})
	root.SetOut(&bytes.Buffer{})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid PID "nope"`)
}

func TestPrintDevices(t *testing.T) {
	var out bytes.Buffer
	cmd := devicesCmd()
	cmd.SetOut(&out)

	printDevices(cmd, devicesReport{
		Driver:    "550.54.15",
		GPUs:      []gpu.Info{{Index: 0, Name: "NVIDIA L4", MemTotal: 1000, MemUsed: 250}},
		Processes: []gpu.Process{{PID: 4242, Name: "gpustress", MemMB: 1910}},
	})

	lines := strings.Split(out.String(), "\n")
	assert.Equal(t, "GPU 0: NVIDIA L4 (250 / 1000 MB, 25%)", lines[0])
	assert.Contains(t, out.String(), "4242")
	assert.Contains(t, out.String(), "Driver: 550.54.15")
}

func TestPrintDevicesEmpty(t *testing.T) {
	var out bytes.Buffer
	cmd := devicesCmd()
	cmd.SetOut(&out)
	printDevices(cmd, devicesReport{})
	assert.Equal(t, "(no GPUs)\n", out.String())
}
