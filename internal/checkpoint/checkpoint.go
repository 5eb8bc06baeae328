// Package checkpoint wraps the cuda-checkpoint command-line tool, which moves
// a process's device memory to host RAM and back.
package checkpoint

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

var ErrUnavailable = errors.New("cuda-checkpoint not available")

type State string

const (
	StateRunning      State = "running"
	StateLocked       State = "locked"
	StateCheckpointed State = "checkpointed"
	StateFailed       State = "failed"
)

var searchPaths = []string{
	"/usr/bin/cuda-checkpoint",
	"/usr/local/bin/cuda-checkpoint",
	"/usr/lib/nvidia/bin/cuda-checkpoint",
}

type CUDA struct {
	Binary    string
	Available bool
	// LockTimeout bounds how long lock waits for in-flight device work.
	// Zero leaves the tool's default.
	LockTimeout time.Duration
}

func NewCUDA() *CUDA {
	if path, err := exec.LookPath("cuda-checkpoint"); err == nil {
		return &CUDA{Binary: path, Available: true}
	}
	for _, p := range searchPaths {
		if _, err := os.Stat(p); err == nil {
			return &CUDA{Binary: p, Available: true}
		}
	}
	return &CUDA{Available: false}
}

func (c *CUDA) State(ctx context.Context, pid int) (State, error) {
	if !c.Available {
		return "", ErrUnavailable
	}
	out, _, err := c.exec(ctx, "--get-state", "--pid", strconv.Itoa(pid))
	if err != nil {
		return "", err
	}
	return State(strings.TrimSpace(out)), nil
}

func (c *CUDA) Lock(ctx context.Context, pid int) (time.Duration, error) {
	var extra []string
	if c.LockTimeout > 0 {
		extra = append(extra, "--timeout", strconv.FormatInt(c.LockTimeout.Milliseconds(), 10))
	}
	return c.run(ctx, "lock", pid, extra...)
}

func (c *CUDA) Checkpoint(ctx context.Context, pid int) (time.Duration, error) {
	return c.run(ctx, "checkpoint", pid)
}

func (c *CUDA) Restore(ctx context.Context, pid int) (time.Duration, error) {
	return c.run(ctx, "restore", pid)
}

func (c *CUDA) Unlock(ctx context.Context, pid int) (time.Duration, error) {
	return c.run(ctx, "unlock", pid)
}

// Freeze performs the full lock→checkpoint sequence. A failed checkpoint
// unlocks the process again.
func (c *CUDA) Freeze(ctx context.Context, pid int) (time.Duration, error) {
	lockDur, err := c.Lock(ctx, pid)
	if err != nil {
		return lockDur, errors.Wrap(err, "lock")
	}
	ckptDur, err := c.Checkpoint(ctx, pid)
	total := lockDur + ckptDur
	if err != nil {
		c.Unlock(context.WithoutCancel(ctx), pid) //nolint:errcheck
		return total, errors.Wrap(err, "checkpoint")
	}
	return total, nil
}

// Thaw performs the full restore→unlock sequence.
func (c *CUDA) Thaw(ctx context.Context, pid int) (time.Duration, error) {
	restDur, err := c.Restore(ctx, pid)
	if err != nil {
		return restDur, errors.Wrap(err, "restore")
	}
	unlDur, err := c.Unlock(ctx, pid)
	total := restDur + unlDur
	if err != nil {
		return total, errors.Wrap(err, "unlock")
	}
	return total, nil
}

func (c *CUDA) run(ctx context.Context, action string, pid int, extra ...string) (time.Duration, error) {
	if !c.Available {
		return 0, ErrUnavailable
	}
	args := []string{"--action", action, "--pid", strconv.Itoa(pid)}
	_, elapsed, err := c.exec(ctx, append(args, extra...)...)
	return elapsed, err
}

func (c *CUDA) exec(ctx context.Context, args ...string) (string, time.Duration, error) {
	start := time.Now()
	out, err := exec.CommandContext(ctx, c.Binary, args...).CombinedOutput()
	elapsed := time.Since(start)
	if err != nil {
		return "", elapsed, errors.Wrapf(err, "cuda-checkpoint %s: %s",
			strings.Join(args, " "), strings.TrimSpace(string(out)))
	}
	return string(out), elapsed, nil
}
