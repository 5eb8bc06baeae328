// Package stress implements the GPU busy-loop: one large device buffer that
// is incremented in place forever, with a status line every few iterations.
package stress

import (
	"context"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"gpustress/internal/accel"
)

var (
	ErrNoDevice   = errors.New("no CUDA device available")
	ErrAllocation = errors.New("device allocation failed")
)

const (
	DefaultElements    = 500 * 1000 * 1000
	DefaultReportEvery = 5
	DefaultInterval    = time.Second
)

type Config struct {
	DeviceIndex int
	Elements    int
	Fill        float32
	Increment   float32
	ReportEvery int
	Interval    time.Duration
	// Iterations stops the loop after that many passes; zero runs forever.
	Iterations int
}

// DefaultConfig is the fixed workload: ~2 GB of float32 ones on device 0,
// incremented by one every second, reported every fifth pass.
func DefaultConfig() Config {
	return Config{
		Elements:    DefaultElements,
		Fill:        1.0,
		Increment:   1.0,
		ReportEvery: DefaultReportEvery,
		Interval:    DefaultInterval,
	}
}

type Runner struct {
	cfg     Config
	backend accel.Backend
	log     zerolog.Logger
}

func New(cfg Config, backend accel.Backend, log zerolog.Logger) *Runner {
	def := DefaultConfig()
	if cfg.Elements <= 0 {
		cfg.Elements = def.Elements
	}
	if cfg.ReportEvery <= 0 {
		cfg.ReportEvery = def.ReportEvery
	}
	if cfg.Interval < 0 {
		cfg.Interval = 0
	}
	return &Runner{cfg: cfg, backend: backend, log: log}
}

// Run executes the workload until ctx is cancelled, the iteration cap is hit,
// or the device fails. Cancellation returns ctx.Err() without logging
// anything further; every other error has already been logged when returned.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info().Msgf("starting GPU stress runner (PID=%d)", os.Getpid())

	if !r.backend.Available() {
		r.log.Error().Msg("FATAL: no CUDA device available, exiting")
		return ErrNoDevice
	}

	err := r.run(ctx)
	if err != nil && ctx.Err() == nil {
		r.log.Error().Msgf("ERROR: %v", err)
	}
	return err
}

func (r *Runner) run(ctx context.Context) error {
	dev, err := r.backend.Open(r.cfg.DeviceIndex)
	if err != nil {
		return errors.Wrapf(err, "open device %d", r.cfg.DeviceIndex)
	}
	defer dev.Close()
	r.log.Info().Msgf("using device: %s", dev.Name())

	n := r.cfg.Elements
	r.log.Info().Msgf("allocating buffer with %s elements (~%s)",
		humanize.Comma(int64(n)), humanize.Bytes(uint64(n)*accel.ElemSize))

	buf, err := dev.Alloc(n, r.cfg.Fill)
	if err != nil {
		return errors.Mark(err, ErrAllocation)
	}
	defer buf.Free()
	inc, err := dev.Alloc(1, r.cfg.Increment)
	if err != nil {
		return errors.Mark(err, ErrAllocation)
	}
	defer inc.Free()
	r.log.Info().Msg("allocation succeeded")

	for i := 0; r.cfg.Iterations == 0 || i < r.cfg.Iterations; i++ {
		if err := buf.Add(inc); err != nil {
			return errors.Wrapf(err, "iteration %d", i)
		}

		if i%r.cfg.ReportEvery == 0 {
			if err := r.report(ctx, dev, buf, i); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.cfg.Interval):
		}
	}
	return nil
}

func (r *Runner) report(ctx context.Context, dev accel.Device, buf accel.Buffer, i int) error {
	if err := dev.Synchronize(); err != nil {
		return errors.Wrapf(err, "synchronize at iteration %d", i)
	}
	val, err := buf.At(0)
	if err != nil {
		return errors.Wrapf(err, "read back at iteration %d", i)
	}
	memMB := float64(dev.MemoryAllocated()) / 1024 / 1024

	if ctx.Err() != nil {
		return ctx.Err()
	}
	r.log.Info().Msgf("loop %d: value=%.1f, vram=%.2f MB", i, val, memMB)
	return nil
}
