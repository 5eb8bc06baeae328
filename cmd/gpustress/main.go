// gpustress keeps a GPU busy for node load tests.
// Bare invocation runs the busy loop; subcommands help inspect and
// checkpoint GPU processes while it runs.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"gpustress/internal/accel"
	"gpustress/internal/checkpoint"
	"gpustress/internal/gpu"
	"gpustress/internal/logging"
	"gpustress/internal/stress"
	"gpustress/internal/tui"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// exitError carries a process exit status out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	root := rootCmd()
	if err := root.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gpustress",
		Short:         "Keep a GPU busy and report memory/compute status",
		Long:          "Allocates ~2 GB on device 0, increments it every second and logs status every fifth iteration until killed.",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress(accel.Default(), stress.DefaultConfig(), os.Stdout)
		},
	}

	root.AddCommand(
		devicesCmd(),
		checkpointCmd(),
		dashboardCmd(),
	)
	return root
}

// ── stress ──────────────────────────────────────────────────────────────────

type signalCause struct{ sig syscall.Signal }

func (s signalCause) Error() string { return "received " + s.sig.String() }

func runStress(backend accel.Backend, cfg stress.Config, out io.Writer) error {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			if s, ok := sig.(syscall.Signal); ok {
				cancel(signalCause{sig: s})
			}
		case <-ctx.Done():
		}
	}()

	runner := stress.New(cfg, backend, logging.New(out))
	err := runner.Run(ctx)
	if err == nil {
		return nil
	}

	var sc signalCause
	if errors.As(context.Cause(ctx), &sc) {
		return &exitError{code: 128 + int(sc.sig), err: sc}
	}
	// The runner has already logged the failure.
	return &exitError{code: 1, err: err}
}

// ── devices ─────────────────────────────────────────────────────────────────

type devicesReport struct {
	Driver    string        `json:"driver_version,omitempty"`
	GPUs      []gpu.Info    `json:"gpus"`
	Processes []gpu.Process `json:"processes"`
}

func devicesCmd() *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List GPUs and the processes holding GPU memory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			var r devicesReport
			if gpu.HasGPU(ctx) {
				gpus, err := gpu.QueryGPUs(ctx)
				if err != nil {
					return err
				}
				procs, err := gpu.ComputeApps(ctx)
				if err != nil {
					return err
				}
				r = devicesReport{Driver: gpu.DriverVersion(ctx), GPUs: gpus, Processes: procs}
			}

			if jsonOut {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(r)
			}
			printDevices(cmd, r)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	return cmd
}

func printDevices(cmd *cobra.Command, r devicesReport) {
	out := cmd.OutOrStdout()
	for _, g := range r.GPUs {
		pct := 0.0
		if g.MemTotal > 0 {
			pct = float64(g.MemUsed) / float64(g.MemTotal) * 100
		}
		fmt.Fprintf(out, "GPU %d: %s (%d / %d MB, %.0f%%)\n", g.Index, g.Name, g.MemUsed, g.MemTotal, pct)
	}
	if len(r.GPUs) == 0 {
		fmt.Fprintln(out, "(no GPUs)")
	}

	if len(r.Processes) > 0 {
		fmt.Fprintln(out)
		for _, p := range r.Processes {
			fmt.Fprintf(out, "  ● %-8d %6d MB  %s\n", p.PID, p.MemMB, p.Name)
		}
	}

	if r.Driver != "" {
		fmt.Fprintf(out, "\nDriver: %s\n", r.Driver)
	}
}

// ── checkpoint ──────────────────────────────────────────────────────────────

func checkpointCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:     "checkpoint",
		Aliases: []string{"ckpt"},
		Short:   "Drive cuda-checkpoint against a running GPU process",
		Example: `  gpustress checkpoint freeze 4242
  gpustress checkpoint state 4242
  gpustress checkpoint thaw 4242`,
	}
	cmd.PersistentFlags().DurationVar(&timeout, "lock-timeout", 30*time.Second, "how long lock waits for in-flight device work")

	type step func(c *checkpoint.CUDA, ctx context.Context, pid int) (time.Duration, error)
	actions := []struct {
		use, short, done string
		fn               step
	}{
		{"freeze", "Lock and checkpoint device memory to host RAM", "Frozen", (*checkpoint.CUDA).Freeze},
		{"thaw", "Restore device memory and unlock", "Thawed", (*checkpoint.CUDA).Thaw},
		{"lock", "Block further CUDA calls of the process", "Locked", (*checkpoint.CUDA).Lock},
		{"unlock", "Allow CUDA calls again", "Unlocked", (*checkpoint.CUDA).Unlock},
	}
	for _, a := range actions {
		cmd.AddCommand(&cobra.Command{
			Use:   a.use + " PID",
			Short: a.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				pid, err := parsePID(args[0])
				if err != nil {
					return err
				}
				c := checkpoint.NewCUDA()
				c.LockTimeout = timeout
				// Sampled before the action: a checkpointed process no longer
				// shows up in nvidia-smi.
				memMB := gpu.ProcessGPUMem(cmd.Context(), pid)
				dur, err := a.fn(c, cmd.Context(), pid)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if memMB > 0 {
					fmt.Fprintf(out, "%s pid=%d (%d ms, %d MB on GPU)\n", a.done, pid, dur.Milliseconds(), memMB)
				} else {
					fmt.Fprintf(out, "%s pid=%d (%d ms)\n", a.done, pid, dur.Milliseconds())
				}
				return nil
			},
		})
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "state PID",
		Short: "Print the checkpoint state of a process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := parsePID(args[0])
			if err != nil {
				return err
			}
			s, err := checkpoint.NewCUDA().State(cmd.Context(), pid)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), s)
			return nil
		},
	})

	return cmd
}

func parsePID(s string) (int, error) {
	pid, err := strconv.Atoi(s)
	if err != nil || pid <= 0 {
		return 0, errors.Newf("invalid PID %q", s)
	}
	return pid, nil
}

// ── dashboard ───────────────────────────────────────────────────────────────

func dashboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "dashboard",
		Aliases: []string{"dash", "tui"},
		Short:   "Interactive view of GPU memory and processes",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return tui.Run(tui.NvidiaSMI, checkpoint.NewCUDA())
		},
	}
}
