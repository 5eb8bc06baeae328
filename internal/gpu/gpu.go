// Package gpu queries node GPU state via nvidia-smi.
package gpu

import (
	"bufio"
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

type Info struct {
	Index    int    `json:"index"`
	Name     string `json:"name"`
	MemTotal int64  `json:"mem_total_mb"`
	MemUsed  int64  `json:"mem_used_mb"`
	MemFree  int64  `json:"mem_free_mb"`
}

// Process is a compute process holding GPU memory.
type Process struct {
	PID   int    `json:"pid"`
	Name  string `json:"name"`
	MemMB int64  `json:"mem_mb"`
}

var smi = "nvidia-smi"

// HasGPU reports whether nvidia-smi is installed and lists at least one device.
func HasGPU(ctx context.Context) bool {
	if _, err := exec.LookPath(smi); err != nil {
		return false
	}
	return exec.CommandContext(ctx, smi, "-L").Run() == nil
}

func QueryGPUs(ctx context.Context) ([]Info, error) {
	out, err := query(ctx,
		"--query-gpu=index,name,memory.total,memory.used,memory.free",
		"--format=csv,noheader,nounits",
	)
	if err != nil {
		return nil, err
	}
	return parseGPUs(out), nil
}

func ComputeApps(ctx context.Context) ([]Process, error) {
	out, err := query(ctx,
		"--query-compute-apps=pid,used_memory,process_name",
		"--format=csv,noheader,nounits",
	)
	if err != nil {
		return nil, err
	}
	return parseApps(out), nil
}

// ProcessGPUMem returns the GPU memory in MB held by pid, or 0 if unknown.
func ProcessGPUMem(ctx context.Context, pid int) int64 {
	apps, err := ComputeApps(ctx)
	if err != nil {
		return 0
	}
	for _, a := range apps {
		if a.PID == pid {
			return a.MemMB
		}
	}
	return 0
}

func DriverVersion(ctx context.Context) string {
	out, err := query(ctx, "--query-gpu=driver_version", "--format=csv,noheader")
	if err != nil {
		return ""
	}
	// One line per GPU; they all share the driver.
	line, _, _ := strings.Cut(strings.TrimSpace(out), "\n")
	return strings.TrimSpace(line)
}

func query(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, smi, args...).Output()
	if err != nil {
		return "", errors.Wrap(err, "nvidia-smi")
	}
	return string(out), nil
}

func parseGPUs(out string) []Info {
	var gpus []Info
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		parts := splitCSV(scanner.Text())
		if len(parts) < 5 {
			continue
		}
		idx, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		total, _ := strconv.ParseInt(parts[2], 10, 64)
		used, _ := strconv.ParseInt(parts[3], 10, 64)
		free, _ := strconv.ParseInt(parts[4], 10, 64)

		gpus = append(gpus, Info{
			Index:    idx,
			Name:     parts[1],
			MemTotal: total,
			MemUsed:  used,
			MemFree:  free,
		})
	}
	return gpus
}

func parseApps(out string) []Process {
	var procs []Process
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		parts := splitCSV(scanner.Text())
		if len(parts) < 2 {
			continue
		}
		pid, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		mem, _ := strconv.ParseInt(parts[1], 10, 64)

		p := Process{PID: pid, MemMB: mem}
		if len(parts) >= 3 {
			p.Name = parts[2]
		}
		procs = append(procs, p)
	}
	return procs
}

func splitCSV(line string) []string {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	parts := strings.Split(line, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
