// Package sysinfo snapshots host telemetry for registration and
// heartbeats and detects whether a hardware encoder is usable.
package sysinfo

import (
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/kinnato/vcrunner/internal/constants"
	"github.com/kinnato/vcrunner/internal/logging"
)

// Encoder is the encode backend the runner will use.
type Encoder string

const (
	EncoderHardware Encoder = "hardware"
	EncoderCPU      Encoder = "cpu"
)

// CPUInfo describes the host processor.
type CPUInfo struct {
	Brand    string  `json:"brand"`
	Cores    int     `json:"cores"`
	SpeedMHz float64 `json:"speed"`
	LoadPct  float64 `json:"load"`
}

// MemoryInfo describes host memory in bytes.
type MemoryInfo struct {
	Total   uint64  `json:"total"`
	Free    uint64  `json:"free"`
	Used    uint64  `json:"used"`
	UsedPct float64 `json:"usedPercent"`
}

// DiskInfo describes the scratch volume in bytes.
type DiskInfo struct {
	Total   uint64  `json:"total"`
	Free    uint64  `json:"free"`
	Used    uint64  `json:"used"`
	UsedPct float64 `json:"usedPercent"`
}

// GPUInfo describes a discovered NVIDIA GPU. Present only when the
// vendor tool answered within its budget.
type GPUInfo struct {
	Vendor         string `json:"vendor"`
	Model          string `json:"model"`
	MemoryTotalMB  int64  `json:"memoryTotal"`
	MemoryUsedMB   int64  `json:"memoryUsed"`
	UtilizationPct int64  `json:"utilization"`
	TemperatureC   int64  `json:"temperature"`
	DriverVersion  string `json:"driverVersion"`
}

// SystemInfo is the telemetry block sent with registration and
// heartbeats.
type SystemInfo struct {
	CPU    CPUInfo    `json:"cpu"`
	Memory MemoryInfo `json:"memory"`
	Disk   DiskInfo   `json:"disk"`
	GPU    *GPUInfo   `json:"gpu,omitempty"`
}

// Prober collects system snapshots. The exec seam exists for tests.
type Prober struct {
	log        *logging.Logger
	scratchDir string

	// runCommand runs the vendor tool; replaced in tests.
	runCommand func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewProber creates a prober that reports disk usage of scratchDir's
// volume.
func NewProber(scratchDir string, log *logging.Logger) *Prober {
	return &Prober{
		log:        log,
		scratchDir: scratchDir,
		runCommand: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		},
	}
}

// Probe returns the current system snapshot and the usable encoder.
// Probing never fails hard: anything unreadable degrades to zero values
// and the CPU encoder, with a warning.
func (p *Prober) Probe(ctx context.Context) (SystemInfo, Encoder) {
	info := SystemInfo{}

	if cpus, err := cpu.InfoWithContext(ctx); err != nil {
		p.log.Warn().Err(err).Msg("probe: cpu info unavailable")
	} else if len(cpus) > 0 {
		info.CPU.Brand = cpus[0].ModelName
		info.CPU.SpeedMHz = cpus[0].Mhz
	}
	if counts, err := cpu.CountsWithContext(ctx, true); err == nil {
		info.CPU.Cores = counts
	}
	if loads, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		p.log.Warn().Err(err).Msg("probe: cpu load unavailable")
	} else if len(loads) > 0 {
		info.CPU.LoadPct = loads[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		p.log.Warn().Err(err).Msg("probe: memory info unavailable")
	} else {
		info.Memory = MemoryInfo{
			Total:   vm.Total,
			Free:    vm.Available,
			Used:    vm.Used,
			UsedPct: vm.UsedPercent,
		}
	}

	if du, err := disk.UsageWithContext(ctx, p.scratchDir); err != nil {
		p.log.Warn().Err(err).Str("path", p.scratchDir).Msg("probe: disk info unavailable")
	} else {
		info.Disk = DiskInfo{
			Total:   du.Total,
			Free:    du.Free,
			Used:    du.Used,
			UsedPct: du.UsedPercent,
		}
	}

	gpu := p.probeGPU(ctx)
	info.GPU = gpu

	if gpu != nil {
		return info, EncoderHardware
	}
	return info, EncoderCPU
}

// probeGPU queries nvidia-smi within its budget. A missing tool, a slow
// answer, or unparseable output all mean "no usable GPU".
func (p *Prober) probeGPU(ctx context.Context) *GPUInfo {
	probeCtx, cancel := context.WithTimeout(ctx, constants.GPUProbeTimeout)
	defer cancel()

	out, err := p.runCommand(probeCtx, "nvidia-smi",
		"--query-gpu=name,memory.total,memory.used,utilization.gpu,temperature.gpu,driver_version",
		"--format=csv,noheader,nounits")
	if err != nil {
		p.log.Debug().Err(err).Msg("probe: nvidia-smi unavailable, using cpu encoder")
		return nil
	}

	line := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	if line == "" {
		return nil
	}

	fields := strings.Split(line, ",")
	if len(fields) < 6 {
		p.log.Warn().Str("output", line).Msg("probe: unexpected nvidia-smi output")
		return nil
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	gpu := &GPUInfo{
		Vendor:        "NVIDIA",
		Model:         fields[0],
		DriverVersion: fields[5],
	}
	gpu.MemoryTotalMB, _ = strconv.ParseInt(fields[1], 10, 64)
	gpu.MemoryUsedMB, _ = strconv.ParseInt(fields[2], 10, 64)
	gpu.UtilizationPct, _ = strconv.ParseInt(fields[3], 10, 64)
	gpu.TemperatureC, _ = strconv.ParseInt(fields[4], 10, 64)

	return gpu
}
