package sysinfo

import (
	"context"
	"errors"
	"testing"

	"github.com/kinnato/vcrunner/internal/logging"
)

func TestProbeFallsBackToCPU(t *testing.T) {
	p := NewProber(t.TempDir(), logging.NewDefaultLogger())
	p.runCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return nil, errors.New("exec: \"nvidia-smi\": executable file not found in $PATH")
	}

	info, encoder := p.Probe(context.Background())
	if encoder != EncoderCPU {
		t.Errorf("encoder = %q, want cpu", encoder)
	}
	if info.GPU != nil {
		t.Errorf("GPU block should be absent, got %#v", info.GPU)
	}
}

func TestProbeParsesGPU(t *testing.T) {
	p := NewProber(t.TempDir(), logging.NewDefaultLogger())
	p.runCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		if name != "nvidia-smi" {
			t.Errorf("unexpected command %q", name)
		}
		return []byte("NVIDIA GeForce RTX 3080, 10240, 1024, 35, 62, 535.104.05\n"), nil
	}

	info, encoder := p.Probe(context.Background())
	if encoder != EncoderHardware {
		t.Fatalf("encoder = %q, want hardware", encoder)
	}
	gpu := info.GPU
	if gpu == nil {
		t.Fatal("GPU block missing")
	}
	if gpu.Model != "NVIDIA GeForce RTX 3080" {
		t.Errorf("model = %q", gpu.Model)
	}
	if gpu.MemoryTotalMB != 10240 || gpu.MemoryUsedMB != 1024 {
		t.Errorf("memory = %d/%d", gpu.MemoryUsedMB, gpu.MemoryTotalMB)
	}
	if gpu.UtilizationPct != 35 || gpu.TemperatureC != 62 {
		t.Errorf("util=%d temp=%d", gpu.UtilizationPct, gpu.TemperatureC)
	}
	if gpu.DriverVersion != "535.104.05" {
		t.Errorf("driver = %q", gpu.DriverVersion)
	}
}

func TestProbeToleratesGarbageGPUOutput(t *testing.T) {
	p := NewProber(t.TempDir(), logging.NewDefaultLogger())
	p.runCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte("No devices were found"), nil
	}

	_, encoder := p.Probe(context.Background())
	if encoder != EncoderCPU {
		t.Errorf("encoder = %q, want cpu on unparseable output", encoder)
	}
}

func TestProbeNeverFails(t *testing.T) {
	// Probing a bogus scratch path must still produce a snapshot.
	p := NewProber("/definitely/not/a/path", logging.NewDefaultLogger())
	p.runCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return nil, errors.New("unavailable")
	}

	info, encoder := p.Probe(context.Background())
	if encoder != EncoderCPU {
		t.Errorf("encoder = %q", encoder)
	}
	if info.Disk.Total != 0 {
		t.Errorf("disk block should be zeroed for a bad path, got %#v", info.Disk)
	}
}
