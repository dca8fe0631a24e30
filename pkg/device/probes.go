package device

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	psnet "github.com/shirou/gopsutil/v4/net"
)

// Fixed load figures for classes the host exposes no utilisation counter for.
const (
	dspNominalLoad         = 10.0
	captureNominalLoad     = 20.0
	acceleratorNominalLoad = 15.0

	bitsPerByte    = 8
	bitsPerMegabit = 1_000_000
)

var (
	errIndexOutOfRange = errors.New("device index out of range")
	errNoCounters      = errors.New("no counters for interface")
)

// commandOutput runs an external tool and returns its stdout.
var commandOutput = func(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// DefaultProbes returns the host probes for every class.
func DefaultProbes(nicCapacityMbps float64) []Probe {
	return []Probe{
		CPUProbe(),
		GPUProbe(),
		DSPProbe(),
		NICProbe(nicCapacityMbps),
		StorageProbe(),
		GlobProbe(Capture, []string{"/dev/video*"}, captureNominalLoad),
		GlobProbe(Accelerator, []string{"/dev/accel*", "/dev/apex_*"}, acceleratorNominalLoad),
	}
}

// CPUProbe lists logical CPUs and reports per-core utilisation.
func CPUProbe() Probe {
	return Probe{
		Class: CPU,
		Detect: func(ctx context.Context) ([]string, error) {
			count, err := cpu.CountsWithContext(ctx, true)
			if err != nil {
				return nil, err
			}
			cores := make([]string, count)
			for i := range cores {
				cores[i] = "cpu" + strconv.Itoa(i)
			}
			return cores, nil
		},
		Load: func(ctx context.Context, index int) (float64, error) {
			perCore, err := cpu.PercentWithContext(ctx, 0, true)
			if err != nil {
				return 0, err
			}
			if index >= len(perCore) {
				return 0, errIndexOutOfRange
			}
			return perCore[index], nil
		},
	}
}

// GPUProbe queries NVIDIA devices through nvidia-smi.
func GPUProbe() Probe {
	return Probe{
		Class: GPU,
		Detect: func(ctx context.Context) ([]string, error) {
			out, err := commandOutput(ctx, "nvidia-smi", "--query-gpu=name", "--format=csv,noheader")
			if err != nil {
				return nil, err
			}
			return nonEmptyLines(out), nil
		},
		Load: func(ctx context.Context, index int) (float64, error) {
			out, err := commandOutput(ctx, "nvidia-smi", "--query-gpu=utilization.gpu", "--format=csv,noheader,nounits")
			if err != nil {
				return 0, err
			}
			lines := nonEmptyLines(out)
			if index >= len(lines) {
				return 0, errIndexOutOfRange
			}
			return strconv.ParseFloat(lines[index], 64)
		},
	}
}

// DSPProbe detects sound cards through aplay. There is no load counter, so a nominal value is used.
func DSPProbe() Probe {
	return Probe{
		Class: DSP,
		Detect: func(ctx context.Context) ([]string, error) {
			out, err := commandOutput(ctx, "aplay", "-l")
			if err != nil {
				return nil, err
			}
			if !bytes.Contains(bytes.ToLower(out), []byte("card")) {
				return nil, nil
			}
			return []string{"dsp-audio"}, nil
		},
		Load: func(context.Context, int) (float64, error) {
			return dspNominalLoad, nil
		},
	}
}

// StorageProbe lists mounted block devices and reports used space percentage.
func StorageProbe() Probe {
	var (
		mu          sync.Mutex
		mountpoints []string
	)

	return Probe{
		Class: Storage,
		Detect: func(ctx context.Context) ([]string, error) {
			partitions, err := disk.PartitionsWithContext(ctx, false)
			if err != nil {
				return nil, err
			}

			mu.Lock()
			defer mu.Unlock()

			devices := make([]string, 0, len(partitions))
			mountpoints = mountpoints[:0]
			for _, partition := range partitions {
				if slices.Contains(devices, partition.Device) {
					continue
				}
				devices = append(devices, partition.Device)
				mountpoints = append(mountpoints, partition.Mountpoint)
			}
			return devices, nil
		},
		Load: func(ctx context.Context, index int) (float64, error) {
			mu.Lock()
			if index >= len(mountpoints) {
				mu.Unlock()
				return 0, errIndexOutOfRange
			}
			mountpoint := mountpoints[index]
			mu.Unlock()

			usage, err := disk.UsageWithContext(ctx, mountpoint)
			if err != nil {
				return 0, err
			}
			return usage.UsedPercent, nil
		},
	}
}

// GlobProbe detects device nodes by path pattern and reports a nominal load.
func GlobProbe(class Class, patterns []string, nominalLoad float64) Probe {
	return Probe{
		Class: class,
		Detect: func(context.Context) ([]string, error) {
			var found []string
			for _, pattern := range patterns {
				matches, err := filepath.Glob(pattern)
				if err != nil {
					return nil, err
				}
				found = append(found, matches...)
			}
			return found, nil
		},
		Load: func(context.Context, int) (float64, error) {
			return nominalLoad, nil
		},
	}
}

// NICProbe lists non-loopback interfaces and reports throughput as a share of the link capacity.
func NICProbe(capacityMbps float64) Probe {
	meter := &throughputMeter{
		capacityMbps: capacityMbps,
		last:         make(map[string]counterSample),
		now:          time.Now,
	}

	return Probe{
		Class:  NIC,
		Detect: meter.detect,
		Load:   meter.load,
	}
}

type counterSample struct {
	bytes uint64
	at    time.Time
}

type throughputMeter struct {
	mu           sync.Mutex
	capacityMbps float64
	names        []string
	last         map[string]counterSample
	now          func() time.Time
}

func (m *throughputMeter) detect(ctx context.Context) ([]string, error) {
	interfaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(interfaces))
	for _, iface := range interfaces {
		if slices.Contains(iface.Flags, "loopback") {
			continue
		}
		names = append(names, iface.Name)
	}

	m.mu.Lock()
	m.names = names
	m.mu.Unlock()

	return names, nil
}

func (m *throughputMeter) load(ctx context.Context, index int) (float64, error) {
	m.mu.Lock()
	if index >= len(m.names) {
		m.mu.Unlock()
		return 0, errIndexOutOfRange
	}
	name := m.names[index]
	m.mu.Unlock()

	counters, err := psnet.IOCountersWithContext(ctx, true)
	if err != nil {
		return 0, err
	}

	for _, counter := range counters {
		if counter.Name == name {
			return m.observe(name, counter.BytesSent+counter.BytesRecv), nil
		}
	}

	return 0, errNoCounters
}

// observe records a cumulative byte counter and returns utilisation since the previous call.
func (m *throughputMeter) observe(name string, total uint64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	prev, seen := m.last[name]
	m.last[name] = counterSample{bytes: total, at: now}

	if !seen || m.capacityMbps <= 0 || total < prev.bytes {
		return 0
	}

	elapsed := now.Sub(prev.at).Seconds()
	if elapsed <= 0 {
		return 0
	}

	bitsPerSecond := float64(total-prev.bytes) * bitsPerByte / elapsed
	return clampPercent(bitsPerSecond / (m.capacityMbps * bitsPerMegabit) * maxPercent)
}

func nonEmptyLines(out []byte) []string {
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
