package monitor

import (
	"context"
	"math"
	"sync"
	"time"

	"offload/pkg/device"
	"offload/pkg/log"
	"offload/pkg/metrics"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

const (
	// DefaultWindowSize is the number of samples kept for averaging.
	DefaultWindowSize = 10
	// DefaultReceiveCPUThreshold is the average CPU fraction at or below which the node accepts work.
	DefaultReceiveCPUThreshold = 0.40
	// DefaultOffloadCPUThreshold is the average CPU fraction above which offloading is recommended.
	DefaultOffloadCPUThreshold = 0.50
	// DefaultOffloadMemoryMB is the average available memory below which offloading is recommended.
	DefaultOffloadMemoryMB = 2048.0

	bytesPerMB = 1024 * 1024
)

// Recommendation is the monitor's advisory verdict. It is exposed, never enforced.
type Recommendation string

const (
	RecommendLocal   Recommendation = "local"
	RecommendOffload Recommendation = "offload"
)

// Reading is a raw instantaneous measurement from a Sampler.
type Reading struct {
	CPUFraction       float64
	MemoryAvailableMB float64
	MemoryUsedPercent float64
}

// Sampler takes one OS-level reading.
type Sampler interface {
	Sample(ctx context.Context) (Reading, error)
}

// DeviceLoader reports per-class load percentages.
type DeviceLoader interface {
	Loads(ctx context.Context) map[device.Class]float64
}

// LoadSample is one immutable entry of the history window.
type LoadSample struct {
	Timestamp         time.Time
	CPUFraction       float64
	MemoryAvailableMB float64
	MemoryUsedPercent float64
	PerDeviceLoad     map[device.Class]float64
}

// Averages holds the arithmetic means over the window.
type Averages struct {
	CPU           float64
	MemoryMB      float64
	MemoryPercent float64
}

// Snapshot is the result of one Sample call. It shares no memory with the monitor.
type Snapshot struct {
	Instant        LoadSample
	Average        Averages
	Samples        int
	Recommendation Recommendation
	CanReceive     bool
	// Degraded is set when the instant values are a substitute for a failed reading.
	Degraded bool
}

// Options configures a Monitor. Zero values select the defaults.
type Options struct {
	WindowSize          int
	ReceiveCPUThreshold float64
	OffloadCPUThreshold float64
	OffloadMemoryMB     float64
	Devices             DeviceLoader
	Clock               func() time.Time
}

// Monitor keeps a bounded FIFO window of load samples.
type Monitor struct {
	mu      sync.Mutex
	sampler Sampler
	devices DeviceLoader
	window  []LoadSample
	size    int
	last    *Reading

	receiveCPU float64
	offloadCPU float64
	offloadMem float64
	clock      func() time.Time
	logger     zerolog.Logger
}

// conservativeReading stands in when nothing has ever been sampled.
var conservativeReading = Reading{
	CPUFraction:       1,
	MemoryAvailableMB: 0,
	MemoryUsedPercent: 100,
}

// New creates a Monitor around the given sampler.
func New(sampler Sampler, opts Options) *Monitor {
	if opts.WindowSize <= 0 {
		opts.WindowSize = DefaultWindowSize
	}
	if opts.ReceiveCPUThreshold <= 0 {
		opts.ReceiveCPUThreshold = DefaultReceiveCPUThreshold
	}
	if opts.OffloadCPUThreshold <= 0 {
		opts.OffloadCPUThreshold = DefaultOffloadCPUThreshold
	}
	if opts.OffloadMemoryMB <= 0 {
		opts.OffloadMemoryMB = DefaultOffloadMemoryMB
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Monitor{
		sampler:    sampler,
		devices:    opts.Devices,
		window:     make([]LoadSample, 0, opts.WindowSize),
		size:       opts.WindowSize,
		receiveCPU: opts.ReceiveCPUThreshold,
		offloadCPU: opts.OffloadCPUThreshold,
		offloadMem: opts.OffloadMemoryMB,
		clock:      opts.Clock,
		logger:     log.Component("monitor"),
	}
}

// Sample takes a reading, appends it to the window and returns instant and averaged values.
// A failed reading is replaced by the last known one, or by a high-load default.
func (m *Monitor) Sample(ctx context.Context) Snapshot {
	reading, err := m.sampler.Sample(ctx)
	degraded := err != nil

	var perDevice map[device.Class]float64
	if m.devices != nil {
		perDevice = m.devices.Loads(ctx)
	}

	m.mu.Lock()
	if degraded {
		m.logger.Debug().Err(err).Bool("have_last", m.last != nil).Msg("Load sampling failed, substituting")
		reading = conservativeReading
		if m.last != nil {
			reading = *m.last
		}
	}
	reading = clampReading(reading)
	m.last = &reading

	sample := LoadSample{
		Timestamp:         m.clock(),
		CPUFraction:       reading.CPUFraction,
		MemoryAvailableMB: reading.MemoryAvailableMB,
		MemoryUsedPercent: reading.MemoryUsedPercent,
		PerDeviceLoad:     perDevice,
	}
	if len(m.window) == m.size {
		copy(m.window, m.window[1:])
		m.window = m.window[:m.size-1]
	}
	m.window = append(m.window, sample)

	snapshot := m.snapshotLocked(sample)
	m.mu.Unlock()

	snapshot.Degraded = degraded
	metrics.AverageCPU.Set(snapshot.Average.CPU)

	m.logger.Debug().
		Float64("cpu", snapshot.Instant.CPUFraction).
		Float64("avg_cpu", snapshot.Average.CPU).
		Str("mem_available", humanize.IBytes(uint64(snapshot.Instant.MemoryAvailableMB*bytesPerMB))).
		Str("avg_mem_available", humanize.IBytes(uint64(snapshot.Average.MemoryMB*bytesPerMB))).
		Str("recommendation", string(snapshot.Recommendation)).
		Msg("Load sampled")

	return snapshot
}

// Latest returns the most recent snapshot without taking a new reading.
func (m *Monitor) Latest() (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.window) == 0 {
		return Snapshot{}, false
	}

	return m.snapshotLocked(m.window[len(m.window)-1]), true
}

// Run samples on every tick until ctx is done, keeping the window warm between submissions.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample(ctx)
		}
	}
}

func (m *Monitor) snapshotLocked(instant LoadSample) Snapshot {
	var avg Averages
	for _, sample := range m.window {
		avg.CPU += sample.CPUFraction
		avg.MemoryMB += sample.MemoryAvailableMB
		avg.MemoryPercent += sample.MemoryUsedPercent
	}
	count := float64(len(m.window))
	avg.CPU /= count
	avg.MemoryMB /= count
	avg.MemoryPercent /= count

	recommendation := RecommendLocal
	if avg.CPU > m.offloadCPU || avg.MemoryMB < m.offloadMem {
		recommendation = RecommendOffload
	}

	instant.PerDeviceLoad = copyLoads(instant.PerDeviceLoad)

	return Snapshot{
		Instant:        instant,
		Average:        avg,
		Samples:        len(m.window),
		Recommendation: recommendation,
		CanReceive:     avg.CPU <= m.receiveCPU,
	}
}

func copyLoads(loads map[device.Class]float64) map[device.Class]float64 {
	if loads == nil {
		return nil
	}
	out := make(map[device.Class]float64, len(loads))
	for class, load := range loads {
		out[class] = load
	}
	return out
}

func clampReading(r Reading) Reading {
	return Reading{
		CPUFraction:       clamp(r.CPUFraction, 0, 1, 1),
		MemoryAvailableMB: clamp(r.MemoryAvailableMB, 0, math.MaxFloat64, 0),
		MemoryUsedPercent: clamp(r.MemoryUsedPercent, 0, 100, 100),
	}
}

// clamp bounds value to [lo, hi]; NaN becomes fallback.
func clamp(value, lo, hi, fallback float64) float64 {
	switch {
	case math.IsNaN(value):
		return fallback
	case value < lo:
		return lo
	case value > hi:
		return hi
	default:
		return value
	}
}
