package device

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"offload/pkg/log"
	"offload/pkg/models"

	"github.com/rs/zerolog"
)

const (
	// ReceiveThreshold is the load percentage at or below which a class can take more work.
	ReceiveThreshold = 30.0
	// OffloadThreshold is the load percentage at or above which work on a class should move away.
	OffloadThreshold = 70.0

	maxPercent = 100.0

	defaultDetectTimeout = 5 * time.Second
	defaultLoadTimeout   = 2 * time.Second
)

// DetectFunc lists device identifiers for one class.
type DetectFunc func(ctx context.Context) ([]string, error)

// LoadFunc reports the load percentage of the index-th device of a class.
type LoadFunc func(ctx context.Context, index int) (float64, error)

// Probe couples detection and load query for a single class.
type Probe struct {
	Class  Class
	Detect DetectFunc
	Load   LoadFunc
}

// Options tunes the inventory thresholds and probe timeouts.
type Options struct {
	ReceiveThreshold float64
	OffloadThreshold float64
	DetectTimeout    time.Duration
	LoadTimeout      time.Duration
}

// Reading is one coherent load read for a class.
type Reading struct {
	Class         Class
	Load          float64
	CanReceive    bool
	ShouldOffload bool
}

// Inventory enumerates device classes on the host and reports their load.
type Inventory struct {
	mu               sync.RWMutex
	devices          map[Class][]string
	probes           map[Class]Probe
	receiveThreshold float64
	offloadThreshold float64
	loadTimeout      time.Duration
	logger           zerolog.Logger
}

// NewInventory runs every probe's detection once. A failing probe leaves its class empty.
func NewInventory(ctx context.Context, probes []Probe, opts Options) *Inventory {
	if opts.ReceiveThreshold <= 0 {
		opts.ReceiveThreshold = ReceiveThreshold
	}
	if opts.OffloadThreshold <= 0 {
		opts.OffloadThreshold = OffloadThreshold
	}
	if opts.DetectTimeout <= 0 {
		opts.DetectTimeout = defaultDetectTimeout
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = defaultLoadTimeout
	}

	inv := &Inventory{
		devices:          make(map[Class][]string, len(probes)),
		probes:           make(map[Class]Probe, len(probes)),
		receiveThreshold: opts.ReceiveThreshold,
		offloadThreshold: opts.OffloadThreshold,
		loadTimeout:      opts.LoadTimeout,
		logger:           log.Component("device"),
	}

	for _, probe := range probes {
		inv.probes[probe.Class] = probe
		inv.devices[probe.Class] = inv.detect(ctx, probe, opts.DetectTimeout)
	}

	inv.logger.Info().Interface("devices", inv.devices).Msg("Device inventory ready")

	return inv
}

// detect isolates a single probe: errors and panics both mean "no devices".
func (inv *Inventory) detect(ctx context.Context, probe Probe, timeout time.Duration) (found []string) {
	if probe.Detect == nil {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			inv.logger.Debug().Str("class", probe.Class.String()).Interface("panic", r).Msg("Device detection panicked")
			found = nil
		}
	}()

	detectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	devices, err := probe.Detect(detectCtx)
	if err != nil {
		inv.logger.Debug().Err(err).Str("class", probe.Class.String()).Msg("Device detection failed")
		return nil
	}

	return devices
}

// Devices returns the detected identifiers for a class.
func (inv *Inventory) Devices(class Class) []string {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	devices := inv.devices[class]
	out := make([]string, len(devices))
	copy(out, devices)
	return out
}

// LoadOf returns the load percentage in [0,100]. Empty, unsupported or failing classes report 0.
func (inv *Inventory) LoadOf(ctx context.Context, class Class, index int) float64 {
	inv.mu.RLock()
	probe, ok := inv.probes[class]
	count := len(inv.devices[class])
	inv.mu.RUnlock()

	if !ok || probe.Load == nil || count == 0 || index < 0 || index >= count {
		return 0
	}

	load, err := inv.queryLoad(ctx, probe, index)
	if err != nil {
		inv.logger.Debug().Err(err).Str("class", class.String()).Int("index", index).Msg("Device load query failed")
		return 0
	}

	return clampPercent(load)
}

func (inv *Inventory) queryLoad(ctx context.Context, probe Probe, index int) (load float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("load probe panicked: %v", r)
		}
	}()

	loadCtx, cancel := context.WithTimeout(ctx, inv.loadTimeout)
	defer cancel()

	return probe.Load(loadCtx, index)
}

// CanReceive reports whether the first device of the class is at or below the receive threshold.
func (inv *Inventory) CanReceive(ctx context.Context, class Class) bool {
	return inv.LoadOf(ctx, class, 0) <= inv.receiveThreshold
}

// ShouldOffload reports whether the first device of the class is at or above the offload threshold.
func (inv *Inventory) ShouldOffload(ctx context.Context, class Class) bool {
	return inv.LoadOf(ctx, class, 0) >= inv.offloadThreshold
}

// Read queries the class load once and derives both predicates from that value.
func (inv *Inventory) Read(ctx context.Context, class Class) Reading {
	load := inv.LoadOf(ctx, class, 0)

	return Reading{
		Class:         class,
		Load:          load,
		CanReceive:    load <= inv.receiveThreshold,
		ShouldOffload: load >= inv.offloadThreshold,
	}
}

// Loads returns the first-device load of every known class.
func (inv *Inventory) Loads(ctx context.Context) map[Class]float64 {
	loads := make(map[Class]float64, len(Classes()))
	for _, class := range Classes() {
		loads[class] = inv.LoadOf(ctx, class, 0)
	}
	return loads
}

// Report renders the inventory for the node info endpoint.
func (inv *Inventory) Report(ctx context.Context) []models.DeviceReport {
	reports := make([]models.DeviceReport, 0, len(Classes()))
	for _, class := range Classes() {
		reading := inv.Read(ctx, class)
		reports = append(reports, models.DeviceReport{
			Class:       class.String(),
			Devices:     inv.Devices(class),
			LoadPercent: reading.Load,
			CanReceive:  reading.CanReceive,
			Offload:     reading.ShouldOffload,
		})
	}
	return reports
}

func clampPercent(value float64) float64 {
	switch {
	case math.IsNaN(value):
		return 0
	case value < 0:
		return 0
	case value > maxPercent:
		return maxPercent
	default:
		return value
	}
}
