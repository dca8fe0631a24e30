package registry

import (
	"context"
	"sync"
	"time"

	"offload/pkg/log"

	"github.com/rs/zerolog"
)

// DefaultHealthCheckInterval is the period between health probe rounds.
const DefaultHealthCheckInterval = 30 * time.Second

// HealthChecker probes every known peer periodically and prunes the ones that fail or expire.
type HealthChecker struct {
	registry *Registry
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

// NewHealthChecker creates a checker for the given registry.
func NewHealthChecker(registry *Registry, prober Prober, interval, timeout time.Duration) *HealthChecker {
	if interval <= 0 {
		interval = DefaultHealthCheckInterval
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}

	return &HealthChecker{
		registry: registry,
		prober:   prober,
		interval: interval,
		timeout:  timeout,
		stopCh:   make(chan struct{}),
		logger:   log.Component("health"),
	}
}

// Start begins the background health check goroutine.
func (hc *HealthChecker) Start() {
	hc.wg.Add(1)
	go hc.loop()

	hc.logger.Info().Dur("interval", hc.interval).Dur("timeout", hc.timeout).Msg("Health checker started")
}

// Stop stops the loop and waits for an in-flight round to finish.
func (hc *HealthChecker) Stop() {
	close(hc.stopCh)
	hc.wg.Wait()
	hc.logger.Info().Msg("Health checker stopped")
}

func (hc *HealthChecker) loop() {
	defer hc.wg.Done()

	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-hc.stopCh:
			return
		case <-ticker.C:
			hc.CheckAll(context.Background())
		}
	}
}

// CheckAll prunes expired peers, then probes the rest concurrently.
// A successful probe refreshes the peer; a failed one removes it immediately.
func (hc *HealthChecker) CheckAll(ctx context.Context) {
	hc.registry.PruneExpired()

	keys := hc.registry.Keys()
	if len(keys) == 0 {
		return
	}

	var waitGroup sync.WaitGroup
	for _, key := range keys {
		waitGroup.Add(1)
		go func(peerKey string) {
			defer waitGroup.Done()
			hc.check(ctx, peerKey)
		}(key)
	}
	waitGroup.Wait()
}

func (hc *HealthChecker) check(ctx context.Context, key string) {
	peer, ok := hc.registry.Get(key)
	if !ok {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, hc.timeout)
	defer cancel()

	start := time.Now()
	err := hc.prober.Probe(probeCtx, peer.URL(""))
	if err != nil {
		hc.logger.Warn().Err(err).Str("peer", key).Msg("Health probe failed")
		hc.registry.Remove(key, "health probe failed")
		return
	}

	hc.registry.Refresh(key)
	hc.logger.Debug().Str("peer", key).Dur("latency", time.Since(start)).Msg("Health probe ok")
}
