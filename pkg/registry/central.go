package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"offload/pkg/log"
	"offload/pkg/metrics"
	"offload/pkg/models"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

const (
	DefaultSyncInterval    = 30 * time.Second
	DefaultRetryBackoff    = 10 * time.Second
	DefaultRegisterTimeout = 5 * time.Second

	maxRegistryResponseSize = 4 << 20
)

// CentralOptions configures CentralSync.
type CentralOptions struct {
	// Endpoints is the ordered failover list of registry base URLs.
	Endpoints       []string
	SyncInterval    time.Duration
	RetryBackoff    time.Duration
	ProbeTimeout    time.Duration
	RegisterTimeout time.Duration
	RetryMax        int
}

// CentralSync registers this node with the first reachable central registry
// and merges the peer list it returns.
type CentralSync struct {
	registry  *Registry
	prober    Prober
	client    *retryablehttp.Client
	self      func() models.RegisterRequest
	endpoints []string
	opts      CentralOptions

	mu        sync.Mutex
	preferred int

	stopCh chan struct{}
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewCentralSync creates a synchroniser. self is called on every attempt so
// the registration carries the current declared load.
func NewCentralSync(registry *Registry, prober Prober, self func() models.RegisterRequest, opts CentralOptions) *CentralSync {
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = DefaultSyncInterval
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.RegisterTimeout <= 0 {
		opts.RegisterTimeout = DefaultRegisterTimeout
	}
	if opts.RetryMax < 0 {
		opts.RetryMax = 0
	}

	endpoints := make([]string, 0, len(opts.Endpoints))
	for _, endpoint := range opts.Endpoints {
		if endpoint != "" {
			endpoints = append(endpoints, strings.TrimRight(endpoint, "/"))
		}
	}

	return &CentralSync{
		registry:  registry,
		prober:    prober,
		client:    NewRetryableClient(opts.RetryMax, 200*time.Millisecond, time.Second),
		self:      self,
		endpoints: endpoints,
		opts:      opts,
		stopCh:    make(chan struct{}),
		logger:    log.Component("central-sync"),
	}
}

// Endpoints returns the normalised failover list.
func (c *CentralSync) Endpoints() []string {
	out := make([]string, len(c.endpoints))
	copy(out, c.endpoints)
	return out
}

// Preferred returns the index of the last endpoint that completed a sync.
func (c *CentralSync) Preferred() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preferred
}

// SelectActiveRegistry probes the failover list starting at the preferred index
// and returns the first endpoint that answers its health check.
func (c *CentralSync) SelectActiveRegistry(ctx context.Context) (string, error) {
	if len(c.endpoints) == 0 {
		return "", ErrNoEndpoints
	}

	for _, idx := range c.order() {
		endpoint := c.endpoints[idx]
		if err := c.probe(ctx, endpoint); err != nil {
			continue
		}
		return endpoint, nil
	}

	return "", ErrNoRegistryAvailable
}

// SyncOnce registers with the first healthy endpoint and merges its peers.
// The preferred index only moves when an endpoint completes the whole exchange.
func (c *CentralSync) SyncOnce(ctx context.Context) error {
	if len(c.endpoints) == 0 {
		return ErrNoEndpoints
	}

	for _, idx := range c.order() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		endpoint := c.endpoints[idx]
		if err := c.probe(ctx, endpoint); err != nil {
			c.logger.Debug().Err(err).Str("registry", endpoint).Msg("Registry probe failed")
			continue
		}

		peers, err := c.register(ctx, endpoint)
		if err != nil {
			c.logger.Warn().Err(err).Str("registry", endpoint).Msg("Registration failed")
			continue
		}

		merged := c.merge(peers)

		c.mu.Lock()
		c.preferred = idx
		c.mu.Unlock()

		c.logger.Debug().
			Str("registry", endpoint).
			Int("peers", len(peers)).
			Int("new", merged).
			Msg("Central registry synced")
		return nil
	}

	return ErrNoRegistryAvailable
}

// Start launches the sync loop. The first attempt runs immediately.
func (c *CentralSync) Start() {
	c.wg.Add(1)
	go c.loop()

	c.logger.Info().Strs("endpoints", c.endpoints).Dur("interval", c.opts.SyncInterval).Msg("Central sync started")
}

// Stop ends the loop and waits for the in-flight attempt.
func (c *CentralSync) Stop() {
	close(c.stopCh)
	c.wg.Wait()
	c.logger.Info().Msg("Central sync stopped")
}

func (c *CentralSync) loop() {
	defer c.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		wait := c.opts.SyncInterval
		if err := c.SyncOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.RegistrySyncTotal.WithLabelValues("failed").Inc()
			c.logger.Warn().Err(err).Dur("retry_in", c.opts.RetryBackoff).Msg("Central sync failed")
			wait = c.opts.RetryBackoff
		} else {
			metrics.RegistrySyncTotal.WithLabelValues("ok").Inc()
		}

		timer := time.NewTimer(wait)
		select {
		case <-c.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *CentralSync) order() []int {
	c.mu.Lock()
	start := c.preferred
	c.mu.Unlock()

	count := len(c.endpoints)
	if start < 0 || start >= count {
		start = 0
	}

	order := make([]int, count)
	for offset := range count {
		order[offset] = (start + offset) % count
	}
	return order
}

func (c *CentralSync) probe(ctx context.Context, endpoint string) error {
	probeCtx, cancel := context.WithTimeout(ctx, c.opts.ProbeTimeout)
	defer cancel()
	return c.prober.Probe(probeCtx, endpoint)
}

func (c *CentralSync) register(ctx context.Context, endpoint string) ([]models.PeerDescriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RegisterTimeout)
	defer cancel()

	body, err := json.Marshal(c.self())
	if err != nil {
		return nil, fmt.Errorf("encode registration: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/register", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	raw, err := c.do(req)
	if err != nil {
		return nil, err
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		return decodePeers(raw)
	}

	// Registries that acknowledge with an object are asked for the list separately.
	return c.fetchPeers(ctx, endpoint)
}

func (c *CentralSync) fetchPeers(ctx context.Context, endpoint string) ([]models.PeerDescriptor, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/peers", nil)
	if err != nil {
		return nil, err
	}

	raw, err := c.do(req)
	if err != nil {
		return nil, err
	}
	return decodePeers(raw)
}

func (c *CentralSync) do(req *retryablehttp.Request) ([]byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug().Err(closeErr).Msg("Failed to close registry response body")
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	return io.ReadAll(io.LimitReader(resp.Body, maxRegistryResponseSize))
}

func (c *CentralSync) merge(peers []models.PeerDescriptor) int {
	added := 0
	for _, descriptor := range peers {
		created, err := c.registry.Upsert(Sighting{
			NodeID:  descriptor.NodeID,
			Address: descriptor.IP,
			Port:    descriptor.Port,
			Load:    descriptor.Load,
			Source:  SourceCentral,
		})
		if err != nil {
			c.logger.Debug().Err(err).Str("ip", descriptor.IP).Int("port", descriptor.Port).Msg("Skipping registry entry")
			continue
		}
		if created {
			added++
		}
	}
	return added
}

func decodePeers(raw []byte) ([]models.PeerDescriptor, error) {
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode peer list: %w", err)
	}

	peers := make([]models.PeerDescriptor, 0, len(entries))
	for _, entry := range entries {
		var descriptor models.PeerDescriptor
		if err := json.Unmarshal(entry, &descriptor); err != nil {
			continue
		}
		peers = append(peers, descriptor)
	}
	return peers, nil
}

