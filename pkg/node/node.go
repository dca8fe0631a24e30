package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"offload/pkg/config"
	"offload/pkg/device"
	"offload/pkg/discovery"
	"offload/pkg/dispatch"
	"offload/pkg/log"
	"offload/pkg/models"
	"offload/pkg/monitor"
	"offload/pkg/registry"
	"offload/pkg/security"
	"offload/pkg/server"
	"offload/pkg/tasks"

	"github.com/rs/zerolog"
)

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("node already started")

// Overrides replace host-bound collaborators. Zero fields select the real ones.
type Overrides struct {
	Sampler    monitor.Sampler
	Probes     []device.Probe
	Advertiser discovery.Advertiser
	Browser    discovery.Browser
	Prober     registry.Prober
	Sender     dispatch.Sender
}

// Node owns every component of one dispatching node and their background loops.
type Node struct {
	cfg       config.Config
	version   string
	overrides Overrides

	Inventory *device.Inventory
	Monitor   *monitor.Monitor
	Registry  *registry.Registry
	Engine    *dispatch.Engine
	Server    *server.NodeServer

	health    *registry.HealthChecker
	central   *registry.CentralSync
	discovery *discovery.Service

	mu      sync.Mutex
	started bool
	port    int
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  zerolog.Logger
}

// New builds a node from configuration. Device detection runs here, once.
func New(ctx context.Context, cfg config.Config, version string, overrides Overrides) (*Node, error) {
	port, err := listenPort(cfg.Node.ListenAddr)
	if err != nil {
		return nil, err
	}

	probes := overrides.Probes
	if probes == nil {
		probes = device.DefaultProbes(cfg.Device.NICCapacityMbps)
	}
	inventory := device.NewInventory(ctx, probes, device.Options{
		ReceiveThreshold: cfg.Device.ReceivePercent,
		OffloadThreshold: cfg.Device.OffloadPercent,
	})

	sampler := overrides.Sampler
	if sampler == nil {
		sampler = monitor.NewHostSampler(cfg.Load.CPUSampleInterval)
	}
	loadMonitor := monitor.New(sampler, monitor.Options{
		WindowSize:          cfg.Load.WindowSize,
		ReceiveCPUThreshold: cfg.Load.ReceiveCPUThreshold,
		OffloadCPUThreshold: cfg.Load.OffloadCPUThreshold,
		OffloadMemoryMB:     cfg.Load.OffloadMemoryMB,
		Devices:             inventory,
	})

	peers := registry.New(registry.Options{
		HeartbeatTTL: cfg.Health.HeartbeatTTL,
		SelfID:       cfg.Node.ID,
		SelfKey:      registry.PeerKey(cfg.Node.AdvertiseIP, port),
	})

	signer := security.NewSigner(cfg.Security.SharedSecret)

	sender := overrides.Sender
	if sender == nil {
		sender = dispatch.NewHTTPSender(cfg.Node.ID, signer)
	}

	runner := tasks.Builtin()
	engine := dispatch.NewEngine(loadMonitor, inventory, peers, sender, runner, dispatch.Options{
		NodeID: cfg.Node.ID,
		Thresholds: dispatch.Thresholds{
			HighCPU:           cfg.Dispatch.HighCPUThreshold,
			LowCPU:            cfg.Dispatch.LowCPUThreshold,
			HighMemoryPercent: cfg.Dispatch.HighMemoryPercent,
		},
		DeliveryTimeout: cfg.Dispatch.DeliveryTimeout,
		AsyncWorkers:    int64(cfg.Dispatch.AsyncWorkers),
	})

	api := server.NewNodeServer(server.Dependencies{
		Load:     loadMonitor,
		Devices:  inventory,
		Peers:    peers,
		Executor: runner,
		Engine:   engine,
	}, server.Options{
		NodeID:       cfg.Node.ID,
		Version:      version,
		RunRateLimit: cfg.Server.RunRateLimit,
		RunRateBurst: cfg.Server.RunRateBurst,
		Signer:       signer,
	})

	prober := overrides.Prober
	if prober == nil {
		prober = registry.NewHTTPProber(cfg.Health.ProbeTimeout)
	}

	return &Node{
		cfg:       cfg,
		version:   version,
		overrides: overrides,
		Inventory: inventory,
		Monitor:   loadMonitor,
		Registry:  peers,
		Engine:    engine,
		Server:    api,
		health:    registry.NewHealthChecker(peers, prober, cfg.Health.CheckInterval, cfg.Health.ProbeTimeout),
		port:      port,
		logger:    log.Component("node"),
	}, nil
}

// Start binds the API and launches sampling, health, registry sync, discovery and stats loops.
// Discovery and registry failures are logged; only a bind failure is returned.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.started {
		return ErrAlreadyStarted
	}

	if err := n.Server.Start(n.cfg.Node.ListenAddr); err != nil {
		return fmt.Errorf("bind %s: %w", n.cfg.Node.ListenAddr, err)
	}
	if tcp, ok := n.Server.Addr().(*net.TCPAddr); ok {
		n.port = tcp.Port
	}
	n.Registry.SetSelf(n.cfg.Node.AdvertiseIP, n.port)

	ctx, n.cancel = context.WithCancel(ctx)
	n.started = true

	n.addStaticPeers()
	n.Monitor.Sample(ctx)

	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		n.Monitor.Run(ctx, n.cfg.Load.SampleInterval)
	}()
	go n.statsLoop(ctx)

	n.health.Start()

	if len(n.cfg.Registry.Endpoints) > 0 {
		n.central = registry.NewCentralSync(n.Registry, n.prober(), n.registration, registry.CentralOptions{
			Endpoints:       n.cfg.Registry.Endpoints,
			SyncInterval:    n.cfg.Registry.SyncInterval,
			RetryBackoff:    n.cfg.Registry.RetryBackoff,
			ProbeTimeout:    n.cfg.Registry.ProbeTimeout,
			RegisterTimeout: n.cfg.Registry.RegisterTimeout,
			RetryMax:        n.cfg.Registry.RetryMax,
		})
		n.central.Start()
	}

	if n.cfg.Discovery.Enabled {
		n.discovery = n.newDiscovery()
		if err := n.discovery.Start(ctx); err != nil {
			n.logger.Warn().Err(err).Msg("Continuing without LAN advertisement")
		}
	}

	n.logger.Info().
		Str("node_id", n.cfg.Node.ID).
		Str("advertise", registry.PeerKey(n.cfg.Node.AdvertiseIP, n.port)).
		Int("registries", len(n.cfg.Registry.Endpoints)).
		Bool("lan_discovery", n.cfg.Discovery.Enabled).
		Msg("Node started")

	return nil
}

// Stop halts every loop and the API.
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.started {
		return nil
	}
	n.started = false

	if n.discovery != nil {
		n.discovery.Stop()
	}
	if n.central != nil {
		n.central.Stop()
	}
	n.health.Stop()

	n.cancel()
	n.wg.Wait()

	return n.Server.Shutdown()
}

// Port is the bound API port once started, the configured one before.
// It is fixed before any loop starts.
func (n *Node) Port() int {
	return n.port
}

// DeclaredLoad is the average CPU fraction this node announces to peers, nil before the first sample.
func (n *Node) DeclaredLoad() *float64 {
	snapshot, ok := n.Monitor.Latest()
	if !ok {
		return nil
	}
	load := snapshot.Average.CPU
	return &load
}

func (n *Node) registration() models.RegisterRequest {
	return models.RegisterRequest{
		NodeID: n.cfg.Node.ID,
		IP:     n.cfg.Node.AdvertiseIP,
		Port:   n.Port(),
		Load:   n.DeclaredLoad(),
	}
}

func (n *Node) prober() registry.Prober {
	if n.overrides.Prober != nil {
		return n.overrides.Prober
	}
	return registry.NewHTTPProber(n.cfg.Registry.ProbeTimeout)
}

func (n *Node) newDiscovery() *discovery.Service {
	announcement := discovery.Announcement{NodeID: n.cfg.Node.ID, Port: n.port}

	advertiser := n.overrides.Advertiser
	if advertiser == nil {
		advertiser = discovery.NewZeroconfAdvertiser(n.cfg.Discovery.Service, n.cfg.Discovery.Domain)
	}
	browser := n.overrides.Browser
	if browser == nil {
		browser = discovery.NewZeroconfBrowser(n.cfg.Discovery.Service, n.cfg.Discovery.Domain, announcement.Instance(), n.cfg.Discovery.BrowseInterval)
	}

	return discovery.NewService(n.Registry, advertiser, browser, discovery.Options{
		NodeID:   n.cfg.Node.ID,
		Port:     n.port,
		Interval: n.cfg.Discovery.BrowseInterval,
		Load:     n.DeclaredLoad,
	})
}

// addStaticPeers (re)inserts configured peers; invalid entries were rejected by config validation.
func (n *Node) addStaticPeers() {
	for _, entry := range n.cfg.Node.StaticPeers {
		host, portStr, err := net.SplitHostPort(entry)
		if err != nil {
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			continue
		}
		if _, err := n.Registry.Upsert(registry.Sighting{Address: host, Port: port, Source: registry.SourceStatic}); err != nil {
			n.logger.Warn().Err(err).Str("peer", entry).Msg("Ignoring static peer")
		}
	}
}

func (n *Node) statsLoop(ctx context.Context) {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.Health.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.addStaticPeers()
			lan, wan := n.Registry.Counts()
			n.logger.Info().
				Int("lan_peers", lan).
				Int("wan_peers", wan).
				Int("total", lan+wan).
				Msg("Peer statistics")
		}
	}
}

func listenPort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("%w: node.listen_addr %q: %w", config.ErrInvalidConfig, addr, err)
	}
	if portStr == "" {
		return 0, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("%w: node.listen_addr %q: %w", config.ErrInvalidConfig, addr, err)
	}
	return port, nil
}
