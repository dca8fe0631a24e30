package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"offload/pkg/device"
	"offload/pkg/discovery"
	"offload/pkg/dispatch"
	"offload/pkg/monitor"
	"offload/pkg/registry"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "OFFLOAD"

const (
	DefaultListenAddr        = ":7520"
	DefaultCentralListenAddr = ":1500"
	DefaultNICCapacityMbps   = 1000.0
	DefaultRunRateLimit      = 20.0
	DefaultRunRateBurst      = 40
	DefaultSampleInterval    = 5 * time.Second
	DefaultStatsInterval     = time.Minute
	DefaultRetryMax          = 2

	fallbackAdvertiseIP = "127.0.0.1"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

type NodeConfig struct {
	ID          string `yaml:"id"`
	ListenAddr  string `yaml:"listen_addr"`
	AdvertiseIP string `yaml:"advertise_ip"`
	// StaticPeers are address:port entries added at startup and never sourced from discovery.
	StaticPeers []string `yaml:"static_peers"`
}

type LoadConfig struct {
	WindowSize          int           `yaml:"window_size"`
	CPUSampleInterval   time.Duration `yaml:"cpu_sample_interval"`
	SampleInterval      time.Duration `yaml:"sample_interval"`
	ReceiveCPUThreshold float64       `yaml:"receive_cpu_threshold"`
	OffloadCPUThreshold float64       `yaml:"offload_cpu_threshold"`
	OffloadMemoryMB     float64       `yaml:"offload_memory_mb"`
}

type DeviceConfig struct {
	ReceivePercent  float64 `yaml:"receive_percent"`
	OffloadPercent  float64 `yaml:"offload_percent"`
	NICCapacityMbps float64 `yaml:"nic_capacity_mbps"`
}

type DispatchConfig struct {
	HighCPUThreshold  float64       `yaml:"high_cpu_threshold"`
	LowCPUThreshold   float64       `yaml:"low_cpu_threshold"`
	HighMemoryPercent float64       `yaml:"high_memory_percent"`
	DeliveryTimeout   time.Duration `yaml:"delivery_timeout"`
	AsyncWorkers      int           `yaml:"async_workers"`
}

type DiscoveryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Service        string        `yaml:"service"`
	Domain         string        `yaml:"domain"`
	BrowseInterval time.Duration `yaml:"browse_interval"`
}

type RegistryConfig struct {
	Endpoints       []string      `yaml:"endpoints"`
	SyncInterval    time.Duration `yaml:"sync_interval"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
	RegisterTimeout time.Duration `yaml:"register_timeout"`
	RetryMax        int           `yaml:"retry_max"`
}

type HealthConfig struct {
	HeartbeatTTL  time.Duration `yaml:"heartbeat_ttl"`
	CheckInterval time.Duration `yaml:"check_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
	StatsInterval time.Duration `yaml:"stats_interval"`
}

type ServerConfig struct {
	RunRateLimit float64 `yaml:"run_rate_limit"`
	RunRateBurst int     `yaml:"run_rate_burst"`
}

type SecurityConfig struct {
	SharedSecret string `yaml:"shared_secret"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type CentralConfig struct {
	ListenAddr          string        `yaml:"listen_addr"`
	Store               string        `yaml:"store"`
	DBPath              string        `yaml:"db_path"`
	RedisAddr           string        `yaml:"redis_addr"`
	HeartbeatTTL        time.Duration `yaml:"heartbeat_ttl"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	ProbeTimeout        time.Duration `yaml:"probe_timeout"`
}

// Config is the complete configuration of a node or central registry process.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Load      LoadConfig      `yaml:"load"`
	Device    DeviceConfig    `yaml:"device"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Registry  RegistryConfig  `yaml:"registry"`
	Health    HealthConfig    `yaml:"health"`
	Server    ServerConfig    `yaml:"server"`
	Security  SecurityConfig  `yaml:"security"`
	Log       LogConfig       `yaml:"log"`
	Central   CentralConfig   `yaml:"central"`
}

// Defaults returns a configuration that is valid without any file or environment.
func Defaults() Config {
	return Config{
		Node: NodeConfig{
			ListenAddr: DefaultListenAddr,
		},
		Load: LoadConfig{
			WindowSize:          monitor.DefaultWindowSize,
			CPUSampleInterval:   monitor.DefaultCPUInterval,
			SampleInterval:      DefaultSampleInterval,
			ReceiveCPUThreshold: monitor.DefaultReceiveCPUThreshold,
			OffloadCPUThreshold: monitor.DefaultOffloadCPUThreshold,
			OffloadMemoryMB:     monitor.DefaultOffloadMemoryMB,
		},
		Device: DeviceConfig{
			ReceivePercent:  device.ReceiveThreshold,
			OffloadPercent:  device.OffloadThreshold,
			NICCapacityMbps: DefaultNICCapacityMbps,
		},
		Dispatch: DispatchConfig{
			HighCPUThreshold:  dispatch.HighCPUThreshold,
			LowCPUThreshold:   dispatch.LowCPUThreshold,
			HighMemoryPercent: dispatch.HighMemoryPercent,
			DeliveryTimeout:   dispatch.DefaultDeliveryTimeout,
			AsyncWorkers:      dispatch.DefaultAsyncWorkers,
		},
		Discovery: DiscoveryConfig{
			Enabled:        true,
			Service:        discovery.DefaultService,
			Domain:         discovery.DefaultDomain,
			BrowseInterval: discovery.DefaultBrowseInterval,
		},
		Registry: RegistryConfig{
			SyncInterval:    registry.DefaultSyncInterval,
			RetryBackoff:    registry.DefaultRetryBackoff,
			ProbeTimeout:    registry.DefaultProbeTimeout,
			RegisterTimeout: registry.DefaultRegisterTimeout,
			RetryMax:        DefaultRetryMax,
		},
		Health: HealthConfig{
			HeartbeatTTL:  registry.DefaultHeartbeatTTL,
			CheckInterval: registry.DefaultHealthCheckInterval,
			ProbeTimeout:  registry.DefaultProbeTimeout,
			StatsInterval: DefaultStatsInterval,
		},
		Server: ServerConfig{
			RunRateLimit: DefaultRunRateLimit,
			RunRateBurst: DefaultRunRateBurst,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Central: CentralConfig{
			ListenAddr:          DefaultCentralListenAddr,
			Store:               "memory",
			DBPath:              "offload-registry.db",
			RedisAddr:           "localhost:6379",
			HeartbeatTTL:        registry.DefaultHeartbeatTTL,
			HealthCheckInterval: registry.DefaultHealthCheckInterval,
			ProbeTimeout:        registry.DefaultProbeTimeout,
		},
	}
}

// Load reads the optional YAML file at path, applies environment overrides and validates.
// Missing identity fields are filled in: a random node ID and the outbound interface address.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: parse %s: %w", ErrInvalidConfig, path, err)
		}
	}

	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}

	if cfg.Node.ID == "" {
		cfg.Node.ID = uuid.NewString()
	}
	if cfg.Node.AdvertiseIP == "" {
		cfg.Node.AdvertiseIP = DetectOutboundIP()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges and required values.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Load.WindowSize > 0, "load.window_size must be positive")
	check(inUnit(c.Load.ReceiveCPUThreshold), "load.receive_cpu_threshold must be within [0,1]")
	check(inUnit(c.Load.OffloadCPUThreshold), "load.offload_cpu_threshold must be within [0,1]")
	check(c.Load.OffloadMemoryMB >= 0, "load.offload_memory_mb must not be negative")

	check(inPercent(c.Device.ReceivePercent), "device.receive_percent must be within [0,100]")
	check(inPercent(c.Device.OffloadPercent), "device.offload_percent must be within [0,100]")
	check(c.Device.ReceivePercent < c.Device.OffloadPercent, "device.receive_percent must be below device.offload_percent")

	check(inUnit(c.Dispatch.HighCPUThreshold), "dispatch.high_cpu_threshold must be within [0,1]")
	check(inUnit(c.Dispatch.LowCPUThreshold), "dispatch.low_cpu_threshold must be within [0,1]")
	check(c.Dispatch.LowCPUThreshold <= c.Dispatch.HighCPUThreshold, "dispatch.low_cpu_threshold must not exceed dispatch.high_cpu_threshold")
	check(inPercent(c.Dispatch.HighMemoryPercent), "dispatch.high_memory_percent must be within [0,100]")
	check(c.Dispatch.DeliveryTimeout > 0, "dispatch.delivery_timeout must be positive")
	check(c.Dispatch.AsyncWorkers > 0, "dispatch.async_workers must be positive")

	check(c.Health.HeartbeatTTL > 0, "health.heartbeat_ttl must be positive")
	check(c.Health.CheckInterval > 0, "health.check_interval must be positive")
	check(c.Health.StatsInterval > 0, "health.stats_interval must be positive")
	check(c.Load.SampleInterval > 0, "load.sample_interval must be positive")
	check(c.Registry.RetryMax >= 0, "registry.retry_max must not be negative")
	check(c.Server.RunRateLimit >= 0, "server.run_rate_limit must not be negative")

	for _, peer := range c.Node.StaticPeers {
		_, _, err := net.SplitHostPort(peer)
		check(err == nil, "node.static_peers entry %q must be address:port", peer)
	}

	switch c.Central.Store {
	case "memory", "sqlite", "redis":
	default:
		errs = append(errs, fmt.Errorf("central.store must be memory, sqlite or redis, got %q", c.Central.Store))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// DetectOutboundIP returns the local address used to reach the internet, or loopback.
// The UDP dial sends no packets.
func DetectOutboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return fallbackAdvertiseIP
	}
	defer func() { _ = conn.Close() }()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP == nil {
		return fallbackAdvertiseIP
	}
	return addr.IP.String()
}

func inUnit(value float64) bool {
	return value >= 0 && value <= 1
}

func inPercent(value float64) bool {
	return value >= 0 && value <= 100
}
