package main

import (
	"context"
	_ "embed"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"offload/pkg/config"
	"offload/pkg/dispatch"
	"offload/pkg/log"
	"offload/pkg/peerstore"
	"offload/pkg/registry"
	"offload/pkg/security"
	"offload/pkg/server/central"
)

//go:embed VERSION
var Version string

func main() {
	// Initialize logger
	_ = log.Logger

	configPath := flag.String("config", "", "YAML configuration file (optional)")
	addr := flag.String("addr", "", "Listen address, overrides central.listen_addr")
	storeName := flag.String("store", "", "Peer store backend: memory, sqlite or redis")
	dbPath := flag.String("db", "", "SQLite database path, overrides central.db_path")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("Failed to load configuration")
	}
	if *addr != "" {
		cfg.Central.ListenAddr = *addr
	}
	if *storeName != "" {
		cfg.Central.Store = *storeName
	}
	if *dbPath != "" {
		cfg.Central.DBPath = *dbPath
	}

	log.Setup(cfg.Log.Level, cfg.Log.Format)
	if *debug {
		log.SetDebugMode()
		log.Debug().Msg("Debug mode enabled")
	}

	store, err := peerstore.Open(context.Background(), peerstore.Options{
		Backend:   cfg.Central.Store,
		DBPath:    cfg.Central.DBPath,
		RedisAddr: cfg.Central.RedisAddr,
	})
	if err != nil {
		log.Fatal().Err(err).Str("store", cfg.Central.Store).Msg("Failed to open peer store")
	}
	defer func() { _ = store.Close() }()

	log.Info().
		Str("store", cfg.Central.Store).
		Dur("heartbeat_ttl", cfg.Central.HeartbeatTTL).
		Dur("health_check_interval", cfg.Central.HealthCheckInterval).
		Msg("Configured central registry")

	sender := dispatch.NewHTTPSender("central-"+cfg.Node.ID, security.NewSigner(cfg.Security.SharedSecret))
	srv := central.NewServer(store, registry.NewHTTPProber(cfg.Central.ProbeTimeout), sender, central.Options{
		HeartbeatTTL:        cfg.Central.HeartbeatTTL,
		HealthCheckInterval: cfg.Central.HealthCheckInterval,
		ProbeTimeout:        cfg.Central.ProbeTimeout,
		Version:             strings.TrimSpace(Version),
	})
	if err := srv.Start(cfg.Central.ListenAddr); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Central.ListenAddr).Msg("Server failed to start")
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	if err := srv.Shutdown(); err != nil {
		log.Error().Err(err).Msg("Central registry shutdown failed")
	}
}
