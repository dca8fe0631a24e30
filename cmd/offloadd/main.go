package main

import (
	"context"
	_ "embed"
	"flag"
	"net/http"
	_ "net/http/pprof" //nolint:gosec
	"os"
	"os/signal"
	"strings"
	"syscall"

	"offload/pkg/config"
	"offload/pkg/log"
	"offload/pkg/node"
)

//go:embed VERSION
var Version string

func main() {
	// Initialize logger first
	_ = log.Logger

	configPath := flag.String("config", "", "YAML configuration file (optional)")
	addr := flag.String("addr", "", "Listen address, overrides node.listen_addr")
	debug := flag.Bool("debug", false, "Enable debug logging")
	debugAddr := flag.String("debug-addr", "localhost:6060", "Debug server address (pprof)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("Failed to load configuration")
	}
	if *addr != "" {
		cfg.Node.ListenAddr = *addr
	}

	log.Setup(cfg.Log.Level, cfg.Log.Format)
	if *debug {
		log.SetDebugMode()
		log.Debug().Msg("Debug mode enabled")
		go func() {
			log.Info().Msgf("Starting pprof server on %s", *debugAddr)
			log.Info().Msgf("%+v", http.ListenAndServe(*debugAddr, nil)) //nolint:gosec
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n, err := node.New(ctx, cfg, strings.TrimSpace(Version), node.Overrides{})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build node")
	}
	if err := n.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Node failed to start")
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	if err := n.Stop(); err != nil {
		log.Error().Err(err).Msg("Node shutdown failed")
		os.Exit(1)
	}

	os.Exit(0)
}
