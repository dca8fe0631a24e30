package central

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"offload/pkg/log"
	"offload/pkg/peerstore"
	"offload/pkg/registry"
	"offload/pkg/tasks"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	// DefaultHeartbeatTTL is how long a registration stays live without a refresh.
	DefaultHeartbeatTTL = 60 * time.Second
	// DefaultHealthCheckInterval is the period of the probe and prune sweep.
	DefaultHealthCheckInterval = 30 * time.Second

	shutdownTimeout = 10 * time.Second
	dispatchTimeout = 10 * time.Second
)

// Sender forwards a task to a registered node.
type Sender interface {
	Send(ctx context.Context, peer registry.Peer, task tasks.Task) (json.RawMessage, error)
}

// Options configures the central registry.
type Options struct {
	HeartbeatTTL        time.Duration
	HealthCheckInterval time.Duration
	ProbeTimeout        time.Duration
	Version             string
	Clock               func() time.Time
}

// Server is the central registry: nodes register here and fetch the live peer list.
type Server struct {
	echo    *echo.Echo
	store   peerstore.Store
	prober  registry.Prober
	sender  Sender
	opts    Options
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
	logger  zerolog.Logger
}

// NewServer creates the registry API around a peer store. A nil sender disables /dispatch.
func NewServer(store peerstore.Store, prober registry.Prober, sender Sender, opts Options) *Server {
	if opts.HeartbeatTTL <= 0 {
		opts.HeartbeatTTL = DefaultHeartbeatTTL
	}
	if opts.HealthCheckInterval <= 0 {
		opts.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = registry.DefaultProbeTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	srv := &Server{
		echo:   echo.New(),
		store:  store,
		prober: prober,
		sender: sender,
		opts:   opts,
		stopCh: make(chan struct{}),
		logger: log.Component("central"),
	}
	srv.setupRoutes()
	return srv
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start binds addr, serves in the background and starts the health sweep.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.echo.Listener = listener

	go func() {
		log.Info().
			Str("addr", listener.Addr().String()).
			Str("version", s.opts.Version).
			Dur("heartbeat_ttl", s.opts.HeartbeatTTL).
			Msg("Starting central registry")

		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Central registry stopped unexpectedly")
		}
	}()

	s.started = true
	s.wg.Add(1)
	go s.healthLoop()

	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() net.Addr {
	if s.echo.Listener == nil {
		return nil
	}
	return s.echo.Listener.Addr()
}

// Shutdown stops the sweep and the HTTP server.
func (s *Server) Shutdown() error {
	log.Info().Msg("Shutting down central registry...")

	if s.started {
		close(s.stopCh)
		s.wg.Wait()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return s.echo.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.echo.HideBanner = true
	s.echo.HidePort = true

	s.echo.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "${time_rfc3339} ${status} ${method} ${uri} (${latency_human})\n",
		Skipper: func(ctx echo.Context) bool {
			return ctx.Path() == "/health" || ctx.Path() == "/metrics"
		},
	}))
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.CORS())

	s.echo.POST("/register", s.register)
	s.echo.GET("/peers", s.listPeers)
	s.echo.POST("/dispatch", s.dispatchTask)
	s.echo.GET("/health", s.health)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}
