package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"offload/pkg/dispatch"
	"offload/pkg/log"
	"offload/pkg/models"
	"offload/pkg/monitor"
	"offload/pkg/registry"
	"offload/pkg/security"
	"offload/pkg/tasks"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

const (
	shutdownTimeout = 10 * time.Second
	maxBodySize     = "8M"
)

// LoadReporter exposes the node's load monitor.
type LoadReporter interface {
	Latest() (monitor.Snapshot, bool)
	Sample(ctx context.Context) monitor.Snapshot
}

// DeviceReporter exposes the per-class device view.
type DeviceReporter interface {
	Report(ctx context.Context) []models.DeviceReport
}

// PeerLister exposes the node's peer snapshot.
type PeerLister interface {
	ListPeers() []registry.Peer
}

// Executor runs received tasks locally.
type Executor interface {
	Execute(ctx context.Context, task tasks.Task) (json.RawMessage, error)
}

// Submitter dispatches tasks submitted to this node.
type Submitter interface {
	Submit(ctx context.Context, task tasks.Task) (dispatch.Result, error)
}

// Dependencies are the node components the API serves.
type Dependencies struct {
	Load     LoadReporter
	Devices  DeviceReporter
	Peers    PeerLister
	Executor Executor
	Engine   Submitter
}

// Options configures the API.
type Options struct {
	NodeID  string
	Version string
	// RunRateLimit is the sustained /run rate per second; zero disables limiting.
	RunRateLimit float64
	RunRateBurst int
	Signer       security.Signer
}

// NodeServer is the HTTP API of a node.
type NodeServer struct {
	echo    *echo.Echo
	deps    Dependencies
	opts    Options
	limiter *rate.Limiter
	started time.Time
}

// NewNodeServer creates the node API with its routes registered.
func NewNodeServer(deps Dependencies, opts Options) *NodeServer {
	if opts.Signer == nil {
		opts.Signer = security.Noop{}
	}

	var limiter *rate.Limiter
	if opts.RunRateLimit > 0 {
		burst := opts.RunRateBurst
		if burst <= 0 {
			burst = int(opts.RunRateLimit) + 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RunRateLimit), burst)
	}

	srv := &NodeServer{
		echo:    echo.New(),
		deps:    deps,
		opts:    opts,
		limiter: limiter,
		started: time.Now(),
	}
	srv.setupRoutes()
	return srv
}

// Handler returns the routed HTTP handler.
func (s *NodeServer) Handler() http.Handler {
	return s.echo
}

// Start binds addr and serves in the background. Bind errors are returned.
func (s *NodeServer) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.echo.Listener = listener

	go func() {
		log.Info().
			Str("addr", listener.Addr().String()).
			Str("node_id", s.opts.NodeID).
			Str("version", s.opts.Version).
			Msg("Starting node API")

		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Node API stopped unexpectedly")
		}
	}()

	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *NodeServer) Addr() net.Addr {
	if s.echo.Listener == nil {
		return nil
	}
	return s.echo.Listener.Addr()
}

// Shutdown stops the API, waiting for in-flight requests.
func (s *NodeServer) Shutdown() error {
	log.Info().Msg("Shutting down node API...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.echo.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Node API shutdown failed")
		return err
	}

	log.Info().Msg("Node API gracefully stopped")
	return nil
}

func (s *NodeServer) setupRoutes() {
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "${time_rfc3339} ${status} ${method} ${uri} (${latency_human})\n",
		Skipper: func(ctx echo.Context) bool {
			return ctx.Path() == "/health" || ctx.Path() == "/metrics"
		},
	}))
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.BodyLimit(maxBodySize))

	s.echo.GET("/health", s.health)
	s.echo.GET("/node/info", s.getNodeInfo)
	s.echo.GET("/peers", s.listPeers)
	s.echo.POST("/run", s.runTask)
	s.echo.POST("/submit", s.submitTask)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

func (s *NodeServer) health(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"node_id": s.opts.NodeID,
	})
}

func (s *NodeServer) listPeers(ctx echo.Context) error {
	peers := s.deps.Peers.ListPeers()
	infos := make([]models.PeerInfo, 0, len(peers))
	for _, peer := range peers {
		infos = append(infos, peer.Info())
	}
	return ctx.JSON(http.StatusOK, infos)
}

func errorJSON(ctx echo.Context, status int, message string) error {
	return ctx.JSON(status, models.ErrorResponse{Error: message})
}
