package discovery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"offload/pkg/log"
	"offload/pkg/registry"

	"github.com/rs/zerolog"
)

const (
	DefaultService        = "_tasknode._tcp"
	DefaultDomain         = "local."
	DefaultBrowseInterval = 10 * time.Second

	txtNodeID  = "node_id"
	txtLoad    = "load"
	txtVersion = "version"
	txtProto   = "1"
)

// ErrAdvertise wraps failures to publish this node on the LAN.
var ErrAdvertise = errors.New("advertise failed")

// EventKind says what happened to a LAN service instance.
type EventKind int

const (
	EventAdd EventKind = iota
	EventUpdate
	EventRemove
)

func (k EventKind) String() string {
	switch k {
	case EventAdd:
		return "add"
	case EventUpdate:
		return "update"
	case EventRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Event is one browse notification.
type Event struct {
	Kind     EventKind
	Instance string
	NodeID   string
	Address  string
	Port     int
	Load     *float64
}

// Announcement is what this node publishes about itself.
type Announcement struct {
	NodeID string
	Port   int
	Load   *float64
}

// Instance is the DNS-SD instance name for the announcement.
func (a Announcement) Instance() string {
	return "offload-" + a.NodeID
}

// Text renders the TXT record.
func (a Announcement) Text() []string {
	txt := []string{
		txtVersion + "=" + txtProto,
		txtNodeID + "=" + a.NodeID,
	}
	if a.Load != nil {
		txt = append(txt, txtLoad+"="+strconv.FormatFloat(*a.Load, 'f', 3, 64))
	}
	return txt
}

// ParseText extracts the node ID and declared load from a TXT record.
// A missing or malformed load is reported as nil.
func ParseText(txt []string) (nodeID string, load *float64) {
	for _, entry := range txt {
		key, value, found := strings.Cut(entry, "=")
		if !found {
			continue
		}
		switch key {
		case txtNodeID:
			nodeID = value
		case txtLoad:
			parsed, err := strconv.ParseFloat(value, 64)
			if err == nil {
				load = &parsed
			}
		}
	}
	return nodeID, load
}

// Advertiser publishes this node on the LAN.
type Advertiser interface {
	Advertise(announcement Announcement) error
	Update(announcement Announcement) error
	Shutdown()
}

// Browser streams LAN events until ctx is cancelled.
type Browser interface {
	Browse(ctx context.Context, events chan<- Event) error
}

// Options configures a Service.
type Options struct {
	NodeID   string
	Port     int
	Interval time.Duration
	// Load returns the current declared load; nil means unknown.
	Load func() *float64
}

// Service advertises this node and feeds browse results into the peer registry.
type Service struct {
	registry   *registry.Registry
	advertiser Advertiser
	browser    Browser
	opts       Options

	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger zerolog.Logger

	// advertised is only touched by Start before the loop runs, then by announceLoop.
	advertised bool
}

// NewService creates a discovery service. Either advertiser or browser may be nil.
func NewService(reg *registry.Registry, advertiser Advertiser, browser Browser, opts Options) *Service {
	if opts.Interval <= 0 {
		opts.Interval = DefaultBrowseInterval
	}
	if opts.Load == nil {
		opts.Load = func() *float64 { return nil }
	}

	return &Service{
		registry:   reg,
		advertiser: advertiser,
		browser:    browser,
		opts:       opts,
		logger:     log.Component("discovery"),
	}
}

// Start publishes the announcement and starts browsing. An advertise failure
// is returned but browsing still runs, and the announce loop keeps retrying
// the advertisement on every tick until it succeeds.
func (s *Service) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	var advertiseErr error
	if s.advertiser != nil {
		if err := s.advertise(); err != nil {
			advertiseErr = err
		}
		s.wg.Add(1)
		go s.announceLoop(ctx)
	}

	if s.browser != nil {
		events := make(chan Event, 64)
		s.wg.Add(2)
		go s.browseLoop(ctx, events)
		go s.consume(ctx, events)
	}

	s.logger.Info().Str("node_id", s.opts.NodeID).Int("port", s.opts.Port).Msg("LAN discovery started")
	return advertiseErr
}

// Stop withdraws the advertisement and waits for the loops to exit.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	if s.advertiser != nil {
		s.advertiser.Shutdown()
	}
	s.logger.Info().Msg("LAN discovery stopped")
}

// Handle applies one browse event to the registry.
func (s *Service) Handle(event Event) {
	switch event.Kind {
	case EventAdd, EventUpdate:
		_, err := s.registry.Upsert(registry.Sighting{
			NodeID:  event.NodeID,
			Address: event.Address,
			Port:    event.Port,
			Load:    event.Load,
			Source:  registry.SourceLAN,
		})
		if err != nil {
			s.logger.Debug().Err(err).Str("instance", event.Instance).Msg("Ignoring LAN service")
		}
	case EventRemove:
		// Health and TTL pruning own removal; a goodbye packet is only informational.
		s.logger.Info().Str("instance", event.Instance).Msg("LAN service withdrawn")
	}
}

func (s *Service) announcement() Announcement {
	return Announcement{NodeID: s.opts.NodeID, Port: s.opts.Port, Load: s.opts.Load()}
}

func (s *Service) announceLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.advertised {
				_ = s.advertise()
				continue
			}
			if err := s.advertiser.Update(s.announcement()); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to refresh LAN advertisement")
			}
		}
	}
}

func (s *Service) advertise() error {
	if err := s.advertiser.Advertise(s.announcement()); err != nil {
		s.logger.Warn().Err(err).Dur("retry_in", s.opts.Interval).Msg("LAN advertisement failed")
		return fmt.Errorf("%w: %w", ErrAdvertise, err)
	}
	s.advertised = true
	return nil
}

func (s *Service) browseLoop(ctx context.Context, events chan<- Event) {
	defer s.wg.Done()

	for {
		err := s.browser.Browse(ctx, events)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.logger.Warn().Err(err).Dur("retry_in", s.opts.Interval).Msg("LAN browse failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.opts.Interval):
		}
	}
}

func (s *Service) consume(ctx context.Context, events <-chan Event) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			s.Handle(event)
		}
	}
}
