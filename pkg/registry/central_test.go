package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"offload/pkg/models"

	"github.com/stretchr/testify/suite"
)

// fakeCentral is a controllable central registry server.
type fakeCentral struct {
	server       *httptest.Server
	healthy      atomic.Bool
	registerCode atomic.Int32
	objectReply  atomic.Bool
	healthHits   atomic.Int32
	registerHits atomic.Int32

	mu         sync.Mutex
	registered []models.RegisterRequest
	peers      []any
}

func newFakeCentral(peers ...any) *fakeCentral {
	fc := &fakeCentral{peers: peers}
	fc.healthy.Store(true)
	fc.registerCode.Store(http.StatusOK)

	fc.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			fc.healthHits.Add(1)
			if !fc.healthy.Load() {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		case "/register":
			fc.registerHits.Add(1)
			var req models.RegisterRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			fc.mu.Lock()
			fc.registered = append(fc.registered, req)
			fc.mu.Unlock()

			code := int(fc.registerCode.Load())
			if code != http.StatusOK {
				w.WriteHeader(code)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			if fc.objectReply.Load() {
				_ = json.NewEncoder(w).Encode(map[string]string{"status": "registered"})
				return
			}
			_ = json.NewEncoder(w).Encode(fc.peers)
		case "/peers":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(fc.peers)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	return fc
}

func (fc *fakeCentral) lastRegistration() models.RegisterRequest {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if len(fc.registered) == 0 {
		return models.RegisterRequest{}
	}
	return fc.registered[len(fc.registered)-1]
}

// CentralSyncTestSuite tests failover registration against fake registries
type CentralSyncTestSuite struct {
	suite.Suite
	registry *Registry
	self     models.RegisterRequest
	servers  []*fakeCentral
}

func (s *CentralSyncTestSuite) SetupTest() {
	load := 0.25
	s.self = models.RegisterRequest{NodeID: "self", IP: "10.0.0.1", Port: 7520, Load: &load}
	s.registry = New(Options{SelfID: "self", SelfKey: "10.0.0.1:7520"})
	s.servers = nil
}

func (s *CentralSyncTestSuite) TearDownTest() {
	for _, fc := range s.servers {
		fc.server.Close()
	}
}

func (s *CentralSyncTestSuite) central(peers ...any) *fakeCentral {
	fc := newFakeCentral(peers...)
	s.servers = append(s.servers, fc)
	return fc
}

func (s *CentralSyncTestSuite) newSync(endpoints ...string) *CentralSync {
	return NewCentralSync(s.registry, NewHTTPProber(time.Second), func() models.RegisterRequest {
		return s.self
	}, CentralOptions{
		Endpoints:       endpoints,
		SyncInterval:    50 * time.Millisecond,
		RetryBackoff:    20 * time.Millisecond,
		ProbeTimeout:    time.Second,
		RegisterTimeout: time.Second,
	})
}

// TestFailoverToThirdEndpoint checks two failing endpoints are skipped and the third becomes preferred
func (s *CentralSyncTestSuite) TestFailoverToThirdEndpoint() {
	down := s.central()
	down.server.Close()

	unhealthy := s.central()
	unhealthy.healthy.Store(false)

	good := s.central(
		map[string]any{"node_id": "b", "ip": "10.0.0.2", "port": 7520, "load": 0.3},
		"http://10.0.0.3:7520/run",
		map[string]any{"node_id": "self", "ip": "10.0.0.1", "port": 7520},
	)

	syncer := s.newSync(down.server.URL, unhealthy.server.URL, good.server.URL)
	s.Require().NoError(syncer.SyncOnce(context.Background()))

	s.Equal(2, syncer.Preferred())
	s.Equal(int32(0), unhealthy.registerHits.Load())
	s.Equal(int32(1), good.registerHits.Load())

	peers := s.registry.ListPeers()
	s.Require().Len(peers, 2)
	s.Equal("10.0.0.2:7520", peers[0].Key())
	s.Equal(SourceCentral, peers[0].Source)
	s.Equal("10.0.0.3:7520", peers[1].Key())

	registration := good.lastRegistration()
	s.Equal("self", registration.NodeID)
	s.Equal(7520, registration.Port)
	s.Require().NotNil(registration.Load)
	s.InDelta(0.25, *registration.Load, 1e-9)

	// The next round starts at the preferred endpoint even though the first one recovered.
	unhealthy.healthy.Store(true)
	hitsBefore := unhealthy.healthHits.Load()
	s.Require().NoError(syncer.SyncOnce(context.Background()))
	s.Equal(hitsBefore, unhealthy.healthHits.Load())
	s.Equal(int32(2), good.registerHits.Load())
}

// TestPreferredMovesOnlyOnSuccess checks a failed registration does not change the preferred index
func (s *CentralSyncTestSuite) TestPreferredMovesOnlyOnSuccess() {
	first := s.central()
	second := s.central()
	second.registerCode.Store(http.StatusInternalServerError)

	syncer := s.newSync(first.server.URL, second.server.URL)
	s.Require().NoError(syncer.SyncOnce(context.Background()))
	s.Equal(0, syncer.Preferred())

	first.healthy.Store(false)
	err := syncer.SyncOnce(context.Background())
	s.ErrorIs(err, ErrNoRegistryAvailable)
	s.Equal(0, syncer.Preferred())
	s.Equal(int32(1), second.registerHits.Load())
}

// TestAllEndpointsFail checks the sync reports unavailability
func (s *CentralSyncTestSuite) TestAllEndpointsFail() {
	a := s.central()
	a.healthy.Store(false)
	b := s.central()
	b.healthy.Store(false)

	syncer := s.newSync(a.server.URL, b.server.URL)
	s.ErrorIs(syncer.SyncOnce(context.Background()), ErrNoRegistryAvailable)
	s.Equal(0, s.registry.Len())
}

// TestNoEndpoints checks an empty failover list
func (s *CentralSyncTestSuite) TestNoEndpoints() {
	syncer := s.newSync()
	s.ErrorIs(syncer.SyncOnce(context.Background()), ErrNoEndpoints)

	_, err := syncer.SelectActiveRegistry(context.Background())
	s.ErrorIs(err, ErrNoEndpoints)
}

// TestObjectReplyFallsBackToPeerList checks registries that acknowledge with an object
func (s *CentralSyncTestSuite) TestObjectReplyFallsBackToPeerList() {
	fc := s.central(map[string]any{"ip": "10.0.0.9", "port": 8000})
	fc.objectReply.Store(true)

	syncer := s.newSync(fc.server.URL + "/")
	s.Require().NoError(syncer.SyncOnce(context.Background()))

	_, ok := s.registry.Get("10.0.0.9:8000")
	s.True(ok)
	s.Equal([]string{fc.server.URL}, syncer.Endpoints())
}

// TestSelectActiveRegistry checks the probe order starts at the preferred index
func (s *CentralSyncTestSuite) TestSelectActiveRegistry() {
	a := s.central()
	b := s.central()
	b.healthy.Store(false)
	c := s.central()

	syncer := s.newSync(a.server.URL, b.server.URL, c.server.URL)
	endpoint, err := syncer.SelectActiveRegistry(context.Background())
	s.Require().NoError(err)
	s.Equal(a.server.URL, endpoint)

	a.healthy.Store(false)
	endpoint, err = syncer.SelectActiveRegistry(context.Background())
	s.Require().NoError(err)
	s.Equal(c.server.URL, endpoint)
}

// TestLoopRetriesUntilRegistryAppears checks the background loop keeps trying
func (s *CentralSyncTestSuite) TestLoopRetriesUntilRegistryAppears() {
	fc := s.central(map[string]any{"ip": "10.0.0.7", "port": 7520})
	fc.healthy.Store(false)

	syncer := s.newSync(fc.server.URL)
	syncer.Start()
	defer syncer.Stop()

	time.Sleep(60 * time.Millisecond)
	s.Equal(0, s.registry.Len())

	fc.healthy.Store(true)
	s.Eventually(func() bool {
		_, ok := s.registry.Get("10.0.0.7:7520")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCentralSyncSuite(t *testing.T) {
	suite.Run(t, new(CentralSyncTestSuite))
}
