package registry

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func loadPtr(v float64) *float64 {
	return &v
}

// RegistryTestSuite tests the peer set
type RegistryTestSuite struct {
	suite.Suite
	clock    *fakeClock
	registry *Registry
}

func (s *RegistryTestSuite) SetupTest() {
	s.clock = newFakeClock()
	s.registry = New(Options{
		HeartbeatTTL: time.Minute,
		SelfID:       "self",
		SelfKey:      "192.168.1.10:7520",
		Clock:        s.clock.Now,
	})
}

// TestUpsertDeduplicatesByAddressPort checks repeated sightings keep a single entry
func (s *RegistryTestSuite) TestUpsertDeduplicatesByAddressPort() {
	created, err := s.registry.Upsert(Sighting{NodeID: "a", Address: "192.168.1.20", Port: 7520, Source: SourceLAN})
	s.Require().NoError(err)
	s.True(created)

	s.clock.Advance(10 * time.Second)
	created, err = s.registry.Upsert(Sighting{NodeID: "a2", Address: "192.168.1.20", Port: 7520, Load: loadPtr(0.4), Source: SourceCentral})
	s.Require().NoError(err)
	s.False(created)

	s.Equal(1, s.registry.Len())
	peer, ok := s.registry.Get("192.168.1.20:7520")
	s.Require().True(ok)
	s.Equal("a2", peer.NodeID)
	s.Equal(SourceCentral, peer.Source)
	s.Equal(s.clock.Now(), peer.LastSeen)
	s.Require().NotNil(peer.DeclaredLoad)
	s.InDelta(0.4, *peer.DeclaredLoad, 1e-9)
}

// TestUpsertKeepsLoadWhenSightingHasNone checks an unknown load does not erase a known one
func (s *RegistryTestSuite) TestUpsertKeepsLoadWhenSightingHasNone() {
	_, err := s.registry.Upsert(Sighting{Address: "10.0.0.2", Port: 7520, Load: loadPtr(0.2)})
	s.Require().NoError(err)
	_, err = s.registry.Upsert(Sighting{Address: "10.0.0.2", Port: 7520})
	s.Require().NoError(err)

	peer, ok := s.registry.Get("10.0.0.2:7520")
	s.Require().True(ok)
	s.Require().NotNil(peer.DeclaredLoad)
	s.InDelta(0.2, *peer.DeclaredLoad, 1e-9)
}

// TestUpsertIgnoresSelf checks the node never lists itself
func (s *RegistryTestSuite) TestUpsertIgnoresSelf() {
	created, err := s.registry.Upsert(Sighting{Address: "192.168.1.10", Port: 7520})
	s.NoError(err)
	s.False(created)

	created, err = s.registry.Upsert(Sighting{NodeID: "self", Address: "10.9.9.9", Port: 9000})
	s.NoError(err)
	s.False(created)

	s.Equal(0, s.registry.Len())
}

// TestUpsertCanonicalizesMappedAddresses checks an IPv4-mapped address is the same peer
func (s *RegistryTestSuite) TestUpsertCanonicalizesMappedAddresses() {
	created, err := s.registry.Upsert(Sighting{Address: "10.0.0.5", Port: 7520, Source: SourceLAN})
	s.Require().NoError(err)
	s.True(created)

	created, err = s.registry.Upsert(Sighting{Address: "::ffff:10.0.0.5", Port: 7520, Load: loadPtr(0.3), Source: SourceCentral})
	s.Require().NoError(err)
	s.False(created)

	s.Equal(1, s.registry.Len())
	peer, ok := s.registry.Get("10.0.0.5:7520")
	s.Require().True(ok)
	s.Equal("10.0.0.5", peer.Address)
	s.Equal(LAN, peer.Locality)
	s.Require().NotNil(peer.DeclaredLoad)
	s.InDelta(0.3, *peer.DeclaredLoad, 1e-9)

	_, err = s.registry.Upsert(Sighting{Address: "::ffff:192.168.1.10", Port: 7520})
	s.Require().NoError(err)
	s.Equal(1, s.registry.Len())
}

// TestSetSelfFollowsBoundPort checks the self key can be replaced after binding
func (s *RegistryTestSuite) TestSetSelfFollowsBoundPort() {
	_, err := s.registry.Upsert(Sighting{Address: "192.168.1.10", Port: 41000})
	s.Require().NoError(err)
	s.Equal(1, s.registry.Len())

	s.registry.SetSelf("192.168.1.10", 41000)
	s.Equal(0, s.registry.Len())

	created, err := s.registry.Upsert(Sighting{Address: "192.168.1.10", Port: 41000})
	s.NoError(err)
	s.False(created)

	created, err = s.registry.Upsert(Sighting{Address: "192.168.1.10", Port: 7520})
	s.NoError(err)
	s.True(created)
}

// TestUpsertRejectsInvalidSightings checks address and port validation
func (s *RegistryTestSuite) TestUpsertRejectsInvalidSightings() {
	for _, sighting := range []Sighting{
		{Address: "", Port: 7520},
		{Address: "10.0.0.1", Port: 0},
		{Address: "10.0.0.1", Port: 70000},
	} {
		_, err := s.registry.Upsert(sighting)
		s.ErrorIs(err, ErrInvalidSighting)
	}
	s.Equal(0, s.registry.Len())
}

// TestUpsertClampsAndDropsInvalidLoad checks declared load is kept within [0,1]
func (s *RegistryTestSuite) TestUpsertClampsAndDropsInvalidLoad() {
	_, _ = s.registry.Upsert(Sighting{Address: "10.0.0.1", Port: 1, Load: loadPtr(3)})
	_, _ = s.registry.Upsert(Sighting{Address: "10.0.0.2", Port: 1, Load: loadPtr(-1)})
	_, _ = s.registry.Upsert(Sighting{Address: "10.0.0.3", Port: 1, Load: loadPtr(math.NaN())})

	high, _ := s.registry.Get("10.0.0.1:1")
	low, _ := s.registry.Get("10.0.0.2:1")
	unknown, _ := s.registry.Get("10.0.0.3:1")

	s.InDelta(1.0, *high.DeclaredLoad, 1e-9)
	s.InDelta(0.0, *low.DeclaredLoad, 1e-9)
	s.Nil(unknown.DeclaredLoad)
}

// TestPruneExpired checks peers silent beyond the TTL are removed
func (s *RegistryTestSuite) TestPruneExpired() {
	_, _ = s.registry.Upsert(Sighting{Address: "10.0.0.1", Port: 7520})
	s.clock.Advance(45 * time.Second)
	_, _ = s.registry.Upsert(Sighting{Address: "10.0.0.2", Port: 7520})

	s.clock.Advance(20 * time.Second)
	pruned := s.registry.PruneExpired()

	s.Equal([]string{"10.0.0.1:7520"}, pruned)
	s.Equal(1, s.registry.Len())

	_, ok := s.registry.Get("10.0.0.2:7520")
	s.True(ok)
}

// TestRefreshExtendsLifetime checks a refreshed peer survives pruning
func (s *RegistryTestSuite) TestRefreshExtendsLifetime() {
	_, _ = s.registry.Upsert(Sighting{Address: "10.0.0.1", Port: 7520})
	s.clock.Advance(50 * time.Second)
	s.True(s.registry.Refresh("10.0.0.1:7520"))
	s.False(s.registry.Refresh("10.0.0.99:7520"))

	s.clock.Advance(50 * time.Second)
	s.Empty(s.registry.PruneExpired())
}

// TestListPeersHidesExpired checks expired entries are never handed out
func (s *RegistryTestSuite) TestListPeersHidesExpired() {
	_, _ = s.registry.Upsert(Sighting{Address: "10.0.0.1", Port: 7520})
	s.clock.Advance(61 * time.Second)

	s.Empty(s.registry.ListPeers())
	s.Equal(1, s.registry.Len())
}

// TestRemoveIsTerminal checks a removed peer only returns through a new sighting
func (s *RegistryTestSuite) TestRemoveIsTerminal() {
	_, _ = s.registry.Upsert(Sighting{Address: "10.0.0.1", Port: 7520})
	s.True(s.registry.Remove("10.0.0.1:7520", "test"))
	s.False(s.registry.Remove("10.0.0.1:7520", "test"))
	s.False(s.registry.Refresh("10.0.0.1:7520"))

	created, err := s.registry.Upsert(Sighting{Address: "10.0.0.1", Port: 7520})
	s.NoError(err)
	s.True(created)
}

// TestListPeersSortedByLoad checks ascending load order with unknown load last
func (s *RegistryTestSuite) TestListPeersSortedByLoad() {
	_, _ = s.registry.Upsert(Sighting{Address: "10.0.0.4", Port: 7520})
	_, _ = s.registry.Upsert(Sighting{Address: "10.0.0.3", Port: 7520, Load: loadPtr(0.9)})
	_, _ = s.registry.Upsert(Sighting{Address: "10.0.0.2", Port: 7520, Load: loadPtr(0.1)})
	_, _ = s.registry.Upsert(Sighting{Address: "10.0.0.1", Port: 7520, Load: loadPtr(0.5)})

	peers := s.registry.ListPeers()
	s.Require().Len(peers, 4)

	keys := make([]string, 0, len(peers))
	for _, peer := range peers {
		keys = append(keys, peer.Key())
	}
	s.Equal([]string{"10.0.0.2:7520", "10.0.0.1:7520", "10.0.0.3:7520", "10.0.0.4:7520"}, keys)
}

// TestListPeersReturnsCopies checks callers cannot mutate registry state
func (s *RegistryTestSuite) TestListPeersReturnsCopies() {
	_, _ = s.registry.Upsert(Sighting{Address: "10.0.0.1", Port: 7520, Load: loadPtr(0.3)})

	peers := s.registry.ListPeers()
	*peers[0].DeclaredLoad = 0.99
	peers[0].NodeID = "mutated"

	peer, _ := s.registry.Get("10.0.0.1:7520")
	s.InDelta(0.3, *peer.DeclaredLoad, 1e-9)
	s.Empty(peer.NodeID)
}

// TestCounts checks LAN and WAN partitions
func (s *RegistryTestSuite) TestCounts() {
	_, _ = s.registry.Upsert(Sighting{Address: "10.0.0.1", Port: 7520})
	_, _ = s.registry.Upsert(Sighting{Address: "127.0.0.1", Port: 7521})
	_, _ = s.registry.Upsert(Sighting{Address: "8.8.8.8", Port: 7520})

	lan, wan := s.registry.Counts()
	s.Equal(2, lan)
	s.Equal(1, wan)
}

// TestConcurrentAccess checks the registry under concurrent writers and readers
func (s *RegistryTestSuite) TestConcurrentAccess() {
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)
		go func(port int) {
			defer wg.Done()
			_, _ = s.registry.Upsert(Sighting{Address: "10.0.0.1", Port: 7000 + port%5})
		}(i)
		go func() {
			defer wg.Done()
			_ = s.registry.ListPeers()
		}()
	}
	wg.Wait()

	s.Equal(5, s.registry.Len())
}

func TestRegistrySuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}

// PeerTestSuite tests address classification and peer helpers
type PeerTestSuite struct {
	suite.Suite
}

func (s *PeerTestSuite) TestClassifyAddress() {
	cases := map[string]Locality{
		"10.1.2.3":       LAN,
		"172.16.0.1":     LAN,
		"172.31.255.255": LAN,
		"192.168.0.5":    LAN,
		"127.0.0.1":      LAN,
		"::1":            LAN,
		"fd00::1":        LAN,
		"localhost":      LAN,
		"172.32.0.1":     WAN,
		"8.8.8.8":        WAN,
		"2001:db8::1":    WAN,
		"example.com":    WAN,
	}

	for address, expected := range cases {
		s.Equal(expected, ClassifyAddress(address), address)
	}
}

func (s *PeerTestSuite) TestKeyAndURL() {
	peer := Peer{Address: "10.0.0.5", Port: 7520}
	s.Equal("10.0.0.5:7520", peer.Key())
	s.Equal("http://10.0.0.5:7520/run", peer.URL("/run"))

	v6 := Peer{Address: "fd00::1", Port: 7520}
	s.Equal("[fd00::1]:7520", v6.Key())
}

func (s *PeerTestSuite) TestInfo() {
	seen := time.Unix(1700000000, 0)
	info := Peer{NodeID: "n1", Address: "10.0.0.5", Port: 7520, Locality: LAN, Source: SourceLAN, LastSeen: seen}.Info()

	s.Equal("n1", info.NodeID)
	s.Equal("10.0.0.5", info.IP)
	s.Equal("lan", info.Locality)
	s.Equal("lan", info.Source)
	s.Equal(seen, info.LastSeen)
}

func TestPeerSuite(t *testing.T) {
	suite.Run(t, new(PeerTestSuite))
}
