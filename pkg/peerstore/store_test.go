package peerstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"offload/pkg/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"
)

// StoreTestSuite runs the same behaviour checks against every backend
type StoreTestSuite struct {
	suite.Suite
	open  func() Store
	store Store
	ctx   context.Context
	base  time.Time
}

func (s *StoreTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.base = time.UnixMilli(1_700_000_000_000)
	s.store = s.open()
}

func (s *StoreTestSuite) TearDownTest() {
	s.NoError(s.store.Close())
}

func (s *StoreTestSuite) record(ip string, port int, seen time.Duration) Record {
	return Record{NodeID: "node-" + ip, IP: ip, Port: port, RegisteredAt: s.base, LastSeen: s.base.Add(seen)}
}

func loadPtr(v float64) *float64 {
	return &v
}

// TestUpsertAndList checks records are stored once per address:port
func (s *StoreTestSuite) TestUpsertAndList() {
	first := s.record("10.0.0.2", 7520, 0)
	first.Load = loadPtr(0.4)
	s.Require().NoError(s.store.Upsert(s.ctx, first))
	s.Require().NoError(s.store.Upsert(s.ctx, s.record("10.0.0.1", 7520, 0)))

	again := s.record("10.0.0.2", 7520, 30*time.Second)
	again.NodeID = "renamed"
	again.RegisteredAt = s.base.Add(30 * time.Second)
	s.Require().NoError(s.store.Upsert(s.ctx, again))

	records, err := s.store.List(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(records, 2)

	s.Equal("10.0.0.1:7520", records[0].Key())
	updated := records[1]
	s.Equal("renamed", updated.NodeID)
	s.Equal(s.base.UnixMilli(), updated.RegisteredAt.UnixMilli())
	s.Equal(s.base.Add(30*time.Second).UnixMilli(), updated.LastSeen.UnixMilli())
	s.Require().NotNil(updated.Load)
	s.InDelta(0.4, *updated.Load, 1e-9)
}

// TestUpsertRejectsInvalid checks validation happens before storage
func (s *StoreTestSuite) TestUpsertRejectsInvalid() {
	s.ErrorIs(s.store.Upsert(s.ctx, Record{IP: "", Port: 7520}), ErrInvalidRecord)
	s.ErrorIs(s.store.Upsert(s.ctx, Record{IP: "10.0.0.1", Port: 0}), ErrInvalidRecord)
}

// TestRemove checks removal and the not-found case
func (s *StoreTestSuite) TestRemove() {
	s.Require().NoError(s.store.Upsert(s.ctx, s.record("10.0.0.1", 7520, 0)))

	s.NoError(s.store.Remove(s.ctx, "10.0.0.1:7520"))
	s.ErrorIs(s.store.Remove(s.ctx, "10.0.0.1:7520"), ErrPeerNotFound)

	records, err := s.store.List(s.ctx)
	s.Require().NoError(err)
	s.Empty(records)
}

// TestPruneBefore checks only records last seen before the cutoff go
func (s *StoreTestSuite) TestPruneBefore() {
	s.Require().NoError(s.store.Upsert(s.ctx, s.record("10.0.0.1", 7520, 0)))
	s.Require().NoError(s.store.Upsert(s.ctx, s.record("10.0.0.2", 7520, 45*time.Second)))
	s.Require().NoError(s.store.Upsert(s.ctx, s.record("10.0.0.3", 7520, 90*time.Second)))

	pruned, err := s.store.PruneBefore(s.ctx, s.base.Add(45*time.Second))
	s.Require().NoError(err)
	s.ElementsMatch([]string{"10.0.0.1:7520"}, pruned)

	records, err := s.store.List(s.ctx)
	s.Require().NoError(err)
	s.Len(records, 2)

	pruned, err = s.store.PruneBefore(s.ctx, s.base)
	s.Require().NoError(err)
	s.Empty(pruned)
}

func TestMemoryStoreSuite(t *testing.T) {
	suite.Run(t, &StoreTestSuite{open: func() Store { return NewMemoryStore() }})
}

func TestSQLiteStoreSuite(t *testing.T) {
	suite.Run(t, &StoreTestSuite{open: func() Store {
		store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "peers.db"))
		if err != nil {
			t.Fatalf("open sqlite store: %v", err)
		}
		return store
	}})
}

func TestRedisStoreSuite(t *testing.T) {
	server := miniredis.RunT(t)
	suite.Run(t, &StoreTestSuite{open: func() Store {
		server.FlushAll()
		return NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: server.Addr()}), "test")
	}})
}

// OpenTestSuite tests backend selection
type OpenTestSuite struct {
	suite.Suite
}

func (s *OpenTestSuite) TestOpenBackends() {
	store, err := Open(context.Background(), Options{})
	s.Require().NoError(err)
	s.IsType(&MemoryStore{}, store)

	store, err = Open(context.Background(), Options{Backend: "SQLite", DBPath: filepath.Join(s.T().TempDir(), "x.db")})
	s.Require().NoError(err)
	s.IsType(&SQLiteStore{}, store)
	s.NoError(store.Close())

	server := miniredis.RunT(s.T())
	store, err = Open(context.Background(), Options{Backend: BackendRedis, RedisAddr: server.Addr()})
	s.Require().NoError(err)
	s.IsType(&RedisStore{}, store)
	s.NoError(store.Close())

	_, err = Open(context.Background(), Options{Backend: "etcd"})
	s.ErrorIs(err, ErrUnknownBackend)
}

func (s *OpenTestSuite) TestRedisUnreachable() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewRedisStore(ctx, "127.0.0.1:1", "")
	s.ErrorIs(err, ErrDatabase)
}

func (s *OpenTestSuite) TestFromRegistration() {
	now := time.Unix(1_700_000_000, 0)
	record := FromRegistration(models.RegisterRequest{NodeID: "n", IP: " 10.0.0.1 ", Port: 7520, Load: loadPtr(0.5)}, now)

	s.Equal("10.0.0.1:7520", record.Key())
	s.Equal(now, record.RegisteredAt)
	s.Equal(now, record.LastSeen)

	descriptor := record.Descriptor()
	s.Equal("n", descriptor.NodeID)
	s.Equal(7520, descriptor.Port)
	s.InDelta(0.5, *descriptor.Load, 1e-9)

	mapped := FromRegistration(models.RegisterRequest{NodeID: "n", IP: "::ffff:10.0.0.1", Port: 7520}, now)
	s.Equal(record.Key(), mapped.Key())
	s.Equal("10.0.0.1", mapped.IP)
}

func TestOpenSuite(t *testing.T) {
	suite.Run(t, new(OpenTestSuite))
}
