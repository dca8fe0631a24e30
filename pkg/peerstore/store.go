package peerstore

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"time"

	"offload/pkg/models"
)

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"

	maxPort = 65535
)

// Record is one registered node as the central registry stores it.
type Record struct {
	NodeID       string
	IP           string
	Port         int
	Load         *float64
	RegisteredAt time.Time
	LastSeen     time.Time
}

// Key is the address:port identity of the record.
func (r Record) Key() string {
	return net.JoinHostPort(r.IP, strconv.Itoa(r.Port))
}

// Descriptor renders the record for /register and /peers answers.
func (r Record) Descriptor() models.PeerDescriptor {
	return models.PeerDescriptor{
		NodeID: r.NodeID,
		IP:     r.IP,
		Port:   r.Port,
		Load:   r.Load,
	}
}

// FromRegistration builds a record for a registration seen at now.
func FromRegistration(req models.RegisterRequest, now time.Time) Record {
	return Record{
		NodeID:       req.NodeID,
		IP:           canonicalIP(req.IP),
		Port:         req.Port,
		Load:         req.Load,
		RegisteredAt: now,
		LastSeen:     now,
	}
}

// canonicalIP unmaps IPv4-mapped IPv6 literals so one endpoint keeps one key.
func canonicalIP(ip string) string {
	ip = strings.TrimSpace(ip)
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ip
	}
	return addr.Unmap().String()
}

// ValidateRecord checks the record has an address and a valid port.
func ValidateRecord(record Record) error {
	if record.IP == "" || record.Port <= 0 || record.Port > maxPort {
		return ErrInvalidRecord
	}
	return nil
}

// Store persists registered peers. Upsert keeps the original RegisteredAt of an existing key.
type Store interface {
	Upsert(ctx context.Context, record Record) error
	List(ctx context.Context) ([]Record, error)
	Remove(ctx context.Context, key string) error
	PruneBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	Close() error
}

// Options selects and configures a backend for Open.
type Options struct {
	Backend   string
	DBPath    string
	RedisAddr string
	KeyPrefix string
}

// Open creates the configured store.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(opts.Backend) {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendSQLite:
		return NewSQLiteStore(opts.DBPath)
	case BackendRedis:
		return NewRedisStore(ctx, opts.RedisAddr, opts.KeyPrefix)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
	}
}

func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].Key() < records[j].Key()
	})
}
