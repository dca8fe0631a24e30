package registry

import (
	"math"
	"net"
	"sort"
	"sync"
	"time"

	"offload/pkg/log"
	"offload/pkg/metrics"

	"github.com/rs/zerolog"
)

// DefaultHeartbeatTTL is the silence interval after which a peer is pruned.
const DefaultHeartbeatTTL = 60 * time.Second

// Sighting is one report of a peer by a discovery channel.
type Sighting struct {
	NodeID  string
	Address string
	Port    int
	Load    *float64
	Source  Source
}

// Options configures a Registry.
type Options struct {
	HeartbeatTTL time.Duration
	// SelfID and SelfKey identify this node so its own advertisements are ignored.
	SelfID  string
	SelfKey string
	Clock   func() time.Time
}

// Registry is the set of known peers, keyed by address:port.
type Registry struct {
	mu      sync.RWMutex
	peers   map[string]*Peer
	ttl     time.Duration
	selfID  string
	selfKey string
	clock   func() time.Time
	logger  zerolog.Logger
}

// New creates an empty Registry.
func New(opts Options) *Registry {
	if opts.HeartbeatTTL <= 0 {
		opts.HeartbeatTTL = DefaultHeartbeatTTL
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Registry{
		peers:   make(map[string]*Peer),
		ttl:     opts.HeartbeatTTL,
		selfID:  opts.SelfID,
		selfKey: canonicalKey(opts.SelfKey),
		clock:   opts.Clock,
		logger:  log.Component("registry"),
	}
}

// SetSelf replaces this node's own address:port key. The node calls it once
// the listener is bound, since the configured port may be 0.
func (r *Registry) SetSelf(address string, port int) {
	key := PeerKey(address, port)

	r.mu.Lock()
	r.selfKey = key
	peer, ok := r.peers[key]
	if ok {
		delete(r.peers, key)
		r.updateGaugesLocked()
	}
	r.mu.Unlock()

	if ok {
		r.logger.Debug().Str("peer", key).Str("node_id", peer.NodeID).Msg("Dropped own address from peer set")
	}
}

// Upsert creates or refreshes the peer at the sighting's address:port.
// It reports whether a new entry was created.
func (r *Registry) Upsert(s Sighting) (bool, error) {
	if s.Address == "" || s.Port <= 0 || s.Port > 65535 {
		return false, ErrInvalidSighting
	}

	address := CanonicalAddress(s.Address)
	key := PeerKey(address, s.Port)

	var load *float64
	if s.Load != nil && !math.IsNaN(*s.Load) {
		value := clampFraction(*s.Load)
		load = &value
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if key == r.selfKey || (s.NodeID != "" && s.NodeID == r.selfID) {
		return false, nil
	}

	now := r.clock()
	if peer, ok := r.peers[key]; ok {
		peer.LastSeen = now
		peer.Source = s.Source
		if s.NodeID != "" {
			peer.NodeID = s.NodeID
		}
		if load != nil {
			peer.DeclaredLoad = load
		}
		metrics.PeerEventsTotal.WithLabelValues("refreshed", string(s.Source)).Inc()
		return false, nil
	}

	r.peers[key] = &Peer{
		NodeID:       s.NodeID,
		Address:      address,
		Port:         s.Port,
		LastSeen:     now,
		DeclaredLoad: load,
		Locality:     ClassifyAddress(address),
		Source:       s.Source,
	}
	r.updateGaugesLocked()
	metrics.PeerEventsTotal.WithLabelValues("added", string(s.Source)).Inc()

	r.logger.Info().
		Str("peer", key).
		Str("node_id", s.NodeID).
		Str("source", string(s.Source)).
		Msg("Peer added")

	return true, nil
}

// Refresh marks the peer as seen now. It reports whether the peer exists.
func (r *Registry) Refresh(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, ok := r.peers[key]
	if !ok {
		return false
	}
	peer.LastSeen = r.clock()
	return true
}

// Remove deletes the peer. Removal is terminal; a later sighting creates a new entry.
func (r *Registry) Remove(key, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, ok := r.peers[key]
	if !ok {
		return false
	}
	delete(r.peers, key)
	r.updateGaugesLocked()
	metrics.PeerEventsTotal.WithLabelValues("removed", string(peer.Source)).Inc()

	r.logger.Info().Str("peer", key).Str("reason", reason).Msg("Peer removed")
	return true
}

// PruneExpired deletes every peer silent for longer than the heartbeat TTL and returns their keys.
func (r *Registry) PruneExpired() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	var pruned []string
	for key, peer := range r.peers {
		if r.expired(peer, now) {
			delete(r.peers, key)
			pruned = append(pruned, key)
			metrics.PeerEventsTotal.WithLabelValues("expired", string(peer.Source)).Inc()
		}
	}

	if len(pruned) > 0 {
		r.updateGaugesLocked()
		r.logger.Info().Strs("peers", pruned).Dur("ttl", r.ttl).Msg("Expired peers pruned")
	}

	return pruned
}

// ListPeers returns a snapshot of live peers sorted by declared load, unknown load last.
func (r *Registry) ListPeers() []Peer {
	r.mu.RLock()
	now := r.clock()
	peers := make([]Peer, 0, len(r.peers))
	for _, peer := range r.peers {
		if r.expired(peer, now) {
			continue
		}
		peers = append(peers, peer.clone())
	}
	r.mu.RUnlock()

	SortByLoad(peers)
	return peers
}

// Get returns a copy of the peer at key.
func (r *Registry) Get(key string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peer, ok := r.peers[key]
	if !ok {
		return Peer{}, false
	}
	return peer.clone(), true
}

// Keys returns the keys of every stored peer, expired or not.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.peers))
	for key := range r.peers {
		keys = append(keys, key)
	}
	return keys
}

// Len returns the number of stored peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Counts returns the number of live LAN and WAN peers.
func (r *Registry) Counts() (lan, wan int) {
	for _, peer := range r.ListPeers() {
		if peer.Locality == LAN {
			lan++
		} else {
			wan++
		}
	}
	return lan, wan
}

func (r *Registry) expired(peer *Peer, now time.Time) bool {
	return now.Sub(peer.LastSeen) > r.ttl
}

func (r *Registry) updateGaugesLocked() {
	var lan, wan float64
	for _, peer := range r.peers {
		if peer.Locality == LAN {
			lan++
		} else {
			wan++
		}
	}
	metrics.PeersKnown.WithLabelValues(string(LAN)).Set(lan)
	metrics.PeersKnown.WithLabelValues(string(WAN)).Set(wan)
}

// SortByLoad orders peers by declared load ascending. Peers without a declared load go last.
func SortByLoad(peers []Peer) {
	sort.SliceStable(peers, func(i, j int) bool {
		li, lj := peers[i].DeclaredLoad, peers[j].DeclaredLoad
		switch {
		case li == nil && lj == nil:
			return peers[i].Key() < peers[j].Key()
		case li == nil:
			return false
		case lj == nil:
			return true
		case *li != *lj:
			return *li < *lj
		default:
			return peers[i].Key() < peers[j].Key()
		}
	})
}

func clampFraction(value float64) float64 {
	switch {
	case value < 0:
		return 0
	case value > 1:
		return 1
	default:
		return value
	}
}

func canonicalKey(key string) string {
	host, port, err := net.SplitHostPort(key)
	if err != nil {
		return key
	}
	return net.JoinHostPort(CanonicalAddress(host), port)
}
