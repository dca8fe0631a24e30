package registry

import (
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"offload/pkg/models"
)

// Locality classifies a peer address as private-network or public-network.
type Locality string

const (
	LAN Locality = "lan"
	WAN Locality = "wan"
)

// Source records which discovery channel last reported a peer.
type Source string

const (
	SourceLAN     Source = "lan"
	SourceCentral Source = "central"
	SourceStatic  Source = "static"
)

// Peer is a known remote node. Values handed out by the registry are copies.
type Peer struct {
	NodeID       string
	Address      string
	Port         int
	LastSeen     time.Time
	DeclaredLoad *float64
	Locality     Locality
	Source       Source
}

// Key is the deduplication key of the peer set.
func (p Peer) Key() string {
	return PeerKey(p.Address, p.Port)
}

// URL builds an http URL for the given path on the peer.
func (p Peer) URL(path string) string {
	return "http://" + p.Key() + path
}

// Info renders the peer for the node's GET /peers endpoint.
func (p Peer) Info() models.PeerInfo {
	return models.PeerInfo{
		NodeID:   p.NodeID,
		IP:       p.Address,
		Port:     p.Port,
		Load:     p.DeclaredLoad,
		Locality: string(p.Locality),
		Source:   string(p.Source),
		LastSeen: p.LastSeen,
	}
}

func (p Peer) clone() Peer {
	if p.DeclaredLoad != nil {
		load := *p.DeclaredLoad
		p.DeclaredLoad = &load
	}
	return p
}

// PeerKey joins address and port the way Peer.Key does. IP literals are
// canonicalized first, so 10.0.0.5 and ::ffff:10.0.0.5 share one key.
func PeerKey(address string, port int) string {
	return net.JoinHostPort(CanonicalAddress(address), strconv.Itoa(port))
}

// CanonicalAddress unmaps IPv4-mapped IPv6 literals and normalizes the textual
// form of IP addresses. Host names are returned trimmed but otherwise unchanged.
func CanonicalAddress(address string) string {
	address = strings.TrimSpace(address)
	addr, err := netip.ParseAddr(address)
	if err != nil {
		return address
	}
	return addr.Unmap().String()
}

// ClassifyAddress reports LAN for loopback and RFC 1918 / ULA addresses, WAN otherwise.
func ClassifyAddress(address string) Locality {
	addr, err := netip.ParseAddr(address)
	if err != nil {
		if strings.EqualFold(address, "localhost") {
			return LAN
		}
		return WAN
	}

	addr = addr.WithZone("").Unmap()
	if addr.IsLoopback() || addr.IsPrivate() {
		return LAN
	}
	return WAN
}
