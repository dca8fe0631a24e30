package models

import (
	"encoding/json"
	"errors"
	"net"
	"net/url"
	"strconv"
)

// ErrInvalidPeerDescriptor is returned when a peer entry cannot be decoded.
var ErrInvalidPeerDescriptor = errors.New("invalid peer descriptor")

// PeerDescriptor is the peer shape exchanged with central registries.
type PeerDescriptor struct {
	NodeID string   `json:"node_id,omitempty"`
	IP     string   `json:"ip"`
	Port   int      `json:"port"`
	Load   *float64 `json:"load,omitempty"`
}

// UnmarshalJSON accepts either an object or a peer URL string such as "http://10.0.0.5:7520/run".
func (p *PeerDescriptor) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err == nil {
		return p.fromURL(raw)
	}

	type plain PeerDescriptor
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*p = PeerDescriptor(decoded)
	return nil
}

func (p *PeerDescriptor) fromURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return ErrInvalidPeerDescriptor
	}

	host, portStr, err := net.SplitHostPort(parsed.Host)
	if err != nil {
		return ErrInvalidPeerDescriptor
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return ErrInvalidPeerDescriptor
	}

	*p = PeerDescriptor{IP: host, Port: port}
	return nil
}

// RegisterRequest is the body of POST /register.
type RegisterRequest struct {
	NodeID string   `json:"node_id"`
	IP     string   `json:"ip"`
	Port   int      `json:"port"`
	Load   *float64 `json:"load,omitempty"`
}

// Descriptor converts the registration into the descriptor a registry hands out.
func (r RegisterRequest) Descriptor() PeerDescriptor {
	return PeerDescriptor{
		NodeID: r.NodeID,
		IP:     r.IP,
		Port:   r.Port,
		Load:   r.Load,
	}
}
