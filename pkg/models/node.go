package models

import "time"

// NodeInfo represents the load report served at GET /node/info.
type NodeInfo struct {
	NodeID        string         `json:"node_id"`
	Uptime        string         `json:"uptime"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Load          LoadReport     `json:"load"`
	Devices       []DeviceReport `json:"devices"`
	PeerCount     int            `json:"peer_count"`
}

// LoadReport represents the windowed CPU and memory readings.
type LoadReport struct {
	SampledAt            time.Time `json:"sampled_at"`
	InstantCPU           float64   `json:"instant_cpu"`
	AverageCPU           float64   `json:"average_cpu"`
	InstantMemoryMB      float64   `json:"instant_memory_mb"`
	AverageMemoryMB      float64   `json:"average_memory_mb"`
	AverageMemoryPercent float64   `json:"average_memory_percent"`
	MemoryAvailable      string    `json:"memory_available"`
	Recommendation       string    `json:"recommendation"`
	CanReceive           bool      `json:"can_receive"`
	Degraded             bool      `json:"degraded,omitempty"`
}

// DeviceReport represents one device class on the node.
type DeviceReport struct {
	Class       string   `json:"class"`
	Devices     []string `json:"devices"`
	LoadPercent float64  `json:"load_percent"`
	CanReceive  bool     `json:"can_receive"`
	Offload     bool     `json:"should_offload"`
}

// PeerInfo represents one entry of a node's local peer view (GET /peers on a node).
type PeerInfo struct {
	NodeID   string    `json:"node_id,omitempty"`
	IP       string    `json:"ip"`
	Port     int       `json:"port"`
	Load     *float64  `json:"load,omitempty"`
	Locality string    `json:"locality"`
	Source   string    `json:"source"`
	LastSeen time.Time `json:"last_seen"`
}
