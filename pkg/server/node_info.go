package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"offload/pkg/models"
	"offload/pkg/monitor"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
)

const bytesPerMB = 1024 * 1024

// getNodeInfo handles the GET /node/info endpoint.
func (s *NodeServer) getNodeInfo(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, s.collectNodeInfo(ctx.Request().Context()))
}

// collectNodeInfo gathers the load, device and peer view of the node.
func (s *NodeServer) collectNodeInfo(ctx context.Context) models.NodeInfo {
	uptime := int64(time.Since(s.started).Seconds())

	info := models.NodeInfo{
		NodeID:        s.opts.NodeID,
		Uptime:        formatUptime(uptime),
		UptimeSeconds: uptime,
		Load:          loadReport(s.snapshot(ctx)),
	}

	if s.deps.Devices != nil {
		info.Devices = s.deps.Devices.Report(ctx)
	}
	if s.deps.Peers != nil {
		info.PeerCount = len(s.deps.Peers.ListPeers())
	}

	return info
}

func (s *NodeServer) snapshot(ctx context.Context) monitor.Snapshot {
	if snapshot, ok := s.deps.Load.Latest(); ok {
		return snapshot
	}
	return s.deps.Load.Sample(ctx)
}

func loadReport(snapshot monitor.Snapshot) models.LoadReport {
	return models.LoadReport{
		SampledAt:            snapshot.Instant.Timestamp,
		InstantCPU:           snapshot.Instant.CPUFraction,
		AverageCPU:           snapshot.Average.CPU,
		InstantMemoryMB:      snapshot.Instant.MemoryAvailableMB,
		AverageMemoryMB:      snapshot.Average.MemoryMB,
		AverageMemoryPercent: snapshot.Average.MemoryPercent,
		MemoryAvailable:      humanize.IBytes(uint64(snapshot.Instant.MemoryAvailableMB * bytesPerMB)),
		Recommendation:       string(snapshot.Recommendation),
		CanReceive:           snapshot.CanReceive,
		Degraded:             snapshot.Degraded,
	}
}

// formatUptime converts seconds to human-readable format.
func formatUptime(seconds int64) string {
	duration := time.Duration(seconds) * time.Second
	const hoursInDay = 24
	const minutesInHour = 60
	days := int(duration.Hours()) / hoursInDay
	hours := int(duration.Hours()) % hoursInDay
	minutes := int(duration.Minutes()) % minutesInHour

	switch {
	case days > 0:
		return strconv.Itoa(days) + "d " + strconv.Itoa(hours) + "h " + strconv.Itoa(minutes) + "m"
	case hours > 0:
		return strconv.Itoa(hours) + "h " + strconv.Itoa(minutes) + "m"
	default:
		return strconv.Itoa(minutes) + "m"
	}
}
