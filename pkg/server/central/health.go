package central

import (
	"context"
	"sync"
	"time"

	"offload/pkg/metrics"
	"offload/pkg/peerstore"
)

// LivePeers prunes registrations older than the heartbeat TTL and lists the rest.
func (s *Server) LivePeers(ctx context.Context) ([]peerstore.Record, error) {
	if _, err := s.Prune(ctx); err != nil {
		return nil, err
	}

	records, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	metrics.CentralPeers.Set(float64(len(records)))
	return records, nil
}

// Prune removes registrations whose last refresh is older than the heartbeat TTL.
func (s *Server) Prune(ctx context.Context) ([]string, error) {
	removed, err := s.store.PruneBefore(ctx, s.opts.Clock().Add(-s.opts.HeartbeatTTL))
	if err != nil {
		return nil, err
	}
	for _, key := range removed {
		s.logger.Info().Str("peer", key).Msg("Registration expired")
	}
	return removed, nil
}

// CheckAll prunes expired registrations and probes the rest concurrently.
// A failed probe removes the node; a good one refreshes it.
func (s *Server) CheckAll(ctx context.Context) {
	records, err := s.LivePeers(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Health sweep could not list peers")
		return
	}

	var wg sync.WaitGroup
	for _, record := range records {
		wg.Add(1)
		go func(record peerstore.Record) {
			defer wg.Done()
			s.check(ctx, record)
		}(record)
	}
	wg.Wait()

	if remaining, err := s.store.List(ctx); err == nil {
		metrics.CentralPeers.Set(float64(len(remaining)))
	}
}

func (s *Server) check(ctx context.Context, record peerstore.Record) {
	probeCtx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
	defer cancel()

	if err := s.prober.Probe(probeCtx, "http://"+record.Key()); err != nil {
		if removeErr := s.store.Remove(ctx, record.Key()); removeErr != nil {
			s.logger.Debug().Err(removeErr).Str("peer", record.Key()).Msg("Failed node already gone")
			return
		}
		s.logger.Warn().Err(err).Str("peer", record.Key()).Msg("Node failed health probe, removed")
		return
	}

	refresh := peerstore.Record{NodeID: record.NodeID, IP: record.IP, Port: record.Port, LastSeen: s.opts.Clock()}
	if err := s.store.Upsert(ctx, refresh); err != nil {
		s.logger.Warn().Err(err).Str("peer", record.Key()).Msg("Failed to refresh node")
	}
}

func (s *Server) healthLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.CheckAll(context.Background())
		case <-s.stopCh:
			return
		}
	}
}
