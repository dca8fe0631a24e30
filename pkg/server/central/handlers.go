package central

import (
	"context"
	"errors"
	"net/http"

	"offload/pkg/dispatch"
	"offload/pkg/metrics"
	"offload/pkg/models"
	"offload/pkg/peerstore"
	"offload/pkg/registry"
	"offload/pkg/tasks"

	"github.com/labstack/echo/v4"
)

// register handles POST /register. The answer is the live peer list, the caller included.
func (s *Server) register(ctx echo.Context) error {
	var req models.RegisterRequest
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid registration"})
	}
	if req.IP == "" {
		req.IP = ctx.RealIP()
	}

	record := peerstore.FromRegistration(req, s.opts.Clock())
	if err := peerstore.ValidateRecord(record); err != nil {
		return ctx.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
	}

	reqCtx := ctx.Request().Context()
	if err := s.store.Upsert(reqCtx, record); err != nil {
		s.logger.Error().Err(err).Str("peer", record.Key()).Msg("Failed to store registration")
		return ctx.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "Failed to store registration"})
	}

	s.logger.Debug().Str("peer", record.Key()).Str("node_id", record.NodeID).Msg("Node registered")

	return s.respondPeers(ctx, reqCtx)
}

// listPeers handles GET /peers.
func (s *Server) listPeers(ctx echo.Context) error {
	return s.respondPeers(ctx, ctx.Request().Context())
}

func (s *Server) respondPeers(ctx echo.Context, reqCtx context.Context) error {
	records, err := s.LivePeers(reqCtx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list peers")
		return ctx.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "Failed to list peers"})
	}

	peers := make([]models.PeerDescriptor, 0, len(records))
	for _, record := range records {
		peers = append(peers, record.Descriptor())
	}
	return ctx.JSON(http.StatusOK, peers)
}

// dispatchTask handles POST /dispatch: the task is forwarded to the least loaded live node.
func (s *Server) dispatchTask(ctx echo.Context) error {
	if s.sender == nil {
		return ctx.JSON(http.StatusNotImplemented, models.ErrorResponse{Error: "Dispatch is disabled"})
	}

	var req models.RunRequest
	if err := ctx.Bind(&req); err != nil {
		return ctx.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "Invalid task payload"})
	}
	task, err := tasks.FromRequest(req)
	if err != nil {
		return ctx.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
	}

	reqCtx := ctx.Request().Context()
	records, err := s.LivePeers(reqCtx)
	if err != nil {
		return ctx.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "Failed to list peers"})
	}
	if len(records) == 0 {
		return ctx.JSON(http.StatusServiceUnavailable, models.ErrorResponse{Error: "No nodes available"})
	}

	peer := leastLoaded(records)

	sendCtx, cancel := context.WithTimeout(reqCtx, dispatchTimeout)
	defer cancel()

	result, err := s.sender.Send(sendCtx, peer, task)
	if err != nil {
		var taskErr *dispatch.TaskError
		if errors.As(err, &taskErr) {
			metrics.TasksExecutedTotal.WithLabelValues("remote", "false").Inc()
			return ctx.JSON(http.StatusUnprocessableEntity, models.RunResponse{TaskID: task.ID, Error: taskErr.Message})
		}

		metrics.TasksExecutedTotal.WithLabelValues("remote", "false").Inc()
		s.logger.Warn().Err(err).Str("peer", peer.Key()).Str("task_id", task.ID).Msg("Dispatch failed")
		return ctx.JSON(http.StatusBadGateway, models.ErrorResponse{Error: err.Error()})
	}

	metrics.TasksExecutedTotal.WithLabelValues("remote", "true").Inc()

	return ctx.JSON(http.StatusOK, models.SubmitResponse{
		TaskID:     task.ID,
		Result:     result,
		ExecutedBy: peer.Key(),
		Decision:   string(dispatch.DecisionOffload),
	})
}

func (s *Server) health(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func leastLoaded(records []peerstore.Record) registry.Peer {
	peers := make([]registry.Peer, 0, len(records))
	for _, record := range records {
		peers = append(peers, registry.Peer{
			NodeID:       record.NodeID,
			Address:      record.IP,
			Port:         record.Port,
			LastSeen:     record.LastSeen,
			DeclaredLoad: record.Load,
			Locality:     registry.ClassifyAddress(record.IP),
			Source:       registry.SourceCentral,
		})
	}
	registry.SortByLoad(peers)
	return peers[0]
}
