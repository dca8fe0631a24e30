package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"offload/pkg/log"
	"offload/pkg/models"
	"offload/pkg/registry"
	"offload/pkg/security"
	"offload/pkg/tasks"

	"github.com/hashicorp/go-retryablehttp"
)

const maxRunResponseSize = 16 << 20

// HTTPSender delivers tasks to peers with POST /run. It never retries:
// a failed delivery falls back to local execution instead.
type HTTPSender struct {
	client *retryablehttp.Client
	signer security.Signer
	nodeID string
}

// NewHTTPSender creates a sender identifying itself as nodeID.
func NewHTTPSender(nodeID string, signer security.Signer) *HTTPSender {
	if signer == nil {
		signer = security.Noop{}
	}
	return &HTTPSender{
		client: registry.NewRetryableClient(0, 100*time.Millisecond, time.Second),
		signer: signer,
		nodeID: nodeID,
	}
}

// Send posts the task and returns the peer's result. A 422 answer is the peer
// reporting a task failure and becomes a TaskError; any other status outside
// 2xx is a DeliveryError.
func (s *HTTPSender) Send(ctx context.Context, peer registry.Peer, task tasks.Task) (json.RawMessage, error) {
	body, err := json.Marshal(task.Request(s.nodeID))
	if err != nil {
		return nil, fmt.Errorf("encode task %s: %w", task.ID, err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, peer.URL("/run"), bytes.NewReader(body))
	if err != nil {
		return nil, &DeliveryError{Peer: peer.Key(), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if s.signer.Enabled() {
		req.Header.Set(security.SignatureHeader, s.signer.Sign(body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &DeliveryError{Peer: peer.Key(), Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Msg("Failed to close run response body")
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxRunResponseSize))
	if err != nil {
		return nil, &DeliveryError{Peer: peer.Key(), Err: err}
	}

	switch {
	case resp.StatusCode/100 == 2:
		var decoded models.RunResponse
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, &DeliveryError{Peer: peer.Key(), Err: fmt.Errorf("decode run response: %w", err)}
		}
		return decoded.Result, nil
	case resp.StatusCode == http.StatusUnprocessableEntity:
		var decoded models.RunResponse
		message := string(raw)
		if err := json.Unmarshal(raw, &decoded); err == nil && decoded.Error != "" {
			message = decoded.Error
		}
		return nil, &TaskError{TaskID: task.ID, Peer: peer.Key(), Message: message}
	default:
		return nil, &DeliveryError{Peer: peer.Key(), StatusCode: resp.StatusCode}
	}
}
