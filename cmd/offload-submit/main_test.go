package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"offload/pkg/models"
	"offload/pkg/registry"

	"github.com/stretchr/testify/suite"
)

// SubmitClientTestSuite tests the submit client helpers
type SubmitClientTestSuite struct {
	suite.Suite
}

// TestBuildRequest checks flag values become a run request
func (s *SubmitClientTestSuite) TestBuildRequest() {
	req, err := buildRequest("prime_count", `[1000]`, `{}`, "cpu")
	s.Require().NoError(err)
	s.NotEmpty(req.TaskID)
	s.Equal("prime_count", req.Function)
	s.Require().Len(req.Args, 1)
	s.JSONEq(`1000`, string(req.Args[0]))
	s.Equal("cpu", req.ResourceClass)

	_, err = buildRequest("square", `not json`, `{}`, "")
	s.Error(err)
	_, err = buildRequest("square", `[]`, `[1]`, "")
	s.Error(err)
}

// TestSubmit checks success and failure answers
func (s *SubmitClientTestSuite) TestSubmit() {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req models.RunRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		if req.Function == "divide" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_ = json.NewEncoder(w).Encode(models.ErrorResponse{Error: "division by zero"})
			return
		}
		_ = json.NewEncoder(w).Encode(models.SubmitResponse{TaskID: req.TaskID, Result: json.RawMessage(`4`), ExecutedBy: "local"})
	}))
	defer ts.Close()

	client := registry.NewRetryableClient(0, time.Millisecond, time.Millisecond)

	body, err := submit(context.Background(), client, ts.URL+"/submit", models.RunRequest{TaskID: "t", Function: "square"})
	s.Require().NoError(err)
	s.Contains(string(body), `"executed_by":"local"`)

	_, err = submit(context.Background(), client, ts.URL+"/submit", models.RunRequest{TaskID: "t", Function: "divide"})
	s.ErrorIs(err, errSubmitFailed)
	s.Contains(err.Error(), "division by zero")
}

func TestSubmitClientSuite(t *testing.T) {
	suite.Run(t, new(SubmitClientTestSuite))
}
