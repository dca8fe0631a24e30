package main

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"offload/pkg/log"
	"offload/pkg/models"
	"offload/pkg/registry"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	defaultNodeURL  = "http://127.0.0.1:7520"
	defaultTimeout  = 2 * time.Minute
	defaultRetryMax = 2
	maxResponseSize = 16 << 20
)

//go:embed VERSION
var Version string

var errSubmitFailed = errors.New("submit failed")

func main() {
	_ = log.Logger

	nodeURL := flag.String("node", defaultNodeURL, "Node base URL")
	function := flag.String("function", "", "Operation name, e.g. square or prime_count")
	args := flag.String("args", "[]", "Positional arguments as a JSON array")
	kwargs := flag.String("kwargs", "{}", "Named arguments as a JSON object")
	class := flag.String("class", "", "Resource class hint (CPU, GPU, ...)")
	central := flag.Bool("central", false, "Send to a central registry's /dispatch instead of a node's /submit")
	timeout := flag.Duration("timeout", defaultTimeout, "Overall request timeout")
	retryMax := flag.Int("retry-max", defaultRetryMax, "Retries on connection failure")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Println(strings.TrimSpace(Version))
		return
	}
	if *function == "" {
		log.Fatal().Msg("An operation must be given with -function")
	}

	req, err := buildRequest(*function, *args, *kwargs, *class)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid task")
	}

	path := "/submit"
	if *central {
		path = "/dispatch"
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := registry.NewRetryableClient(*retryMax, time.Second, 5*time.Second)
	body, err := submit(ctx, client, strings.TrimRight(*nodeURL, "/")+path, req)
	if err != nil {
		log.Fatal().Err(err).Str("task_id", req.TaskID).Msg("Task failed")
	}

	fmt.Println(string(body))
}

func buildRequest(function, rawArgs, rawKwargs, class string) (models.RunRequest, error) {
	req := models.RunRequest{
		TaskID:        uuid.NewString(),
		Function:      function,
		ResourceClass: class,
	}
	if err := json.Unmarshal([]byte(rawArgs), &req.Args); err != nil {
		return models.RunRequest{}, fmt.Errorf("-args: %w", err)
	}
	if err := json.Unmarshal([]byte(rawKwargs), &req.Kwargs); err != nil {
		return models.RunRequest{}, fmt.Errorf("-kwargs: %w", err)
	}
	return req, nil
}

func submit(ctx context.Context, client *retryablehttp.Client, url string, task models.RunRequest) ([]byte, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		var failure models.ErrorResponse
		if json.Unmarshal(body, &failure) == nil && failure.Error != "" {
			return nil, fmt.Errorf("%w: %s (status %d)", errSubmitFailed, failure.Error, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: status %d", errSubmitFailed, resp.StatusCode)
	}
	return body, nil
}
