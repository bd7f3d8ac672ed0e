package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/quantfold/simwatch/internal/progress"
)

const maxStatusBody = 1 << 20

// StatusClient fetches one-shot job progress reports over HTTP.
type StatusClient struct {
	base   string
	client *http.Client
	logger *zap.Logger
}

// NewStatusClient builds a client for the given base URL (http:// or
// https://). timeout bounds each request; zero falls back to 3s.
func NewStatusClient(baseURL string, timeout time.Duration, logger *zap.Logger) *StatusClient {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusClient{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// JobProgress fetches the current progress frame for jobID. A 404 from the
// service maps to the terminal not_found status rather than an error, so
// the polling loop can finish a job the server no longer knows about.
func (c *StatusClient) JobProgress(ctx context.Context, jobID string) (progress.Frame, error) {
	endpoint := fmt.Sprintf("%s/api/jobs/%s/progress", c.base, url.PathEscape(jobID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return progress.Frame{}, fmt.Errorf("build progress request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return progress.Frame{}, fmt.Errorf("job progress request: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return progress.Frame{Status: string(progress.StatusNotFound)}, nil
	case resp.StatusCode != http.StatusOK:
		return progress.Frame{}, fmt.Errorf("job progress: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxStatusBody))
	if err != nil {
		return progress.Frame{}, fmt.Errorf("read progress response: %w", err)
	}
	return progress.DecodeFrame(body)
}
