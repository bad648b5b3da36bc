// Package client talks to a running clipforge server over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mtzanidakis/clipforge/internal/agent"
	"github.com/mtzanidakis/clipforge/internal/config"
	"github.com/mtzanidakis/clipforge/internal/registry"
	"github.com/mtzanidakis/clipforge/internal/retry"
	"github.com/mtzanidakis/clipforge/internal/workflow"
)

// APIError is a non-2xx reply from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

type Client struct {
	base     string
	password string
	http     *http.Client
	retry    retry.Policy
}

// New builds a client. password is sent as Basic Auth when set.
func New(cfg config.ClientConfig, password string) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base:     strings.TrimRight(cfg.URL, "/"),
		password: password,
		http:     &http.Client{Timeout: timeout},
		retry:    retry.FromConfig(cfg.Retry),
	}
}

func (c *Client) Submit(ctx context.Context, req workflow.Request) (*workflow.Run, error) {
	var run workflow.Run
	if err := c.do(ctx, http.MethodPost, "/api/workflows", req, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (c *Client) Get(ctx context.Context, id string) (*workflow.Run, error) {
	var run workflow.Run
	if err := c.get(ctx, "/api/workflows/"+url.PathEscape(id), &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (c *Client) List(ctx context.Context, f workflow.Filter) ([]*workflow.Run, error) {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if f.Mode != "" {
		q.Set("mode", string(f.Mode))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	path := "/api/workflows"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var runs []*workflow.Run
	if err := c.get(ctx, path, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

func (c *Client) Cancel(ctx context.Context, id string) (*workflow.Run, error) {
	var run workflow.Run
	if err := c.do(ctx, http.MethodPost, "/api/workflows/"+url.PathEscape(id)+"/cancel", nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (c *Client) Agents(ctx context.Context) (map[agent.Type]registry.AgentStatus, error) {
	var out map[agent.Type]registry.AgentStatus
	if err := c.get(ctx, "/api/agents", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.get(ctx, "/api/status", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Watch polls a run every interval and calls fn whenever its version
// changes. It returns the terminal snapshot.
func (c *Client) Watch(ctx context.Context, id string, interval time.Duration, fn func(*workflow.Run)) (*workflow.Run, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seen uint64
	for {
		run, err := c.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if fn != nil && (seen == 0 || run.Version != seen) {
			fn(run)
		}
		seen = run.Version
		if run.Status.Terminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// get retries transport failures and 5xx replies under the client policy.
func (c *Client) get(ctx context.Context, path string, out any) error {
	return retry.Do(ctx, c.retry, func(int) error {
		err := c.do(ctx, http.MethodGet, path, nil, out)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
			return retry.Permanent(err)
		}
		return err
	}, func(err error, wait time.Duration) {
		slog.Debug("retrying request", "path", path, "wait", wait, "error", err)
	})
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.password != "" {
		req.SetBasicAuth("clipforge", c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
