package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Reply is the wire shape remote agents answer with, over HTTP or NATS.
type Reply struct {
	Result    *Result `json:"result,omitempty"`
	Error     string  `json:"error,omitempty"`
	Permanent bool    `json:"permanent,omitempty"`
}

func (r Reply) unwrap() (Result, error) {
	if r.Error != "" {
		return Result{}, &Failure{Reason: r.Error, Permanent: r.Permanent}
	}
	if r.Result == nil {
		return Result{}, Failf("empty reply")
	}
	return *r.Result, nil
}

// ReplyFor converts an Execute outcome into its wire form.
func ReplyFor(res Result, err error) Reply {
	if err != nil {
		return Reply{Error: err.Error(), Permanent: IsPermanent(err)}
	}
	return Reply{Result: &res}
}

// HTTPAdapter posts the task as JSON to a remote agent service.
type HTTPAdapter struct {
	Endpoint string
	Token    string
	client   *http.Client
}

func NewHTTPAdapter(endpoint, token string, timeout time.Duration) *HTTPAdapter {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &HTTPAdapter{
		Endpoint: endpoint,
		Token:    token,
		client:   &http.Client{Timeout: timeout},
	}
}

func (a *HTTPAdapter) Execute(ctx context.Context, task Task) (Result, error) {
	body, err := json.Marshal(task)
	if err != nil {
		return Result{}, &Failure{Reason: "encode task", Permanent: true, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, &Failure{Reason: "build request", Permanent: true, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if a.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.Token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return Result{}, err
		}
		return Result{}, &Failure{Reason: "agent endpoint unreachable", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Result{}, &Failure{Reason: "read reply", Err: err}
	}

	if resp.StatusCode >= 400 {
		var reply Reply
		msg := fmt.Sprintf("agent endpoint returned %d", resp.StatusCode)
		if json.Unmarshal(data, &reply) == nil && reply.Error != "" {
			msg = reply.Error
		}
		// 4xx means the task itself is bad; retrying will not help.
		return Result{}, &Failure{Reason: msg, Permanent: resp.StatusCode < 500}
	}

	var reply Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		return Result{}, &Failure{Reason: "decode reply", Err: err}
	}
	return reply.unwrap()
}

func (a *HTTPAdapter) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.Endpoint, nil)
	if err != nil {
		return err
	}
	if a.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.Token)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}
