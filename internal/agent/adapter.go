package agent

import (
	"context"
	"errors"
	"fmt"
)

const (
	KindSimulated = "simulated"
	KindHTTP      = "http"
	KindNATS      = "nats"
)

// Adapter is the uniform contract every specialist agent implements.
type Adapter interface {
	Execute(ctx context.Context, task Task) (Result, error)
}

// AdapterFunc lets a plain function act as an Adapter.
type AdapterFunc func(ctx context.Context, task Task) (Result, error)

func (f AdapterFunc) Execute(ctx context.Context, task Task) (Result, error) {
	return f(ctx, task)
}

// HealthChecker is implemented by adapters that can report liveness.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Task is the payload handed to an adapter for one workflow.
type Task struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	Type       Type            `json:"type"`
	Prompt     string          `json:"prompt"`
	Platforms  []string        `json:"platforms"`
	Parameters map[string]any  `json:"parameters,omitempty"`
	Inputs     map[Type]Result `json:"inputs,omitempty"`
	Attempt    int             `json:"attempt"`
}

// Result is what an adapter produces on success.
type Result struct {
	Summary   string         `json:"summary,omitempty"`
	Artifacts []string       `json:"artifacts,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (r Result) Clone() Result {
	out := Result{Summary: r.Summary}
	if r.Artifacts != nil {
		out.Artifacts = append([]string(nil), r.Artifacts...)
	}
	if r.Data != nil {
		out.Data = cloneAny(r.Data)
	}
	return out
}

func cloneAny(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch vv := v.(type) {
		case map[string]any:
			out[k] = cloneAny(vv)
		case []any:
			out[k] = append([]any(nil), vv...)
		case []string:
			out[k] = append([]string(nil), vv...)
		default:
			out[k] = v
		}
	}
	return out
}

// CloneParameters deep-copies a request parameter map.
func CloneParameters(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return cloneAny(m)
}

// Failure is a typed adapter failure. Permanent failures are not retried.
type Failure struct {
	Reason    string
	Permanent bool
	Err       error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %v", f.Reason, f.Err)
	}
	return f.Reason
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Failf builds a retryable Failure.
func Failf(format string, args ...any) *Failure {
	return &Failure{Reason: fmt.Sprintf(format, args...)}
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	var f *Failure
	return errors.As(err, &f) && f.Permanent
}
