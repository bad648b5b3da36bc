// Package trigger submits workflows for due schedules.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mtzanidakis/clipforge/internal/natsbus"
	"github.com/mtzanidakis/clipforge/internal/schedule"
	"github.com/mtzanidakis/clipforge/internal/store"
	"github.com/mtzanidakis/clipforge/internal/workflow"
)

const (
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
)

// Submitter is the scheduler entry point used to start runs.
type Submitter interface {
	Submit(ctx context.Context, req workflow.Request) (*workflow.Run, error)
}

type Publisher interface {
	PublishJSON(topic string, v any) error
}

type Trigger struct {
	store  *store.Store
	submit Submitter
	events Publisher
	now    func() time.Time

	mu           sync.Mutex
	pollInterval time.Duration
	reloadCh     chan struct{}
}

func New(s *store.Store, submit Submitter, events Publisher, pollInterval time.Duration) *Trigger {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	return &Trigger{
		store:        s,
		submit:       submit,
		events:       events,
		now:          time.Now,
		pollInterval: pollInterval,
		reloadCh:     make(chan struct{}, 1),
	}
}

// UpdateConfig changes the poll interval and resets the running ticker.
func (t *Trigger) UpdateConfig(pollInterval time.Duration) {
	if pollInterval <= 0 {
		return
	}
	t.mu.Lock()
	t.pollInterval = pollInterval
	t.mu.Unlock()
	select {
	case t.reloadCh <- struct{}{}:
	default:
	}
}

func (t *Trigger) interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pollInterval
}

func (t *Trigger) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval())
	defer ticker.Stop()

	slog.Info("trigger started", "poll_interval", t.interval())

	for {
		select {
		case <-ctx.Done():
			slog.Info("trigger stopped")
			return
		case <-t.reloadCh:
			ticker.Reset(t.interval())
			slog.Info("trigger config reloaded", "poll_interval", t.interval())
		case <-ticker.C:
			t.Poll(ctx)
		}
	}
}

// Poll fires every schedule that is due now.
func (t *Trigger) Poll(ctx context.Context) {
	due, err := t.store.GetDueSchedules(t.now())
	if err != nil {
		slog.Error("failed to get due schedules", "error", err)
		return
	}
	for _, sc := range due {
		t.fire(ctx, sc)
	}
}

func (t *Trigger) fire(ctx context.Context, sc store.Schedule) {
	slog.Info("firing schedule", "id", sc.ID, "name", sc.Name)

	req := workflow.Request{
		Prompt:     sc.Prompt,
		Mode:       workflow.Mode(sc.Mode),
		Platforms:  sc.Platforms,
		Parameters: sc.Parameters,
	}

	var lastStatus, lastError, workflowID string
	run, err := t.submit.Submit(ctx, req)
	if err != nil {
		lastStatus = "error"
		lastError = err.Error()
		slog.Error("scheduled workflow rejected", "id", sc.ID, "error", err)
	} else {
		lastStatus = "submitted"
		workflowID = run.ID
	}

	next := schedule.NextRun(sc.Schedule, t.now())
	if err := t.store.UpdateScheduleRun(sc.ID, lastStatus, lastError, workflowID, next); err != nil {
		slog.Error("failed to update schedule run", "id", sc.ID, "error", err)
	}
	if next == nil {
		slog.Info("schedule has no next run, completing", "id", sc.ID, "name", sc.Name)
		if err := t.store.UpdateScheduleStatus(sc.ID, StatusCompleted); err != nil {
			slog.Error("failed to complete schedule", "id", sc.ID, "error", err)
		}
	}

	if t.events != nil {
		_ = t.events.PublishJSON(natsbus.TopicEventsTrigger, map[string]any{
			"type":        "schedule_fired",
			"schedule_id": sc.ID,
			"name":        sc.Name,
			"status":      lastStatus,
			"workflow_id": workflowID,
			"timestamp":   t.now().UTC().Format(time.RFC3339),
		})
	}
}

// Input is a schedule creation request.
type Input struct {
	Name       string         `json:"name"`
	Schedule   string         `json:"schedule"`
	Prompt     string         `json:"prompt"`
	Mode       string         `json:"mode"`
	Platforms  []string       `json:"platforms"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

var ErrInvalidInput = errors.New("invalid schedule input")

// Create validates in and stores an active schedule due at its first tick.
func (t *Trigger) Create(in Input) (*store.Schedule, error) {
	spec, err := schedule.Parse(in.Schedule)
	if err != nil {
		return nil, err
	}
	req, err := workflow.Request{
		Prompt:     in.Prompt,
		Mode:       workflow.Mode(in.Mode),
		Platforms:  in.Platforms,
		Parameters: in.Parameters,
	}.Normalize()
	if err != nil {
		return nil, err
	}
	// An unset mode follows the scheduler default at fire time.
	if strings.TrimSpace(in.Mode) == "" {
		req.Mode = ""
	}

	next, ok := spec.Next(t.now())
	if !ok {
		return nil, fmt.Errorf("%w: schedule never fires", ErrInvalidInput)
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = spec.Describe()
	}

	sc := &store.Schedule{
		ID:         uuid.NewString(),
		Name:       name,
		Schedule:   spec.Encode(),
		Prompt:     req.Prompt,
		Mode:       string(req.Mode),
		Platforms:  req.Platforms,
		Parameters: req.Parameters,
		Status:     StatusActive,
		NextRunAt:  &next,
	}
	if err := t.store.SaveSchedule(sc); err != nil {
		return nil, err
	}
	slog.Info("schedule created", "id", sc.ID, "name", sc.Name, "next_run", next)
	return sc, nil
}
