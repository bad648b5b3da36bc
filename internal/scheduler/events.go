package scheduler

import (
	"log/slog"
	"time"

	"github.com/mtzanidakis/clipforge/internal/natsbus"
	"github.com/mtzanidakis/clipforge/internal/workflow"
)

const (
	EventAccepted = "workflow_accepted"
	EventStarted  = "workflow_started"
	EventTask     = "task_transition"
	EventRetry    = "task_retry"
	EventFinished = "workflow_finished"
)

// Publisher is the subset of the bus client used for events.
type Publisher interface {
	PublishJSON(topic string, v any) error
}

// Event is published on events.workflow.<id> after every state change.
type Event struct {
	Type       string              `json:"type"`
	WorkflowID string              `json:"workflow_id"`
	Mode       workflow.Mode       `json:"mode"`
	Status     workflow.RunStatus  `json:"status"`
	Progress   int                 `json:"progress"`
	Agent      string              `json:"agent,omitempty"`
	TaskStatus workflow.TaskStatus `json:"task_status,omitempty"`
	Reason     string              `json:"reason,omitempty"`
	Errors     []string            `json:"errors,omitempty"`
	Outputs    []string            `json:"output_files,omitempty"`
	Timestamp  time.Time           `json:"timestamp"`
}

func (s *Scheduler) publish(typ string, run *workflow.Run, rec *workflow.TaskRecord) {
	if s.events == nil || run == nil {
		return
	}
	ev := Event{
		Type:       typ,
		WorkflowID: run.ID,
		Mode:       run.Mode,
		Status:     run.Status,
		Progress:   run.Progress,
		Timestamp:  time.Now().UTC(),
	}
	if rec != nil {
		ev.Agent = string(rec.Type)
		ev.TaskStatus = rec.Status
		ev.Reason = rec.Reason
	}
	if typ == EventFinished {
		ev.Errors = run.Errors
		ev.Outputs = run.OutputFiles
	}
	if err := s.events.PublishJSON(natsbus.TopicWorkflowEvents(run.ID), ev); err != nil {
		slog.Debug("failed to publish workflow event", "id", run.ID, "type", typ, "error", err)
	}
}
