package workflow

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mtzanidakis/clipforge/internal/agent"
)

type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeParallel   Mode = "parallel"
	ModeHybrid     Mode = "hybrid"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeSequential, ModeParallel, ModeHybrid:
		return m, nil
	case "":
		return ModeHybrid, nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, s)
	}
}

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunError     RunStatus = "error"
	RunCancelled RunStatus = "cancelled"
)

func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunError || s == RunCancelled
}

type TaskStatus string

const (
	TaskWaiting TaskStatus = "waiting"
	TaskReady   TaskStatus = "ready"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
	TaskSkipped TaskStatus = "skipped"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskFailed || s == TaskSkipped
}

// allowed lists the forward-only task transitions.
var allowed = map[TaskStatus][]TaskStatus{
	TaskWaiting: {TaskReady, TaskSkipped},
	TaskReady:   {TaskRunning, TaskSkipped},
	TaskRunning: {TaskDone, TaskFailed},
}

func canTransition(from, to TaskStatus) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

var ErrInvalidRequest = errors.New("invalid workflow request")

// Request is an accepted creation request. Treat it as immutable.
type Request struct {
	Prompt     string         `json:"prompt"`
	Mode       Mode           `json:"mode"`
	Platforms  []string       `json:"platforms"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Normalize validates r and returns a canonical copy: trimmed prompt,
// default mode and de-duplicated platforms.
func (r Request) Normalize() (Request, error) {
	out := Request{Prompt: strings.TrimSpace(r.Prompt)}
	if out.Prompt == "" {
		return Request{}, fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}

	mode, err := ParseMode(string(r.Mode))
	if err != nil {
		return Request{}, err
	}
	out.Mode = mode

	seen := make(map[string]bool, len(r.Platforms))
	for _, p := range r.Platforms {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out.Platforms = append(out.Platforms, p)
	}
	if len(out.Platforms) == 0 {
		return Request{}, fmt.Errorf("%w: at least one platform is required", ErrInvalidRequest)
	}

	out.Parameters = agent.CloneParameters(r.Parameters)
	return out, nil
}

// AgentParameters returns the override map for one agent type, if any.
func (r Request) AgentParameters(t agent.Type) map[string]any {
	m, _ := r.Parameters[string(t)].(map[string]any)
	return agent.CloneParameters(m)
}

// TaskSpec seeds one task record when a run is created.
type TaskSpec struct {
	Type     agent.Type
	HardDeps []agent.Type
	SoftDeps []agent.Type
	Weight   int
	Required bool
}

// TaskRecord is the lifecycle record of one agent within a run.
type TaskRecord struct {
	Type       agent.Type    `json:"type"`
	Status     TaskStatus    `json:"status"`
	HardDeps   []agent.Type  `json:"hard_deps"`
	SoftDeps   []agent.Type  `json:"soft_deps"`
	Result     *agent.Result `json:"result,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Retries    int           `json:"retries"`
	Weight     int           `json:"weight"`
	Required   bool          `json:"required"`
	ReadyAt    *time.Time    `json:"ready_at,omitempty"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
}

// Run is the aggregate state of one workflow. Values handed out by the
// Store are deep copies.
type Run struct {
	ID              string                     `json:"workflow_id"`
	Prompt          string                     `json:"prompt"`
	Mode            Mode                       `json:"mode"`
	Platforms       []string                   `json:"platforms"`
	Parameters      map[string]any             `json:"parameters,omitempty"`
	Status          RunStatus                  `json:"status"`
	Progress        int                        `json:"progress"`
	Tasks           map[agent.Type]*TaskRecord `json:"tasks"`
	OutputFiles     []string                   `json:"output_files"`
	Errors          []string                   `json:"errors"`
	AcceptedAt      time.Time                  `json:"accepted_at"`
	StartedAt       *time.Time                 `json:"started_at,omitempty"`
	CompletedAt     *time.Time                 `json:"completed_at,omitempty"`
	ExecutionTimeMS *int64                     `json:"execution_time_ms,omitempty"`
	Version         uint64                     `json:"version"`
}

// Request rebuilds the creation request of the run.
func (r *Run) Request() Request {
	return Request{
		Prompt:     r.Prompt,
		Mode:       r.Mode,
		Platforms:  append([]string(nil), r.Platforms...),
		Parameters: agent.CloneParameters(r.Parameters),
	}
}

// Task returns a copy of the record for t, or nil.
func (r *Run) Task(t agent.Type) *TaskRecord {
	rec, ok := r.Tasks[t]
	if !ok {
		return nil
	}
	return rec.clone()
}

// TaskTypes lists the run's tasks in canonical agent order.
func (r *Run) TaskTypes() []agent.Type {
	out := make([]agent.Type, 0, len(r.Tasks))
	for t := range r.Tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index() < out[j].Index() })
	return out
}

func (r *Run) Clone() *Run {
	out := *r
	out.Platforms = append([]string(nil), r.Platforms...)
	out.Parameters = agent.CloneParameters(r.Parameters)
	out.OutputFiles = append([]string{}, r.OutputFiles...)
	out.Errors = append([]string{}, r.Errors...)
	out.StartedAt = cloneTime(r.StartedAt)
	out.CompletedAt = cloneTime(r.CompletedAt)
	if r.ExecutionTimeMS != nil {
		ms := *r.ExecutionTimeMS
		out.ExecutionTimeMS = &ms
	}
	out.Tasks = make(map[agent.Type]*TaskRecord, len(r.Tasks))
	for t, rec := range r.Tasks {
		out.Tasks[t] = rec.clone()
	}
	return &out
}

func (rec *TaskRecord) clone() *TaskRecord {
	out := *rec
	out.HardDeps = append([]agent.Type{}, rec.HardDeps...)
	out.SoftDeps = append([]agent.Type{}, rec.SoftDeps...)
	if rec.Result != nil {
		res := rec.Result.Clone()
		out.Result = &res
	}
	out.ReadyAt = cloneTime(rec.ReadyAt)
	out.StartedAt = cloneTime(rec.StartedAt)
	out.FinishedAt = cloneTime(rec.FinishedAt)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Transition is a requested task state change.
type Transition struct {
	To     TaskStatus
	Result *agent.Result
	Reason string
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Status RunStatus
	Mode   Mode
	Limit  int
}

func (f Filter) match(r *Run) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Mode != "" && r.Mode != f.Mode {
		return false
	}
	return true
}
