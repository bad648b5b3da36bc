package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/mtzanidakis/clipforge/internal/store"
)

// SQLArchive keeps evicted runs in the workflow_runs table.
type SQLArchive struct {
	db *store.Store
}

func NewSQLArchive(db *store.Store) *SQLArchive {
	return &SQLArchive{db: db}
}

func (a *SQLArchive) SaveRun(run *Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	return a.db.SaveWorkflowRun(&store.WorkflowRun{
		ID:          run.ID,
		Status:      string(run.Status),
		Mode:        string(run.Mode),
		Prompt:      run.Prompt,
		Progress:    run.Progress,
		Snapshot:    data,
		AcceptedAt:  run.AcceptedAt,
		CompletedAt: run.CompletedAt,
	})
}

func (a *SQLArchive) LoadRun(id string) (*Run, error) {
	row, err := a.db.GetWorkflowRun(id)
	if err != nil || row == nil {
		return nil, err
	}
	var run Run
	if err := json.Unmarshal(row.Snapshot, &run); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", id, err)
	}
	return &run, nil
}

// List returns archived snapshots, newest first.
func (a *SQLArchive) List(status RunStatus, limit int) ([]*Run, error) {
	rows, err := a.db.ListWorkflowRuns(string(status), limit)
	if err != nil {
		return nil, err
	}
	out := make([]*Run, 0, len(rows))
	for _, row := range rows {
		var run Run
		if err := json.Unmarshal(row.Snapshot, &run); err != nil {
			return nil, fmt.Errorf("decode run %s: %w", row.ID, err)
		}
		out = append(out, &run)
	}
	return out, nil
}
