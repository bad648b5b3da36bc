package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// WorkflowRun is an archived terminal workflow snapshot.
type WorkflowRun struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	Mode        string          `json:"mode"`
	Prompt      string          `json:"prompt"`
	Progress    int             `json:"progress"`
	Snapshot    json.RawMessage `json:"snapshot"`
	AcceptedAt  time.Time       `json:"accepted_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	ArchivedAt  time.Time       `json:"archived_at"`
}

const runColumns = `id, status, mode, prompt, progress, snapshot, accepted_at, completed_at, archived_at`

func scanRun(s scanner) (*WorkflowRun, error) {
	r := &WorkflowRun{}
	var snapshot string
	err := s.Scan(&r.ID, &r.Status, &r.Mode, &r.Prompt, &r.Progress, &snapshot, &r.AcceptedAt, &r.CompletedAt, &r.ArchivedAt)
	if err != nil {
		return nil, err
	}
	r.Snapshot = json.RawMessage(snapshot)
	return r, nil
}

func (s *Store) SaveWorkflowRun(r *WorkflowRun) error {
	_, err := s.db.Exec(`
		INSERT INTO workflow_runs (id, status, mode, prompt, progress, snapshot, accepted_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			progress = excluded.progress,
			snapshot = excluded.snapshot,
			completed_at = excluded.completed_at,
			archived_at = CURRENT_TIMESTAMP`,
		r.ID, r.Status, r.Mode, r.Prompt, r.Progress, string(r.Snapshot), r.AcceptedAt.UTC(), utcPtr(r.CompletedAt))
	if err != nil {
		return fmt.Errorf("save workflow run: %w", err)
	}
	return nil
}

func (s *Store) GetWorkflowRun(id string) (*WorkflowRun, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM workflow_runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow run: %w", err)
	}
	return r, nil
}

// ListWorkflowRuns returns archived runs, newest first. An empty status
// matches all runs; limit <= 0 means no limit.
func (s *Store) ListWorkflowRuns(status string, limit int) ([]WorkflowRun, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT `+runColumns+` FROM workflow_runs
		WHERE (? = '' OR status = ?)
		ORDER BY accepted_at DESC LIMIT ?`, status, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list workflow runs: %w", err)
	}
	defer rows.Close()

	var runs []WorkflowRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// DeleteWorkflowRunsBefore prunes archived runs accepted before t.
func (s *Store) DeleteWorkflowRunsBefore(t time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM workflow_runs WHERE accepted_at < ?`, t.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete workflow runs: %w", err)
	}
	return res.RowsAffected()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
