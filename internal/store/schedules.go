package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Schedule is a recurring workflow trigger.
type Schedule struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Schedule       string         `json:"schedule"`
	Prompt         string         `json:"prompt"`
	Mode           string         `json:"mode"`
	Platforms      []string       `json:"platforms"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	Status         string         `json:"status"`
	NextRunAt      *time.Time     `json:"next_run_at,omitempty"`
	LastRunAt      *time.Time     `json:"last_run_at,omitempty"`
	LastStatus     string         `json:"last_status,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
	LastWorkflowID string         `json:"last_workflow_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

const scheduleColumns = `id, name, schedule, prompt, mode, platforms, parameters, status,
	next_run_at, last_run_at, last_status, last_error, last_workflow_id, created_at`

func scanSchedule(s scanner) (*Schedule, error) {
	sc := &Schedule{}
	var platforms string
	var params, lastStatus, lastError, lastWorkflow sql.NullString
	err := s.Scan(&sc.ID, &sc.Name, &sc.Schedule, &sc.Prompt, &sc.Mode, &platforms, &params, &sc.Status,
		&sc.NextRunAt, &sc.LastRunAt, &lastStatus, &lastError, &lastWorkflow, &sc.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(platforms), &sc.Platforms); err != nil {
		return nil, fmt.Errorf("decode platforms: %w", err)
	}
	if params.Valid && params.String != "" && params.String != "null" {
		if err := json.Unmarshal([]byte(params.String), &sc.Parameters); err != nil {
			return nil, fmt.Errorf("decode parameters: %w", err)
		}
	}
	sc.LastStatus = lastStatus.String
	sc.LastError = lastError.String
	sc.LastWorkflowID = lastWorkflow.String
	return sc, nil
}

func (s *Store) SaveSchedule(sc *Schedule) error {
	platforms, err := json.Marshal(sc.Platforms)
	if err != nil {
		return fmt.Errorf("encode platforms: %w", err)
	}
	var params any
	if sc.Parameters != nil {
		b, err := json.Marshal(sc.Parameters)
		if err != nil {
			return fmt.Errorf("encode parameters: %w", err)
		}
		params = string(b)
	}
	_, err = s.db.Exec(`
		INSERT INTO schedules (id, name, schedule, prompt, mode, platforms, parameters, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			schedule = excluded.schedule,
			prompt = excluded.prompt,
			mode = excluded.mode,
			platforms = excluded.platforms,
			parameters = excluded.parameters,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		sc.ID, sc.Name, sc.Schedule, sc.Prompt, sc.Mode, string(platforms), params, sc.Status, utcPtr(sc.NextRunAt))
	if err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

func (s *Store) GetSchedule(id string) (*Schedule, error) {
	row := s.db.QueryRow(`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return sc, nil
}

func (s *Store) ListSchedules() ([]Schedule, error) {
	return s.querySchedules(`SELECT ` + scheduleColumns + ` FROM schedules ORDER BY created_at, id`)
}

// GetDueSchedules returns active schedules whose next run is at or before now.
func (s *Store) GetDueSchedules(now time.Time) ([]Schedule, error) {
	return s.querySchedules(`
		SELECT `+scheduleColumns+` FROM schedules
		WHERE status = 'active' AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at`, now.UTC())
}

func (s *Store) querySchedules(query string, args ...any) ([]Schedule, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, *sc)
	}
	return out, rows.Err()
}

// UpdateScheduleRun records the outcome of a trigger and the next due time.
func (s *Store) UpdateScheduleRun(id, lastStatus, lastError, workflowID string, nextRunAt *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE schedules
		SET last_run_at = ?, last_status = ?, last_error = ?, last_workflow_id = ?, next_run_at = ?
		WHERE id = ?`, time.Now().UTC(), lastStatus, lastError, workflowID, utcPtr(nextRunAt), id)
	if err != nil {
		return fmt.Errorf("update schedule run: %w", err)
	}
	return nil
}

func (s *Store) UpdateScheduleStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE schedules SET status = ? WHERE id = ?`, status, id)
	return err
}

func (s *Store) DeleteSchedule(id string) error {
	_, err := s.db.Exec(`DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return nil
}
