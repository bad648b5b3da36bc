package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Agent is the persisted registration of one agent type.
type Agent struct {
	ID           string    `json:"id"`
	Priority     string    `json:"priority"`
	Concurrent   bool      `json:"concurrent"`
	Kind         string    `json:"kind"`
	Capabilities []string  `json:"capabilities"`
	Weight       int       `json:"weight"`
	Required     bool      `json:"required"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

const agentColumns = `id, priority, concurrent, kind, capabilities, weight, required, created_at, updated_at`

func scanAgent(s scanner) (*Agent, error) {
	a := &Agent{}
	var caps sql.NullString
	if err := s.Scan(&a.ID, &a.Priority, &a.Concurrent, &a.Kind, &caps, &a.Weight, &a.Required, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	if caps.Valid && caps.String != "" {
		if err := json.Unmarshal([]byte(caps.String), &a.Capabilities); err != nil {
			return nil, fmt.Errorf("decode capabilities: %w", err)
		}
	}
	return a, nil
}

func (s *Store) SaveAgent(a *Agent) error {
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fmt.Errorf("encode capabilities: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO agents (id, priority, concurrent, kind, capabilities, weight, required, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			priority = excluded.priority,
			concurrent = excluded.concurrent,
			kind = excluded.kind,
			capabilities = excluded.capabilities,
			weight = excluded.weight,
			required = excluded.required,
			updated_at = CURRENT_TIMESTAMP`,
		a.ID, a.Priority, boolToInt(a.Concurrent), a.Kind, string(caps), a.Weight, boolToInt(a.Required))
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(id string) (*Agent, error) {
	row := s.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *Store) ListAgents() ([]Agent, error) {
	rows, err := s.db.Query(`SELECT ` + agentColumns + ` FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

func (s *Store) DeleteAgentsNotIn(ids []string) error {
	if len(ids) == 0 {
		_, err := s.db.Exec(`DELETE FROM agents`)
		return err
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `DELETE FROM agents WHERE id NOT IN (` + strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",") + `)`
	_, err := s.db.Exec(query, args...)
	return err
}
