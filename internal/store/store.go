// Package store persists the agent directory and area layout.
//
// store.go - SQLite-backed directory store
//
// This file contains:
// - Store: agent CRUD with partial updates
// - Area sync (whole-set replacement)
// - ApplyUsage: idempotent token/cost accounting reducer
//
// The orchestration layer calls this store to reflect status; it does
// not own runtime state. Usage events are deduplicated durably so a
// crash-recovery log replay never double-counts tokens or cost.

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var ErrAgentNotFound = errors.New("agent not found")

// Store handles agent and area persistence
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the directory database under dataDir
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "garrison.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// exit handlers, hub snapshots and observer commands all hit this
	// store concurrently; a single connection serializes them so writers
	// queue instead of surfacing SQLITE_BUSY
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		working_dir TEXT NOT NULL,
		backend TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		area_id TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'idle',
		last_error TEXT NOT NULL DEFAULT '',
		context_used INTEGER NOT NULL DEFAULT 0,
		context_limit INTEGER NOT NULL DEFAULT 0,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		last_activity DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS areas (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT '',
		position TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS usage_events (
		agent_id TEXT NOT NULL,
		event_key TEXT NOT NULL,
		PRIMARY KEY (agent_id, event_key)
	);
	CREATE INDEX IF NOT EXISTS idx_agents_area ON agents(area_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateAgent inserts a new agent record
func (s *Store) CreateAgent(a *Agent) error {
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.LastActivity.IsZero() {
		a.LastActivity = now
	}
	if a.Status == "" {
		a.Status = StatusIdle
	}

	_, err := s.db.Exec(
		`INSERT INTO agents (id, name, working_dir, backend, model, area_id, session_id, status,
			last_error, context_used, context_limit, input_tokens, output_tokens, cost_usd,
			created_at, last_activity)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.WorkingDir, a.Backend, a.Model, a.AreaID, a.SessionID, a.Status,
		a.LastError, a.ContextUsed, a.ContextLimit, a.InputTokens, a.OutputTokens, a.CostUSD,
		a.CreatedAt, a.LastActivity,
	)
	if err != nil {
		return fmt.Errorf("failed to insert agent: %w", err)
	}
	return nil
}

// GetAgent returns one agent by id
func (s *Store) GetAgent(id string) (*Agent, error) {
	row := s.db.QueryRow(
		`SELECT id, name, working_dir, backend, model, area_id, session_id, status,
			last_error, context_used, context_limit, input_tokens, output_tokens, cost_usd,
			created_at, last_activity
		 FROM agents WHERE id = ?`, id)
	return scanAgent(row)
}

// ListAgents returns all agents ordered by creation time
func (s *Store) ListAgents() ([]*Agent, error) {
	rows, err := s.db.Query(
		`SELECT id, name, working_dir, backend, model, area_id, session_id, status,
			last_error, context_used, context_limit, input_tokens, output_tokens, cost_usd,
			created_at, last_activity
		 FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// UpdateAgent applies a partial update. touchActivity bumps
// last_activity so idle detection reflects real traffic, not metadata
// edits.
func (s *Store) UpdateAgent(id string, upd AgentUpdate, touchActivity bool) error {
	var sets []string
	var args []interface{}

	add := func(col string, val interface{}) {
		sets = append(sets, col+" = ?")
		args = append(args, val)
	}

	if upd.Name != nil {
		add("name", *upd.Name)
	}
	if upd.WorkingDir != nil {
		add("working_dir", *upd.WorkingDir)
	}
	if upd.AreaID != nil {
		add("area_id", *upd.AreaID)
	}
	if upd.SessionID != nil {
		add("session_id", *upd.SessionID)
	}
	if upd.Status != nil {
		add("status", string(*upd.Status))
	}
	if upd.LastError != nil {
		add("last_error", *upd.LastError)
	}
	if upd.ContextUsed != nil {
		add("context_used", *upd.ContextUsed)
	}
	if upd.ContextLimit != nil {
		add("context_limit", *upd.ContextLimit)
	}
	if touchActivity {
		add("last_activity", time.Now())
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	res, err := s.db.Exec("UPDATE agents SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// DeleteAgent removes an agent and its usage history
func (s *Store) DeleteAgent(id string) error {
	res, err := s.db.Exec(`DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAgentNotFound
	}
	_, _ = s.db.Exec(`DELETE FROM usage_events WHERE agent_id = ?`, id)
	return nil
}

// ApplyUsage adds token/cost accounting to an agent exactly once per
// event key. Replaying the same event (crash-recovery log replay)
// returns false and changes nothing.
func (s *Store) ApplyUsage(agentID, eventKey string, inputTokens, outputTokens int, costUSD float64) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("failed to begin usage tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT OR IGNORE INTO usage_events (agent_id, event_key) VALUES (?, ?)`,
		agentID, eventKey)
	if err != nil {
		return false, fmt.Errorf("failed to record usage event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// already applied
		return false, nil
	}

	_, err = tx.Exec(
		`UPDATE agents SET input_tokens = input_tokens + ?, output_tokens = output_tokens + ?,
			cost_usd = cost_usd + ?, last_activity = ? WHERE id = ?`,
		inputTokens, outputTokens, costUSD, time.Now(), agentID)
	if err != nil {
		return false, fmt.Errorf("failed to apply usage: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// SyncAreas replaces the whole area set with the given layout
func (s *Store) SyncAreas(areas []*Area) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin areas tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM areas`); err != nil {
		return fmt.Errorf("failed to clear areas: %w", err)
	}
	for _, a := range areas {
		if _, err := tx.Exec(
			`INSERT INTO areas (id, name, kind, position) VALUES (?, ?, ?, ?)`,
			a.ID, a.Name, a.Kind, a.Position); err != nil {
			return fmt.Errorf("failed to insert area %s: %w", a.ID, err)
		}
	}
	return tx.Commit()
}

// ListAreas returns the saved layout
func (s *Store) ListAreas() ([]*Area, error) {
	rows, err := s.db.Query(`SELECT id, name, kind, position FROM areas ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query areas: %w", err)
	}
	defer rows.Close()

	var areas []*Area
	for rows.Next() {
		var a Area
		if err := rows.Scan(&a.ID, &a.Name, &a.Kind, &a.Position); err != nil {
			return nil, err
		}
		areas = append(areas, &a)
	}
	return areas, rows.Err()
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row scannable) (*Agent, error) {
	var a Agent
	err := row.Scan(&a.ID, &a.Name, &a.WorkingDir, &a.Backend, &a.Model, &a.AreaID,
		&a.SessionID, &a.Status, &a.LastError, &a.ContextUsed, &a.ContextLimit,
		&a.InputTokens, &a.OutputTokens, &a.CostUSD, &a.CreatedAt, &a.LastActivity)
	if err == sql.ErrNoRows {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan agent: %w", err)
	}
	return &a, nil
}
