package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kandev/forgeflow/internal/common/apperr"
	"github.com/kandev/forgeflow/internal/common/logger"
	"github.com/kandev/forgeflow/internal/events"
	"github.com/kandev/forgeflow/internal/events/bus"
)

// taskRow is the JSON-encoded blob of everything beyond the columns the
// store indexes directly (phase, order, workspace). The on-disk YAML task
// file format named in the external interface contract is an external
// collaborator's concern; internally the store is free to choose its own
// representation, and here it is a single JSON column per row.
type taskRow struct {
	AcceptanceCriteria   []string       `json:"acceptanceCriteria"`
	Plan                 *Plan          `json:"plan,omitempty"`
	PlanningStatus       PlanningStatus `json:"planningStatus"`
	SessionFile          string         `json:"sessionFile,omitempty"`
	Attachments          []Attachment   `json:"attachments,omitempty"`
	PreExecutionSkills   []string       `json:"preExecutionSkills,omitempty"`
	PostExecutionSkills  []string       `json:"postExecutionSkills,omitempty"`
	PrePlanningSkills    []string       `json:"prePlanningSkills,omitempty"`
	PlanningModelConfig  ModelConfig    `json:"planningModelConfig"`
	ExecutionModelConfig ModelConfig    `json:"executionModelConfig"`
	UsageMetrics         UsageMetrics   `json:"usageMetrics"`
	PolicyOverride       *Policy        `json:"policyOverride,omitempty"`
	History              []HistoryEntry `json:"history,omitempty"`
}

// Store is the authoritative Task Store, persisted in SQLite (or Postgres,
// via db) and read from the database on every call, with per-task mutexes
// enforcing read-modify-write atomicity.
type Store struct {
	db  *sql.DB
	bus bus.EventBus
	log *logger.Logger

	mu      sync.RWMutex
	perTask map[string]*sync.Mutex // "workspaceId/taskId" -> mutex
}

// NewStore wires a Store over an already-migrated *sql.DB.
func NewStore(db *sql.DB, eventBus bus.EventBus, log *logger.Logger) *Store {
	return &Store{db: db, bus: eventBus, log: log, perTask: make(map[string]*sync.Mutex)}
}

// Migrate creates the tables the store needs if they don't already exist.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			policy TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS task_seq (
			workspace_id TEXT PRIMARY KEY,
			next_id INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			workspace_id TEXT NOT NULL,
			id INTEGER NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			phase TEXT NOT NULL,
			order_num INTEGER NOT NULL,
			data TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			deleted_at TIMESTAMP,
			PRIMARY KEY (workspace_id, id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return apperr.Wrap(apperr.Persistence, "migrate task store", err)
		}
	}
	return nil
}

func (s *Store) lockFor(workspaceID string, taskID int64) *sync.Mutex {
	key := fmt.Sprintf("%s/%d", workspaceID, taskID)
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.perTask[key]
	if !ok {
		m = &sync.Mutex{}
		s.perTask[key] = m
	}
	return m
}

// CreateWorkspace registers a new workspace.
func (s *Store) CreateWorkspace(ctx context.Context, id, path string) (*Workspace, error) {
	now := time.Now().UTC()
	ws := &Workspace{ID: id, Path: path, CreatedAt: now, UpdatedAt: now}
	policyJSON, _ := json.Marshal(ws.Policy)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workspaces (id, path, policy, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		ws.ID, ws.Path, string(policyJSON), ws.CreatedAt, ws.UpdatedAt)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "create workspace", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO task_seq (workspace_id, next_id) VALUES (?, 1)`, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "init task sequence", err)
	}
	s.publish(id, events.WorkspaceCreated, ws)
	return ws, nil
}

// GetWorkspace loads a workspace by id.
func (s *Store) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, path, policy, created_at, updated_at FROM workspaces WHERE id = ?`, id)
	var ws Workspace
	var policyJSON string
	if err := row.Scan(&ws.ID, &ws.Path, &policyJSON, &ws.CreatedAt, &ws.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.New(apperr.Validation, "workspace not found", map[string]any{"workspaceId": id})
		}
		return nil, apperr.Wrap(apperr.Persistence, "get workspace", err)
	}
	_ = json.Unmarshal([]byte(policyJSON), &ws.Policy)
	return &ws, nil
}

// ListWorkspaces returns every registered workspace, ordered by id.
func (s *Store) ListWorkspaces(ctx context.Context) ([]*Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, path, policy, created_at, updated_at FROM workspaces ORDER BY id`)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "list workspaces", err)
	}
	defer rows.Close()

	var out []*Workspace
	for rows.Next() {
		var ws Workspace
		var policyJSON string
		if err := rows.Scan(&ws.ID, &ws.Path, &policyJSON, &ws.CreatedAt, &ws.UpdatedAt); err != nil {
			return nil, apperr.Wrap(apperr.Persistence, "scan workspace", err)
		}
		_ = json.Unmarshal([]byte(policyJSON), &ws.Policy)
		out = append(out, &ws)
	}
	return out, rows.Err()
}

// UpdateWorkspacePolicy replaces a workspace's workflow policy record.
func (s *Store) UpdateWorkspacePolicy(ctx context.Context, id string, policy Policy) (*Workspace, error) {
	ws, err := s.GetWorkspace(ctx, id)
	if err != nil {
		return nil, err
	}
	ws.Policy = policy
	ws.UpdatedAt = time.Now().UTC()

	policyJSON, err := json.Marshal(ws.Policy)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "encode workspace policy", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE workspaces SET policy=?, updated_at=? WHERE id=?`, string(policyJSON), ws.UpdatedAt, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "update workspace policy", err)
	}
	s.publish(id, events.WorkspaceUpdated, ws)
	return ws, nil
}

// DeleteWorkspace removes a workspace record. Tasks belonging to it are left
// untouched; the caller owns any filesystem cleanup.
func (s *Store) DeleteWorkspace(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workspaces WHERE id=?`, id)
	if err != nil {
		return apperr.Wrap(apperr.Persistence, "delete workspace", err)
	}
	s.publish(id, events.WorkspaceDeleted, map[string]any{"workspaceId": id})
	return nil
}

// List returns tasks in a workspace filtered by scope, ordered by phase
// then intra-phase order.
func (s *Store) List(ctx context.Context, workspaceID string, scope Scope) ([]*Task, error) {
	query := `SELECT workspace_id, id, title, description, phase, order_num, data, created_at, updated_at
		FROM tasks WHERE workspace_id = ? AND deleted_at IS NULL`
	switch scope {
	case ScopeActive:
		query += ` AND phase != 'archived'`
	case ScopeArchived:
		query += ` AND phase = 'archived'`
	case ScopeAll, "":
		// no filter
	}
	rows, err := s.db.QueryContext(ctx, query, workspaceID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "list tasks", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.Persistence, "scan task", err)
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Phase != out[j].Phase {
			return out[i].Phase < out[j].Phase
		}
		return out[i].Order < out[j].Order
	})
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTask(row scannable) (*Task, error) {
	var t Task
	var data string
	if err := row.Scan(&t.WorkspaceID, &t.ID, &t.Title, &t.Description, &t.Phase, &t.Order, &data, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	var r taskRow
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, err
	}
	t.AcceptanceCriteria = r.AcceptanceCriteria
	t.Plan = r.Plan
	t.PlanningStatus = r.PlanningStatus
	t.SessionFile = r.SessionFile
	t.Attachments = r.Attachments
	t.PreExecutionSkills = r.PreExecutionSkills
	t.PostExecutionSkills = r.PostExecutionSkills
	t.PrePlanningSkills = r.PrePlanningSkills
	t.PlanningModelConfig = r.PlanningModelConfig
	t.ExecutionModelConfig = r.ExecutionModelConfig
	t.UsageMetrics = r.UsageMetrics
	t.PolicyOverride = r.PolicyOverride
	t.History = r.History
	return &t, nil
}

// Get fetches a single task; never resurrects a deleted one.
func (s *Store) Get(ctx context.Context, workspaceID string, taskID int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT workspace_id, id, title, description, phase, order_num, data, created_at, updated_at
		FROM tasks WHERE workspace_id = ? AND id = ? AND deleted_at IS NULL`, workspaceID, taskID)
	t, err := scanTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.New(apperr.Validation, "task not found", map[string]any{"taskId": taskID})
		}
		return nil, apperr.Wrap(apperr.Persistence, "get task", err)
	}
	return t, nil
}

// Create assigns the next monotonically increasing id (never reused after
// delete) and appends the task to the end of backlog.
func (s *Store) Create(ctx context.Context, workspaceID string, req CreateRequest) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "begin create tx", err)
	}
	defer tx.Rollback()

	var nextID int64
	if err := tx.QueryRowContext(ctx, `SELECT next_id FROM task_seq WHERE workspace_id = ?`, workspaceID).Scan(&nextID); err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "read task sequence", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE task_seq SET next_id = ? WHERE workspace_id = ?`, nextID+1, workspaceID); err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "advance task sequence", err)
	}

	var maxOrder int64
	_ = tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(order_num), -1) FROM tasks WHERE workspace_id = ? AND phase = ?`,
		workspaceID, PhaseBacklog).Scan(&maxOrder)

	now := time.Now().UTC()
	t := &Task{
		ID:                 nextID,
		WorkspaceID:        workspaceID,
		Title:              req.Title,
		Description:        req.Description,
		Phase:              PhaseBacklog,
		Order:              maxOrder + 1,
		AcceptanceCriteria: dedupeCriteria(req.AcceptanceCriteria),
		PlanningStatus:     PlanningNone,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := insertTask(ctx, tx, t); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "commit create", err)
	}

	s.publish(workspaceID, events.TaskCreated, t)
	return t, nil
}

func insertTask(ctx context.Context, tx *sql.Tx, t *Task) error {
	data, err := json.Marshal(taskRow{
		AcceptanceCriteria:   t.AcceptanceCriteria,
		Plan:                 t.Plan,
		PlanningStatus:       t.PlanningStatus,
		SessionFile:          t.SessionFile,
		Attachments:          t.Attachments,
		PreExecutionSkills:   t.PreExecutionSkills,
		PostExecutionSkills:  t.PostExecutionSkills,
		PrePlanningSkills:    t.PrePlanningSkills,
		PlanningModelConfig:  t.PlanningModelConfig,
		ExecutionModelConfig: t.ExecutionModelConfig,
		UsageMetrics:         t.UsageMetrics,
		PolicyOverride:       t.PolicyOverride,
		History:              t.History,
	})
	if err != nil {
		return apperr.Wrap(apperr.Persistence, "marshal task", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks
		(workspace_id, id, title, description, phase, order_num, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.WorkspaceID, t.ID, t.Title, t.Description, t.Phase, t.Order, string(data), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return apperr.Wrap(apperr.Persistence, "insert task", err)
	}
	return nil
}

func updateTask(ctx context.Context, tx *sql.Tx, t *Task) error {
	data, err := json.Marshal(taskRow{
		AcceptanceCriteria:   t.AcceptanceCriteria,
		Plan:                 t.Plan,
		PlanningStatus:       t.PlanningStatus,
		SessionFile:          t.SessionFile,
		Attachments:          t.Attachments,
		PreExecutionSkills:   t.PreExecutionSkills,
		PostExecutionSkills:  t.PostExecutionSkills,
		PrePlanningSkills:    t.PrePlanningSkills,
		PlanningModelConfig:  t.PlanningModelConfig,
		ExecutionModelConfig: t.ExecutionModelConfig,
		UsageMetrics:         t.UsageMetrics,
		PolicyOverride:       t.PolicyOverride,
		History:              t.History,
	})
	if err != nil {
		return apperr.Wrap(apperr.Persistence, "marshal task", err)
	}
	_, err = tx.ExecContext(ctx, `UPDATE tasks SET title=?, description=?, phase=?, order_num=?, data=?, updated_at=?
		WHERE workspace_id=? AND id=?`,
		t.Title, t.Description, t.Phase, t.Order, string(data), t.UpdatedAt, t.WorkspaceID, t.ID)
	if err != nil {
		return apperr.Wrap(apperr.Persistence, "update task", err)
	}
	return nil
}

func dedupeCriteria(in []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range in {
		trimmed := strings.TrimSpace(c)
		if trimmed == "" {
			continue
		}
		key := strings.ToLower(trimmed)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, trimmed)
	}
	return out
}

// Update merges patch into the task under its per-task lock, re-reading
// from disk first to avoid lost updates.
func (s *Store) Update(ctx context.Context, workspaceID string, taskID int64, patch UpdatePatch) (*Task, error) {
	lock := s.lockFor(workspaceID, taskID)
	lock.Lock()
	defer lock.Unlock()

	t, err := s.Get(ctx, workspaceID, taskID)
	if err != nil {
		return nil, err
	}

	if patch.Title != nil {
		t.Title = *patch.Title
	}
	if patch.Description != nil {
		t.Description = *patch.Description
	}
	if patch.AcceptanceCriteria != nil {
		t.AcceptanceCriteria = dedupeCriteria(patch.AcceptanceCriteria)
	}
	if patch.PreExecutionSkills != nil {
		t.PreExecutionSkills = patch.PreExecutionSkills
	}
	if patch.PostExecutionSkills != nil {
		t.PostExecutionSkills = patch.PostExecutionSkills
	}
	if patch.PrePlanningSkills != nil {
		t.PrePlanningSkills = patch.PrePlanningSkills
	}
	if patch.PlanningModelConfig != nil {
		t.PlanningModelConfig = *patch.PlanningModelConfig
	}
	if patch.ExecutionModelConfig != nil {
		t.ExecutionModelConfig = *patch.ExecutionModelConfig
	}
	t.UpdatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "begin update tx", err)
	}
	defer tx.Rollback()
	if err := updateTask(ctx, tx, t); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "commit update", err)
	}

	s.publish(workspaceID, events.TaskUpdated, t)
	return t, nil
}

// Move validates and applies a phase transition, writing a history record
// and inserting into the new phase's order per the insert rule.
func (s *Store) Move(ctx context.Context, workspaceID string, taskID int64, to Phase, actor, reason string) (*Task, error) {
	lock := s.lockFor(workspaceID, taskID)
	lock.Lock()
	defer lock.Unlock()

	t, err := s.Get(ctx, workspaceID, taskID)
	if err != nil {
		return nil, err
	}

	result := CanMoveToPhase(t, to)
	if !result.Allowed {
		return nil, apperr.New(apperr.Validation, result.Reason, map[string]any{
			"from": t.Phase, "to": to,
		})
	}

	from := t.Phase
	var newOrder int64
	if insertsAtStart(to) {
		var minOrder int64
		_ = s.db.QueryRowContext(ctx, `SELECT COALESCE(MIN(order_num), 0) FROM tasks WHERE workspace_id=? AND phase=?`,
			workspaceID, to).Scan(&minOrder)
		newOrder = minOrder - 1
	} else {
		var maxOrder int64
		_ = s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(order_num), -1) FROM tasks WHERE workspace_id=? AND phase=?`,
			workspaceID, to).Scan(&maxOrder)
		newOrder = maxOrder + 1
	}

	t.Phase = to
	t.Order = newOrder
	t.UpdatedAt = time.Now().UTC()
	t.History = append(t.History, HistoryEntry{From: from, To: to, Actor: actor, Reason: reason, At: t.UpdatedAt})

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "begin move tx", err)
	}
	defer tx.Rollback()
	if err := updateTask(ctx, tx, t); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "commit move", err)
	}

	s.publish(workspaceID, events.TaskPhaseChanged, t)
	return t, nil
}

// Reorder replaces the intra-phase order of orderedIds; every id must
// already belong to phase.
func (s *Store) Reorder(ctx context.Context, workspaceID string, phase Phase, orderedIDs []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.Persistence, "begin reorder tx", err)
	}
	defer tx.Rollback()

	for i, id := range orderedIDs {
		res, err := tx.ExecContext(ctx, `UPDATE tasks SET order_num=?, updated_at=? WHERE workspace_id=? AND id=? AND phase=? AND deleted_at IS NULL`,
			int64(i), time.Now().UTC(), workspaceID, id, phase)
		if err != nil {
			return apperr.Wrap(apperr.Persistence, "reorder task", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return apperr.New(apperr.Validation, "task does not belong to phase", map[string]any{"taskId": id, "phase": phase})
		}
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.Persistence, "commit reorder", err)
	}
	s.publish(workspaceID, events.TaskReordered, map[string]any{"phase": phase, "taskIds": orderedIDs})
	return nil
}

// Delete soft-deletes a task (its id is never reused).
func (s *Store) Delete(ctx context.Context, workspaceID string, taskID int64) error {
	lock := s.lockFor(workspaceID, taskID)
	lock.Lock()
	defer lock.Unlock()

	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET deleted_at=? WHERE workspace_id=? AND id=?`,
		time.Now().UTC(), workspaceID, taskID)
	if err != nil {
		return apperr.Wrap(apperr.Persistence, "delete task", err)
	}
	s.publish(workspaceID, events.TaskDeleted, map[string]any{"taskId": taskID})
	return nil
}

// AssignSessionFile persists a new SDK-minted session handle atomically,
// re-reading the task first so a concurrent edit is not clobbered.
func (s *Store) AssignSessionFile(ctx context.Context, workspaceID string, taskID int64, sessionFile string) (*Task, error) {
	lock := s.lockFor(workspaceID, taskID)
	lock.Lock()
	defer lock.Unlock()

	t, err := s.Get(ctx, workspaceID, taskID)
	if err != nil {
		return nil, err
	}
	t.SessionFile = sessionFile
	t.UpdatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "begin session-file tx", err)
	}
	defer tx.Rollback()
	if err := updateTask(ctx, tx, t); err != nil {
		return nil, err
	}
	return t, tx.Commit()
}

// AddAttachment appends a new attachment record to the task under its
// per-task lock, re-reading first so a concurrent edit is not clobbered.
func (s *Store) AddAttachment(ctx context.Context, workspaceID string, taskID int64, att Attachment) (*Task, error) {
	lock := s.lockFor(workspaceID, taskID)
	lock.Lock()
	defer lock.Unlock()

	t, err := s.Get(ctx, workspaceID, taskID)
	if err != nil {
		return nil, err
	}
	t.Attachments = append(t.Attachments, att)
	t.UpdatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "begin attachment tx", err)
	}
	defer tx.Rollback()
	if err := updateTask(ctx, tx, t); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "commit attachment", err)
	}
	s.publish(workspaceID, events.TaskUpdated, t)
	return t, nil
}

// SavePlan is the atomic handler backing the save_plan tool callback: it
// re-reads the task, mutates plan + acceptance criteria + planning status,
// and persists before returning, so a concurrent edit never clobbers it.
func (s *Store) SavePlan(ctx context.Context, workspaceID string, taskID int64, criteria []string, plan Plan, maxCriteria int) (*Task, error) {
	lock := s.lockFor(workspaceID, taskID)
	lock.Lock()
	defer lock.Unlock()

	t, err := s.Get(ctx, workspaceID, taskID)
	if err != nil {
		return nil, err
	}

	deduped := dedupeCriteria(criteria)
	if maxCriteria > 0 && len(deduped) > maxCriteria {
		deduped = deduped[:maxCriteria]
	}
	plan.GeneratedAt = time.Now().UTC()

	t.AcceptanceCriteria = deduped
	t.Plan = &plan
	t.PlanningStatus = PlanningCompleted
	t.UpdatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "begin save-plan tx", err)
	}
	defer tx.Rollback()
	if err := updateTask(ctx, tx, t); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "commit save-plan", err)
	}

	s.publish(workspaceID, events.PlanningSaved, t)
	return t, nil
}

// SetPlanningStatus updates only planningStatus, used when starting or
// failing a planning run.
func (s *Store) SetPlanningStatus(ctx context.Context, workspaceID string, taskID int64, status PlanningStatus) (*Task, error) {
	lock := s.lockFor(workspaceID, taskID)
	lock.Lock()
	defer lock.Unlock()

	t, err := s.Get(ctx, workspaceID, taskID)
	if err != nil {
		return nil, err
	}
	t.PlanningStatus = status
	t.UpdatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "begin status tx", err)
	}
	defer tx.Rollback()
	if err := updateTask(ctx, tx, t); err != nil {
		return nil, err
	}
	return t, tx.Commit()
}

// RecordUsage folds delta usage metrics into the task's running totals.
func (s *Store) RecordUsage(ctx context.Context, workspaceID string, taskID int64, model string, inputTokens, outputTokens int64, costUSD float64) (*Task, error) {
	lock := s.lockFor(workspaceID, taskID)
	lock.Lock()
	defer lock.Unlock()

	t, err := s.Get(ctx, workspaceID, taskID)
	if err != nil {
		return nil, err
	}
	t.UsageMetrics.TotalInputTokens += inputTokens
	t.UsageMetrics.TotalOutputTokens += outputTokens
	t.UsageMetrics.TotalCostUSD += costUSD
	if t.UsageMetrics.ByModel == nil {
		t.UsageMetrics.ByModel = make(map[string]ModelUsage)
	}
	mu := t.UsageMetrics.ByModel[model]
	mu.InputTokens += inputTokens
	mu.OutputTokens += outputTokens
	mu.CostUSD += costUSD
	t.UsageMetrics.ByModel[model] = mu
	t.UpdatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "begin usage tx", err)
	}
	defer tx.Rollback()
	if err := updateTask(ctx, tx, t); err != nil {
		return nil, err
	}
	return t, tx.Commit()
}

func (s *Store) publish(workspaceID, eventType string, payload any) {
	if s.bus == nil {
		return
	}
	data, err := toEventData(payload)
	if err != nil {
		if s.log != nil {
			s.log.WithError(err).Warn("failed to encode task store event payload")
		}
		return
	}
	evt := bus.NewWorkspaceEvent(eventType, "task-store", workspaceID, data)
	if err := s.bus.Publish(context.Background(), events.ActivitySubject(workspaceID), evt); err != nil && s.log != nil {
		s.log.WithError(err).Warn("failed to publish task store event")
	}
}

func toEventData(payload any) (map[string]interface{}, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		// payload wasn't an object (e.g. a slice/map literal); wrap it.
		return map[string]interface{}{"value": json.RawMessage(raw)}, nil
	}
	return data, nil
}
