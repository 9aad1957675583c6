// Package automation implements the Workspace Automation Controller: a
// per-workspace supervisor that holds a mutable workflow policy and
// reactively promotes tasks across phases under WIP limits.
package automation

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kandev/forgeflow/internal/activity"
	"github.com/kandev/forgeflow/internal/common/config"
	"github.com/kandev/forgeflow/internal/common/logger"
	"github.com/kandev/forgeflow/internal/orchestrator/queue"
	"github.com/kandev/forgeflow/internal/task"
)

// Starter begins an execution session for a task; wired to
// internal/session.Manager.Execute by the caller that constructs
// Controller, so this package does not depend on internal/session
// directly (avoiding an import cycle, since planning depends on session
// and automation is driven by planning's completion hook).
type Starter func(ctx context.Context, t *task.Task) error

// State is the per-workspace automation record.
type State struct {
	Enabled        bool
	CurrentTaskID  *int64
	EffectivePolicy task.Policy
}

// Controller supervises every workspace's AutomationState and reacts to
// phase-transition, planning-completed, and queue-kick trigger events.
type Controller struct {
	store    *task.Store
	starter  Starter
	activity *activity.Log
	global   task.Policy
	log      *logger.Logger

	// hasSession reports whether a live agent session is already registered
	// for a task; the kick never double-starts such tasks. Nil means "no
	// session visibility" and every ready task counts as startable.
	hasSession func(taskID int64) bool

	mu     sync.Mutex
	states map[string]*State

	kicks singleflight.Group // one in-flight kick per workspace, serialized
}

// SetSessionProbe wires the session registry lookup; called once during
// orchestrator construction, before any kick can run.
func (c *Controller) SetSessionProbe(fn func(taskID int64) bool) { c.hasSession = fn }

// NewController wires a Controller against the global automation defaults.
// activityLog receives the system-event entries automation failures produce.
func NewController(store *task.Store, starter Starter, activityLog *activity.Log, cfg config.AutomationConfig, log *logger.Logger) *Controller {
	readyLimit, executingLimit := cfg.ReadyLimit, cfg.ExecutingLimit
	backlogToReady, readyToExecuting := cfg.BacklogToReady, cfg.ReadyToExecuting
	return &Controller{
		store:    store,
		starter:  starter,
		activity: activityLog,
		global: task.Policy{
			ReadyLimit:       &readyLimit,
			ExecutingLimit:   &executingLimit,
			BacklogToReady:   &backlogToReady,
			ReadyToExecuting: &readyToExecuting,
		},
		log:    log,
		states: make(map[string]*State),
	}
}

func (c *Controller) stateFor(workspaceID string) *State {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[workspaceID]
	if !ok {
		st = &State{Enabled: false}
		c.states[workspaceID] = st
	}
	return st
}

// EffectivePolicy resolves task override -> workspace override -> global
// defaults. A nil field at any level means "inherit".
func (c *Controller) EffectivePolicy(ws *task.Workspace, t *task.Task) task.Policy {
	result := c.global
	result = mergePolicy(result, ws.Policy)
	if t != nil && t.PolicyOverride != nil {
		result = mergePolicy(result, *t.PolicyOverride)
	}
	return result
}

func mergePolicy(base, override task.Policy) task.Policy {
	out := base
	if override.ReadyLimit != nil {
		out.ReadyLimit = override.ReadyLimit
	}
	if override.ExecutingLimit != nil {
		out.ExecutingLimit = override.ExecutingLimit
	}
	if override.BacklogToReady != nil {
		out.BacklogToReady = override.BacklogToReady
	}
	if override.ReadyToExecuting != nil {
		out.ReadyToExecuting = override.ReadyToExecuting
	}
	return out
}

// SetEnabled toggles the queue (ready->executing) for a workspace. Stopping
// does not abort any already-running execution.
func (c *Controller) SetEnabled(workspaceID string, enabled bool) {
	st := c.stateFor(workspaceID)
	c.mu.Lock()
	st.Enabled = enabled
	c.mu.Unlock()
}

func (c *Controller) IsEnabled(workspaceID string) bool {
	st := c.stateFor(workspaceID)
	c.mu.Lock()
	defer c.mu.Unlock()
	return st.Enabled
}

// OnPhaseChanged is the Task Store's phase-transition trigger: recompute
// and kick the queue.
func (c *Controller) OnPhaseChanged(ctx context.Context, ws *task.Workspace, t *task.Task) {
	c.Kick(ctx, ws)
}

// OnPlanningCompleted is the Planning Pipeline's completion hook: attempt
// backlog->ready auto-promotion under readyLimit.
func (c *Controller) OnPlanningCompleted(ctx context.Context, ws *task.Workspace, t *task.Task) {
	policy := c.EffectivePolicy(ws, t)
	if policy.BacklogToReady == nil || !*policy.BacklogToReady {
		return
	}
	if t.Phase != task.PhaseBacklog {
		return
	}

	readyLimit := -1
	if policy.ReadyLimit != nil {
		readyLimit = *policy.ReadyLimit
	}
	if readyLimit >= 0 {
		readyTasks, err := c.store.List(ctx, ws.ID, task.ScopeActive)
		if err != nil {
			if c.log != nil {
				c.log.WithError(err).Warn("automation: failed to list tasks for ready limit check")
			}
			return
		}
		if countPhase(readyTasks, task.PhaseReady) >= readyLimit {
			return
		}
	}

	if _, err := c.store.Move(ctx, ws.ID, t.ID, task.PhaseReady, "automation", "auto-promote after planning"); err != nil {
		if c.log != nil {
			c.log.WithError(err).Warn("automation: auto-promote failed")
		}
		return
	}
	c.Kick(ctx, ws)
}

// Kick is the queue-kick trigger: pick the highest-priority ready task
// (first in phase order) with no running session and start it, respecting
// executingLimit. Only one kick runs per workspace at a time.
func (c *Controller) Kick(ctx context.Context, ws *task.Workspace) {
	_, _, _ = c.kicks.Do(ws.ID, func() (any, error) {
		c.kickOnce(ctx, ws)
		return nil, nil
	})
}

func (c *Controller) kickOnce(ctx context.Context, ws *task.Workspace) {
	if !c.IsEnabled(ws.ID) {
		return
	}

	tasks, err := c.store.List(ctx, ws.ID, task.ScopeActive)
	if err != nil {
		if c.log != nil {
			c.log.WithError(err).Warn("automation: kick failed to list tasks")
		}
		return
	}

	policy := c.EffectivePolicy(ws, nil)
	if policy.ReadyToExecuting == nil || !*policy.ReadyToExecuting {
		return
	}
	executingLimit := 1
	if policy.ExecutingLimit != nil {
		executingLimit = *policy.ExecutingLimit
	}
	if countPhase(tasks, task.PhaseExecuting) >= executingLimit {
		return
	}

	var ready []*task.Task
	for _, t := range tasks {
		if t.Phase == task.PhaseReady {
			ready = append(ready, t)
		}
	}
	if len(ready) == 0 {
		return
	}
	q := queue.New(0)
	q.Fill(ready)
	var next *queue.Entry
	for {
		next = q.Pop()
		if next == nil {
			return
		}
		if c.hasSession == nil || !c.hasSession(next.TaskID) {
			break
		}
	}

	moved, err := c.store.Move(ctx, ws.ID, next.TaskID, task.PhaseExecuting, "automation", "queue kick")
	if err != nil {
		if c.log != nil {
			c.log.WithError(err).Warn("automation: kick failed to move task to executing")
		}
		return
	}

	st := c.stateFor(ws.ID)
	c.mu.Lock()
	current := moved.ID
	st.CurrentTaskID = &current
	c.mu.Unlock()

	if err := c.starter(ctx, moved); err != nil {
		if c.log != nil {
			c.log.WithError(err).Warn("automation: failed auto-start, reverting to ready")
		}
		if _, revertErr := c.store.Move(ctx, ws.ID, moved.ID, task.PhaseReady, "automation", "auto-start failed"); revertErr != nil && c.log != nil {
			c.log.WithError(revertErr).Warn("automation: failed to revert task after failed auto-start")
		}
		c.logStartFailure(ctx, ws.ID, moved.ID, err)
		c.mu.Lock()
		st.CurrentTaskID = nil
		c.mu.Unlock()
		go c.retryAfterBackoff(ws)
	}
}

// logStartFailure records the one system-event activity entry a failed
// auto-start produces.
func (c *Controller) logStartFailure(ctx context.Context, workspaceID string, taskID int64, err error) {
	if c.activity == nil {
		return
	}
	id := taskID
	_, _ = c.activity.Append(ctx, activity.Entry{
		WorkspaceID: workspaceID,
		TaskID:      &id,
		Kind:        activity.KindSystemEvent,
		SystemKind:  "automation-auto-start-failed",
		Message:     err.Error(),
		Metadata:    map[string]any{"taskId": taskID},
	})
}

func (c *Controller) retryAfterBackoff(ws *task.Workspace) {
	time.Sleep(5 * time.Second)
	c.Kick(context.Background(), ws)
}

func countPhase(tasks []*task.Task, phase task.Phase) int {
	n := 0
	for _, t := range tasks {
		if t.Phase == phase {
			n++
		}
	}
	return n
}
