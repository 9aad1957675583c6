// Package orchestrator wires the Activity Log, Task Store, Agent Session
// Manager, Planning Pipeline, Workspace Automation Controller, and
// execution queue into one service the External Interface Adapter drives.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/forgeflow/internal/activity"
	"github.com/kandev/forgeflow/internal/automation"
	"github.com/kandev/forgeflow/internal/common/apperr"
	"github.com/kandev/forgeflow/internal/common/config"
	"github.com/kandev/forgeflow/internal/common/logger"
	"github.com/kandev/forgeflow/internal/orchestrator/streaming"
	"github.com/kandev/forgeflow/internal/planning"
	"github.com/kandev/forgeflow/internal/sdk"
	"github.com/kandev/forgeflow/internal/session"
	"github.com/kandev/forgeflow/internal/task"
)

// Service is the orchestrator core: every component wired together behind
// the operations the External Interface Adapter calls.
type Service struct {
	Store      *task.Store
	Activity   *activity.Log
	Sessions   *session.Manager
	Planning   *planning.Pipeline
	Automation *automation.Controller
	Hub        *streaming.Hub

	log *logger.Logger
}

// New constructs a Service. client is the injection point for the external
// agent SDK (sdk.NewUnconfiguredClient() until a real integration is wired).
func New(client sdk.Client, store *task.Store, activityLog *activity.Log, hub *streaming.Hub, cfg *config.Config, log *logger.Logger) *Service {
	registries := session.NewRegistries()
	sessions := session.NewManager(client, store, activityLog, registries, cfg.Watchdog, log)

	svc := &Service{
		Store:    store,
		Activity: activityLog,
		Sessions: sessions,
		Hub:      hub,
		log:      log,
	}
	sessions.SetAttachHandler(svc.AttachFileCallback)

	auto := automation.NewController(store, svc.startExecution, activityLog, cfg.Automation, log)
	auto.SetSessionProbe(sessions.HasActive)
	svc.Automation = auto

	svc.Planning = planning.NewPipeline(sessions, store, activityLog, cfg.Planning, log, svc.onPlanningCompleted)

	return svc
}

// startExecution is the automation.Starter: begin an execution session for
// a task the controller just moved into executing.
func (s *Service) startExecution(ctx context.Context, t *task.Task) error {
	ws, err := s.Store.GetWorkspace(ctx, t.WorkspaceID)
	if err != nil {
		return err
	}
	_, err = s.Sessions.Execute(ctx, ws.Path, t, false, s.kickOnComplete(t.WorkspaceID))
	return err
}

// kickOnComplete returns the session onComplete that re-enters the queue
// kick once an execution finishes, so the next ready task can start under
// the freed WIP slot.
func (s *Service) kickOnComplete(workspaceID string) session.OnComplete {
	return func(success bool, errMessage *string) {
		ctx := context.Background()
		ws, err := s.Store.GetWorkspace(ctx, workspaceID)
		if err != nil {
			return
		}
		s.Automation.Kick(ctx, ws)
	}
}

// onPlanningCompleted is the planning.PromotionHook: forward to the
// automation controller's backlog->ready auto-promotion.
func (s *Service) onPlanningCompleted(ctx context.Context, t *task.Task) {
	ws, err := s.Store.GetWorkspace(ctx, t.WorkspaceID)
	if err != nil {
		return
	}
	s.Automation.OnPlanningCompleted(ctx, ws, t)
}

// NotifyPhaseChanged forwards a Task Store phase transition to the
// automation controller's queue-kick trigger.
func (s *Service) NotifyPhaseChanged(ctx context.Context, workspaceID string, t *task.Task) {
	ws, err := s.Store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return
	}
	s.Automation.OnPhaseChanged(ctx, ws, t)
}

// BridgeActivityToStream wires the Activity Log's subscribe/broadcast
// surface into the streaming Hub so every live event reaches WebSocket
// clients subscribed to the workspace it belongs to.
func (s *Service) BridgeActivityToStream(workspaceID string) activity.Unsubscribe {
	if s.Hub == nil || s.Activity == nil {
		return func() {}
	}
	return s.Activity.Subscribe(workspaceID, func(evt activity.LiveEvent) {
		s.Hub.Broadcast(workspaceID, evt)
	})
}

// Move applies a phase transition and fires the automation trigger.
func (s *Service) Move(ctx context.Context, workspaceID string, taskID int64, to task.Phase, actor, reason string) (*task.Task, error) {
	t, err := s.Store.Move(ctx, workspaceID, taskID, to, actor, reason)
	if err != nil {
		return nil, err
	}
	if s.Activity != nil {
		s.Activity.Broadcast(workspaceID, activity.EventTaskMoved, &taskID, map[string]string{"phase": string(to)})
	}
	s.NotifyPhaseChanged(ctx, workspaceID, t)
	return t, nil
}

// UpdateTask patches a task and broadcasts the live task:updated event.
func (s *Service) UpdateTask(ctx context.Context, workspaceID string, taskID int64, patch task.UpdatePatch) (*task.Task, error) {
	t, err := s.Store.Update(ctx, workspaceID, taskID, patch)
	if err != nil {
		return nil, err
	}
	if s.Activity != nil {
		s.Activity.Broadcast(workspaceID, activity.EventTaskUpdated, &taskID, nil)
	}
	return t, nil
}

// PostUserMessage persists a user chat-message and routes it into the
// task's conversation: steer when a turn is streaming, follow-up when a
// session is idle, resume when the task carries a sessionFile, and a fresh
// chat session otherwise. Messages without a task id are timeline-only.
func (s *Service) PostUserMessage(ctx context.Context, workspaceID string, taskID *int64, content string, metadata map[string]any) (*activity.Entry, error) {
	entry, err := s.Activity.Append(ctx, activity.Entry{
		WorkspaceID: workspaceID,
		TaskID:      taskID,
		Kind:        activity.KindChatMessage,
		Role:        activity.RoleUser,
		Content:     content,
		Metadata:    metadata,
	})
	if err != nil {
		return nil, err
	}
	if taskID == nil {
		return entry, nil
	}

	t, err := s.Store.Get(ctx, workspaceID, *taskID)
	if err != nil {
		return nil, err
	}
	ws, err := s.Store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	if ts := s.Sessions.Active(t.ID); ts != nil {
		body := session.BuildStateContract(t.Phase, ts.Mode, t.PlanningStatus) + "\n" +
			session.ContractReference(ts.Mode) + "\n" + content
		if ts.Status() == session.StatusRunning {
			return entry, s.Sessions.Steer(ctx, ts, body)
		}
		go s.followUp(ts, t, body)
		return entry, nil
	}

	go func() {
		bg := context.Background()
		var chatErr error
		if t.SessionFile != "" {
			_, chatErr = s.Sessions.ResumeChat(bg, ws.Path, t, content)
		} else {
			_, chatErr = s.Sessions.StartChat(bg, ws.Path, t, content)
		}
		if chatErr != nil && s.log != nil {
			s.log.WithError(chatErr).Warn("chat turn failed")
		}
	}()
	return entry, nil
}

// followUp starts a new turn on an idle session. While the session is in
// planning mode and no save_plan callback is installed (a chat turn on a
// backlog task after its planning run ended), a scoped callback that
// persists straight through the Task Store is stashed in for the turn.
func (s *Service) followUp(ts *session.TaskSession, t *task.Task, body string) {
	ctx := context.Background()
	if ts.Mode == session.ModeTaskPlanning && !s.Sessions.Registries().HasPlanCallback(t.ID) {
		restore := s.Sessions.Registries().InstallPlan(t.ID, func(criteria []string, goal string, steps, validation, cleanup []string) error {
			_, saveErr := s.Store.SavePlan(ctx, t.WorkspaceID, t.ID, criteria, task.Plan{
				Goal: goal, Steps: steps, Validation: validation, Cleanup: cleanup,
			}, 0)
			return saveErr
		})
		defer restore()
	}
	if err := s.Sessions.FollowUp(ctx, ts, body); err != nil && s.log != nil {
		s.log.WithError(err).Warn("follow-up turn failed")
	}
}

// Execute starts (or reworks) an execution session for a task directly
// (manual "execute" action, distinct from automation's queue-kick).
func (s *Service) Execute(ctx context.Context, workspaceID string, taskID int64, rework bool) error {
	if s.Sessions.HasActive(taskID) {
		return apperr.New(apperr.ResourceConflict, "a session is already active for this task",
			map[string]any{"taskId": taskID})
	}
	t, err := s.Store.Get(ctx, workspaceID, taskID)
	if err != nil {
		return err
	}
	ws, err := s.Store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	if t.Phase != task.PhaseExecuting {
		moved, moveErr := s.Move(ctx, workspaceID, taskID, task.PhaseExecuting, "user", "manual execute")
		if moveErr != nil {
			return moveErr
		}
		t = moved
	}
	_, err = s.Sessions.Execute(ctx, ws.Path, t, rework, s.kickOnComplete(workspaceID))
	return err
}

// Stop halts a running session for taskID.
func (s *Service) Stop(ctx context.Context, taskID int64) (bool, error) {
	return s.Sessions.Stop(ctx, taskID)
}

// RegeneratePlan launches a planning run for a task in any phase,
// re-deriving acceptance criteria and the plan; it is rejected while a
// planning run is already in progress for the task.
func (s *Service) RegeneratePlan(ctx context.Context, workspaceID string, taskID int64) error {
	t, err := s.Store.Get(ctx, workspaceID, taskID)
	if err != nil {
		return err
	}
	if t.PlanningStatus == task.PlanningRunning {
		return apperr.New(apperr.ResourceConflict, "planning is already running for this task",
			map[string]any{"taskId": taskID})
	}
	ws, err := s.Store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	go func() {
		if runErr := s.Planning.Run(context.Background(), ws.Path, t, planning.Guardrails{}); runErr != nil && s.log != nil {
			s.log.WithError(runErr).Warn("planning regeneration failed")
		}
	}()
	return nil
}

// SetAutomationEnabled starts or stops the workspace queue.
func (s *Service) SetAutomationEnabled(ctx context.Context, workspaceID string, enabled bool) error {
	s.Automation.SetEnabled(workspaceID, enabled)
	if enabled {
		ws, err := s.Store.GetWorkspace(ctx, workspaceID)
		if err != nil {
			return err
		}
		s.Automation.Kick(ctx, ws)
	}
	return nil
}

// AttachFileCallback implements the attach_task_file tool-callback contract:
// it writes data under the workspace's attachment directory by a freshly
// minted stored name and records the attachment on the task.
func (s *Service) AttachFileCallback(workspaceID string, taskID int64, filename, mimeType string, data []byte) error {
	ctx := context.Background()
	ws, err := s.Store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}

	attachmentID := uuid.NewString()
	storedName := fmt.Sprintf("%s-%s", attachmentID, filepath.Base(filename))
	dir := filepath.Join(ws.Path, ".forgeflow", "attachments", fmt.Sprintf("%d", taskID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperr.Wrap(apperr.Persistence, "create attachment directory", err)
	}
	if err := os.WriteFile(filepath.Join(dir, storedName), data, 0o644); err != nil {
		return apperr.Wrap(apperr.Persistence, "write attachment", err)
	}

	_, err = s.Store.AddAttachment(ctx, workspaceID, taskID, task.Attachment{
		ID:         attachmentID,
		Filename:   filename,
		StoredName: storedName,
		MimeType:   mimeType,
		Size:       int64(len(data)),
		CreatedAt:  time.Now().UTC(),
	})
	return err
}
