package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/forgeflow/internal/activity"
	"github.com/kandev/forgeflow/internal/common/config"
	"github.com/kandev/forgeflow/internal/common/logger"
	"github.com/kandev/forgeflow/internal/sdk"
	"github.com/kandev/forgeflow/internal/task"
)

// Status is the lifecycle state of a TaskSession.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// OnComplete is the one-shot callback fired when a session reaches a
// terminal state through the completion protocol. errMessage is non-nil
// only when success is false.
type OnComplete func(success bool, errMessage *string)

// TaskSession is the ephemeral handle for one in-flight agent conversation.
// It is owned exclusively by the Manager that created it; the
// underlying sdk.Session is a weak collaborator that never outlives it.
type TaskSession struct {
	ID          string
	TaskID      int64
	WorkspaceID string
	Purpose     sdk.Purpose
	Mode        Mode

	mu                sync.Mutex
	status            Status
	awaitingUserInput bool

	textBuf      strings.Builder
	thinkingBuf  strings.Builder
	toolCalls    map[string]toolCallState
	lastToolText string
	lastToolAt   time.Time

	completed         bool
	completionSummary string

	turnCount      int
	turnStartedAt  time.Time
	firstTokenSeen bool

	sdkSession sdk.Session
	watchdogs  *watchdogSet
	lease      *executionLease

	onComplete      OnComplete
	attachRestore   func()
	completeRestore func()

	cancel context.CancelFunc
}

type toolCallState struct {
	name       string
	args       string
	lastOutput string
}

func (s *TaskSession) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *TaskSession) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// OpenParams parametrizes Manager.Open.
type OpenParams struct {
	Task                   *task.Task
	WorkspacePath          string
	Purpose                sdk.Purpose
	RequireExistingSession bool
	ForceNewSession        bool
	SettingsOverrides      map[string]any
	DefaultThinkingLevel   sdk.ThinkingLevel
	DisableRetry           bool
	DisableCompaction      bool

	// ExtraHandler, when set, is invoked after the core demultiplexer has
	// processed every event, letting callers (the planning pipeline) layer
	// guardrail accounting without reimplementing the demux.
	ExtraHandler sdk.Handler

	// OnComplete is wired onto the session for the completion protocol.
	// May be nil for planning/chat opens that don't use task_complete.
	OnComplete OnComplete
}

// AttachHandler persists an attach_task_file call; installed once per
// Manager and wired onto every session's registry slot for its lifetime.
type AttachHandler func(workspaceID string, taskID int64, filename, mimeType string, data []byte) error

// Manager owns every live TaskSession, keyed by task id, and implements the
// SDK event demultiplexer, completion protocol, and the
// follow-up/steer/resume/chat/stop lifecycles.
type Manager struct {
	client      sdk.Client
	store       *task.Store
	activityLog *activity.Log
	registries  *Registries
	cfg         config.WatchdogConfig
	log         *logger.Logger
	attachFunc  AttachHandler

	mu       sync.Mutex
	sessions map[int64]*TaskSession
}

// NewManager wires a session Manager.
func NewManager(client sdk.Client, store *task.Store, activityLog *activity.Log, registries *Registries, cfg config.WatchdogConfig, log *logger.Logger) *Manager {
	return &Manager{
		client:      client,
		store:       store,
		activityLog: activityLog,
		registries:  registries,
		cfg:         cfg,
		log:         log,
		sessions:    make(map[int64]*TaskSession),
	}
}

// SetAttachHandler wires the attach_task_file persistence hook; called once
// during orchestrator wiring, before any session opens.
func (m *Manager) SetAttachHandler(fn AttachHandler) { m.attachFunc = fn }

// Registries exposes the shared callback registries so the planning
// pipeline and the tool-callback HTTP handlers can install/invoke slots.
func (m *Manager) Registries() *Registries { return m.registries }

// getActive returns the session currently registered for taskID, or nil.
// Handlers must check getActive(taskID) == self before mutating state so a
// stale (torn-down) session silently drops late events.
func (m *Manager) getActive(taskID int64) *TaskSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[taskID]
}

// Active exposes the registered session for taskID to callers outside the
// package (the orchestrator service routes user messages through it).
func (m *Manager) Active(taskID int64) *TaskSession { return m.getActive(taskID) }

// HasActive reports whether a session is currently registered for taskID;
// the automation controller consults it before queue-starting a task.
func (m *Manager) HasActive(taskID int64) bool { return m.getActive(taskID) != nil }

// teardown unregisters a session and stops its watchdogs. Idempotent.
func (m *Manager) teardown(ts *TaskSession) {
	m.mu.Lock()
	if m.sessions[ts.TaskID] == ts {
		delete(m.sessions, ts.TaskID)
	}
	m.mu.Unlock()
	if ts.watchdogs != nil {
		ts.watchdogs.StopAll()
	}
	if ts.lease != nil {
		ts.lease.Clear()
	}
	if ts.attachRestore != nil {
		ts.attachRestore()
	}
	if ts.completeRestore != nil {
		ts.completeRestore()
	}
}

// Open registers a new session for params.Task.ID, first tearing down any
// previous one, then opens the SDK conversation in resume mode
// when the task carries a sessionFile and ForceNewSession is false.
func (m *Manager) Open(ctx context.Context, params OpenParams) (*TaskSession, error) {
	t := params.Task

	m.mu.Lock()
	if prev, ok := m.sessions[t.ID]; ok {
		m.mu.Unlock()
		m.teardown(prev)
		if prev.sdkSession != nil {
			_ = prev.sdkSession.Abort(ctx)
			_ = prev.sdkSession.Close()
		}
		m.mu.Lock()
	}

	mode := DeriveMode(params.Purpose, t.Phase)
	turnCtx, cancel := context.WithCancel(ctx)
	ts := &TaskSession{
		ID:          fmt.Sprintf("%d-%d", t.ID, time.Now().UnixNano()),
		TaskID:      t.ID,
		WorkspaceID: t.WorkspaceID,
		Purpose:     params.Purpose,
		Mode:        mode,
		status:      StatusRunning,
		toolCalls:   make(map[string]toolCallState),
		onComplete:  params.OnComplete,
		cancel:      cancel,
	}
	if params.Purpose == sdk.PurposeExecution {
		ts.watchdogs = newWatchdogSet(m.cfg, func(phase stallPhase) { m.recoverStall(ts, phase) })
		ts.lease = startExecutionLease(params.WorkspacePath, t.ID, m.cfg.HeartbeatInterval)
	}
	m.sessions[t.ID] = ts
	m.mu.Unlock()

	if m.attachFunc != nil {
		workspaceID, taskID := t.WorkspaceID, t.ID
		ts.attachRestore = m.registries.InstallAttach(taskID, func(filename, mimeType string, data []byte) error {
			return m.attachFunc(workspaceID, taskID, filename, mimeType, data)
		})
	}

	requireExisting := params.RequireExistingSession
	forceNew := params.ForceNewSession
	sessionFile := t.SessionFile
	if sessionFile == "" {
		forceNew = true
	}

	handler := m.demux(ts, params.ExtraHandler)
	sdkSession, err := m.client.Open(turnCtx, sdk.OpenOptions{
		WorkspacePath:          params.WorkspacePath,
		TaskID:                 t.ID,
		Purpose:                params.Purpose,
		SessionFile:            sessionFile,
		RequireExistingSession: requireExisting,
		ForceNewSession:        forceNew,
		SettingsOverrides:      params.SettingsOverrides,
		DefaultThinkingLevel:   params.DefaultThinkingLevel,
		DisableRetry:           params.DisableRetry,
		DisableCompaction:      params.DisableCompaction,
	}, handler)
	if err != nil {
		m.teardown(ts)
		cancel()
		return nil, err
	}

	ts.mu.Lock()
	ts.sdkSession = sdkSession
	ts.mu.Unlock()

	return ts, nil
}

// Prompt sends body as a new turn, arming the turn-start watchdogs first.
func (m *Manager) Prompt(ctx context.Context, ts *TaskSession, body string) error {
	if ts.watchdogs != nil {
		ts.watchdogs.ArmTurnStart()
	}
	ts.mu.Lock()
	ts.turnStartedAt = time.Now()
	ts.firstTokenSeen = false
	ts.awaitingUserInput = false
	ts.mu.Unlock()
	ts.setStatus(StatusRunning)
	sessionFile, err := ts.sdkSession.Prompt(ctx, body)
	if sessionFile != "" {
		if _, storeErr := m.store.AssignSessionFile(ctx, ts.WorkspaceID, ts.TaskID, sessionFile); storeErr != nil && m.log != nil {
			m.log.WithError(storeErr).Warn("failed to persist session file")
		}
	}
	return err
}

// FollowUp resets completion flags and rearms watchdogs before starting a
// new turn on an idle session; if the session is streaming it enqueues
// instead (delegated to the SDK's own queuing via FollowUp semantics).
func (m *Manager) FollowUp(ctx context.Context, ts *TaskSession, body string) error {
	ts.mu.Lock()
	ts.completed = false
	ts.completionSummary = ""
	ts.turnStartedAt = time.Now()
	ts.firstTokenSeen = false
	ts.awaitingUserInput = false
	ts.mu.Unlock()
	if ts.watchdogs != nil {
		ts.watchdogs.ArmTurnStart()
	}
	ts.setStatus(StatusRunning)
	sessionFile, err := ts.sdkSession.FollowUp(ctx, body)
	if sessionFile != "" {
		if _, storeErr := m.store.AssignSessionFile(ctx, ts.WorkspaceID, ts.TaskID, sessionFile); storeErr != nil && m.log != nil {
			m.log.WithError(storeErr).Warn("failed to persist session file")
		}
	}
	return err
}

// Steer interrupts a streaming turn. Caller must ensure the session is
// actively streaming; behavior is undefined otherwise.
func (m *Manager) Steer(ctx context.Context, ts *TaskSession, body string) error {
	return ts.sdkSession.Steer(ctx, body)
}

// Stop cooperatively tears down a session: abort the SDK, clear onComplete
// so completion cannot fire after stop, unsubscribe/clean callbacks, and
// remove it from the registry.
func (m *Manager) Stop(ctx context.Context, taskID int64) (bool, error) {
	ts := m.getActive(taskID)
	if ts == nil {
		return false, nil
	}

	ts.mu.Lock()
	ts.onComplete = nil
	sdkSess := ts.sdkSession
	ts.mu.Unlock()

	m.teardown(ts)
	ts.cancel()

	var err error
	if sdkSess != nil {
		err = sdkSess.Abort(ctx)
		_ = sdkSess.Close()
	}

	ts.setStatus(StatusPaused)
	m.broadcastStatus(ts, "idle")
	return true, err
}

func (m *Manager) broadcastStatus(ts *TaskSession, status string) {
	if m.activityLog == nil {
		return
	}
	taskID := ts.TaskID
	m.activityLog.Broadcast(ts.WorkspaceID, activity.EventExecutionStatus, &taskID, map[string]string{"status": status})
}

func (m *Manager) recoverStall(ts *TaskSession, phase stallPhase) {
	if m.getActive(ts.TaskID) != ts {
		return
	}

	taskID := ts.TaskID
	if m.activityLog != nil {
		_, _ = m.activityLog.Append(context.Background(), activity.Entry{
			WorkspaceID: ts.WorkspaceID,
			TaskID:      &taskID,
			Kind:        activity.KindSystemEvent,
			SystemKind:  "stall",
			Message:     fmt.Sprintf("watchdog %s expired", phase),
			Metadata:    map[string]any{"stallPhase": string(phase)},
		})
	}

	ts.mu.Lock()
	ts.onComplete = nil
	sdkSess := ts.sdkSession
	ts.mu.Unlock()

	m.teardown(ts)
	ts.setStatus(StatusIdle)
	m.broadcastStatus(ts, "idle")
	if m.activityLog != nil {
		m.activityLog.Broadcast(ts.WorkspaceID, activity.EventTurnEnd, &taskID, nil)
	}

	if sdkSess != nil {
		go func() {
			_ = sdkSess.Abort(context.Background())
			_ = sdkSess.Close()
		}()
	}

	if m.log != nil {
		m.log.Warn("session watchdog recovered", zap.Int64("taskId", taskID), zap.String("stallPhase", string(phase)))
	}
}
