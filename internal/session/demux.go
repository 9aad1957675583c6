package session

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/forgeflow/internal/activity"
	"github.com/kandev/forgeflow/internal/common/constants"
	"github.com/kandev/forgeflow/internal/common/stringutil"
	"github.com/kandev/forgeflow/internal/sdk"
)

// echoDedupWindow is the default max gap between a tool result and a
// near-duplicate assistant message that suppresses persistence (but not
// broadcast) of the latter; watchdog.echoDedupWindow overrides it.
const echoDedupWindow = 2500 * time.Millisecond

// demux builds the single per-session SDK event handler. extra, when
// non-nil, is invoked with every event after the core demux has processed
// it, so the planning pipeline can layer guardrail accounting without
// duplicating this switch.
func (m *Manager) demux(ts *TaskSession, extra sdk.Handler) sdk.Handler {
	return func(ctx context.Context, evt sdk.Event) {
		if m.getActive(ts.TaskID) != ts {
			return // stale session, drop silently
		}

		if ts.watchdogs != nil && evt.Type != sdk.EventToolExecutionEnd {
			ts.watchdogs.DisarmPostTool()
		}

		switch evt.Type {
		case sdk.EventAgentStart:
			m.onAgentStart(ctx, ts)
		case sdk.EventMessageStart:
			m.onMessageStart(ts, evt)
		case sdk.EventMessageUpdate:
			m.onMessageUpdate(ts, evt)
		case sdk.EventMessageEnd:
			m.onMessageEnd(ctx, ts, evt)
		case sdk.EventToolExecutionStart:
			m.onToolStart(ts, evt)
		case sdk.EventToolExecutionUpdate:
			m.onToolUpdate(ts, evt)
		case sdk.EventToolExecutionEnd:
			m.onToolEnd(ctx, ts, evt)
		case sdk.EventTurnEnd:
			m.onTurnEnd(ts)
		case sdk.EventAutoCompactionStart, sdk.EventAutoCompactionEnd, sdk.EventAutoRetryStart, sdk.EventAutoRetryEnd:
			m.onReliabilityEvent(ts, evt)
		}

		if ts.watchdogs != nil {
			ts.watchdogs.OnAnyEvent()
		}

		if extra != nil {
			extra(ctx, evt)
		}
	}
}

func (m *Manager) onAgentStart(ctx context.Context, ts *TaskSession) {
	ts.mu.Lock()
	ts.textBuf.Reset()
	ts.thinkingBuf.Reset()
	ts.mu.Unlock()
	m.broadcastStatus(ts, "streaming")
	m.publishContextUsage(ctx, ts)
}

func (m *Manager) onMessageStart(ts *TaskSession, evt sdk.Event) {
	if evt.Role != sdk.RoleAssistant {
		return
	}
	if ts.watchdogs != nil {
		ts.watchdogs.ArmStreamSilence()
	}
	taskID := ts.TaskID
	if m.activityLog != nil {
		m.activityLog.Broadcast(ts.WorkspaceID, activity.EventStreamingStart, &taskID, nil)
	}
}

func (m *Manager) onMessageUpdate(ts *TaskSession, evt sdk.Event) {
	taskID := ts.TaskID
	switch evt.Delta {
	case sdk.DeltaText:
		ts.mu.Lock()
		ts.textBuf.WriteString(evt.Text)
		firstToken := !ts.firstTokenSeen
		ts.firstTokenSeen = true
		startedAt := ts.turnStartedAt
		ts.mu.Unlock()
		if firstToken && m.log != nil && !startedAt.IsZero() {
			m.log.Debug("first assistant token",
				zap.Int64("taskId", taskID),
				zap.Int64("latencyMs", time.Since(startedAt).Milliseconds()))
		}
		if m.activityLog != nil {
			m.activityLog.Broadcast(ts.WorkspaceID, activity.EventStreamingText, &taskID, evt.Text)
		}
	case sdk.DeltaThinking:
		ts.mu.Lock()
		ts.thinkingBuf.WriteString(evt.Text)
		ts.mu.Unlock()
		if m.activityLog != nil {
			m.activityLog.Broadcast(ts.WorkspaceID, activity.EventThinkingDelta, &taskID, evt.Text)
		}
	}
	if ts.watchdogs != nil {
		ts.watchdogs.ArmStreamSilence()
	}
}

func (m *Manager) onMessageEnd(ctx context.Context, ts *TaskSession, evt sdk.Event) {
	if evt.Role != sdk.RoleAssistant {
		return
	}
	if ts.watchdogs != nil {
		ts.watchdogs.DisarmStreamSilence()
	}
	taskID := ts.TaskID
	if m.activityLog != nil {
		m.activityLog.Broadcast(ts.WorkspaceID, activity.EventStreamingEnd, &taskID, nil)
	}

	ts.mu.Lock()
	content := StripContractEcho(ts.textBuf.String())
	lastToolText, lastToolAt := ts.lastToolText, ts.lastToolAt
	hadThinking := ts.thinkingBuf.Len() > 0
	ts.textBuf.Reset()
	ts.thinkingBuf.Reset()
	ts.mu.Unlock()

	if hadThinking && m.activityLog != nil {
		m.activityLog.Broadcast(ts.WorkspaceID, activity.EventThinkingEnd, &taskID, nil)
	}

	window := echoDedupWindow
	if m.cfg.EchoDedupWindow > 0 {
		window = m.cfg.EchoDedupWindow
	}
	isEcho := lastToolText != "" && strings.TrimSpace(content) == strings.TrimSpace(lastToolText) &&
		time.Since(lastToolAt) <= window
	if content != "" && !isEcho && m.activityLog != nil {
		_, _ = m.activityLog.Append(ctx, activity.Entry{
			WorkspaceID: ts.WorkspaceID,
			TaskID:      &taskID,
			Kind:        activity.KindChatMessage,
			Role:        activity.RoleAgent,
			Content:     content,
		})
	}

	if evt.Usage != nil && m.store != nil {
		if _, err := m.store.RecordUsage(ctx, ts.WorkspaceID, taskID, evt.Usage.Model, evt.Usage.InputTokens, evt.Usage.OutputTokens, evt.Usage.CostUSD); err != nil && m.log != nil {
			m.log.WithError(err).Warn("failed to record usage")
		}
	}

	if evt.StopReason == sdk.StopError {
		if m.activityLog != nil {
			_, _ = m.activityLog.Append(ctx, activity.Entry{
				WorkspaceID: ts.WorkspaceID,
				TaskID:      &taskID,
				Kind:        activity.KindSystemEvent,
				SystemKind:  "turn-error",
				Message:     evt.ErrorText,
			})
			m.activityLog.Broadcast(ts.WorkspaceID, activity.EventExecutionStatus, &taskID, map[string]string{"status": "error"})
		}
	}

	m.publishContextUsage(ctx, ts)
}

func (m *Manager) onToolStart(ts *TaskSession, evt sdk.Event) {
	ts.mu.Lock()
	ts.toolCalls[evt.ToolCallID] = toolCallState{name: evt.ToolName, args: string(evt.ToolArgs)}
	ts.mu.Unlock()
	if ts.watchdogs != nil {
		ts.watchdogs.DisarmStreamSilence()
		ts.watchdogs.ArmToolExecution()
	}
	taskID := ts.TaskID
	if m.activityLog != nil {
		m.activityLog.Broadcast(ts.WorkspaceID, activity.EventExecutionStatus, &taskID, map[string]string{"status": "tool_use"})
		m.activityLog.Broadcast(ts.WorkspaceID, activity.EventToolStart, &taskID, map[string]string{"toolName": evt.ToolName, "toolCallId": evt.ToolCallID})
	}
}

func (m *Manager) onToolUpdate(ts *TaskSession, evt sdk.Event) {
	ts.mu.Lock()
	state := ts.toolCalls[evt.ToolCallID]
	delta := strings.TrimPrefix(string(evt.ToolResult), state.lastOutput)
	state.lastOutput = string(evt.ToolResult)
	ts.toolCalls[evt.ToolCallID] = state
	ts.mu.Unlock()

	if ts.watchdogs != nil {
		ts.watchdogs.ArmToolExecution()
	}
	taskID := ts.TaskID
	if m.activityLog != nil {
		m.activityLog.Broadcast(ts.WorkspaceID, activity.EventToolUpdate, &taskID, map[string]string{"toolCallId": evt.ToolCallID, "delta": delta})
	}
}

func (m *Manager) onToolEnd(ctx context.Context, ts *TaskSession, evt sdk.Event) {
	if ts.watchdogs != nil {
		ts.watchdogs.DisarmToolExecution()
	}
	taskID := ts.TaskID

	ts.mu.Lock()
	state := ts.toolCalls[evt.ToolCallID]
	delete(ts.toolCalls, evt.ToolCallID)
	resultText := string(evt.ToolResult)
	ts.lastToolText = resultText
	ts.lastToolAt = time.Now()
	ts.mu.Unlock()

	if m.activityLog != nil {
		_, _ = m.activityLog.Append(ctx, activity.Entry{
			WorkspaceID: ts.WorkspaceID,
			TaskID:      &taskID,
			Kind:        activity.KindChatMessage,
			Role:        activity.RoleAgent,
			Content:     stringutil.TruncateStringWithEllipsis(resultText, constants.MaxToolResultChars),
			ToolCallMeta: &activity.ToolCallMeta{
				ToolName:   state.name,
				ToolCallID: evt.ToolCallID,
				IsError:    evt.IsError,
			},
		})
		m.activityLog.Broadcast(ts.WorkspaceID, activity.EventToolEnd, &taskID, map[string]any{"toolCallId": evt.ToolCallID, "isError": evt.IsError})
		m.activityLog.Broadcast(ts.WorkspaceID, activity.EventExecutionStatus, &taskID, map[string]string{"status": "streaming"})
	}

	if ts.watchdogs != nil {
		ts.watchdogs.ArmPostTool()
	}

	switch state.name {
	case constants.ToolTaskComplete, constants.ToolSavePlan, constants.ToolAttachTaskFile:
		// The registry slot, if installed, already ran synchronously from
		// inside the SDK's tool dispatch, before this end event fired.
		// Nothing further to do here.
	}
}

func (m *Manager) onTurnEnd(ts *TaskSession) {
	if ts.watchdogs != nil {
		ts.watchdogs.DisarmPostTool()
		ts.watchdogs.StopAll()
	}
	ts.mu.Lock()
	ts.turnCount++
	completed := ts.completed
	ts.mu.Unlock()

	taskID := ts.TaskID
	if m.activityLog != nil {
		m.activityLog.Broadcast(ts.WorkspaceID, activity.EventTurnEnd, &taskID, nil)
	}

	if !completed {
		ts.setStatus(StatusIdle)
		if ts.Purpose == sdk.PurposeExecution {
			// An execution turn that ended without task_complete is waiting
			// on the user, not finished.
			ts.mu.Lock()
			ts.awaitingUserInput = true
			ts.mu.Unlock()
			m.broadcastStatus(ts, "awaiting_input")
		} else {
			m.broadcastStatus(ts, "idle")
		}
	}
}

func (m *Manager) onReliabilityEvent(ts *TaskSession, evt sdk.Event) {
	if m.activityLog == nil {
		return
	}
	taskID := ts.TaskID
	kind := string(evt.Type)
	msg := kind
	if evt.FinalError != "" {
		msg = kind + ": " + evt.FinalError
	}
	_, _ = m.activityLog.Append(context.Background(), activity.Entry{
		WorkspaceID: ts.WorkspaceID,
		TaskID:      &taskID,
		Kind:        activity.KindSystemEvent,
		SystemKind:  kind,
		Message:     msg,
		Metadata: map[string]any{
			"attempt": evt.RetryAttempt,
			"delayMs": evt.RetryDelayMs,
		},
	})
}

func (m *Manager) publishContextUsage(ctx context.Context, ts *TaskSession) {
	if m.activityLog == nil {
		return
	}
	ts.mu.Lock()
	sdkSess := ts.sdkSession
	ts.mu.Unlock()
	if sdkSess == nil {
		return
	}
	usage, err := sdkSess.ContextUsage(ctx)
	if err != nil {
		if m.log != nil {
			m.log.WithError(err).Debug("failed to read context usage")
		}
		return
	}
	taskID := ts.TaskID
	m.activityLog.Broadcast(ts.WorkspaceID, activity.EventContextUsage, &taskID, usage)
}
