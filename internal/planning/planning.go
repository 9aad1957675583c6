// Package planning implements the Planning Pipeline: a bounded planning
// conversation that produces acceptance criteria and a plan, with a
// tool-call/time budget, turn-limit detection, a single grace turn, and
// post-success compaction.
package planning

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kandev/forgeflow/internal/activity"
	"github.com/kandev/forgeflow/internal/common/apperr"
	"github.com/kandev/forgeflow/internal/common/config"
	"github.com/kandev/forgeflow/internal/common/constants"
	"github.com/kandev/forgeflow/internal/common/logger"
	"github.com/kandev/forgeflow/internal/sdk"
	"github.com/kandev/forgeflow/internal/session"
	"github.com/kandev/forgeflow/internal/task"
)

// Guardrails bounds a single planning run. Zero values fall back to the
// process-wide config.PlanningConfig defaults.
type Guardrails struct {
	MaxToolCalls int
	TimeoutMs    int
}

// turnLimitRe detects SDK-reported turn/length exhaustion in a stopReason
// or error message.
var turnLimitRe = regexp.MustCompile(`(?i)turn limit|max turns|too many turns|stopreason=length`)

// Pipeline runs planning sessions on top of a session.Manager, reusing its
// demultiplexer and callback registries.
type Pipeline struct {
	sessions *session.Manager
	store    *task.Store
	activity *activity.Log
	cfg      config.PlanningConfig
	log      *logger.Logger

	promote PromotionHook
}

// PromotionHook is invoked after a successful plan persistence to attempt
// auto-promotion; wired by the automation controller.
type PromotionHook func(ctx context.Context, t *task.Task)

// NewPipeline wires a planning Pipeline.
func NewPipeline(sessions *session.Manager, store *task.Store, activityLog *activity.Log, cfg config.PlanningConfig, log *logger.Logger, promote PromotionHook) *Pipeline {
	return &Pipeline{sessions: sessions, store: store, activity: activityLog, cfg: cfg, log: log, promote: promote}
}

type guardrailState struct {
	toolCalls   int32
	aborted     atomic.Bool
	abortMsg    string
	turnLimited atomic.Bool
	graceTurn   atomic.Bool
}

// Run executes the full planning flow synchronously; callers typically
// invoke it from a background goroutine.
func (p *Pipeline) Run(ctx context.Context, workspacePath string, t *task.Task, g Guardrails) error {
	maxToolCalls := g.MaxToolCalls
	if maxToolCalls <= 0 {
		maxToolCalls = p.cfg.MaxToolCalls
	}
	timeoutMs := g.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = p.cfg.TimeoutMs
	}

	updated, err := p.store.SetPlanningStatus(ctx, t.WorkspaceID, t.ID, task.PlanningRunning)
	if err != nil {
		return err
	}
	t = updated
	taskID := t.ID
	if p.activity != nil {
		p.activity.Broadcast(t.WorkspaceID, activity.EventTaskUpdated, &taskID, map[string]string{"planningStatus": string(task.PlanningRunning)})
	}

	var saved atomic.Bool

	restore := p.sessions.Registries().InstallPlan(t.ID, func(criteria []string, goal string, steps, validation, cleanup []string) error {
		if _, err := p.store.SavePlan(ctx, t.WorkspaceID, t.ID, criteria, task.Plan{
			Goal: goal, Steps: steps, Validation: validation, Cleanup: cleanup,
		}, p.cfg.MaxAcceptanceCriteria); err != nil {
			return err
		}
		saved.Store(true)
		return p.sessions.AbortTurn(ctx, t.ID)
	})
	defer restore()

	gs := &guardrailState{}
	ts, err := p.sessions.Open(ctx, session.OpenParams{
		Task:                 t,
		WorkspacePath:        workspacePath,
		Purpose:              sdk.PurposePlanning,
		DefaultThinkingLevel: sdk.ThinkingLow,
		DisableRetry:         true,
		DisableCompaction:    true,
		ExtraHandler:         p.guardrailHandler(gs, maxToolCalls, t.ID),
	})
	if err != nil {
		_, _ = p.store.SetPlanningStatus(ctx, t.WorkspaceID, t.ID, task.PlanningError)
		return err
	}

	template := session.DefaultPlanningTemplate
	if t.SessionFile != "" {
		// The conversation resumes where the last planning run left off.
		template = session.DefaultResumePlanningTemplate
	}
	body := session.RenderPrompt(template, session.PromptTemplateVars{
		StateBlock:         session.BuildStateContract(t.Phase, ts.Mode, t.PlanningStatus),
		ContractReference:  session.ContractReference(ts.Mode),
		TaskID:             t.ID,
		Title:              t.Title,
		Description:        t.Description,
		Skills:             strings.Join(t.PrePlanningSkills, ", "),
		MaxToolCalls:       maxToolCalls,
	})

	outerCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	err = p.sessions.Prompt(outerCtx, ts, body)
	cancel()

	if !saved.Load() && (gs.aborted.Load() || gs.turnLimited.Load() || errors.Is(err, context.DeadlineExceeded)) {
		p.logGuardrail(ctx, t, gs)
		gs.aborted.Store(false)
		gs.graceTurn.Store(true)
		if graceErr := p.graceTurn(ctx, ts, t); graceErr != nil && p.log != nil {
			p.log.WithError(graceErr).Warn("planning grace turn failed")
		}
		gs.graceTurn.Store(false)
	}

	if !saved.Load() {
		_, _ = p.store.SetPlanningStatus(ctx, t.WorkspaceID, t.ID, task.PlanningError)
		p.sessions.Release(ts)
		return apperr.Wrap(apperr.ExternalFailure, "planning run did not produce a plan", err)
	}

	// A plan was persisted: treat the run as success even if the outer
	// promise rejected (the abort from save_plan's callback is expected).
	if p.activity != nil {
		p.activity.Broadcast(t.WorkspaceID, activity.EventTaskPlanGen, &taskID, nil)
	}
	compactCtx, cancel := context.WithTimeout(ctx, p.compactionTimeout())
	compactErr := p.sessions.Compact(compactCtx, ts, compactionDirective)
	cancel()
	if compactErr != nil && p.log != nil {
		p.log.WithError(compactErr).Debug("post-planning compaction failed")
	}
	p.sessions.Release(ts)

	if p.promote != nil {
		fresh, getErr := p.store.Get(ctx, t.WorkspaceID, t.ID)
		if getErr == nil {
			p.promote(ctx, fresh)
		}
	}

	return nil
}

func (p *Pipeline) compactionTimeout() time.Duration {
	if p.cfg.CompactionTimeout > 0 {
		return p.cfg.CompactionTimeout
	}
	return 90 * time.Second
}

const compactionDirective = "Summarize this conversation, preserving user intent, constraints, " +
	"architectural decisions, risks, trade-offs, acceptance criteria, and the plan."

func (p *Pipeline) guardrailHandler(gs *guardrailState, maxToolCalls int, taskID int64) sdk.Handler {
	return func(ctx context.Context, evt sdk.Event) {
		switch evt.Type {
		case sdk.EventToolExecutionEnd:
			if gs.graceTurn.Load() && evt.ToolName != constants.ToolSavePlan && gs.aborted.CompareAndSwap(false, true) {
				gs.abortMsg = fmt.Sprintf("grace turn called %s instead of save_plan", evt.ToolName)
				go func() { _ = p.sessions.AbortTurn(context.Background(), taskID) }()
				return
			}
			n := atomic.AddInt32(&gs.toolCalls, 1)
			if int(n) > maxToolCalls && gs.aborted.CompareAndSwap(false, true) {
				gs.abortMsg = fmt.Sprintf("tool-call budget exceeded (%d/%d)", n, maxToolCalls)
				// Stop the agent from issuing further tool calls immediately
				// rather than waiting for the outer timeout.
				go func() { _ = p.sessions.AbortTurn(context.Background(), taskID) }()
			}
		case sdk.EventMessageEnd:
			if evt.StopReason == sdk.StopLength || turnLimitRe.MatchString(evt.ErrorText) {
				gs.turnLimited.Store(true)
			}
		}
	}
}

func (p *Pipeline) logGuardrail(ctx context.Context, t *task.Task, gs *guardrailState) {
	if p.activity == nil {
		return
	}
	msg := gs.abortMsg
	if msg == "" {
		msg = "turn limit reached"
	}
	taskID := t.ID
	_, _ = p.activity.Append(ctx, activity.Entry{
		WorkspaceID: t.WorkspaceID,
		TaskID:      &taskID,
		Kind:        activity.KindSystemEvent,
		SystemKind:  "planning-guardrail",
		Message:     msg,
	})
}

// graceTurn issues exactly one more prompt instructing the agent to
// persist whatever plan it has; any tool call other than save_plan during
// this turn triggers an abort.
func (p *Pipeline) graceTurn(ctx context.Context, ts *session.TaskSession, t *task.Task) error {
	body := "You are out of turns. Call save_plan now with whatever research you have; do not call any other tool."
	graceCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	return p.sessions.FollowUp(graceCtx, ts, body)
}
