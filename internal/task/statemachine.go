package task

import (
	"fmt"
	"strings"
)

// transitions enumerates every allowed phase move. Keys are "from", values
// are the set of allowed "to" phases. backlog->executing is deliberately
// absent: planning can never be skipped.
var transitions = map[Phase]map[Phase]bool{
	PhaseBacklog: {
		PhaseReady:    true,
		PhaseComplete: true,
		PhaseArchived: true,
	},
	PhaseReady: {
		PhaseExecuting: true,
		PhaseArchived:  true,
	},
	PhaseExecuting: {
		PhaseComplete: true,
		PhaseReady:    true,
		PhaseArchived: true,
	},
	PhaseComplete: {
		PhaseReady:    true,
		PhaseArchived: true,
	},
	PhaseArchived: {
		PhaseComplete: true,
		PhaseBacklog:  true,
	},
}

// CanMoveResult is the outcome of CanMoveToPhase.
type CanMoveResult struct {
	Allowed bool
	Reason  string
}

// CanMoveToPhase is the single authoritative state machine gate. It never
// mutates t; callers persist the transition themselves once allowed.
func CanMoveToPhase(t *Task, to Phase) CanMoveResult {
	if t.PlanningStatus == PlanningRunning {
		return CanMoveResult{Allowed: false, Reason: "task is still planning"}
	}

	allowedTargets, ok := transitions[t.Phase]
	if !ok || !allowedTargets[to] {
		return CanMoveResult{
			Allowed: false,
			Reason:  fmt.Sprintf("%s -> %s is not a permitted transition", t.Phase, to),
		}
	}

	if to == PhaseReady && t.Phase == PhaseBacklog {
		if !hasNonEmptyCriterion(t.AcceptanceCriteria) {
			return CanMoveResult{Allowed: false, Reason: "at least one acceptance criterion is required to leave backlog"}
		}
	}

	return CanMoveResult{Allowed: true}
}

func hasNonEmptyCriterion(criteria []string) bool {
	for _, c := range criteria {
		if strings.TrimSpace(c) != "" {
			return true
		}
	}
	return false
}

// insertsAtStart reports whether moving into `to` prepends the task in its
// new phase (moves-in prepend into ready/executing/complete; archiving and
// restore-to-backlog do not reorder relative to backlog's append rule).
func insertsAtStart(to Phase) bool {
	switch to {
	case PhaseReady, PhaseExecuting, PhaseComplete:
		return true
	default:
		return false
	}
}
