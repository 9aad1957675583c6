package session

import (
	"sync"
	"time"

	"github.com/kandev/forgeflow/internal/common/config"
)

// stallPhase names which of the five layered watchdogs fired, used in the
// stall activity entry's metadata.
type stallPhase string

const (
	stallNoFirstEvent  stallPhase = "no-first-event"
	stallStreamSilence stallPhase = "stream-silence"
	stallToolExecution stallPhase = "tool-execution"
	stallPostTool      stallPhase = "post-tool"
	stallMaxTurn       stallPhase = "max-turn-duration"
)

// watchdogSet owns the five independent per-turn timers. Only execution
// turns arm these; planning and chat turns never call arm*.
type watchdogSet struct {
	cfg    config.WatchdogConfig
	onFire func(stallPhase)

	mu sync.Mutex

	noFirstEvent  *time.Timer
	streamSilence *time.Timer
	toolExecution *time.Timer
	postTool      *time.Timer
	maxTurn       *time.Timer

	recovered bool // one-shot guard: only the first watchdog to fire acts
}

func newWatchdogSet(cfg config.WatchdogConfig, onFire func(stallPhase)) *watchdogSet {
	return &watchdogSet{cfg: cfg, onFire: onFire}
}

// ArmTurnStart starts the no-first-event and max-turn-duration timers.
func (w *watchdogSet) ArmTurnStart() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.recovered = false
	w.noFirstEvent = w.schedule(w.noFirstEvent, w.cfg.NoFirstEvent, stallNoFirstEvent)
	w.maxTurn = w.schedule(w.maxTurn, w.cfg.MaxTurnDuration, stallMaxTurn)
}

// OnAnyEvent disarms no-first-event: any SDK event counts.
func (w *watchdogSet) OnAnyEvent() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stop(w.noFirstEvent)
	w.noFirstEvent = nil
}

// ArmStreamSilence (re)arms the stream-silence timer on message_start/delta.
func (w *watchdogSet) ArmStreamSilence() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.streamSilence = w.schedule(w.streamSilence, w.cfg.StreamSilence, stallStreamSilence)
}

// DisarmStreamSilence stops the stream-silence timer on message_end/tool start.
func (w *watchdogSet) DisarmStreamSilence() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stop(w.streamSilence)
	w.streamSilence = nil
}

// ArmToolExecution (re)arms the tool-execution timer.
func (w *watchdogSet) ArmToolExecution() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.toolExecution = w.schedule(w.toolExecution, w.cfg.ToolExecution, stallToolExecution)
}

// DisarmToolExecution stops the tool-execution timer on tool_execution_end.
func (w *watchdogSet) DisarmToolExecution() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stop(w.toolExecution)
	w.toolExecution = nil
}

// ArmPostTool starts the post-tool timer after tool_execution_end.
func (w *watchdogSet) ArmPostTool() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.postTool = w.schedule(w.postTool, w.cfg.PostTool, stallPostTool)
}

// DisarmPostTool stops the post-tool timer on the next event.
func (w *watchdogSet) DisarmPostTool() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stop(w.postTool)
	w.postTool = nil
}

// StopAll tears down every timer, used on turn end, stop, or watchdog
// recovery itself.
func (w *watchdogSet) StopAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stop(w.noFirstEvent)
	w.stop(w.streamSilence)
	w.stop(w.toolExecution)
	w.stop(w.postTool)
	w.stop(w.maxTurn)
	w.noFirstEvent, w.streamSilence, w.toolExecution, w.postTool, w.maxTurn = nil, nil, nil, nil, nil
}

func (w *watchdogSet) stop(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (w *watchdogSet) schedule(existing *time.Timer, d time.Duration, phase stallPhase) *time.Timer {
	if existing != nil {
		existing.Stop()
	}
	return time.AfterFunc(d, func() {
		w.fire(phase)
	})
}

func (w *watchdogSet) fire(phase stallPhase) {
	w.mu.Lock()
	if w.recovered {
		w.mu.Unlock()
		return
	}
	w.recovered = true
	w.mu.Unlock()
	w.onFire(phase)
}
