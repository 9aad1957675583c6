package session

import "sync"

// CompleteFunc is installed by a running execution session and invoked by
// the task_complete tool callback.
type CompleteFunc func(summary string) error

// SavePlanFunc is installed while mode=task_planning (or temporarily during
// a chat turn where planning is explicitly permitted) and invoked by the
// save_plan tool callback.
type SavePlanFunc func(criteria []string, goal string, steps, validation, cleanup []string) error

// AttachFileFunc is installed for the lifetime of any session and invoked
// by the attach_task_file tool callback.
type AttachFileFunc func(filename, mimeType string, data []byte) error

// Registries are the three process-scoped, single-slot-per-task callback
// maps described in spec: plan (save_plan), complete (task_complete),
// attach-file (attach_task_file). Each slot exposes at most one function.
// The plan slot is a stack: installing while it is occupied stashes the
// previous value and restore re-exposes it (used by chat turns that
// temporarily install save_plan over a slot a planning session already
// owns). The complete and attach-file slots do not stash: installing
// overwrites the slot and restore clears it.
type Registries struct {
	mu       sync.Mutex
	complete map[int64]CompleteFunc
	plan     map[int64][]SavePlanFunc // stack: last is active
	attach   map[int64]AttachFileFunc
}

// NewRegistries constructs empty registries.
func NewRegistries() *Registries {
	return &Registries{
		complete: make(map[int64]CompleteFunc),
		plan:     make(map[int64][]SavePlanFunc),
		attach:   make(map[int64]AttachFileFunc),
	}
}

// InstallComplete sets the completion callback for taskID, returning a
// restore func that clears it (callers bracket install/restore with the
// session lifetime).
func (r *Registries) InstallComplete(taskID int64, fn CompleteFunc) (restore func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.complete[taskID] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.complete, taskID)
	}
}

// Complete invokes the registered completion callback, if any.
func (r *Registries) Complete(taskID int64, summary string) (bool, error) {
	r.mu.Lock()
	fn, ok := r.complete[taskID]
	r.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, fn(summary)
}

// InstallPlan pushes a save_plan callback onto taskID's stack (stash
// semantics); the returned restore pops it, re-exposing whatever was
// installed before.
func (r *Registries) InstallPlan(taskID int64, fn SavePlanFunc) (restore func()) {
	r.mu.Lock()
	r.plan[taskID] = append(r.plan[taskID], fn)
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		stack := r.plan[taskID]
		if len(stack) == 0 {
			return
		}
		stack = stack[:len(stack)-1]
		if len(stack) == 0 {
			delete(r.plan, taskID)
		} else {
			r.plan[taskID] = stack
		}
	}
}

// SavePlan invokes the currently active save_plan callback for taskID, if
// any is installed.
func (r *Registries) SavePlan(taskID int64, criteria []string, goal string, steps, validation, cleanup []string) (bool, error) {
	r.mu.Lock()
	stack := r.plan[taskID]
	r.mu.Unlock()
	if len(stack) == 0 {
		return false, nil
	}
	fn := stack[len(stack)-1]
	return true, fn(criteria, goal, steps, validation, cleanup)
}

// HasPlanCallback reports whether a save_plan callback is currently
// installed for taskID (used by the orchestrator's follow-up routing and
// by tests).
func (r *Registries) HasPlanCallback(taskID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.plan[taskID]) > 0
}

// InstallAttach sets the attach_task_file callback for taskID.
func (r *Registries) InstallAttach(taskID int64, fn AttachFileFunc) (restore func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attach[taskID] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.attach, taskID)
	}
}

// AttachFile invokes the registered attach-file callback, if any.
func (r *Registries) AttachFile(taskID int64, filename, mimeType string, data []byte) (bool, error) {
	r.mu.Lock()
	fn, ok := r.attach[taskID]
	r.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, fn(filename, mimeType, data)
}
