package session

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// AbortTurn asks the SDK to cancel the in-flight turn without tearing down
// the session's registry entry, used by the save_plan callback to stop the
// agent from continuing into implementation while the conversation stays
// open for post-success compaction.
func (m *Manager) AbortTurn(ctx context.Context, taskID int64) error {
	ts := m.getActive(taskID)
	if ts == nil {
		return nil
	}
	ts.mu.Lock()
	sdkSess := ts.sdkSession
	ts.mu.Unlock()
	if sdkSess == nil {
		return nil
	}
	return sdkSess.Abort(ctx)
}

// Compact asks the SDK to summarize history under directive.
func (m *Manager) Compact(ctx context.Context, ts *TaskSession, directive string) error {
	ts.mu.Lock()
	sdkSess := ts.sdkSession
	ts.mu.Unlock()
	if sdkSess == nil {
		return nil
	}
	return sdkSess.Compact(ctx, directive)
}

// StopAll cooperatively stops every currently registered session in
// parallel, used on process shutdown so in-flight SDK turns get an abort
// signal instead of being killed mid-turn. A failed stop does not prevent
// the others; the first error returned by any of them is reported.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	taskIDs := make([]int64, 0, len(m.sessions))
	for id := range m.sessions {
		taskIDs = append(taskIDs, id)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, taskID := range taskIDs {
		taskID := taskID
		g.Go(func() error {
			_, err := m.Stop(ctx, taskID)
			return err
		})
	}
	return g.Wait()
}

// Release tears down ts's registry entry and closes its SDK session, used
// once a planning/chat run is fully finished (including any post-success
// compaction) and no further events should be routed to it.
func (m *Manager) Release(ts *TaskSession) {
	m.teardown(ts)
	ts.mu.Lock()
	sdkSess := ts.sdkSession
	ts.mu.Unlock()
	if sdkSess != nil {
		_ = sdkSess.Close()
	}
}
