package planning

import (
	"context"
	"sync"

	"github.com/kandev/forgeflow/internal/sdk"
)

// fakeSession is a scriptable sdk.Session for exercising the planning
// pipeline's guardrail/grace-turn/compaction flow without a real SDK.
type fakeSession struct {
	handler sdk.Handler

	mu            sync.Mutex
	aborted       bool
	compactCalled bool
	promptFn      func(ctx context.Context, body string) (string, error)
	followUpFn    func(ctx context.Context, body string) (string, error)
}

func (f *fakeSession) Prompt(ctx context.Context, body string) (string, error) {
	if f.promptFn != nil {
		return f.promptFn(ctx, body)
	}
	return "", nil
}

func (f *fakeSession) FollowUp(ctx context.Context, body string) (string, error) {
	if f.followUpFn != nil {
		return f.followUpFn(ctx, body)
	}
	return f.Prompt(ctx, body)
}

func (f *fakeSession) Steer(ctx context.Context, body string) error { return nil }

func (f *fakeSession) Abort(ctx context.Context) error {
	f.mu.Lock()
	f.aborted = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) Compact(ctx context.Context, directive string) error {
	f.mu.Lock()
	f.compactCalled = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) ContextUsage(ctx context.Context) (sdk.ContextUsage, error) {
	return sdk.ContextUsage{}, nil
}

func (f *fakeSession) Close() error { return nil }

func (f *fakeSession) didCompact() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.compactCalled
}

type fakeClient struct {
	onOpen func(handler sdk.Handler) *fakeSession
}

func (c *fakeClient) Open(ctx context.Context, opts sdk.OpenOptions, handler sdk.Handler) (sdk.Session, error) {
	return c.onOpen(handler), nil
}
