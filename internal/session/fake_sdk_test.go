package session

import (
	"context"
	"sync"

	"github.com/kandev/forgeflow/internal/sdk"
)

// fakeSession is a scriptable sdk.Session: tests set Prompt/FollowUp
// behavior via promptFn and record Abort/Close calls for assertions.
type fakeSession struct {
	handler sdk.Handler

	mu       sync.Mutex
	aborted  bool
	closed   int
	promptFn func(ctx context.Context, body string) (string, error)
}

func (f *fakeSession) Prompt(ctx context.Context, body string) (string, error) {
	if f.promptFn != nil {
		return f.promptFn(ctx, body)
	}
	return "", nil
}

func (f *fakeSession) FollowUp(ctx context.Context, body string) (string, error) {
	return f.Prompt(ctx, body)
}

func (f *fakeSession) Steer(ctx context.Context, body string) error { return nil }

func (f *fakeSession) Abort(ctx context.Context) error {
	f.mu.Lock()
	f.aborted = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) Compact(ctx context.Context, directive string) error { return nil }

func (f *fakeSession) ContextUsage(ctx context.Context) (sdk.ContextUsage, error) {
	return sdk.ContextUsage{Tokens: 10, ContextWindow: 100, Percent: 10}, nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) wasAborted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aborted
}

// fakeClient hands out fakeSessions; onOpen lets each test script the
// session's behavior against the handler the Manager registered. The last
// OpenOptions are kept for resume-mode assertions.
type fakeClient struct {
	mu       sync.Mutex
	lastOpts sdk.OpenOptions
	onOpen   func(handler sdk.Handler) *fakeSession
}

func (c *fakeClient) Open(ctx context.Context, opts sdk.OpenOptions, handler sdk.Handler) (sdk.Session, error) {
	c.mu.Lock()
	c.lastOpts = opts
	c.mu.Unlock()
	if c.onOpen == nil {
		return &fakeSession{handler: handler}, nil
	}
	return c.onOpen(handler), nil
}

func (c *fakeClient) openOptions() sdk.OpenOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastOpts
}
