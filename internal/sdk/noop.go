package sdk

import (
	"context"
	"errors"
)

// ErrClientNotConfigured is returned by the unconfigured Client when no real
// SDK integration has been wired at startup.
var ErrClientNotConfigured = errors.New("sdk: no client configured")

// unconfiguredClient is the default Client used when the process has not
// been wired against a real agent SDK. It lets the rest of the orchestrator
// start up and serve read-only/administrative requests even before an SDK
// integration is plugged in.
type unconfiguredClient struct{}

// NewUnconfiguredClient returns a Client whose Open always fails with
// ErrClientNotConfigured.
func NewUnconfiguredClient() Client { return unconfiguredClient{} }

func (unconfiguredClient) Open(ctx context.Context, opts OpenOptions, handler Handler) (Session, error) {
	return nil, ErrClientNotConfigured
}
