package sandbox

import "context"

// Provider creates, restarts, and stops sandbox VMs. Implementations:
// DaytonaProvider for cloud deployments and LocalProvider for development
// against a sandbox server on localhost.
type Provider interface {
	// Create provisions a new sandbox in the environment and returns its id.
	Create(ctx context.Context, environmentID string) (string, error)

	// Restart restarts a sandbox by id. The provider may return a different
	// id when the sandbox had to be recreated; callers must rebind.
	Restart(ctx context.Context, sandboxID string) (string, error)

	// Stop stops a sandbox by id.
	Stop(ctx context.Context, sandboxID string) error
}

// WarmPool hands out pre-provisioned sandboxes so a thread does not pay
// cold-start latency. GetWarm returns ("", false) when the pool has nothing,
// which is never an error: callers fall back to direct creation.
type WarmPool interface {
	GetWarm(ctx context.Context, environmentID string) (string, bool)
}
