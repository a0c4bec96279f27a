package sandbox

import (
	"context"
	"sync"
	"time"
)

const (
	lazyPollInterval   = 200 * time.Millisecond
	lazyResolveTimeout = DefaultHealthTimeout
)

// LazyHandle is a sandbox facade that lets the agent start streaming model
// output immediately while provisioning proceeds in the background. Until
// first real use it reports a placeholder id and the creating state; the
// first operation that needs a real sandbox blocks on the manager's ready
// cache until the handle appears or the resolve timeout elapses.
type LazyHandle struct {
	threadID string
	manager  *Manager

	pollInterval   time.Duration
	resolveTimeout time.Duration

	mu       sync.Mutex
	resolved Handle
}

// NewLazyHandle creates a lazy handle for a thread.
func NewLazyHandle(threadID string, manager *Manager) *LazyHandle {
	return &LazyHandle{
		threadID:       threadID,
		manager:        manager,
		pollInterval:   lazyPollInterval,
		resolveTimeout: lazyResolveTimeout,
	}
}

// Resolved returns the underlying handle when resolution already happened.
func (l *LazyHandle) Resolved() (Handle, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resolved, l.resolved != nil
}

// resolve blocks until the manager has a ready handle for the thread,
// polling on each interval. Cancellable at every poll boundary.
func (l *LazyHandle) resolve(ctx context.Context) (Handle, error) {
	l.mu.Lock()
	if l.resolved != nil {
		handle := l.resolved
		l.mu.Unlock()
		return handle, nil
	}
	l.mu.Unlock()

	deadline := time.Now().Add(l.resolveTimeout)
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		if handle := l.manager.GetIfReady(ctx, l.threadID); handle != nil {
			l.mu.Lock()
			l.resolved = handle
			l.mu.Unlock()
			return handle, nil
		}
		if time.Now().After(deadline) {
			return nil, NewError("", "resolve", ErrNotReady)
		}
		select {
		case <-ctx.Done():
			return nil, NewError("", "resolve", ctx.Err())
		case <-ticker.C:
		}
	}
}

// ID implements Handle. Unresolved handles report a placeholder.
func (l *LazyHandle) ID() string {
	if handle, ok := l.Resolved(); ok {
		return handle.ID()
	}
	return "pending-" + l.threadID
}

// Info implements Handle.
func (l *LazyHandle) Info() Info {
	if handle, ok := l.Resolved(); ok {
		return handle.Info()
	}
	return Info{ID: l.ID(), State: StateCreating}
}

// Health implements Handle, forcing resolution.
func (l *LazyHandle) Health(ctx context.Context) (*HealthStatus, error) {
	handle, err := l.resolve(ctx)
	if err != nil {
		return nil, err
	}
	return handle.Health(ctx)
}

// HealthWait implements Handle. Resolution is bounded by the lazy handle's
// own resolve timeout, not by timeout; the resolved handle's wait then gets
// the full timeout.
func (l *LazyHandle) HealthWait(ctx context.Context, timeout time.Duration) error {
	handle, err := l.resolve(ctx)
	if err != nil {
		return err
	}
	return handle.HealthWait(ctx, timeout)
}

// RunStream implements Handle, forcing resolution.
func (l *LazyHandle) RunStream(ctx context.Context, toolName string, arguments map[string]any) (<-chan RunEvent, error) {
	handle, err := l.resolve(ctx)
	if err != nil {
		return nil, err
	}
	return handle.RunStream(ctx, toolName, arguments)
}

// Claim implements Handle, forcing resolution.
func (l *LazyHandle) Claim(ctx context.Context, config map[string]any) (map[string]any, error) {
	handle, err := l.resolve(ctx)
	if err != nil {
		return nil, err
	}
	return handle.Claim(ctx, config)
}
