package sandbox

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/agentd/internal/threads"
)

const (
	// unhealthyWaitBeforeRestart is the short grace period EnsureBlocking
	// gives a bound-but-unhealthy sandbox before restarting it.
	unhealthyWaitBeforeRestart = 60 * time.Second
)

// ManagerConfig configures the sandbox manager.
type ManagerConfig struct {
	// EnvironmentID is the sandbox environment (snapshot) new sandboxes are
	// created from.
	EnvironmentID string

	// ProxyBase and ProxyPort shape connect-by-id handle URLs.
	ProxyBase string
	ProxyPort int

	// HealthTimeout bounds provisioning health waits.
	HealthTimeout time.Duration

	// UnhealthyGrace is how long a bound-but-unhealthy sandbox gets to
	// recover before EnsureBlocking restarts it.
	UnhealthyGrace time.Duration

	// Dev marks claim configs as development.
	Dev bool
}

// readyEntry is a cached ready handle with its last health verification.
type readyEntry struct {
	handle       Handle
	lastVerified time.Time
}

// Manager owns the per-thread sandbox cache and provisioning. The ready map
// and pending set are its only mutable state; both are guarded by mu. The
// pending set guarantees at most one in-flight provisioning per thread.
type Manager struct {
	config   ManagerConfig
	store    threads.Store
	provider Provider
	warmPool WarmPool
	logger   *slog.Logger

	mu      sync.Mutex
	ready   map[string]*readyEntry
	pending map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates a sandbox manager.
func NewManager(cfg ManagerConfig, store threads.Store, provider Provider, warmPool WarmPool, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = DefaultHealthTimeout
	}
	if cfg.UnhealthyGrace <= 0 {
		cfg.UnhealthyGrace = unhealthyWaitBeforeRestart
	}
	return &Manager{
		config:   cfg,
		store:    store,
		provider: provider,
		warmPool: warmPool,
		logger:   logger.With("component", "sandbox.manager"),
		ready:    map[string]*readyEntry{},
		pending:  map[string]context.CancelFunc{},
	}
}

// connect builds a handle for a sandbox id. Ids that are URLs (handed out
// by LocalProvider for development) connect directly; everything else goes
// through the proxy.
func (m *Manager) connect(sandboxID string) Handle {
	if strings.Contains(sandboxID, "://") {
		return NewDirectHandle(sandboxID, m.logger)
	}
	return ConnectByID(sandboxID, m.config.EnvironmentID, m.config.ProxyBase, m.config.ProxyPort, m.logger)
}

// GetIfReady returns the thread's sandbox handle without blocking on
// provisioning. The cached handle is re-verified via /health on every call;
// an unhealthy one is evicted. When the cache misses, the store's bound
// sandbox id is probed once. Returns nil when nothing usable exists yet.
func (m *Manager) GetIfReady(ctx context.Context, threadID string) Handle {
	m.mu.Lock()
	entry := m.ready[threadID]
	m.mu.Unlock()

	if entry != nil {
		if m.verify(ctx, threadID, entry.handle) {
			return entry.handle
		}
		m.mu.Lock()
		delete(m.ready, threadID)
		m.mu.Unlock()
	}

	sandboxID, err := m.store.GetThreadSandboxID(ctx, threadID)
	if err != nil || sandboxID == "" {
		return nil
	}

	handle := m.connect(sandboxID)
	if !m.verify(ctx, threadID, handle) {
		return nil
	}
	m.cache(threadID, handle)
	return handle
}

// verify checks health and claims the sandbox when healthy but unclaimed.
func (m *Manager) verify(ctx context.Context, threadID string, handle Handle) bool {
	status, err := handle.Health(ctx)
	if err != nil || !status.Healthy {
		return false
	}
	if !status.Claimed {
		if err := m.claim(ctx, threadID, handle); err != nil {
			m.logger.Warn("claim failed", "thread_id", threadID, "sandbox_id", handle.ID(), "error", err)
			return false
		}
	}
	return true
}

func (m *Manager) cache(threadID string, handle Handle) {
	m.mu.Lock()
	m.ready[threadID] = &readyEntry{handle: handle, lastVerified: time.Now()}
	m.mu.Unlock()
}

// EnsureBackground starts provisioning the thread's sandbox without
// blocking. A second call while provisioning is in flight is a no-op.
func (m *Manager) EnsureBackground(threadID string) {
	m.mu.Lock()
	if _, inFlight := m.pending[threadID]; inFlight {
		m.mu.Unlock()
		return
	}
	taskCtx, cancel := context.WithCancel(context.Background())
	m.pending[threadID] = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.pending, threadID)
			m.mu.Unlock()
			cancel()
		}()

		if _, err := m.provision(taskCtx, threadID); err != nil {
			m.logger.Error("background provisioning failed", "thread_id", threadID, "error", err)
		}
	}()
}

// EnsureBlocking returns a ready, claimed handle for the thread, waiting on
// provisioning or restart as needed.
func (m *Manager) EnsureBlocking(ctx context.Context, threadID string) (Handle, error) {
	if handle := m.GetIfReady(ctx, threadID); handle != nil {
		return handle, nil
	}

	sandboxID, err := m.store.GetThreadSandboxID(ctx, threadID)
	if err != nil {
		return nil, err
	}

	if sandboxID != "" {
		handle := m.connect(sandboxID)
		// A bound sandbox may just be waking up: give it a short wait before
		// resorting to a restart.
		if err := handle.HealthWait(ctx, m.config.UnhealthyGrace); err == nil {
			if err := m.claimIfNeeded(ctx, threadID, handle); err != nil {
				return nil, err
			}
			m.cache(threadID, handle)
			return handle, nil
		}

		m.logger.Warn("bound sandbox unhealthy, restarting", "thread_id", threadID, "sandbox_id", sandboxID)
		newID, err := m.provider.Restart(ctx, sandboxID)
		if err != nil {
			return nil, err
		}
		if newID != sandboxID {
			if err := m.store.UpdateThreadSandboxID(ctx, threadID, newID); err != nil {
				return nil, err
			}
		}
		handle = m.connect(newID)
		if err := handle.HealthWait(ctx, m.config.HealthTimeout); err != nil {
			return nil, err
		}
		if err := m.claim(ctx, threadID, handle); err != nil {
			return nil, err
		}
		m.cache(threadID, handle)
		return handle, nil
	}

	return m.provision(ctx, threadID)
}

// provision creates (or adopts) a sandbox for the thread, waits for health,
// claims it, and caches the handle.
func (m *Manager) provision(ctx context.Context, threadID string) (Handle, error) {
	sandboxID, err := m.store.GetThreadSandboxID(ctx, threadID)
	if err != nil {
		return nil, err
	}

	if sandboxID == "" {
		if m.warmPool != nil {
			if warmID, ok := m.warmPool.GetWarm(ctx, m.config.EnvironmentID); ok {
				sandboxID = warmID
			}
		}
		if sandboxID == "" {
			sandboxID, err = m.provider.Create(ctx, m.config.EnvironmentID)
			if err != nil {
				return nil, err
			}
		}
		if err := m.store.UpdateThreadSandboxID(ctx, threadID, sandboxID); err != nil {
			return nil, err
		}
	}

	handle := m.connect(sandboxID)
	if err := handle.HealthWait(ctx, m.config.HealthTimeout); err != nil {
		return nil, err
	}
	if err := m.claim(ctx, threadID, handle); err != nil {
		return nil, err
	}

	m.cache(threadID, handle)
	m.logger.Info("sandbox ready", "thread_id", threadID, "sandbox_id", handle.ID())
	return handle, nil
}

func (m *Manager) claimIfNeeded(ctx context.Context, threadID string, handle Handle) error {
	status, err := handle.Health(ctx)
	if err != nil {
		return err
	}
	if status.Claimed {
		return nil
	}
	return m.claim(ctx, threadID, handle)
}

func (m *Manager) claim(ctx context.Context, threadID string, handle Handle) error {
	config, err := m.buildClaimConfig(ctx, threadID, handle.ID())
	if err != nil {
		return err
	}
	_, err = handle.Claim(ctx, config)
	return err
}

// buildClaimConfig assembles the environment-variable map POSTed to /claim.
// Thread-level values win; missing fields fall through to process
// environment defaults.
func (m *Manager) buildClaimConfig(ctx context.Context, threadID, sandboxID string) (map[string]any, error) {
	threadCfg, err := m.store.GetThreadConfig(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if threadCfg == nil {
		threadCfg = &threads.Config{}
	}

	env := map[string]any{
		"THREAD_ID":             threadID,
		"USER_ID":               fallback(threadCfg.UserID, os.Getenv("USER_ID")),
		"KAFKA_PROFILE_ID":      fallback(threadCfg.KafkaProfileID, os.Getenv("KAFKA_PROFILE_ID")),
		"OPENAI_PK_VIRTUAL_KEY": fallback(threadCfg.VirtualKeys["openai"], os.Getenv("OPENAI_PK_VIRTUAL_KEY")),
		"VM_API_KEY":            fallback(threadCfg.VMAPIKey, os.Getenv("VM_API_KEY")),
		"MEMORY_DB_DSN":         fallback(threadCfg.MemoryDSN, os.Getenv("MEMORY_DSN")),
		"DAYTONA_SANDBOX_ID":    sandboxID,
		"PROXY_BASE_URL":        m.config.ProxyBase,
	}
	if m.config.Dev {
		env["DEV"] = "true"
	}
	if threadCfg.GlobalPrompt != "" {
		env["GLOBAL_PROMPT"] = threadCfg.GlobalPrompt
	}
	return env, nil
}

// Release stops the thread's sandbox and drops it from the cache. The
// store's thread-to-sandbox binding survives so the thread can reconnect.
func (m *Manager) Release(ctx context.Context, threadID string) {
	m.mu.Lock()
	entry := m.ready[threadID]
	delete(m.ready, threadID)
	m.mu.Unlock()

	if entry == nil {
		return
	}
	if err := m.provider.Stop(ctx, entry.handle.ID()); err != nil {
		m.logger.Warn("failed to stop sandbox", "thread_id", threadID, "error", err)
	}
}

// Shutdown cancels in-flight provisioning tasks and waits for them.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for _, cancel := range m.pending {
		cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func fallback(primary, secondary string) string {
	if primary != "" {
		return primary
	}
	return secondary
}
