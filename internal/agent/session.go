package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/haasonsaas/agentd/internal/compaction"
	"github.com/haasonsaas/agentd/internal/llm"
	"github.com/haasonsaas/agentd/internal/observability"
	"github.com/haasonsaas/agentd/internal/sandbox"
	"github.com/haasonsaas/agentd/internal/threads"
	"github.com/haasonsaas/agentd/internal/tools"
	"github.com/haasonsaas/agentd/pkg/models"
)

// SandboxToolSpec declares a tool that executes inside the thread's
// sandbox. The session binds it to a lazy handle per thread.
type SandboxToolSpec struct {
	Definition    models.ToolDefinition
	HealthTimeout time.Duration
}

// SessionConfig configures an agent session.
type SessionConfig struct {
	DefaultModel string

	// SystemPrompt and PromptProvider seed the loop's leading system
	// message; PromptProvider wins when both are set.
	SystemPrompt   string
	PromptProvider func(ctx context.Context) (string, error)

	// SandboxTools are bound per-thread to the thread's sandbox.
	SandboxTools []SandboxToolSpec

	MaxIterations int
}

// Session composes the provider, tool surface, loop, and persistence into
// the two entry points the transport exposes: Run for stateless calls and
// RunWithThread for persisted threads with sandbox binding.
type Session struct {
	config    SessionConfig
	provider  llm.Provider
	registry  *tools.Registry
	compactor compaction.Compactor
	store     threads.Store
	sandboxes *sandbox.Manager
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	logger    *slog.Logger
}

// NewSession creates a session. The registry is augmented with the idle
// tool; store and sandboxes may be nil for stateless deployments.
func NewSession(cfg SessionConfig, provider llm.Provider, registry *tools.Registry,
	compactor compaction.Compactor, store threads.Store, sandboxes *sandbox.Manager,
	metrics *observability.Metrics, tracer *observability.Tracer, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = tools.NewRegistry(logger)
	}
	EnsureIdleTool(registry)

	return &Session{
		config:    cfg,
		provider:  provider,
		registry:  registry,
		compactor: compactor,
		store:     store,
		sandboxes: sandboxes,
		metrics:   metrics,
		tracer:    tracer,
		logger:    logger.With("component", "agent.session"),
	}
}

// Registry returns the session's tool registry.
func (s *Session) Registry() *tools.Registry {
	return s.registry
}

// Store returns the session's thread store, or nil.
func (s *Session) Store() threads.Store {
	return s.store
}

// RunOptions override the session defaults for one run.
type RunOptions struct {
	Model       string
	Temperature *float32
	MaxTokens   int
}

func (s *Session) loopConfig(opts RunOptions) LoopConfig {
	model := opts.Model
	if model == "" {
		model = s.config.DefaultModel
	}
	return LoopConfig{
		Model:          model,
		Temperature:    opts.Temperature,
		MaxTokens:      opts.MaxTokens,
		SystemPrompt:   s.config.SystemPrompt,
		PromptProvider: s.config.PromptProvider,
		MaxIterations:  s.config.MaxIterations,
	}
}

// Run executes the agent loop over the given messages without persistence.
func (s *Session) Run(ctx context.Context, messages []*models.Message, opts RunOptions) (<-chan *models.AgentEvent, error) {
	executor := tools.NewExecutor(s.registry, s.logger)
	loop := NewLoop(s.provider, executor, s.compactor, s.metrics, s.tracer, s.logger)
	return loop.Run(ctx, messages, s.loopConfig(opts))
}

// RunWithThread executes the loop against a thread: history is loaded and
// sanitized, the thread's sandbox is provisioned in the background while the
// model streams, new input is saved up front, and the run's output is
// re-assembled into durable messages as events flow.
func (s *Session) RunWithThread(ctx context.Context, threadID string, newMessages []*models.Message, opts RunOptions) (<-chan *models.AgentEvent, error) {
	if s.store == nil {
		return nil, NewValidationError("thread", "session has no thread store")
	}
	if len(newMessages) == 0 {
		return nil, NewValidationError("messages", "empty message list")
	}

	exists, err := s.store.ThreadExists(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if !exists {
		if _, err := s.store.CreateThread(ctx, &models.Thread{ID: threadID}, ""); err != nil {
			return nil, err
		}
	}

	registry := s.registry
	if s.sandboxes != nil && len(s.config.SandboxTools) > 0 {
		// Kick off provisioning now; the lazy handle lets the model stream
		// while the sandbox boots.
		s.sandboxes.EnsureBackground(threadID)
		handle := sandbox.NewLazyHandle(threadID, s.sandboxes)

		registry = s.registry.Clone()
		for _, spec := range s.config.SandboxTools {
			if err := registry.RegisterSandbox(spec.Definition, handle, spec.HealthTimeout); err != nil {
				s.logger.Warn("skipping sandbox tool", "tool", spec.Definition.Name, "error", err)
			}
		}
	}

	history, err := s.store.GetThreadMessages(ctx, threadID, 0, true)
	if err != nil {
		return nil, err
	}
	working := threads.Sanitize(append(history, newMessages...))

	// New user and system input is durable regardless of how the run ends.
	var immediate []*models.Message
	for _, msg := range newMessages {
		if msg.Role == models.RoleUser || msg.Role == models.RoleSystem {
			immediate = append(immediate, msg)
		}
	}
	if len(immediate) > 0 {
		if err := s.store.AddMessages(ctx, threadID, immediate); err != nil {
			return nil, err
		}
	}

	executor := tools.NewExecutor(registry, s.logger)
	loop := NewLoop(s.provider, executor, s.compactor, s.metrics, s.tracer, s.logger)
	events, err := loop.Run(ctx, working, s.loopConfig(opts))
	if err != nil {
		return nil, err
	}

	recorder := threads.NewRecorder(s.store, threadID, s.logger)
	out := make(chan *models.AgentEvent)
	go func() {
		defer close(out)
		for event := range events {
			recorder.Observe(ctx, event)
			select {
			case out <- event:
			case <-ctx.Done():
				// Stop forwarding; already-persisted messages stay.
				return
			}
		}
	}()
	return out, nil
}
