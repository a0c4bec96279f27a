// Package tools holds the unified tool surface the agent loop dispatches
// into: in-process functions, per-thread sandbox tools, and tools discovered
// from external MCP servers, all in one namespace with uniform streaming
// semantics.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/agentd/internal/mcp"
	"github.com/haasonsaas/agentd/internal/sandbox"
	"github.com/haasonsaas/agentd/pkg/models"
)

// Kind discriminates tool backends.
type Kind string

const (
	KindLocal   Kind = "local"
	KindSandbox Kind = "sandbox"
	KindMCP     Kind = "mcp"
)

// LocalHandler is the invocable behind a local tool: exactly one of Call or
// Stream is set. Call covers both synchronous and awaited handlers; Stream
// yields incremental text on a channel that must be closed when done.
type LocalHandler struct {
	Call   func(ctx context.Context, args map[string]any) (string, error)
	Stream func(ctx context.Context, args map[string]any) (<-chan string, error)
}

// MCPCaller is the slice of the MCP client the executor needs.
type MCPCaller interface {
	CallToolText(ctx context.Context, name string, arguments map[string]any) (string, error)
}

// Entry is one registered tool.
type Entry struct {
	Definition models.ToolDefinition
	Kind       Kind

	// Local handler, when Kind is KindLocal.
	Local *LocalHandler

	// Sandbox binding, when Kind is KindSandbox.
	Handle        sandbox.Handle
	HealthTimeout time.Duration

	// MCP binding, when Kind is KindMCP.
	Client MCPCaller
	Server string
	// Pipe is the broadcaster FIFO path for incremental output, if any.
	Pipe string
}

// kindRank orders kinds for conflict resolution: local < sandbox < MCP.
// A lower rank wins a name collision regardless of registration order.
func kindRank(kind Kind) int {
	switch kind {
	case KindLocal:
		return 0
	case KindSandbox:
		return 1
	default:
		return 2
	}
}

// Registry holds the three tool kinds in one namespace keyed by name. Name
// collisions resolve by kind precedence (local < sandbox < MCP): a
// higher-precedence registration displaces a lower one no matter which
// arrived first, and within one kind the first registration wins and later
// conflicts are rejected. Once a session starts the registry is effectively
// read-only.
type Registry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*Entry
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger.With("component", "tools.registry"),
		entries: map[string]*Entry{},
	}
}

// validateParameters compiles the JSON-Schema parameters object, rejecting
// definitions a provider would choke on.
func validateParameters(name string, parameters json.RawMessage) error {
	if len(parameters) == 0 {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name+".json", bytes.NewReader(parameters)); err != nil {
		return fmt.Errorf("tool %s: invalid parameters schema: %w", name, err)
	}
	if _, err := compiler.Compile(name + ".json"); err != nil {
		return fmt.Errorf("tool %s: invalid parameters schema: %w", name, err)
	}
	return nil
}

func (r *Registry) add(entry *Entry) error {
	name := entry.Definition.Name
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if err := validateParameters(name, entry.Definition.Parameters); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[name]; ok {
		if kindRank(entry.Kind) >= kindRank(existing.Kind) {
			return NewError(name, fmt.Errorf("already registered as %s tool", existing.Kind))
		}
		// Higher-precedence kind displaces the existing entry, keeping its
		// position in registration order.
		r.logger.Warn("tool displaced by higher-precedence kind",
			"tool", name, "was", existing.Kind, "now", entry.Kind)
		r.entries[name] = entry
		return nil
	}
	r.entries[name] = entry
	r.order = append(r.order, name)
	return nil
}

// RegisterLocal registers an in-process tool.
func (r *Registry) RegisterLocal(def models.ToolDefinition, handler *LocalHandler) error {
	if handler == nil || (handler.Call == nil && handler.Stream == nil) {
		return NewError(def.Name, fmt.Errorf("local tool requires a handler"))
	}
	return r.add(&Entry{Definition: def, Kind: KindLocal, Local: handler})
}

// RegisterSandbox registers a tool executed inside the thread's sandbox.
func (r *Registry) RegisterSandbox(def models.ToolDefinition, handle sandbox.Handle, healthTimeout time.Duration) error {
	if handle == nil {
		return NewError(def.Name, fmt.Errorf("sandbox tool requires a handle"))
	}
	if healthTimeout <= 0 {
		healthTimeout = sandbox.DefaultHealthTimeout
	}
	return r.add(&Entry{
		Definition:    def,
		Kind:          KindSandbox,
		Handle:        handle,
		HealthTimeout: healthTimeout,
	})
}

// RegisterMCPClient registers every tool the connected client discovered.
// Individual name conflicts are logged and skipped, not fatal.
func (r *Registry) RegisterMCPClient(client *mcp.Client) {
	cfg := client.Config()
	for _, tool := range client.Tools() {
		err := r.add(&Entry{
			Definition: models.ToolDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
			Kind:   KindMCP,
			Client: client,
			Server: cfg.Name,
			Pipe:   cfg.BroadcastPipe,
		})
		if err != nil {
			r.logger.Warn("skipping conflicting MCP tool",
				"server", cfg.Name, "tool", tool.Name, "error", err)
		}
	}
}

// GetTool returns the entry for a name, or nil.
func (r *Registry) GetTool(name string) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[name]
}

// GetTools returns every tool definition in registration order.
func (r *Registry) GetTools() []models.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].Definition)
	}
	return out
}

// Clone returns a registry with the same entries. Used to derive a
// per-thread registry (base tools plus thread-bound sandbox tools) without
// mutating a shared one.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clone := NewRegistry(r.logger)
	for _, name := range r.order {
		entry := *r.entries[name]
		clone.entries[name] = &entry
		clone.order = append(clone.order, name)
	}
	return clone
}

// Names returns the sorted tool names, for logs and diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := append([]string(nil), r.order...)
	sort.Strings(out)
	return out
}
