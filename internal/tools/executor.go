package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/agentd/pkg/models"
)

// Executor runs registered tools with uniform streaming semantics: every
// run yields zero or more delta chunks and terminates with exactly one
// chunk whose IsComplete is set. Execution failures are recovered into a
// final error chunk rather than an error return, so one misbehaving tool
// never aborts an agent run.
type Executor struct {
	registry *Registry
	logger   *slog.Logger
}

// NewExecutor creates an executor over a registry.
func NewExecutor(registry *Registry, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry: registry,
		logger:   logger.With("component", "tools.executor"),
	}
}

// Registry returns the executor's registry.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// RunTool executes a tool to completion and collects its output.
func (e *Executor) RunTool(ctx context.Context, name string, args map[string]any) *models.ToolResult {
	chunks, err := e.RunToolStream(ctx, name, args, "")
	if err != nil {
		return &models.ToolResult{ToolName: name, Error: err.Error()}
	}

	var b strings.Builder
	failed := false
	for chunk := range chunks {
		b.WriteString(chunk.Delta)
		if chunk.IsComplete && strings.HasPrefix(chunk.Delta, "Error: ") {
			failed = true
		}
	}
	if failed {
		return &models.ToolResult{ToolName: name, Error: b.String()}
	}
	return &models.ToolResult{ToolName: name, Success: true, Result: b.String()}
}

// RunToolStream executes a tool, streaming its output. The returned channel
// closes after the terminal IsComplete chunk. Only a missing tool is an
// error return; everything downstream is recovered into the stream.
func (e *Executor) RunToolStream(ctx context.Context, name string, args map[string]any, callID string) (<-chan *models.ToolResultChunk, error) {
	entry := e.registry.GetTool(name)
	if entry == nil {
		return nil, NewError(name, ErrToolNotFound)
	}

	out := make(chan *models.ToolResultChunk)
	emit := func(delta string, complete bool) bool {
		select {
		case out <- &models.ToolResultChunk{
			ToolCallID: callID,
			ToolName:   name,
			Delta:      delta,
			IsComplete: complete,
		}:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(out)
		switch entry.Kind {
		case KindLocal:
			e.runLocal(ctx, entry, args, emit)
		case KindSandbox:
			e.runSandbox(ctx, entry, args, emit)
		case KindMCP:
			e.runMCP(ctx, entry, args, emit)
		}
	}()
	return out, nil
}

type emitFunc func(delta string, complete bool) bool

func (e *Executor) runLocal(ctx context.Context, entry *Entry, args map[string]any, emit emitFunc) {
	name := entry.Definition.Name

	if entry.Local.Stream != nil {
		deltas, err := entry.Local.Stream(ctx, args)
		if err != nil {
			emit(fmt.Sprintf("Error: %v", err), true)
			return
		}
		for delta := range deltas {
			if !emit(delta, false) {
				return
			}
		}
		emit("", true)
		return
	}

	result, err := entry.Local.Call(ctx, args)
	if err != nil {
		e.logger.Warn("local tool failed", "tool", name, "error", err)
		emit(fmt.Sprintf("Error: %v", err), true)
		return
	}
	if !emit(result, false) {
		return
	}
	emit("", true)
}

func (e *Executor) runSandbox(ctx context.Context, entry *Entry, args map[string]any, emit emitFunc) {
	name := entry.Definition.Name

	if err := entry.Handle.HealthWait(ctx, entry.HealthTimeout); err != nil {
		e.logger.Warn("sandbox not ready for tool", "tool", name, "error", err)
		emit(fmt.Sprintf("Error: sandbox unavailable: %v", err), true)
		return
	}

	events, err := entry.Handle.RunStream(ctx, name, args)
	if err != nil {
		emit(fmt.Sprintf("Error: %v", err), true)
		return
	}

	for event := range events {
		if event.Type == "error" && event.IsComplete {
			delta := event.Delta()
			if !strings.HasPrefix(delta, "Error") {
				delta = "Error: " + delta
			}
			emit(delta, true)
			return
		}
		if delta := event.Delta(); delta != "" {
			if !emit(delta, false) {
				return
			}
		}
		if event.IsComplete {
			emit("", true)
			return
		}
	}
	emit("", true)
}
