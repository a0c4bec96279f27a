package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/haasonsaas/agentd/internal/compaction"
	"github.com/haasonsaas/agentd/internal/llm"
	"github.com/haasonsaas/agentd/internal/observability"
	"github.com/haasonsaas/agentd/internal/tools"
	"github.com/haasonsaas/agentd/pkg/models"
)

// DefaultMaxIterations bounds a run. Exceeding it is not an error: the run
// terminates with an agent_done carrying the max_iterations reason.
const DefaultMaxIterations = 50

// LoopConfig parameterizes one run.
type LoopConfig struct {
	Model       string
	Temperature *float32
	MaxTokens   int

	// SystemPrompt is prepended when the working set has no leading system
	// message. PromptProvider, when set, produces it instead.
	SystemPrompt   string
	PromptProvider func(ctx context.Context) (string, error)

	MaxIterations int
}

// Loop is the per-call streaming state machine. It drives the model
// provider, accumulates partial tool calls, dispatches them through the
// executor, feeds results back, and terminates on the idle signal, a plain
// text response, or the iteration bound.
type Loop struct {
	provider  llm.Provider
	executor  *tools.Executor
	compactor compaction.Compactor
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	logger    *slog.Logger
}

// NewLoop creates an agent loop. The registry behind executor must already
// carry the idle tool (see EnsureIdleTool); compactor may be nil to disable
// overflow recovery.
func NewLoop(provider llm.Provider, executor *tools.Executor, compactor compaction.Compactor,
	metrics *observability.Metrics, tracer *observability.Tracer, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		provider:  provider,
		executor:  executor,
		compactor: compactor,
		metrics:   metrics,
		tracer:    tracer,
		logger:    logger.With("component", "agent.loop"),
	}
}

// Run starts the loop. Events arrive on the returned channel, which closes
// after the terminal agent_done (or error) event. Cancelling ctx stops
// event forwarding and the in-flight model or tool stream.
func (l *Loop) Run(ctx context.Context, messages []*models.Message, cfg LoopConfig) (<-chan *models.AgentEvent, error) {
	if len(messages) == 0 {
		return nil, NewValidationError("messages", "empty message list")
	}

	events := make(chan *models.AgentEvent)
	go func() {
		defer close(events)
		l.run(ctx, messages, cfg, events)
	}()
	return events, nil
}

// emitter sends events unless the run is cancelled.
type emitter struct {
	ctx    context.Context
	events chan<- *models.AgentEvent
}

func (e *emitter) send(event *models.AgentEvent) bool {
	select {
	case e.events <- event:
		return true
	case <-e.ctx.Done():
		return false
	}
}

func (l *Loop) run(ctx context.Context, messages []*models.Message, cfg LoopConfig, events chan<- *models.AgentEvent) {
	emit := &emitter{ctx: ctx, events: events}

	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	systemPrompt := cfg.SystemPrompt
	if cfg.PromptProvider != nil {
		prompt, err := cfg.PromptProvider(ctx)
		if err != nil {
			l.logger.Error("prompt provider failed", "error", err)
			emit.send(models.NewErrorEvent(err.Error(), "prompt_provider_error"))
			return
		}
		systemPrompt = prompt
	}

	working := make([]*models.Message, len(messages))
	copy(working, messages)
	if systemPrompt != "" && (len(working) == 0 || working[0].Role != models.RoleSystem) {
		working = append([]*models.Message{{
			Role:    models.RoleSystem,
			Content: models.NewTextContent(systemPrompt),
		}}, working...)
	}

	family := llm.RoutedFamily(cfg.Model, nil)
	compactionAttempted := false
	created := time.Now().Unix()

	for iteration := 0; iteration < maxIterations; iteration++ {
		iterCtx, span := l.tracer.TraceIteration(ctx, iteration, cfg.Model)

		start := time.Now()
		stream, err := l.provider.StreamCompletion(iterCtx, &llm.Request{
			Model:       cfg.Model,
			Messages:    working,
			Tools:       l.executor.Registry().GetTools(),
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		})
		if err == nil {
			// A failure before any chunk (the overflow case) surfaces as the
			// stream's first and only event.
			var firstErr error
			stream, firstErr = peekStreamError(iterCtx, stream)
			err = firstErr
		}
		if err != nil {
			l.metrics.LLMRequest(string(family), "error", time.Since(start).Seconds())
			if !compactionAttempted && l.compactor != nil && compaction.IsContextOverflow(err.Error()) {
				compactionAttempted = true
				rewritten, compactErr := l.compactor.Compact(iterCtx, working, systemPrompt, cfg.Model)
				span.End()
				if compactErr == nil {
					l.metrics.Compaction("recovered")
					l.logger.Info("context overflow recovered by compaction",
						"iteration", iteration, "messages", len(rewritten))
					working = rewritten
					// Re-enter from the top without spending an iteration.
					iteration--
					continue
				}
				l.metrics.Compaction("failed")
				err = compactErr
			} else {
				span.End()
			}
			l.logger.Error("completion failed", "iteration", iteration, "error", err)
			emit.send(models.NewErrorEvent(err.Error(), "llm_provider_error"))
			return
		}

		// Accumulate: forward every chunk verbatim, merge tool-call deltas.
		acc := llm.NewChunkAccumulator()
		aborted := false
		for event := range stream {
			if event.Err != nil {
				observability.RecordError(span, event.Err)
				span.End()
				l.metrics.LLMRequest(string(family), "error", time.Since(start).Seconds())
				emit.send(models.NewErrorEvent(event.Err.Error(), "llm_provider_error"))
				return
			}
			acc.Add(event.Chunk)
			if !emit.send(models.NewChunkEvent(event.Chunk.OpenAIChunk(created))) {
				aborted = true
				break
			}
		}
		if aborted {
			span.End()
			return
		}
		l.metrics.LLMRequest(string(family), "ok", time.Since(start).Seconds())

		toolCalls := acc.ToolCalls()
		if len(toolCalls) == 0 {
			span.End()
			l.metrics.RunFinished(string(models.DoneTextResponse), iteration+1)
			emit.send(models.NewDoneEvent(&models.AgentDone{
				Reason:       models.DoneTextResponse,
				FinalContent: acc.Content(),
				Iteration:    iteration,
			}))
			return
		}

		assistant := &models.Message{Role: models.RoleAssistant, ToolCalls: toolCalls}
		if acc.Content() != "" {
			assistant.Content = models.NewTextContent(acc.Content())
		}
		working = append(working, assistant)
		round := []*models.Message{assistant}

		for _, call := range toolCalls {
			args := tools.ParseArgs(call.Function.Arguments)

			if call.Function.Name == IdleToolName {
				summary, _ := args["summary"].(string)
				idleMsg := l.appendIdleResult(&working, call, summary)
				round = append(round, idleMsg)
				if !emit.send(models.NewToolResultEvent(&models.ToolResultChunk{
					ToolCallID: call.ID,
					ToolName:   IdleToolName,
					Delta:      idleMsg.TextContent(),
					IsComplete: true,
				})) {
					span.End()
					return
				}
				emit.send(models.NewToolMessagesEvent(round))
				span.End()
				l.metrics.RunFinished(string(models.DoneIdle), iteration+1)
				emit.send(models.NewDoneEvent(&models.AgentDone{
					Reason:    models.DoneIdle,
					Summary:   summary,
					Iteration: iteration,
				}))
				return
			}

			toolMsg, ok := l.runTool(iterCtx, emit, call, args)
			if !ok {
				span.End()
				return
			}
			working = append(working, toolMsg)
			round = append(round, toolMsg)
		}

		if !emit.send(models.NewToolMessagesEvent(round)) {
			span.End()
			return
		}
		span.End()
	}

	l.metrics.RunFinished(string(models.DoneMaxIterations), maxIterations)
	emit.send(models.NewDoneEvent(&models.AgentDone{
		Reason:    models.DoneMaxIterations,
		Iteration: maxIterations,
	}))
}

// appendIdleResult appends the synthetic tool message answering an idle
// call and returns it.
func (l *Loop) appendIdleResult(working *[]*models.Message, call models.ToolCall, summary string) *models.Message {
	payload, _ := json.Marshal(map[string]string{"status": "idle", "summary": summary})
	msg := &models.Message{
		Role:       models.RoleTool,
		Content:    models.NewTextContent(string(payload)),
		ToolCallID: call.ID,
		Name:       IdleToolName,
	}
	*working = append(*working, msg)
	return msg
}

// runTool streams one tool call, forwarding every chunk and returning the
// tool message for the working set. Execution failures are already
// recovered into error chunks by the executor; only a registry miss is
// handled here, the same way.
func (l *Loop) runTool(ctx context.Context, emit *emitter, call models.ToolCall, args map[string]any) (*models.Message, bool) {
	toolCtx, span := l.tracer.TraceToolExecution(ctx, call.Function.Name)
	defer span.End()
	start := time.Now()

	var resultContent string
	status := "ok"

	chunks, err := l.executor.RunToolStream(toolCtx, call.Function.Name, args, call.ID)
	if err != nil {
		resultContent = "Error: " + err.Error()
		status = "error"
		observability.RecordError(span, err)
		if !emit.send(models.NewToolResultEvent(&models.ToolResultChunk{
			ToolCallID: call.ID,
			ToolName:   call.Function.Name,
			Delta:      resultContent,
			IsComplete: true,
		})) {
			return nil, false
		}
	} else {
		for chunk := range chunks {
			resultContent += chunk.Delta
			if !emit.send(models.NewToolResultEvent(chunk)) {
				return nil, false
			}
		}
	}
	l.metrics.ToolExecution(call.Function.Name, status, time.Since(start).Seconds())

	return &models.Message{
		Role:       models.RoleTool,
		Content:    models.NewTextContent(resultContent),
		ToolCallID: call.ID,
		Name:       call.Function.Name,
	}, true
}

// peekStreamError reads the stream's first event. An immediate error (the
// shape overflow failures take) is returned as such; otherwise the event is
// stitched back onto the front of the returned stream.
func peekStreamError(ctx context.Context, stream <-chan llm.StreamEvent) (<-chan llm.StreamEvent, error) {
	first, ok := <-stream
	if !ok {
		empty := make(chan llm.StreamEvent)
		close(empty)
		return empty, nil
	}
	if first.Err != nil {
		return nil, first.Err
	}

	out := make(chan llm.StreamEvent)
	go func() {
		defer close(out)
		pending := first
		for {
			select {
			case out <- pending:
			case <-ctx.Done():
				return
			}
			event, ok := <-stream
			if !ok {
				return
			}
			pending = event
		}
	}()
	return out, nil
}
