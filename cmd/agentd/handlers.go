package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/agentd/internal/agent"
	"github.com/haasonsaas/agentd/internal/threads"
	"github.com/haasonsaas/agentd/pkg/models"
)

// server exposes the runtime over HTTP. Streaming endpoints speak SSE:
// every payload is a "data: <json>" line and the stream always terminates
// with "data: [DONE]", error or not.
type server struct {
	session *agent.Session
	logger  *slog.Logger
}

func newServer(session *agent.Session, logger *slog.Logger) *server {
	if logger == nil {
		logger = slog.Default()
	}
	return &server{session: session, logger: logger.With("component", "http")}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions(""))
	mux.HandleFunc("POST /v1/threads/{tid}/chat/completions", s.handleThreadChat)
	mux.HandleFunc("POST /v1/agent/run", s.handleAgentRun(""))
	mux.HandleFunc("POST /v1/threads/{tid}/agent/run", s.handleThreadAgentRun)
	mux.HandleFunc("POST /v1/threads", s.handleCreateThread)
	mux.HandleFunc("GET /v1/threads/{tid}/messages", s.handleGetMessages)
	mux.HandleFunc("POST /v1/threads/{tid}/messages", s.handleAddMessage)
	mux.HandleFunc("DELETE /v1/threads/{tid}/messages", s.handleDeleteMessages)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return withCORS(mux)
}

// withCORS allows browser clients to reach the streaming endpoints.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// chatRequest is the body of the completion and agent-run endpoints.
type chatRequest struct {
	Model       string            `json:"model"`
	Messages    []*models.Message `json:"messages"`
	Temperature *float32          `json:"temperature,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
}

func (s *server) decodeChatRequest(w http.ResponseWriter, r *http.Request) (*chatRequest, bool) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return nil, false
	}
	if len(req.Messages) == 0 {
		httpError(w, http.StatusBadRequest, "messages is required")
		return nil, false
	}
	for i, msg := range req.Messages {
		if err := msg.Validate(); err != nil {
			httpError(w, http.StatusBadRequest, fmt.Sprintf("messages[%d]: %v", i, err))
			return nil, false
		}
	}
	return &req, true
}

// sseWriter frames SSE payloads and flushes after every event.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "streaming unsupported")
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return &sseWriter{w: w, flusher: flusher}, true
}

func (s *sseWriter) send(payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "data: %s\n\n", raw)
	s.flusher.Flush()
}

func (s *sseWriter) done() {
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.flusher.Flush()
}

// streamEvents forwards an agent run's events as SSE. The chat-completions
// paths suppress the terminal agent_done event; the agent-run paths carry
// the full event stream. Always ends with [DONE].
func (s *server) streamEvents(w http.ResponseWriter, events <-chan *models.AgentEvent, includeDone bool) {
	sse, ok := newSSEWriter(w)
	if !ok {
		return
	}
	defer sse.done()

	for event := range events {
		if event.Type == models.EventAgentDone && !includeDone {
			continue
		}
		sse.send(event.Payload())
	}
}

// streamError emits a single error event then [DONE]; used when the run
// could not start after headers may already matter.
func (s *server) streamError(w http.ResponseWriter, err error) {
	s.logger.Error("streaming request failed", "error", err)
	sse, ok := newSSEWriter(w)
	if !ok {
		return
	}
	sse.send(models.NewErrorEvent(err.Error(), "request_error").Payload())
	sse.done()
}

func (s *server) handleChatCompletions(threadID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := s.decodeChatRequest(w, r)
		if !ok {
			return
		}
		events, err := s.runEvents(r, threadID, req)
		if err != nil {
			s.streamError(w, err)
			return
		}
		s.streamEvents(w, events, false)
	}
}

func (s *server) handleThreadChat(w http.ResponseWriter, r *http.Request) {
	s.handleChatCompletions(r.PathValue("tid"))(w, r)
}

func (s *server) handleAgentRun(threadID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := s.decodeChatRequest(w, r)
		if !ok {
			return
		}
		events, err := s.runEvents(r, threadID, req)
		if err != nil {
			s.streamError(w, err)
			return
		}
		s.streamEvents(w, events, true)
	}
}

func (s *server) handleThreadAgentRun(w http.ResponseWriter, r *http.Request) {
	s.handleAgentRun(r.PathValue("tid"))(w, r)
}

func (s *server) runEvents(r *http.Request, threadID string, req *chatRequest) (<-chan *models.AgentEvent, error) {
	opts := agent.RunOptions{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if threadID != "" {
		return s.session.RunWithThread(r.Context(), threadID, req.Messages, opts)
	}
	return s.session.Run(r.Context(), req.Messages, opts)
}

type createThreadRequest struct {
	SystemMessage  string         `json:"system_message,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	KafkaProfileID string         `json:"kafka_profile_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func (s *server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	store := s.session.Store()
	if store == nil {
		httpError(w, http.StatusNotImplemented, "thread storage not configured")
		return
	}

	var req createThreadRequest
	if r.Body != nil {
		// An empty body creates a bare thread.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	thread, err := store.CreateThread(r.Context(), &models.Thread{
		UserID:         req.UserID,
		KafkaProfileID: req.KafkaProfileID,
		Metadata:       req.Metadata,
	}, req.SystemMessage)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"thread_id":  thread.ID,
		"created_at": thread.CreatedAt.Format(time.RFC3339),
	})
}

func (s *server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	store := s.session.Store()
	if store == nil {
		httpError(w, http.StatusNotImplemented, "thread storage not configured")
		return
	}
	threadID := r.PathValue("tid")

	messages, err := store.GetThreadMessages(r.Context(), threadID, 0, true)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"thread_id": threadID,
		"messages":  messages,
	})
}

func (s *server) handleAddMessage(w http.ResponseWriter, r *http.Request) {
	store := s.session.Store()
	if store == nil {
		httpError(w, http.StatusNotImplemented, "thread storage not configured")
		return
	}
	threadID := r.PathValue("tid")

	var msg models.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		httpError(w, http.StatusBadRequest, "invalid message: "+err.Error())
		return
	}
	if err := msg.Validate(); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := store.AddMessage(r.Context(), threadID, &msg); err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *server) handleDeleteMessages(w http.ResponseWriter, r *http.Request) {
	store := s.session.Store()
	if store == nil {
		httpError(w, http.StatusNotImplemented, "thread storage not configured")
		return
	}
	threadID := r.PathValue("tid")

	count, err := store.DeleteThreadMessages(r.Context(), threadID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"deleted_count": count,
	})
}

func (s *server) handleModels(w http.ResponseWriter, r *http.Request) {
	ids := []string{
		"gpt-4o",
		"gpt-5",
		"o1",
		"claude-sonnet-4-20250514",
		"claude-opus-4-20250514",
		"gemini-2.0-flash",
	}
	data := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		data = append(data, map[string]any{"id": id, "object": "model"})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		// The messaging-profile bridge lives in the sandboxes, not here;
		// reported for compatibility with existing probes.
		"kafka_initialized": false,
	})
}

func (s *server) storeError(w http.ResponseWriter, err error) {
	if err == threads.ErrThreadNotFound {
		httpError(w, http.StatusNotFound, err.Error())
		return
	}
	httpError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func httpError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{"message": message},
	})
}
