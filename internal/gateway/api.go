// ABOUTME: HTTP API handlers for chat, history, models, stats, and health
// ABOUTME: Streams chat frames over SSE as data-only events

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/seichat/gateway/internal/conversation"
	"github.com/seichat/gateway/internal/history"
)

// ChatRequest is the JSON request body for POST /chat and POST /chat/stream.
type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	Model          string `json:"model,omitempty"`
	IncludeHistory *bool  `json:"include_history,omitempty"`
}

// HistoryResponse is the JSON response for GET /chat/history/{id}.
type HistoryResponse struct {
	ConversationID string         `json:"conversation_id"`
	Messages       []history.Turn `json:"messages"`
	TotalMessages  int            `json:"total_messages"`
}

// ConversationsResponse is the JSON response for GET /chat/conversations.
type ConversationsResponse struct {
	Conversations []history.Summary `json:"conversations"`
	Total         int               `json:"total"`
}

// chatService is the conversation surface the handlers depend on. Satisfied
// by conversation.Service; tests inject a fake.
type chatService interface {
	Chat(ctx context.Context, req conversation.Request) (*conversation.Result, error)
	ChatStream(ctx context.Context, req conversation.Request, emit func(conversation.Frame) error) error
	ActiveModel() string
}

var _ chatService = (*conversation.Service)(nil)

// chat returns the active chat service. Nil until connectAgent has run.
func (g *Gateway) chat() chatService {
	if g.mockChat != nil {
		return g.mockChat
	}
	if g.conversation == nil {
		return nil
	}
	return g.conversation
}

// registerRoutes registers all HTTP routes on the mux.
func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", g.handleIndex)
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("POST /chat", g.handleChat)
	mux.HandleFunc("POST /chat/stream", g.handleChatStream)
	mux.HandleFunc("GET /chat/history/{id}", g.handleGetHistory)
	mux.HandleFunc("DELETE /chat/history/{id}", g.handleClearHistory)
	mux.HandleFunc("GET /chat/conversations", g.handleListConversations)
	mux.HandleFunc("DELETE /chat/conversations", g.handleClearConversations)
	mux.HandleFunc("GET /models", g.handleListModels)
	mux.HandleFunc("GET /stats/usage", g.handleUsageStats)
}

// corsMiddleware allows cross-origin browser clients.
func corsMiddleware(next http.Handler) http.Handler {
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

// parseChatRequest parses and validates a ChatRequest from the given reader.
func parseChatRequest(r io.Reader) (conversation.Request, error) {
	var body ChatRequest
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		return conversation.Request{}, errors.New("invalid JSON body")
	}
	if body.Message == "" {
		return conversation.Request{}, errors.New("message is required")
	}

	// History is included unless the client opts out
	includeHistory := true
	if body.IncludeHistory != nil {
		includeHistory = *body.IncludeHistory
	}

	return conversation.Request{
		Message:        body.Message,
		ConversationID: body.ConversationID,
		Model:          body.Model,
		IncludeHistory: includeHistory,
	}, nil
}

// handleIndex handles GET / with a short API listing.
func (g *Gateway) handleIndex(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{
		"service": "chat-gateway",
		"endpoints": map[string]string{
			"POST /chat":                      "send a message, buffered response",
			"POST /chat/stream":               "send a message, SSE streamed response",
			"GET /chat/history/{id}":          "conversation history",
			"DELETE /chat/history/{id}":       "clear one conversation",
			"GET /chat/conversations":         "list active conversations",
			"DELETE /chat/conversations":      "clear all conversations",
			"GET /models":                     "available models",
			"GET /stats/usage":                "request ledger stats",
			"GET /health":                     "health check",
		},
	})
}

// handleHealth handles GET /health.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	svc := g.chat()
	resp := map[string]any{
		"status":               "healthy",
		"agent_initialized":    svc != nil,
		"active_conversations": g.histories.Count(),
		"max_history_length":   g.config.History.MaxLength,
		"default_model":        g.registry.DefaultModel(),
		"uptime_seconds":       int(time.Since(g.startedAt).Seconds()),
	}
	if svc != nil {
		resp["active_model"] = svc.ActiveModel()
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleChat handles POST /chat with a buffered JSON response.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	svc := g.chat()
	if svc == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "agent not initialized")
		return
	}

	req, err := parseChatRequest(r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := svc.Chat(r.Context(), req)
	if err != nil {
		g.logger.Error("chat failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	g.writeJSON(w, http.StatusOK, result)
}

// handleChatStream handles POST /chat/stream. Frames are written as
// data-only SSE events. The SSE headers are deferred until the first frame
// so setup failures still produce a plain JSON error response.
func (g *Gateway) handleChatStream(w http.ResponseWriter, r *http.Request) {
	svc := g.chat()
	if svc == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "agent not initialized")
		return
	}

	req, err := parseChatRequest(r.Body)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	started := false
	emit := func(frame conversation.Frame) error {
		if !started {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.Header().Set("X-Accel-Buffering", "no")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if err := writeSSEFrame(w, frame); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := svc.ChatStream(r.Context(), req, emit); err != nil {
		if started {
			// Headers are gone; best effort terminal frame
			_ = writeSSEFrame(w, conversation.Frame{
				Type:    conversation.FrameError,
				Content: err.Error(),
			})
			flusher.Flush()
			return
		}
		g.logger.Error("chat stream setup failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

// writeSSEFrame writes one frame as a data-only SSE event.
func writeSSEFrame(w io.Writer, frame conversation.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshaling frame: %w", err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// handleGetHistory handles GET /chat/history/{id}.
func (g *Gateway) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	h, ok := g.histories.Get(id)
	if !ok {
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}

	turns := h.Turns()
	g.writeJSON(w, http.StatusOK, HistoryResponse{
		ConversationID: id,
		Messages:       turns,
		TotalMessages:  len(turns),
	})
}

// handleClearHistory handles DELETE /chat/history/{id}.
func (g *Gateway) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !g.histories.Remove(id) {
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]string{
		"status":          "cleared",
		"conversation_id": id,
	})
}

// handleListConversations handles GET /chat/conversations.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	summaries := g.histories.Summaries()
	g.writeJSON(w, http.StatusOK, ConversationsResponse{
		Conversations: summaries,
		Total:         len(summaries),
	})
}

// handleClearConversations handles DELETE /chat/conversations.
func (g *Gateway) handleClearConversations(w http.ResponseWriter, r *http.Request) {
	cleared := g.histories.Clear()
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "cleared",
		"cleared": cleared,
	})
}

// handleListModels handles GET /models with the sanitized registry view.
func (g *Gateway) handleListModels(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"available_models": g.registry.Describe(),
		"default_model":    g.registry.DefaultModel(),
	}
	if fallback := g.registry.FallbackModel(); fallback != "" {
		resp["fallback_model"] = fallback
	}
	if lb := g.registry.LoadBalancing(); len(lb) > 0 {
		resp["load_balancing"] = lb
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleUsageStats handles GET /stats/usage from the request ledger.
func (g *Gateway) handleUsageStats(w http.ResponseWriter, r *http.Request) {
	stats, err := g.ledger.Usage(r.Context())
	if err != nil {
		g.logger.Error("usage query failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.writeJSON(w, http.StatusOK, stats)
}

// writeJSON writes a JSON response with the given status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		g.logger.Error("encoding response failed", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
