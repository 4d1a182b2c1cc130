// ABOUTME: Tests for the HTTP API handlers
// ABOUTME: Uses httptest with a fake chat service to cover routes and SSE framing

package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seichat/gateway/internal/config"
	"github.com/seichat/gateway/internal/conversation"
	"github.com/seichat/gateway/internal/history"
)

// fakeChat scripts responses for the chatService interface.
type fakeChat struct {
	frames    []conversation.Frame
	result    *conversation.Result
	streamErr error
	lastReq   conversation.Request
}

func (f *fakeChat) Chat(ctx context.Context, req conversation.Request) (*conversation.Result, error) {
	f.lastReq = req
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	return f.result, nil
}

func (f *fakeChat) ChatStream(ctx context.Context, req conversation.Request, emit func(conversation.Frame) error) error {
	f.lastReq = req
	if f.streamErr != nil {
		return f.streamErr
	}
	for _, frame := range f.frames {
		if err := emit(frame); err != nil {
			return nil
		}
	}
	return nil
}

func (f *fakeChat) ActiveModel() string { return "gemini-2.5-flash" }

func newTestGateway(t *testing.T) (*Gateway, *fakeChat) {
	t.Helper()

	dir := t.TempDir()
	modelsPath := filepath.Join(dir, "models.json")
	require.NoError(t, os.WriteFile(modelsPath, []byte(`{
		"models": {
			"gemini-2.5-flash": {"base_url": "https://x/", "api_keys": ["secret-key"], "description": "Fast"}
		},
		"default_model": "gemini-2.5-flash"
	}`), 0600))

	cfg := &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "localhost:0"},
		Database: config.DatabaseConfig{Path: filepath.Join(dir, "ledger.db")},
		History:  config.HistoryConfig{MaxLength: 10},
		Models:   config.ModelsConfig{Path: modelsPath},
	}

	g, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.ledger.Close() })

	fake := &fakeChat{
		frames: []conversation.Frame{
			{Type: conversation.FrameAgentUpdate, Content: "Assistant"},
			{Type: conversation.FrameDelta, Content: "Hello"},
			{Type: conversation.FrameComplete, ConversationID: "conv-1", MessageCount: 2},
		},
		result: &conversation.Result{
			Response:       "Hello",
			ConversationID: "conv-1",
			Model:          "gemini-2.5-flash",
			MessageCount:   2,
		},
	}
	g.mockChat = fake
	return g, fake
}

func doRequest(t *testing.T, g *Gateway, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	g.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHandleHealth(t *testing.T) {
	g, _ := newTestGateway(t)
	g.histories.GetOrCreate("conv-1")

	rec := doRequest(t, g, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, true, body["agent_initialized"])
	assert.Equal(t, float64(1), body["active_conversations"])
	assert.Equal(t, float64(10), body["max_history_length"])
	assert.Equal(t, "gemini-2.5-flash", body["default_model"])
	assert.Equal(t, "gemini-2.5-flash", body["active_model"])
}

func TestHandleIndex(t *testing.T) {
	g, _ := newTestGateway(t)

	rec := doRequest(t, g, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "chat-gateway", body["service"])
}

func TestHandleChat(t *testing.T) {
	g, fake := newTestGateway(t)

	rec := doRequest(t, g, http.MethodPost, "/chat", `{"message":"hi","conversation_id":"conv-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "Hello", body["response"])
	assert.Equal(t, "conv-1", body["conversation_id"])

	// History defaults on
	assert.True(t, fake.lastReq.IncludeHistory)
}

func TestHandleChat_HistoryOptOut(t *testing.T) {
	g, fake := newTestGateway(t)

	rec := doRequest(t, g, http.MethodPost, "/chat", `{"message":"hi","include_history":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, fake.lastReq.IncludeHistory)
}

func TestHandleChat_BadRequests(t *testing.T) {
	g, _ := newTestGateway(t)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{not json`},
		{"missing message", `{"conversation_id":"c"}`},
		{"empty message", `{"message":""}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, g, http.MethodPost, "/chat", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, decodeBody(t, rec), "error")
		})
	}
}

func TestHandleChat_ServiceError(t *testing.T) {
	g, fake := newTestGateway(t)
	fake.streamErr = errors.New("backend down")

	rec := doRequest(t, g, http.MethodPost, "/chat", `{"message":"hi"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandleChatStream(t *testing.T) {
	g, _ := newTestGateway(t)

	rec := doRequest(t, g, http.MethodPost, "/chat/stream", `{"message":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))

	// Each frame arrives as one data-only SSE event
	var frames []conversation.Frame
	var raw []string
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		raw = append(raw, line)
		var frame conversation.Frame
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame))
		frames = append(frames, frame)
	}
	require.Len(t, frames, 3)
	assert.Equal(t, conversation.FrameAgentUpdate, frames[0].Type)
	assert.Equal(t, conversation.FrameDelta, frames[1].Type)
	assert.Equal(t, conversation.FrameComplete, frames[2].Type)
	assert.Equal(t, "conv-1", frames[2].ConversationID)

	// Non-tool frames serialize without a timestamp field
	assert.NotContains(t, raw[1], `"timestamp"`)
	assert.NotContains(t, raw[2], `"timestamp"`)
}

func TestHandleChatStream_SetupErrorIsJSON(t *testing.T) {
	g, fake := newTestGateway(t)
	fake.streamErr = errors.New("no credentials")

	rec := doRequest(t, g, http.MethodPost, "/chat/stream", `{"message":"hi"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no credentials", decodeBody(t, rec)["error"])
}

func TestHandleChatStream_BadRequest(t *testing.T) {
	g, _ := newTestGateway(t)

	rec := doRequest(t, g, http.MethodPost, "/chat/stream", `{"message":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetHistory(t *testing.T) {
	g, _ := newTestGateway(t)

	h := g.histories.GetOrCreate("conv-1")
	h.Append(history.Turn{Role: history.RoleUser, Content: "hi"})
	h.Append(history.Turn{Role: history.RoleAssistant, Content: "hello"})

	rec := doRequest(t, g, http.MethodGet, "/chat/history/conv-1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "conv-1", body["conversation_id"])
	assert.Equal(t, float64(2), body["total_messages"])
	messages := body["messages"].([]any)
	require.Len(t, messages, 2)
	assert.Equal(t, "user", messages[0].(map[string]any)["role"])
}

func TestHandleGetHistory_NotFound(t *testing.T) {
	g, _ := newTestGateway(t)

	rec := doRequest(t, g, http.MethodGet, "/chat/history/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleClearHistory(t *testing.T) {
	g, _ := newTestGateway(t)
	g.histories.GetOrCreate("conv-1")

	rec := doRequest(t, g, http.MethodDelete, "/chat/history/conv-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "cleared", body["status"])
	assert.Equal(t, "conv-1", body["conversation_id"])

	// Second delete finds nothing
	rec = doRequest(t, g, http.MethodDelete, "/chat/history/conv-1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleListConversations(t *testing.T) {
	g, _ := newTestGateway(t)

	for i := range 3 {
		h := g.histories.GetOrCreate(fmt.Sprintf("conv-%d", i))
		h.Append(history.Turn{Role: history.RoleUser, Content: "hi"})
	}
	// Empty conversations are not listed
	g.histories.GetOrCreate("empty")

	rec := doRequest(t, g, http.MethodGet, "/chat/conversations", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ConversationsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Total)
	assert.Len(t, resp.Conversations, 3)
}

func TestHandleClearConversations(t *testing.T) {
	g, _ := newTestGateway(t)
	g.histories.GetOrCreate("a")
	g.histories.GetOrCreate("b")

	rec := doRequest(t, g, http.MethodDelete, "/chat/conversations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decodeBody(t, rec)["cleared"])
	assert.Equal(t, 0, g.histories.Count())
}

func TestHandleListModels_HidesCredentials(t *testing.T) {
	g, _ := newTestGateway(t)

	rec := doRequest(t, g, http.MethodGet, "/models", "")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.NotContains(t, rec.Body.String(), "secret-key")

	body := decodeBody(t, rec)
	assert.Equal(t, "gemini-2.5-flash", body["default_model"])
	models := body["available_models"].(map[string]any)
	flash := models["gemini-2.5-flash"].(map[string]any)
	assert.Equal(t, float64(1), flash["api_key_count"])
	assert.Equal(t, true, flash["available"])
}

func TestHandleUsageStats_Empty(t *testing.T) {
	g, _ := newTestGateway(t)

	rec := doRequest(t, g, http.MethodGet, "/stats/usage", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(0), body["total_requests"])
}

func TestCORSPreflight(t *testing.T) {
	g, _ := newTestGateway(t)

	rec := doRequest(t, g, http.MethodOptions, "/chat", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestUnknownRouteIs404(t *testing.T) {
	g, _ := newTestGateway(t)

	rec := doRequest(t, g, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
