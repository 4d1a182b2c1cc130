// ABOUTME: Tests for the conversation service
// ABOUTME: Uses a scripted fake runner to verify history and frame behavior

package conversation

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seichat/gateway/internal/agent"
	"github.com/seichat/gateway/internal/history"
	"github.com/seichat/gateway/internal/model"
	"github.com/seichat/gateway/internal/store"
)

// fakeRunner replays a scripted event sequence and records its inputs.
type fakeRunner struct {
	mc     *model.ModelConfig
	events []agent.Event
	inputs []string
}

func (f *fakeRunner) Run(ctx context.Context, input string) <-chan agent.Event {
	f.inputs = append(f.inputs, input)
	ch := make(chan agent.Event, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch
}

// fakeLedger collects saved requests.
type fakeLedger struct {
	saved []store.Request
}

func (f *fakeLedger) SaveRequest(ctx context.Context, req store.Request) error {
	f.saved = append(f.saved, req)
	return nil
}

func successEvents(text string) []agent.Event {
	return []agent.Event{
		{Type: agent.EventAgentUpdate, AgentName: "Assistant"},
		{Type: agent.EventTextDelta, Delta: text},
		{Type: agent.EventMessageOutput, Text: text},
		{Type: agent.EventDone},
	}
}

type serviceFixture struct {
	service   *Service
	histories *history.Store
	ledger    *fakeLedger
	runners   []*fakeRunner
	script    func() []agent.Event
}

func newFixture(t *testing.T) *serviceFixture {
	t.Helper()

	t.Setenv(model.CredentialEnvVar, "test-key")
	registryPath := filepath.Join(t.TempDir(), "models.json")
	require.NoError(t, os.WriteFile(registryPath, []byte(`{
		"models": {
			"gemini-2.5-flash": {"base_url": "https://x/", "api_keys": ["k1"]},
			"gemini-2.5-pro": {"base_url": "https://x/", "api_keys": ["k2"]}
		},
		"default_model": "gemini-2.5-flash"
	}`), 0600))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &serviceFixture{
		histories: history.NewStore(10),
		ledger:    &fakeLedger{},
		script:    func() []agent.Event { return successEvents("Hello there.") },
	}
	registry := model.Load(registryPath, logger)
	factory := func(mc *model.ModelConfig, apiKey string) Runner {
		r := &fakeRunner{mc: mc, events: f.script()}
		f.runners = append(f.runners, r)
		return r
	}
	f.service = NewService(registry, f.histories, f.ledger, factory, logger)
	return f
}

func collectFrames(t *testing.T, f *serviceFixture, req Request) []Frame {
	t.Helper()
	var frames []Frame
	err := f.service.ChatStream(context.Background(), req, func(frame Frame) error {
		frames = append(frames, frame)
		return nil
	})
	require.NoError(t, err)
	return frames
}

func TestChatStream_Success(t *testing.T) {
	f := newFixture(t)

	frames := collectFrames(t, f, Request{Message: "hi", ConversationID: "conv-1", IncludeHistory: true})

	types := make([]FrameType, 0, len(frames))
	for _, fr := range frames {
		types = append(types, fr.Type)
	}
	assert.Equal(t, []FrameType{FrameAgentUpdate, FrameDelta, FrameComplete}, types)

	complete := frames[len(frames)-1]
	assert.Equal(t, "conv-1", complete.ConversationID)
	assert.Equal(t, 2, complete.MessageCount)

	// User and assistant turns recorded
	h, ok := f.histories.Get("conv-1")
	require.True(t, ok)
	turns := h.Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, history.RoleUser, turns[0].Role)
	assert.Equal(t, "hi", turns[0].Content)
	assert.Equal(t, history.RoleAssistant, turns[1].Role)
	assert.Equal(t, "Hello there.", turns[1].Content)
}

func TestChatStream_EmptyMessage(t *testing.T) {
	f := newFixture(t)

	err := f.service.ChatStream(context.Background(), Request{}, func(Frame) error {
		t.Fatal("no frames expected")
		return nil
	})
	assert.Error(t, err)
}

func TestChatStream_DefaultConversationID(t *testing.T) {
	f := newFixture(t)

	frames := collectFrames(t, f, Request{Message: "hi"})
	complete := frames[len(frames)-1]
	require.Equal(t, FrameComplete, complete.Type)
	assert.Equal(t, "default", complete.ConversationID)

	// Anonymous requests share one conversation, so history carries over
	collectFrames(t, f, Request{Message: "again", IncludeHistory: true})
	runner := f.runners[0]
	require.Len(t, runner.inputs, 2)
	assert.Contains(t, runner.inputs[1], "Previous conversation context:")

	h, ok := f.histories.Get("default")
	require.True(t, ok)
	assert.Equal(t, 4, h.Len())
}

func TestChatStream_TruncatedRunNotCommitted(t *testing.T) {
	f := newFixture(t)
	// The event channel closes mid-stream with no done or fault, as happens
	// when the run is cancelled by a disconnecting client
	f.script = func() []agent.Event {
		return []agent.Event{
			{Type: agent.EventAgentUpdate, AgentName: "Assistant"},
			{Type: agent.EventTextDelta, Delta: "partial answ"},
		}
	}

	frames := collectFrames(t, f, Request{Message: "hi", ConversationID: "conv-1"})
	for _, fr := range frames {
		assert.NotEqual(t, FrameComplete, fr.Type)
	}

	// The user turn stays, the partial assistant text does not
	h, ok := f.histories.Get("conv-1")
	require.True(t, ok)
	turns := h.Turns()
	require.Len(t, turns, 1)
	assert.Equal(t, history.RoleUser, turns[0].Role)

	require.Len(t, f.ledger.saved, 1)
	assert.Equal(t, store.StatusErrored, f.ledger.saved[0].Status)
}

func TestChatStream_HistoryPreamble(t *testing.T) {
	f := newFixture(t)

	collectFrames(t, f, Request{Message: "first", ConversationID: "conv-1", IncludeHistory: true})
	collectFrames(t, f, Request{Message: "second", ConversationID: "conv-1", IncludeHistory: true})

	runner := f.runners[0]
	require.Len(t, runner.inputs, 2)
	// First exchange has no history to prepend
	assert.Equal(t, "first", runner.inputs[0])
	assert.Contains(t, runner.inputs[1], "Previous conversation context:")
	assert.Contains(t, runner.inputs[1], "User: first")
	assert.Contains(t, runner.inputs[1], "Current conversation:\n\nUser: second")
}

func TestChatStream_HistoryExcluded(t *testing.T) {
	f := newFixture(t)

	collectFrames(t, f, Request{Message: "first", ConversationID: "conv-1", IncludeHistory: true})
	collectFrames(t, f, Request{Message: "second", ConversationID: "conv-1", IncludeHistory: false})

	runner := f.runners[0]
	require.Len(t, runner.inputs, 2)
	assert.Equal(t, "second", runner.inputs[1])
}

func TestChatStream_FaultKeepsUserTurn(t *testing.T) {
	f := newFixture(t)
	f.script = func() []agent.Event {
		return []agent.Event{
			{Type: agent.EventAgentUpdate, AgentName: "Assistant"},
			{Type: agent.EventFault, Err: context.DeadlineExceeded},
		}
	}

	frames := collectFrames(t, f, Request{Message: "hi", ConversationID: "conv-1"})
	last := frames[len(frames)-1]
	assert.Equal(t, FrameError, last.Type)

	// User turn recorded before the run, no assistant turn after the fault
	h, ok := f.histories.Get("conv-1")
	require.True(t, ok)
	turns := h.Turns()
	require.Len(t, turns, 1)
	assert.Equal(t, history.RoleUser, turns[0].Role)

	require.Len(t, f.ledger.saved, 1)
	assert.Equal(t, store.StatusErrored, f.ledger.saved[0].Status)
}

func TestChatStream_RunnerReusedForSameModel(t *testing.T) {
	f := newFixture(t)

	collectFrames(t, f, Request{Message: "a"})
	collectFrames(t, f, Request{Message: "b"})
	assert.Len(t, f.runners, 1)
}

func TestChatStream_RunnerRebuiltOnModelChange(t *testing.T) {
	f := newFixture(t)

	collectFrames(t, f, Request{Message: "a", Model: "gemini-2.5-flash"})
	collectFrames(t, f, Request{Message: "b", Model: "gemini-2.5-pro"})
	collectFrames(t, f, Request{Message: "c", Model: "gemini-2.5-pro"})

	require.Len(t, f.runners, 2)
	assert.Equal(t, "gemini-2.5-pro", f.service.ActiveModel())
}

func TestChatStream_UnknownModelUsesDefault(t *testing.T) {
	f := newFixture(t)

	collectFrames(t, f, Request{Message: "a", Model: "made-up-model"})
	assert.Equal(t, "gemini-2.5-flash", f.service.ActiveModel())
}

func TestChatStream_LedgerRecordsCompleted(t *testing.T) {
	f := newFixture(t)

	collectFrames(t, f, Request{Message: "hi", ConversationID: "conv-1"})

	require.Len(t, f.ledger.saved, 1)
	saved := f.ledger.saved[0]
	assert.Equal(t, store.StatusCompleted, saved.Status)
	assert.Equal(t, "conv-1", saved.ConversationID)
	assert.Equal(t, "gemini-2.5-flash", saved.Model)
	assert.NotEmpty(t, saved.ID)
}

func TestChat_Buffered(t *testing.T) {
	f := newFixture(t)
	f.script = func() []agent.Event {
		return []agent.Event{
			{Type: agent.EventAgentUpdate, AgentName: "Assistant"},
			{Type: agent.EventTextDelta, Delta: "The answer "},
			{Type: agent.EventTextDelta, Delta: "is 4."},
			{Type: agent.EventToolCallStart, ToolCall: &agent.ToolCallEvent{ID: "c1", Name: "calc", ArgumentsJSON: `{"expr":"2+2"}`}},
			{Type: agent.EventToolCallOutput, ToolOutput: &agent.ToolOutputEvent{ToolID: "c1", Output: "4"}},
			{Type: agent.EventMessageOutput, Text: "The answer is 4."},
			{Type: agent.EventDone},
		}
	}

	result, err := f.service.Chat(context.Background(), Request{Message: "2+2?", ConversationID: "conv-1"})
	require.NoError(t, err)

	assert.Equal(t, "The answer is 4.", result.Response)
	assert.Equal(t, "conv-1", result.ConversationID)
	assert.Equal(t, "gemini-2.5-flash", result.Model)
	assert.Equal(t, 2, result.MessageCount)
	require.Len(t, result.ToolCalls, 1)
	assert.Equal(t, "calc", result.ToolCalls[0].Name)
	assert.Equal(t, 1, result.TotalToolsCalled)
}

func TestChat_FaultBecomesError(t *testing.T) {
	f := newFixture(t)
	f.script = func() []agent.Event {
		return []agent.Event{{Type: agent.EventFault, Err: context.DeadlineExceeded}}
	}

	_, err := f.service.Chat(context.Background(), Request{Message: "hi"})
	assert.Error(t, err)
}
