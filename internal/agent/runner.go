// ABOUTME: Agent run loop over a streaming chat-completion backend
// ABOUTME: Streams text deltas, executes tool calls, and loops until the model finishes

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/seichat/gateway/internal/model"
)

// maxToolTurns bounds the tool-call loop so a model that keeps requesting
// tools cannot run forever.
const maxToolTurns = 10

// Runner drives one model backend. It is bound to a single model config and
// credential; the conversation service rebuilds it when the model changes.
type Runner struct {
	client       *openai.Client
	model        *model.ModelConfig
	toolset      *Toolset
	name         string
	instructions string
	logger       *slog.Logger
}

// NewRunner builds a runner for the given model using one credential from
// its pool.
func NewRunner(mc *model.ModelConfig, apiKey string, toolset *Toolset, name, instructions string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimSuffix(mc.BaseURL, "/")

	return &Runner{
		client:       openai.NewClientWithConfig(cfg),
		model:        mc,
		toolset:      toolset,
		name:         name,
		instructions: instructions,
		logger:       logger.With("component", "runner", "model", mc.Name),
	}
}

// Model returns the model config this runner is bound to.
func (r *Runner) Model() *model.ModelConfig {
	return r.model
}

// Run executes one agent turn for the given input and streams events on the
// returned channel. The channel is closed after the terminal event (done or
// fault). Cancelling ctx aborts the run.
func (r *Runner) Run(ctx context.Context, input string) <-chan Event {
	events := make(chan Event, 32)
	go func() {
		defer close(events)
		r.run(ctx, input, events)
	}()
	return events
}

func (r *Runner) run(ctx context.Context, input string, events chan<- Event) {
	emit := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !emit(Event{Type: EventAgentUpdate, AgentName: r.name}) {
		return
	}

	if r.model.APIFormat == model.WireFormatCompletion {
		r.runCompletion(ctx, input, emit)
		return
	}

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: r.instructions},
		{Role: openai.ChatMessageRoleUser, Content: input},
	}

	var finalText strings.Builder

	for turn := 0; turn < maxToolTurns; turn++ {
		text, toolCalls, err := r.streamChatTurn(ctx, messages, emit)
		if err != nil {
			emit(Event{Type: EventFault, Err: err})
			return
		}
		finalText.WriteString(text)

		if len(toolCalls) == 0 {
			emit(Event{Type: EventMessageOutput, Text: finalText.String()})
			emit(Event{Type: EventDone})
			return
		}

		messages = append(messages, openai.ChatCompletionMessage{
			Role:      openai.ChatMessageRoleAssistant,
			Content:   text,
			ToolCalls: toolCalls,
		})

		for _, tc := range toolCalls {
			if !r.executeTool(ctx, tc, &messages, emit) {
				return
			}
		}
	}

	emit(Event{Type: EventFault, Err: fmt.Errorf("tool-call loop exceeded %d turns", maxToolTurns)})
}

// streamChatTurn streams one chat completion, emitting text deltas and
// accumulating any tool calls the model requests.
func (r *Runner) streamChatTurn(ctx context.Context, messages []openai.ChatCompletionMessage, emit func(Event) bool) (string, []openai.ToolCall, error) {
	req := openai.ChatCompletionRequest{
		Model:    r.model.ModelName,
		Messages: messages,
	}
	if defs := r.toolset.Definitions(); len(defs) > 0 {
		req.Tools = defs
	}

	stream, err := r.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return "", nil, fmt.Errorf("starting completion stream: %w", err)
	}
	defer stream.Close()

	var text strings.Builder
	var toolCalls []openai.ToolCall

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", nil, fmt.Errorf("reading completion stream: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}

		delta := resp.Choices[0].Delta
		if delta.Content != "" {
			text.WriteString(delta.Content)
			if !emit(Event{Type: EventTextDelta, Delta: delta.Content}) {
				return "", nil, ctx.Err()
			}
		}
		for _, tc := range delta.ToolCalls {
			toolCalls = accumulateToolCall(toolCalls, tc)
		}
	}

	return text.String(), toolCalls, nil
}

// accumulateToolCall merges a streamed tool-call fragment into the
// accumulated list. Fragments arrive indexed; arguments build up across
// chunks.
func accumulateToolCall(calls []openai.ToolCall, tc openai.ToolCall) []openai.ToolCall {
	idx := len(calls)
	if tc.Index != nil {
		idx = *tc.Index
	}
	for len(calls) <= idx {
		calls = append(calls, openai.ToolCall{Type: openai.ToolTypeFunction})
	}

	cur := &calls[idx]
	if tc.ID != "" {
		cur.ID = tc.ID
	}
	if tc.Function.Name != "" {
		cur.Function.Name = tc.Function.Name
	}
	cur.Function.Arguments += tc.Function.Arguments
	return calls
}

// executeTool runs one requested tool call and appends its result to the
// message transcript. Returns false if the run should stop.
func (r *Runner) executeTool(ctx context.Context, tc openai.ToolCall, messages *[]openai.ChatCompletionMessage, emit func(Event) bool) bool {
	id := tc.ID
	if id == "" {
		id = uuid.New().String()
	}

	if !emit(Event{Type: EventToolCallStart, ToolCall: &ToolCallEvent{
		ID:            id,
		Name:          tc.Function.Name,
		ArgumentsJSON: tc.Function.Arguments,
	}}) {
		return false
	}

	var args map[string]any
	if tc.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			r.logger.Warn("tool arguments are not valid JSON, calling with none",
				"tool", tc.Function.Name,
				"error", err)
			args = nil
		}
	}

	output, err := r.toolset.Call(ctx, tc.Function.Name, args)
	if err != nil {
		r.logger.Warn("tool call failed", "tool", tc.Function.Name, "error", err)
		output = fmt.Sprintf("Error: %v", err)
	}

	if !emit(Event{Type: EventToolCallOutput, ToolOutput: &ToolOutputEvent{
		ToolID: id,
		Output: output,
	}}) {
		return false
	}

	*messages = append(*messages, openai.ChatCompletionMessage{
		Role:       openai.ChatMessageRoleTool,
		Content:    output,
		ToolCallID: tc.ID,
	})
	return true
}

// runCompletion streams a raw completion for backends that do not speak the
// chat API. Tools are unavailable in this format.
func (r *Runner) runCompletion(ctx context.Context, input string, emit func(Event) bool) {
	stream, err := r.client.CreateCompletionStream(ctx, openai.CompletionRequest{
		Model:  r.model.ModelName,
		Prompt: r.instructions + "\n\n" + input,
	})
	if err != nil {
		emit(Event{Type: EventFault, Err: fmt.Errorf("starting completion stream: %w", err)})
		return
	}
	defer stream.Close()

	var text strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			emit(Event{Type: EventFault, Err: fmt.Errorf("reading completion stream: %w", err)})
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}
		chunk := resp.Choices[0].Text
		if chunk == "" {
			continue
		}
		text.WriteString(chunk)
		if !emit(Event{Type: EventTextDelta, Delta: chunk}) {
			return
		}
	}

	emit(Event{Type: EventMessageOutput, Text: text.String()})
	emit(Event{Type: EventDone})
}
