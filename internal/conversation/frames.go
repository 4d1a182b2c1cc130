// ABOUTME: Wire frames emitted to chat clients
// ABOUTME: One JSON shape per frame type, streamed over SSE or collected for buffered replies

package conversation

import (
	"time"

	"github.com/seichat/gateway/internal/history"
)

// FrameType identifies a client-visible frame.
type FrameType string

const (
	// FrameDelta carries one chunk of streamed response text.
	FrameDelta FrameType = "delta"
	// FrameAgentUpdate announces the handling agent.
	FrameAgentUpdate FrameType = "agent_update"
	// FrameToolCallStart announces a tool invocation.
	FrameToolCallStart FrameType = "tool_call_start"
	// FrameToolCallOutput carries a tool invocation's result.
	FrameToolCallOutput FrameType = "tool_call_output"
	// FrameToolCallsSummary totals the tool calls of a finished response.
	FrameToolCallsSummary FrameType = "tool_calls_summary"
	// FrameComplete closes a successful exchange.
	FrameComplete FrameType = "complete"
	// FrameError closes a failed exchange.
	FrameError FrameType = "error"
)

// Frame is one client-visible event. Type is always set; the remaining
// fields depend on it.
type Frame struct {
	Type FrameType `json:"type"`

	// FrameDelta, FrameAgentUpdate, FrameToolCallStart, FrameToolCallOutput,
	// FrameError: human-readable content
	Content string `json:"content,omitempty"`

	// FrameToolCallStart, FrameToolCallOutput
	ToolID        string         `json:"tool_id,omitempty"`
	ToolName      string         `json:"tool_name,omitempty"`
	ToolArguments map[string]any `json:"tool_arguments,omitempty"`
	ToolOutput    any            `json:"tool_output,omitempty"`
	RawOutput     string         `json:"raw_output,omitempty"`

	// Tool frames only; the other frame types carry no timestamp
	Timestamp time.Time `json:"timestamp,omitzero"`

	// FrameToolCallsSummary
	ToolCalls  []history.ToolCallRecord `json:"tool_calls,omitempty"`
	TotalTools int                      `json:"total_tools,omitempty"`

	// FrameComplete
	ConversationID string `json:"conversation_id,omitempty"`
	MessageCount   int    `json:"message_count,omitempty"`
}
