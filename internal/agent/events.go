// ABOUTME: Event stream emitted by an agent run
// ABOUTME: Closed enum of event types with per-variant payload fields

package agent

// EventType identifies what an Event carries.
type EventType string

const (
	// EventAgentUpdate announces which agent is handling the run.
	EventAgentUpdate EventType = "agent_update"
	// EventTextDelta carries one incremental chunk of response text.
	EventTextDelta EventType = "text_delta"
	// EventToolCallStart announces a tool invocation before it executes.
	EventToolCallStart EventType = "tool_call_start"
	// EventToolCallOutput carries the result of a finished tool invocation.
	EventToolCallOutput EventType = "tool_call_output"
	// EventMessageOutput carries the complete response text once streaming ends.
	EventMessageOutput EventType = "message_output"
	// EventDone marks a successful run. Always the final event.
	EventDone EventType = "done"
	// EventFault marks a failed run. Always the final event.
	EventFault EventType = "fault"
)

// ToolCallEvent describes a tool invocation about to execute.
type ToolCallEvent struct {
	ID            string
	Name          string
	ArgumentsJSON string
}

// ToolOutputEvent carries a finished tool invocation's result.
type ToolOutputEvent struct {
	ToolID string
	Output string
}

// Event is one item in a run's event stream. Exactly one payload field is
// set, matching Type.
type Event struct {
	Type EventType

	Delta      string
	AgentName  string
	ToolCall   *ToolCallEvent
	ToolOutput *ToolOutputEvent
	Text       string
	Err        error
}
