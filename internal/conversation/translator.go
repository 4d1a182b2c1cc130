// ABOUTME: Translates agent run events into client-visible frames
// ABOUTME: State machine correlating tool outputs to starts and shaping terminal frames

package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/seichat/gateway/internal/agent"
	"github.com/seichat/gateway/internal/history"
)

// runState tracks where a translation is in its lifecycle.
type runState int

const (
	stateIdle runState = iota
	stateRunning
	stateCompleted
	stateErrored
)

// providerIncompatibilityMarker appears in backend errors when a model only
// speaks the legacy completion API.
const providerIncompatibilityMarker = "does not support Chat Completions API"

// providerIncompatibilityMessage replaces raw backend errors that match the
// marker with something a client can act on.
const providerIncompatibilityMessage = "Model compatibility error: This model requires a different API format. Please try a different model or contact support."

// translator converts one run's agent events into frames. It is not safe
// for concurrent use; each run gets its own translator.
type translator struct {
	state     runState
	text      strings.Builder
	final     string
	toolNames map[string]string
	toolCalls []history.ToolCallRecord
}

func newTranslator() *translator {
	return &translator{toolNames: make(map[string]string)}
}

// Translate maps one agent event to zero or more frames. Events arriving
// after a terminal state are dropped.
func (t *translator) Translate(ev agent.Event) []Frame {
	if t.state == stateCompleted || t.state == stateErrored {
		return nil
	}
	t.state = stateRunning

	switch ev.Type {
	case agent.EventAgentUpdate:
		return []Frame{{Type: FrameAgentUpdate, Content: ev.AgentName}}

	case agent.EventTextDelta:
		t.text.WriteString(ev.Delta)
		return []Frame{{Type: FrameDelta, Content: ev.Delta}}

	case agent.EventToolCallStart:
		return t.translateToolStart(ev.ToolCall)

	case agent.EventToolCallOutput:
		return t.translateToolOutput(ev.ToolOutput)

	case agent.EventMessageOutput:
		// Text already streamed as deltas; keep the authoritative copy only
		t.final = ev.Text
		return nil

	case agent.EventDone:
		t.state = stateCompleted
		if len(t.toolCalls) == 0 {
			return nil
		}
		return []Frame{{
			Type:       FrameToolCallsSummary,
			Content:    fmt.Sprintf("Total tools called: %d", len(t.toolCalls)),
			ToolCalls:  t.toolCalls,
			TotalTools: len(t.toolCalls),
			Timestamp:  time.Now().UTC(),
		}}

	case agent.EventFault:
		t.state = stateErrored
		msg := "Unknown error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		if strings.Contains(msg, providerIncompatibilityMarker) {
			msg = providerIncompatibilityMessage
		}
		return []Frame{{Type: FrameError, Content: msg}}

	default:
		return nil
	}
}

func (t *translator) translateToolStart(tc *agent.ToolCallEvent) []Frame {
	if tc == nil {
		return nil
	}
	name := tc.Name
	if name == "" {
		name = "Unknown Tool"
	}
	t.toolNames[tc.ID] = name

	args := decodeArguments(tc.ArgumentsJSON)
	t.toolCalls = append(t.toolCalls, history.ToolCallRecord{
		ID:        tc.ID,
		Name:      name,
		Arguments: args,
	})

	return []Frame{{
		Type:          FrameToolCallStart,
		Content:       "Calling tool: " + name,
		ToolID:        tc.ID,
		ToolName:      name,
		ToolArguments: args,
		Timestamp:     time.Now().UTC(),
	}}
}

func (t *translator) translateToolOutput(out *agent.ToolOutputEvent) []Frame {
	if out == nil {
		return nil
	}
	name, ok := t.toolNames[out.ToolID]
	if !ok {
		// Output without a matching start; keep the frame rather than drop data
		name = "Unknown"
	}

	decoded := decodeOutput(out.Output)
	for i := range t.toolCalls {
		if t.toolCalls[i].ID == out.ToolID {
			t.toolCalls[i].Output = decoded
			break
		}
	}

	return []Frame{{
		Type:       FrameToolCallOutput,
		Content:    "Tool completed: " + name,
		ToolID:     out.ToolID,
		ToolName:   name,
		ToolOutput: decoded,
		RawOutput:  out.Output,
		Timestamp:  time.Now().UTC(),
	}}
}

// FinalText returns the response text for the history turn: the complete
// message if the run produced one, otherwise the accumulated deltas.
func (t *translator) FinalText() string {
	if t.final != "" {
		return t.final
	}
	return t.text.String()
}

// ToolCallRecords returns the tool calls observed during the run.
func (t *translator) ToolCallRecords() []history.ToolCallRecord {
	return t.toolCalls
}

// decodeArguments parses a tool call's argument JSON, falling back to an
// empty map on malformed input.
func decodeArguments(raw string) map[string]any {
	args := map[string]any{}
	if raw == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{}
	}
	return args
}

// decodeOutput parses tool output as JSON when possible so clients get
// structure, falling back to the raw string.
func decodeOutput(raw string) any {
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return raw
	}
	return decoded
}

