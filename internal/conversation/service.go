// ABOUTME: Conversation service driving agent runs and history bookkeeping
// ABOUTME: Records the user turn before the run, streams frames, appends the assistant turn on success

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seichat/gateway/internal/agent"
	"github.com/seichat/gateway/internal/history"
	"github.com/seichat/gateway/internal/model"
	"github.com/seichat/gateway/internal/store"
)

// defaultConversationID groups requests that do not name a conversation, so
// anonymous clients share one history.
const defaultConversationID = "default"

// Runner is one bound agent backend. Satisfied by agent.Runner.
type Runner interface {
	Run(ctx context.Context, input string) <-chan agent.Event
}

// RunnerFactory builds a runner for a model and credential. The gateway
// wires this to agent.NewRunner with the shared toolset.
type RunnerFactory func(mc *model.ModelConfig, apiKey string) Runner

// Ledger records finished requests. Satisfied by store.SQLiteStore; nil
// disables recording.
type Ledger interface {
	SaveRequest(ctx context.Context, req store.Request) error
}

// Request is one chat exchange to run.
type Request struct {
	Message        string
	ConversationID string
	Model          string
	IncludeHistory bool
}

// Result is the buffered (non-streaming) response shape.
type Result struct {
	Response       string                   `json:"response"`
	ConversationID string                   `json:"conversation_id"`
	Model          string                   `json:"model"`
	MessageCount     int                      `json:"message_count"`
	ToolCalls        []history.ToolCallRecord `json:"tool_calls"`
	TotalToolsCalled int                      `json:"total_tools_called"`
}

// Service owns the active runner and drives chat exchanges through it.
// The runner is rebuilt whenever a request selects a different model.
type Service struct {
	registry  *model.Registry
	histories *history.Store
	ledger    Ledger
	newRunner RunnerFactory
	logger    *slog.Logger

	mu          sync.Mutex
	runner      Runner
	activeModel string
}

// NewService wires a conversation service.
func NewService(registry *model.Registry, histories *history.Store, ledger Ledger, factory RunnerFactory, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		registry:  registry,
		histories: histories,
		ledger:    ledger,
		newRunner: factory,
		logger:    logger.With("component", "conversation"),
	}
}

// ActiveModel returns the model name the current runner is bound to, or ""
// before the first exchange.
func (s *Service) ActiveModel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeModel
}

// ensureRunner returns a runner bound to the requested model, rebuilding
// only when the model changed. Each rebuild picks a fresh credential.
func (s *Service) ensureRunner(mc *model.ModelConfig) (Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.runner != nil && s.activeModel == mc.Name {
		return s.runner, nil
	}

	key, err := model.PickCredential(mc)
	if err != nil {
		return nil, fmt.Errorf("selecting credential: %w", err)
	}
	s.runner = s.newRunner(mc, key)
	s.activeModel = mc.Name
	s.logger.Info("runner bound", "model", mc.Name)
	return s.runner, nil
}

// ChatStream runs one exchange and emits frames via emit as they are
// produced. Setup failures return an error before any frame is emitted so
// callers can still send a plain HTTP error; failures mid-run surface as an
// error frame and a nil return. An emit error aborts the run.
func (s *Service) ChatStream(ctx context.Context, req Request, emit func(Frame) error) error {
	if req.Message == "" {
		return fmt.Errorf("message is required")
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = defaultConversationID
	}

	mc := s.registry.Resolve(req.Model)
	runner, err := s.ensureRunner(mc)
	if err != nil {
		return err
	}

	h := s.histories.GetOrCreate(conversationID)

	input := req.Message
	if req.IncludeHistory {
		if preamble := h.RenderContext(); preamble != "" {
			input = preamble + "\n\nUser: " + req.Message
		}
	}

	// Record the user turn before running so it survives a failed run
	h.Append(history.Turn{Role: history.RoleUser, Content: req.Message})

	start := time.Now()
	tr := newTranslator()
	errored := false
	done := false

	for ev := range runner.Run(ctx, input) {
		switch ev.Type {
		case agent.EventFault:
			errored = true
		case agent.EventDone:
			done = true
		}
		for _, frame := range tr.Translate(ev) {
			if err := emit(frame); err != nil {
				s.logger.Debug("client disconnected mid-stream",
					"conversation_id", conversationID,
					"error", err)
				s.record(conversationID, mc.Name, store.StatusErrored, len(tr.ToolCallRecords()), start)
				return nil
			}
		}
	}

	if errored {
		s.logger.Warn("agent run failed",
			"conversation_id", conversationID,
			"model", mc.Name)
		s.record(conversationID, mc.Name, store.StatusErrored, len(tr.ToolCallRecords()), start)
		return nil
	}

	// A channel that closed without a terminal event means the run was cut
	// short, typically by cancellation. The exchange never finished, so the
	// partial text is not committed as an assistant turn.
	if !done {
		s.logger.Debug("run aborted before completion",
			"conversation_id", conversationID)
		s.record(conversationID, mc.Name, store.StatusErrored, len(tr.ToolCallRecords()), start)
		return nil
	}

	// Only a substantive response becomes an assistant turn
	if text := tr.FinalText(); text != "" {
		h.Append(history.Turn{
			Role:      history.RoleAssistant,
			Content:   text,
			ToolCalls: tr.ToolCallRecords(),
		})
	}

	if err := emit(Frame{
		Type:           FrameComplete,
		ConversationID: conversationID,
		MessageCount:   h.Len(),
	}); err != nil {
		s.logger.Debug("client disconnected before completion frame",
			"conversation_id", conversationID,
			"error", err)
	}

	s.record(conversationID, mc.Name, store.StatusCompleted, len(tr.ToolCallRecords()), start)
	return nil
}

// Chat runs one exchange and returns the buffered result. An error frame
// mid-run becomes a returned error.
func (s *Service) Chat(ctx context.Context, req Request) (*Result, error) {
	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = defaultConversationID
		req.ConversationID = conversationID
	}

	var errFrame *Frame
	tr := &collector{}
	err := s.ChatStream(ctx, req, func(f Frame) error {
		tr.add(f)
		if f.Type == FrameError {
			errFrame = &f
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if errFrame != nil {
		return nil, fmt.Errorf("%s", errFrame.Content)
	}

	toolCalls := tr.toolCalls()
	return &Result{
		Response:         tr.text.String(),
		ConversationID:   conversationID,
		Model:            s.registry.Resolve(req.Model).Name,
		MessageCount:     tr.messageCount,
		ToolCalls:        toolCalls,
		TotalToolsCalled: len(toolCalls),
	}, nil
}

// collector folds streamed frames back into a buffered result.
type collector struct {
	text         strings.Builder
	summary      []history.ToolCallRecord
	messageCount int
}

func (c *collector) add(f Frame) {
	switch f.Type {
	case FrameDelta:
		c.text.WriteString(f.Content)
	case FrameToolCallsSummary:
		c.summary = f.ToolCalls
	case FrameComplete:
		c.messageCount = f.MessageCount
	}
}

func (c *collector) toolCalls() []history.ToolCallRecord {
	if c.summary == nil {
		return []history.ToolCallRecord{}
	}
	return c.summary
}

// record writes one ledger row on a detached context so a cancelled request
// still gets accounted for.
func (s *Service) record(conversationID, modelName, status string, toolCalls int, start time.Time) {
	if s.ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.ledger.SaveRequest(ctx, store.Request{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Model:          modelName,
		Status:         status,
		ToolCalls:      toolCalls,
		DurationMs:     time.Since(start).Milliseconds(),
	})
	if err != nil {
		s.logger.Warn("recording request failed", "error", err)
	}
}
