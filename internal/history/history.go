// ABOUTME: Bounded in-memory conversation history with FIFO eviction
// ABOUTME: Each conversation holds at most maxLength turns, oldest evicted first

package history

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolCallRecord captures one tool invocation made while producing a turn.
type ToolCallRecord struct {
	ID        string         `json:"tool_id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Output    any            `json:"output"`
}

// Turn is a single message in a conversation.
type Turn struct {
	Role      Role             `json:"role"`
	Content   string           `json:"content"`
	Timestamp time.Time        `json:"timestamp"`
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`
}

// History is the bounded turn sequence for one conversation. Appends beyond
// the capacity evict the oldest turn. Safe for concurrent use.
type History struct {
	mu        sync.Mutex
	turns     []Turn
	maxLength int
}

// New creates an empty history holding at most maxLength turns.
func New(maxLength int) *History {
	if maxLength < 1 {
		maxLength = 1
	}
	return &History{maxLength: maxLength}
}

// Append records a turn, evicting the oldest if the history is full.
// The timestamp is set to now if the caller left it zero.
func (h *History) Append(turn Turn) {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.turns = append(h.turns, turn)
	if len(h.turns) > h.maxLength {
		// Shift rather than reslice so evicted turns are released
		copy(h.turns, h.turns[len(h.turns)-h.maxLength:])
		h.turns = h.turns[:h.maxLength]
	}
}

// Turns returns a copy of the current turn sequence, oldest first.
func (h *History) Turns() []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Len returns the number of turns currently held.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}

// Clear removes all turns.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = nil
}

// LastTurn returns the most recent turn, or false if the history is empty.
func (h *History) LastTurn() (Turn, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.turns) == 0 {
		return Turn{}, false
	}
	return h.turns[len(h.turns)-1], true
}

// RenderContext formats the history as a context preamble for the agent.
// Returns "" when the history is empty.
func (h *History) RenderContext() string {
	turns := h.Turns()
	if len(turns) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Previous conversation context:\n")
	for _, turn := range turns {
		role := "User"
		if turn.Role == RoleAssistant {
			role = "Assistant"
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", turn.Timestamp.Format("15:04:05"), role, turn.Content)
		for _, tc := range turn.ToolCalls {
			fmt.Fprintf(&b, "  └─ Used tool: %s\n", tc.Name)
		}
	}
	b.WriteString("\nCurrent conversation:")
	return b.String()
}

// Summary is the listing view of one conversation.
type Summary struct {
	ConversationID string    `json:"conversation_id"`
	MessageCount   int       `json:"message_count"`
	LastMessage    string    `json:"last_message_preview"`
	LastActivity   time.Time `json:"last_activity"`
}

// previewLimit caps the last-message preview in conversation listings.
const previewLimit = 100

// preview truncates content for listing display. Truncation counts runes so
// a multi-byte character is never split.
func preview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewLimit {
		return content
	}
	return string(runes[:previewLimit]) + "..."
}

// Store holds the histories for all active conversations.
// Histories are created on first use. Safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	histories map[string]*History
	maxLength int
}

// NewStore creates an empty store whose histories hold maxLength turns each.
func NewStore(maxLength int) *Store {
	return &Store{
		histories: make(map[string]*History),
		maxLength: maxLength,
	}
}

// GetOrCreate returns the history for the conversation, creating it if new.
func (s *Store) GetOrCreate(conversationID string) *History {
	s.mu.RLock()
	h, ok := s.histories[conversationID]
	s.mu.RUnlock()
	if ok {
		return h
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.histories[conversationID]; ok {
		return h
	}
	h = New(s.maxLength)
	s.histories[conversationID] = h
	return h
}

// Get returns the history for the conversation, or false if it was never
// created.
func (s *Store) Get(conversationID string) (*History, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.histories[conversationID]
	return h, ok
}

// Remove deletes one conversation. Returns false if it did not exist.
func (s *Store) Remove(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.histories[conversationID]; !ok {
		return false
	}
	delete(s.histories, conversationID)
	return true
}

// Clear removes every conversation and returns how many were removed.
func (s *Store) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.histories)
	s.histories = make(map[string]*History)
	return n
}

// Count returns the number of tracked conversations, including empty ones.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.histories)
}

// Summaries lists every conversation that has at least one turn. Empty
// histories are tracked but not listed.
func (s *Store) Summaries() []Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summaries := make([]Summary, 0, len(s.histories))
	for id, h := range s.histories {
		last, ok := h.LastTurn()
		if !ok {
			continue
		}
		summaries = append(summaries, Summary{
			ConversationID: id,
			MessageCount:   h.Len(),
			LastMessage:    preview(last.Content),
			LastActivity:   last.Timestamp,
		})
	}
	return summaries
}
