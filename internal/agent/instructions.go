// ABOUTME: Agent system instructions loading
// ABOUTME: Reads an instructions file with a built-in default fallback

package agent

import (
	"fmt"
	"os"
	"strings"
)

// defaultInstructions is used when no instructions file is configured.
const defaultInstructions = `You are a helpful assistant. Answer the user's questions directly and
concisely. When a question requires external data, use the available tools
and base your answer on their output. If a tool fails, say so rather than
guessing.`

// LoadInstructions returns the agent system instructions. An empty path
// selects the built-in default; a configured path that cannot be read is
// an error so a typo does not silently change agent behavior.
func LoadInstructions(path string) (string, error) {
	if path == "" {
		return defaultInstructions, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading instructions file: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return defaultInstructions, nil
	}
	return text, nil
}
