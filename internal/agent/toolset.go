// ABOUTME: Aggregated MCP tool servers exposed to the agent as one toolset
// ABOUTME: Connects over streamable HTTP, routes calls by tool name

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	openai "github.com/sashabaranov/go-openai"

	"github.com/seichat/gateway/internal/config"
)

// toolServer is one connected MCP server and its call timeout.
type toolServer struct {
	name    string
	session *mcp.ClientSession
	timeout time.Duration
}

// Toolset aggregates the tools of every connected MCP server. Tool names
// are flattened into a single namespace; on collision the first server wins.
type Toolset struct {
	servers []*toolServer
	byTool  map[string]*toolServer
	defs    []openai.Tool
	logger  *slog.Logger
}

// headerRoundTripper injects static headers into every request, used for
// tool servers that require auth headers.
type headerRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}
	return h.base.RoundTrip(req)
}

// ConnectToolset connects to every configured tool server and lists its
// tools. A server that fails to connect is logged and skipped so one
// unreachable server does not take the gateway down; the agent simply runs
// with fewer tools.
func ConnectToolset(ctx context.Context, cfgs []config.ToolServerConfig, logger *slog.Logger) (*Toolset, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "toolset")

	ts := &Toolset{
		byTool: make(map[string]*toolServer),
		logger: logger,
	}

	for _, cfg := range cfgs {
		srv, tools, err := connectServer(ctx, cfg)
		if err != nil {
			logger.Error("tool server unavailable, continuing without it",
				"server", cfg.Name,
				"url", cfg.URL,
				"error", err)
			continue
		}
		ts.servers = append(ts.servers, srv)

		for _, tool := range tools {
			if _, ok := ts.byTool[tool.Name]; ok {
				logger.Warn("duplicate tool name, keeping first registration",
					"tool", tool.Name,
					"server", cfg.Name)
				continue
			}
			def, err := toOpenAITool(tool)
			if err != nil {
				logger.Warn("skipping tool with unusable schema",
					"tool", tool.Name,
					"server", cfg.Name,
					"error", err)
				continue
			}
			ts.byTool[tool.Name] = srv
			ts.defs = append(ts.defs, def)
		}
		logger.Info("tool server connected",
			"server", cfg.Name,
			"tools", len(tools))
	}

	return ts, nil
}

// connectServer dials one MCP server and lists its tools.
func connectServer(ctx context.Context, cfg config.ToolServerConfig) (*toolServer, []*mcp.Tool, error) {
	httpClient := http.DefaultClient
	if len(cfg.Headers) > 0 {
		httpClient = &http.Client{
			Transport: &headerRoundTripper{
				base:    http.DefaultTransport,
				headers: cfg.Headers,
			},
		}
	}

	client := mcp.NewClient(&mcp.Implementation{
		Name:    "chat-gateway",
		Version: "1.0.0",
	}, nil)

	session, err := client.Connect(ctx, &mcp.StreamableClientTransport{
		Endpoint:   cfg.URL,
		HTTPClient: httpClient,
	}, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to %s: %w", cfg.Name, err)
	}

	listed, err := session.ListTools(ctx, nil)
	if err != nil {
		_ = session.Close()
		return nil, nil, fmt.Errorf("listing tools on %s: %w", cfg.Name, err)
	}

	return &toolServer{
		name:    cfg.Name,
		session: session,
		timeout: cfg.Timeout,
	}, listed.Tools, nil
}

// toOpenAITool converts an MCP tool definition to the chat-completion
// function-tool shape.
func toOpenAITool(tool *mcp.Tool) (openai.Tool, error) {
	params, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return openai.Tool{}, fmt.Errorf("marshaling input schema: %w", err)
	}
	return openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  json.RawMessage(params),
		},
	}, nil
}

// Definitions returns the aggregated tool definitions in registration order.
func (t *Toolset) Definitions() []openai.Tool {
	return t.defs
}

// Call invokes the named tool on whichever server registered it and returns
// the text content of the result. Tool-level failures (IsError results) are
// returned as output text, not as errors, so the model can react to them.
func (t *Toolset) Call(ctx context.Context, name string, args map[string]any) (string, error) {
	srv, ok := t.byTool[name]
	if !ok {
		return "", fmt.Errorf("unknown tool %q", name)
	}

	callCtx := ctx
	if srv.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, srv.timeout)
		defer cancel()
	}

	result, err := srv.session.CallTool(callCtx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return "", fmt.Errorf("calling tool %q on %s: %w", name, srv.name, err)
	}

	text := textContent(result)
	if result.IsError {
		t.logger.Warn("tool reported error result", "tool", name, "server", srv.name)
	}
	return text, nil
}

// textContent flattens a tool result's text blocks.
func textContent(result *mcp.CallToolResult) string {
	var out string
	for _, c := range result.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			out += tc.Text
		}
	}
	return out
}

// Close disconnects every tool server.
func (t *Toolset) Close() error {
	var errs []error
	for _, srv := range t.servers {
		if err := srv.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", srv.name, err))
		}
	}
	return errors.Join(errs...)
}
