package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/dispatcher"
	"github.com/isdmx/runbox/sandbox"
	"github.com/isdmx/runbox/session"
)

// Runner executes one job synchronously
type Runner interface {
	Run(ctx context.Context, req dispatcher.Request, notifier session.Notifier) dispatcher.Report
}

// MCPServer exposes the sandbox as MCP tools
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	runner    Runner
	mcpServer *server.MCPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, runner Runner) *MCPServer {
	s := &MCPServer{
		config: cfg,
		logger: logger.With(zap.String("component", "mcp")),
		runner: runner,
	}

	s.mcpServer = server.NewMCPServer("runbox", "1.0.0", server.WithToolCapabilities(false))
	s.registerRunCodeTool()
	return s
}

// registerRunCodeTool registers the run_code tool
func (s *MCPServer) registerRunCodeTool() {
	languages := make([]string, 0, len(sandbox.Languages()))
	for _, l := range sandbox.Languages() {
		languages = append(languages, string(l))
	}

	tool := mcp.Tool{
		Name: "run_code",
		Description: fmt.Sprintf("Run a program in a throwaway container without network access and return its output. "+
			"Runs are stopped after %s.", s.config.BufferedTimeout()),
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Program source",
				},
				"language": map[string]any{
					"type":        "string",
					"description": "Runtime language",
					"enum":        languages,
				},
				"version": map[string]any{
					"type":        "string",
					"description": "Image tag of the runtime, latest when empty",
				},
			},
			Required: []string{"code", "language"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleRunCode)
}

// toolEvent is one session event of a tool run
type toolEvent struct {
	Event session.Event `json:"event"`
	Data  any           `json:"data,omitempty"`
}

// toolResult is the text content of a run_code result
type toolResult struct {
	JobID    int64       `json:"jobId"`
	Outcome  string      `json:"outcome,omitempty"`
	ExitCode int         `json:"exitCode"`
	Output   string      `json:"output"`
	Error    string      `json:"error,omitempty"`
	Kind     string      `json:"kind,omitempty"`
	Events   []toolEvent `json:"events"`
}

// transcript implements session.Notifier by recording the events of one job
type transcript struct {
	mu     sync.Mutex
	events []toolEvent
}

func (t *transcript) Send(_ int64, event session.Event, payload any) error {
	if !event.Valid() {
		return session.ErrUnknownEvent
	}
	t.mu.Lock()
	t.events = append(t.events, toolEvent{Event: event, Data: payload})
	t.mu.Unlock()
	return nil
}

func (t *transcript) all() []toolEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]toolEvent(nil), t.events...)
}

// handleRunCode runs a buffered job and returns its outcome with the events
// a session would have seen
func (s *MCPServer) handleRunCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}

	language, err := request.RequireString("language")
	if err != nil {
		return nil, fmt.Errorf("language parameter is required: %w", err)
	}
	version := request.GetString("version", "")

	s.logger.Info("code execution requested",
		zap.String("language", language),
		zap.String("version", version))

	events := &transcript{}
	report := s.runner.Run(ctx, dispatcher.Request{
		Language: language,
		Version:  version,
		Code:     code,
		Mode:     sandbox.ModeBuffered,
	}, events)

	result := toolResult{
		JobID:  report.JobID,
		Kind:   report.Kind,
		Events: events.all(),
	}
	if report.Ran {
		result.Outcome = report.Outcome.Kind.String()
		result.ExitCode = report.Outcome.ExitCode
		result.Output = report.Outcome.Output
	}
	if report.Err != nil {
		result.Error = report.Err.Error()
	}
	failed := report.Err != nil || (report.Ran && report.Outcome.Kind != sandbox.OutcomeSuccess)

	s.logger.Info("code execution completed",
		zap.Int64("job_id", report.JobID),
		zap.String("outcome", result.Outcome),
		zap.String("kind", report.Kind),
		zap.Int("exit_code", result.ExitCode),
		zap.Int("output_len", len(result.Output)))

	text, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(text),
			},
		},
		IsError: failed,
	}, nil
}

// Handler returns the streamable HTTP transport of the server
func (s *MCPServer) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

// GetMCPServer returns the underlying MCP server
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
