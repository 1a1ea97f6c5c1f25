// Package mcp exposes the instruction dispatcher to agents over the Model
// Context Protocol and a small HTTP gateway.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Mindburn-Labs/helm/instructions/pkg/dispatch"
)

const (
	// ServerName identifies this server during MCP initialization.
	ServerName = "helm-instructions"
	// ToolName is the single tool every action is routed through.
	ToolName = "instructions_dispatch"
)

// Dispatcher is the subset of *dispatch.Dispatcher the transports need.
type Dispatcher interface {
	Dispatch(ctx context.Context, action string, args json.RawMessage) dispatch.Result
	Actions() []string
}

// DispatchInput is the tool input.
type DispatchInput struct {
	Action string         `json:"action" jsonschema:"catalog action name, see the capabilities action"`
	Args   map[string]any `json:"args,omitempty" jsonschema:"action arguments object"`
}

// Server wraps an MCP server with the dispatch tool registered.
type Server struct {
	server     *mcp.Server
	dispatcher Dispatcher
	logger     *slog.Logger
}

// NewServer builds the MCP server.
func NewServer(d Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default().With("component", "mcp")
	}
	s := &Server{
		server:     mcp.NewServer(&mcp.Implementation{Name: ServerName, Version: dispatch.Version}, nil),
		dispatcher: d,
		logger:     logger,
	}
	mcp.AddTool(s.server, dispatchTool(d.Actions()), s.handleDispatch)
	return s
}

func dispatchTool(actions []string) *mcp.Tool {
	return &mcp.Tool{
		Name: ToolName,
		Description: "Reads and governs the shared instruction catalog. " +
			"Actions: " + strings.Join(actions, ", ") + ". " +
			"Mutating actions require the gate handshake (gateRequest, then gateConfirm).",
	}
}

// handleDispatch returns the dispatch envelope as structured content. Failed
// envelopes are flagged IsError but are never protocol errors.
func (s *Server) handleDispatch(ctx context.Context, _ *mcp.CallToolRequest, in DispatchInput) (*mcp.CallToolResult, any, error) {
	var raw json.RawMessage
	if in.Args != nil {
		b, err := json.Marshal(in.Args)
		if err != nil {
			return nil, nil, fmt.Errorf("encode args: %w", err)
		}
		raw = b
	}
	res := s.dispatcher.Dispatch(ctx, in.Action, raw)
	if !res.OK() {
		s.logger.DebugContext(ctx, "mcp: dispatch failed", "action", in.Action, "error", res.Failure.Code)
	}
	return &mcp.CallToolResult{IsError: !res.OK()}, res, nil
}

// MCP returns the underlying server, mainly for in-memory test transports.
func (s *Server) MCP() *mcp.Server {
	return s.server
}

// Serve runs over stdio until ctx is done or the client disconnects.
func (s *Server) Serve(ctx context.Context) error {
	return s.Run(ctx, &mcp.StdioTransport{})
}

// Run serves over an arbitrary transport.
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	s.logger.InfoContext(ctx, "mcp: serving", "tool", ToolName)
	err := s.server.Run(ctx, transport)
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return fmt.Errorf("mcp server: %w", err)
}
