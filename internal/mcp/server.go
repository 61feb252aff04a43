package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Tool pairs a definition with its implementation.
type Tool struct {
	Definition ToolDefinition
	Execute    func(ctx context.Context, args json.RawMessage) ToolCallResult
}

// Server speaks MCP over stdio. Register tools before calling Serve.
type Server struct {
	name    string
	version string
	tools   []Tool

	// reader/writer default to stdin/stdout; overridable in tests.
	reader io.Reader
	writer io.Writer
	mu     sync.Mutex
}

// NewServer creates an MCP server.
func NewServer(name, version string) *Server {
	return &Server{
		name:    name,
		version: version,
		reader:  os.Stdin,
		writer:  os.Stdout,
	}
}

// AddTool registers a tool. Must be called before Serve.
func (s *Server) AddTool(t Tool) {
	s.tools = append(s.tools, t)
}

// Serve reads newline-delimited JSON-RPC messages until the input closes or
// ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(s.reader)
	scanner.Buffer(make([]byte, 0, 1<<20), 10<<20)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.handle(ctx, line)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read mcp input: %w", err)
	}
	return nil
}

func (s *Server) handle(ctx context.Context, data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		s.write(response{
			JSONRPC: "2.0",
			ID:      json.RawMessage("null"),
			Error:   &rpcError{Code: errCodeParse, Message: "parse error"},
		})
		return
	}

	if resp := s.dispatch(ctx, &req); resp != nil {
		s.write(*resp)
	}
}

func (s *Server) dispatch(ctx context.Context, req *request) *response {
	switch req.Method {
	case "initialize":
		return s.reply(req.ID, initializeResult{
			ProtocolVersion: protocolVersion,
			Capabilities:    serverCapabilities{Tools: &struct{}{}},
			ServerInfo:      serverInfo{Name: s.name, Version: s.version},
		})
	case "notifications/initialized", "notifications/cancelled":
		return nil
	case "ping":
		return s.reply(req.ID, struct{}{})
	case "tools/list":
		defs := make([]ToolDefinition, len(s.tools))
		for i, t := range s.tools {
			defs[i] = t.Definition
		}
		return s.reply(req.ID, toolsListResult{Tools: defs})
	case "tools/call":
		return s.call(ctx, req)
	default:
		if req.isNotification() {
			return nil
		}
		return s.replyError(req.ID, errCodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (s *Server) call(ctx context.Context, req *request) *response {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.replyError(req.ID, errCodeInvalidParams, "invalid params: "+err.Error())
	}

	for _, t := range s.tools {
		if t.Definition.Name == params.Name {
			return s.reply(req.ID, t.Execute(ctx, params.Arguments))
		}
	}
	return s.reply(req.ID, ErrorResult("unknown tool: "+params.Name))
}

func (s *Server) reply(id json.RawMessage, result any) *response {
	return &response{JSONRPC: "2.0", ID: id, Result: result}
}

func (s *Server) replyError(id json.RawMessage, code int, message string) *response {
	return &response{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}}
}

func (s *Server) write(resp response) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("Failed to marshal MCP response", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	data = append(data, '\n')
	if _, err := s.writer.Write(data); err != nil {
		slog.Error("Failed to write MCP response", "error", err)
	}
}
