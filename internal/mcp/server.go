// internal/mcp/server.go
package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/viewpoint-mcp/internal/tools"
)

const instructions = "Call browser_snapshot to read the page as an accessibility outline. " +
	"Interact with elements through the refs it returns (e.g. e12). Refs go stale when the page " +
	"changes; take a new snapshot when a tool reports a stale ref."

// Server dispatches JSON-RPC messages to the tool registry. It is shared by
// every transport; tool calls run one at a time.
type Server struct {
	name    string
	version string
	logger  *zap.Logger
	reg     *tools.Registry
	env     *tools.Env

	// callMu serializes tool calls across transports and clients.
	callMu sync.Mutex
}

// NewServer creates a dispatcher over reg.
func NewServer(name, version string, reg *tools.Registry, env *tools.Env, logger *zap.Logger) *Server {
	return &Server{
		name:    name,
		version: version,
		logger:  logger.Named("mcp"),
		reg:     reg,
		env:     env,
	}
}

// HandleMessage decodes one raw message and returns the encoded response,
// or nil when the message was a notification.
func (s *Server) HandleMessage(ctx context.Context, raw []byte) []byte {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		s.logger.Debug("Rejected unparseable message.", zap.Error(err))
		return s.encode(newError(nullID, CodeParseError, "Parse error: "+err.Error()))
	}
	resp := s.Handle(ctx, &req)
	if resp == nil {
		return nil
	}
	return s.encode(resp)
}

func (s *Server) encode(resp *Response) []byte {
	out, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("Failed to encode response.", zap.Error(err))
		out, _ = json.Marshal(newError(resp.ID, CodeInternalError, "failed to encode response"))
	}
	return out
}

// Handle runs one request. Notifications return nil.
func (s *Server) Handle(ctx context.Context, req *Request) *Response {
	if req.JSONRPC != "2.0" || req.Method == "" {
		if req.IsNotification() {
			return nil
		}
		return newError(req.ID, CodeInvalidRequest, "Invalid Request: jsonrpc must be \"2.0\" and method is required")
	}

	start := time.Now()
	result, rpcErr := s.dispatch(ctx, req)
	s.logger.Debug("Handled request.",
		zap.String("method", req.Method),
		zap.Bool("notification", req.IsNotification()),
		zap.Duration("elapsed", time.Since(start)))

	if req.IsNotification() {
		return nil
	}
	if rpcErr != nil {
		return newError(req.ID, rpcErr.Code, rpcErr.Message)
	}
	return newResult(req.ID, result)
}

func (s *Server) dispatch(ctx context.Context, req *Request) (any, *RPCError) {
	switch req.Method {
	case "initialize":
		return initializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    serverCapabilities{Tools: toolsCapability{ListChanged: false}},
			ServerInfo:      serverInfo{Name: s.name, Version: s.version},
			Instructions:    instructions,
		}, nil
	case "initialized", "notifications/initialized", "notifications/cancelled":
		return struct{}{}, nil
	case "ping":
		return struct{}{}, nil
	case "tools/list":
		return s.listTools(), nil
	case "tools/call":
		return s.callTool(ctx, req.Params)
	}
	return nil, &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("Method not found: %s", req.Method)}
}

func (s *Server) listTools() toolsListResult {
	defs := s.reg.Available()
	out := toolsListResult{Tools: make([]toolDescriptor, 0, len(defs))}
	for _, d := range defs {
		out.Tools = append(out.Tools, toolDescriptor{Name: d.Name, Description: d.Description, InputSchema: d.Schema})
	}
	return out
}

func (s *Server) callTool(ctx context.Context, params json.RawMessage) (any, *RPCError) {
	var p toolCallParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &RPCError{Code: CodeInvalidParams, Message: "Invalid params: " + err.Error()}
		}
	}
	if strings.TrimSpace(p.Name) == "" {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "Invalid params: tool name is required"}
	}

	s.callMu.Lock()
	defer s.callMu.Unlock()

	res, err := s.reg.Call(ctx, s.env, p.Name, p.Arguments)
	switch {
	case errors.Is(err, tools.ErrUnknownTool):
		return nil, &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("Unknown tool: %s", p.Name)}
	case errors.Is(err, tools.ErrCapabilityDisabled):
		return nil, &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("Tool '%s' is disabled: %v", p.Name, err)}
	case err != nil:
		recovered := s.env.Manager.DetectAndRecover(err)
		s.logger.Debug("Tool call failed.", zap.String("tool", p.Name), zap.Bool("session_reset", recovered), zap.Error(err))
		return tools.ErrorResult(err), nil
	}
	return res, nil
}
