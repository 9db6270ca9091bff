// internal/mcp/types.go
package mcp

import (
	"bytes"
	"io"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/viewpoint-mcp/internal/tools"
)

// ProtocolVersion is the MCP revision this server speaks.
const ProtocolVersion = "2024-11-05"

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is an incoming JSON-RPC 2.0 message. A request without an id
// member is a notification and gets no response; "id": null is a request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`

	idPresent bool
}

// UnmarshalJSON walks the top-level members itself so an explicit null id
// stays distinguishable from a missing one.
func (r *Request) UnmarshalJSON(data []byte) error {
	iter := json.ConfigCompatibleWithStandardLibrary.BorrowIterator(data)
	defer json.ConfigCompatibleWithStandardLibrary.ReturnIterator(iter)

	var out Request
	iter.ReadObjectCB(func(it *json.Iterator, field string) bool {
		switch field {
		case "jsonrpc":
			out.JSONRPC = it.ReadString()
		case "method":
			out.Method = it.ReadString()
		case "id":
			out.idPresent = true
			out.ID = json.RawMessage(it.SkipAndReturnBytes())
		case "params":
			out.Params = json.RawMessage(it.SkipAndReturnBytes())
		default:
			it.Skip()
		}
		return it.Error == nil
	})
	if iter.Error != nil && iter.Error != io.EOF {
		return iter.Error
	}
	*r = out
	return nil
}

// IsNotification reports whether the message has no id member.
func (r *Request) IsNotification() bool {
	return !r.idPresent && len(bytes.TrimSpace(r.ID)) == 0
}

// Response is an outgoing JSON-RPC 2.0 message. ID is echoed verbatim so
// string and numeric ids round-trip unchanged.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error member of a response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return e.Message }

var nullID = json.RawMessage("null")

func newResult(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Result: result}
}

func newError(id json.RawMessage, code int, message string) *Response {
	if len(id) == 0 {
		id = nullID
	}
	return &Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}}
}

// -- MCP payloads --

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type toolsCapability struct {
	ListChanged bool `json:"listChanged"`
}

type serverCapabilities struct {
	Tools toolsCapability `json:"tools"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    serverCapabilities `json:"capabilities"`
	ServerInfo      serverInfo         `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

type toolDescriptor struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	InputSchema tools.Schema `json:"inputSchema"`
}

type toolsListResult struct {
	Tools []toolDescriptor `json:"tools"`
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}
