// Package mcp exposes the plugin and workflow surface over the Model
// Context Protocol: JSON-RPC 2.0 on a single HTTP endpoint, with a tool
// registry that grows a tool per executable plugin.
package mcp

import (
	"bytes"
	"encoding/json"
)

// ProtocolVersion is the MCP protocol revision this server speaks.
const ProtocolVersion = "2024-11-05"

// ServerName identifies the server in initialize results and headers.
const ServerName = "devflow"

// Version is the server version, set at build time.
var Version = "dev"

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// request is one JSON-RPC 2.0 request. A nil ID marks a notification.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// response is one JSON-RPC 2.0 response.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func newResponse(id json.RawMessage, result any) *response {
	return &response{JSONRPC: "2.0", ID: normalizeID(id), Result: result}
}

func newErrorResponse(id json.RawMessage, code int, message string) *response {
	return &response{JSONRPC: "2.0", ID: normalizeID(id), Error: &rpcError{Code: code, Message: message}}
}

// normalizeID keeps the null id explicit in error responses for requests
// whose id could not be read.
func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// decodeBody splits the request body into single-vs-batch form. A malformed
// root or an empty batch yields a parse error per the JSON-RPC 2.0 batch
// rules.
func decodeBody(body []byte) (reqs []request, batch bool, errResp *response) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, false, newErrorResponse(nil, codeParseError, "empty request body")
	}

	if trimmed[0] == '[' {
		var many []json.RawMessage
		if err := json.Unmarshal(trimmed, &many); err != nil {
			return nil, false, newErrorResponse(nil, codeParseError, "malformed JSON-RPC batch")
		}
		if len(many) == 0 {
			return nil, false, newErrorResponse(nil, codeParseError, "empty JSON-RPC batch")
		}
		reqs = make([]request, len(many))
		for i, raw := range many {
			if err := json.Unmarshal(raw, &reqs[i]); err != nil {
				// Malformed entry: keep the slot, the dispatcher answers it
				// with an invalid-request error in order.
				reqs[i] = request{}
			}
		}
		return reqs, true, nil
	}

	var one request
	if err := json.Unmarshal(trimmed, &one); err != nil {
		return nil, false, newErrorResponse(nil, codeParseError, "malformed JSON-RPC request")
	}
	return []request{one}, false, nil
}

// isNotification reports whether the request carries no id.
func (r request) isNotification() bool {
	return len(r.ID) == 0 || bytes.Equal(r.ID, []byte("null"))
}
