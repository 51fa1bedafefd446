// Package mcp serves the tool registry over newline-delimited JSON-RPC 2.0 on
// stdio, using the Model Context Protocol's tool methods.
package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

const (
	JSONRPCVersion = "2.0"

	// ProtocolVersion is answered when the client does not ask for one.
	ProtocolVersion = "2024-11-05"
)

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

type rpcRequest struct {
	ID     any
	HasID  bool
	Method string
	Params json.RawMessage
}

type rpcError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func (e *rpcError) Error() string { return e.Message }

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

func newRPCError(code int, message string) *rpcError {
	return &rpcError{Code: code, Message: message}
}

// parseRequest decodes one line. A *rpcError with CodeParseError means the
// line was not JSON at all and the response id must be null.
func parseRequest(raw []byte) (rpcRequest, *rpcError) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return rpcRequest{}, newRPCError(CodeParseError, "parse error: "+err.Error())
	}

	var req rpcRequest
	if idRaw, ok := obj["id"]; ok && !isJSONNull(idRaw) {
		id, err := decodeID(idRaw)
		if err != nil {
			return rpcRequest{}, newRPCError(CodeInvalidRequest, err.Error())
		}
		req.ID = id
		req.HasID = true
	}

	var version string
	if err := json.Unmarshal(obj["jsonrpc"], &version); err != nil || version != JSONRPCVersion {
		return req, newRPCError(CodeInvalidRequest, `jsonrpc must be "2.0"`)
	}
	if err := json.Unmarshal(obj["method"], &req.Method); err != nil || strings.TrimSpace(req.Method) == "" {
		return req, newRPCError(CodeInvalidRequest, "method must be a non-empty string")
	}

	req.Params = obj["params"]
	if len(bytes.TrimSpace(req.Params)) == 0 || isJSONNull(req.Params) {
		req.Params = json.RawMessage("{}")
	}
	return req, nil
}

func decodeID(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var id any
	if err := dec.Decode(&id); err != nil {
		return nil, err
	}
	switch v := id.(type) {
	case string:
		return v, nil
	case json.Number:
		if _, err := v.Int64(); err != nil {
			return nil, errors.New("id must be a string or integer")
		}
		return v, nil
	default:
		return nil, errors.New("id must be a string or integer")
	}
}

func isJSONNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

// decodeParams decodes params into out, numbers kept as json.Number.
func decodeParams(raw json.RawMessage, out any) *rpcError {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return newRPCError(CodeInvalidParams, "invalid params: "+err.Error())
	}
	return nil
}

// --- method payloads ---

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ClientInfo      map[string]any `json:"clientInfo"`
}

type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type cancelParams struct {
	RequestID json.RawMessage `json:"requestId"`
	Reason    string          `json:"reason"`
}

type textContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type callResult struct {
	Content []textContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

func textResult(text string, isError bool) callResult {
	return callResult{Content: []textContent{{Type: "text", Text: text}}, IsError: isError}
}
