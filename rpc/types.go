// Package rpc serves a provider over JSON-RPC 2.0 on HTTP and WebSocket,
// with batches, CORS and eth_subscribe notifications.
package rpc

import (
	"encoding/json"
	"errors"
)

// Error codes of the JSON-RPC 2.0 envelope.
const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603
)

const jsonrpcVersion = "2.0"

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage   `json:"id,omitempty"`
}

// Response is a JSON-RPC 2.0 response. Result is always present on
// success, null included.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error member of a response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Notification is an eth_subscription push message.
type Notification struct {
	JSONRPC string             `json:"jsonrpc"`
	Method  string             `json:"method"`
	Params  NotificationParams `json:"params"`
}

// NotificationParams carries a subscription event.
type NotificationParams struct {
	Subscription string `json:"subscription"`
	Result       any    `json:"result"`
}

// codedError is implemented by errors that carry a JSON-RPC code.
type codedError interface {
	error
	ErrorCode() int
}

// dataError is implemented by errors that carry a data member.
type dataError interface {
	error
	ErrorData() any
}

func newError(code int, message string) *RPCError {
	return &RPCError{Code: code, Message: message}
}

// toRPCError converts a handler error. Errors without a code are internal
// errors.
func toRPCError(err error) *RPCError {
	out := &RPCError{Code: ErrCodeInternal, Message: err.Error()}
	var coded codedError
	if errors.As(err, &coded) {
		out.Code = coded.ErrorCode()
	}
	var withData dataError
	if errors.As(err, &withData) {
		out.Data = withData.ErrorData()
	}
	return out
}

func errorResponse(id json.RawMessage, e *RPCError) *Response {
	return &Response{JSONRPC: jsonrpcVersion, ID: normalizeID(id), Error: e}
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}
