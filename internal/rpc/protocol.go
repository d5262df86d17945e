// Package rpc implements the CSTP wire protocol: JSON-RPC 2.0 over HTTP
// POST, the method dispatcher, and the transport middleware chain.
package rpc

import (
	"encoding/json"
	"fmt"
)

// Version is the only JSON-RPC version accepted.
const Version = "2.0"

// MethodNamespace prefixes every dispatchable method name.
const MethodNamespace = "cstp."

// JSON-RPC error codes. The −3200x block carries protocol-standard codes;
// the −3200x application block maps CSTP failure classes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603

	CodeAuthRequired      = -32001
	CodeRateLimited       = -32002
	CodeQueryFailed       = -32003
	CodeGuardrailFailed   = -32004
	CodeRecordFailed      = -32005
	CodeReviewFailed      = -32006
	CodeNotFound          = -32007
	CodeAttributionFailed = -32008
)

// Request is one JSON-RPC call. Params must be a JSON object (named
// parameters); positional arrays are rejected.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// Response is the reply envelope. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("rpc: %d %s", e.Code, e.Message)
}

// NewError builds an error object without data.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithData attaches structured detail and returns the error.
func (e *Error) WithData(data any) *Error {
	e.Data = data
	return e
}

// nullID is the id used when the request id could not be read.
var nullID = json.RawMessage("null")

// successResponse wraps a result, echoing the caller's id.
func successResponse(id json.RawMessage, result any) *Response {
	if id == nil {
		id = nullID
	}
	return &Response{JSONRPC: Version, ID: id, Result: result}
}

// errorResponse wraps an error object, echoing the caller's id.
func errorResponse(id json.RawMessage, err *Error) *Response {
	if id == nil {
		id = nullID
	}
	return &Response{JSONRPC: Version, ID: id, Error: err}
}
