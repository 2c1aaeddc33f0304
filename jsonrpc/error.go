package jsonrpc

import (
	"encoding/json"
	"fmt"

	"github.com/m4xw311/acpconn/errors"
)

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// CodeServerError is used for failures raised by method handlers.
	CodeServerError = -32000
)

// Error is the error object of a failed response. It implements error so
// handlers can return it directly and callers can recover it with AsError.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewError creates an Error with the given code and message.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates an Error with a formatted message.
func Errorf(code int, format string, a ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, a...)}
}

// WithData returns a copy of e carrying v as its data member. If v cannot be
// marshalled the copy has no data.
func (e *Error) WithData(v any) *Error {
	cp := *e
	if b, err := json.Marshal(v); err == nil {
		cp.Data = b
	}
	return &cp
}

func (e *Error) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("jsonrpc error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// AsError extracts an *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr, true
	}
	return nil, false
}

// ErrMethodNotFound builds the standard reply for an unknown method.
func ErrMethodNotFound(method string) *Error {
	return Errorf(CodeMethodNotFound, "method not found: %s", method)
}

// ErrInvalidParams builds the standard reply for params that fail to decode.
func ErrInvalidParams(err error) *Error {
	return Errorf(CodeInvalidParams, "invalid params: %v", err)
}
