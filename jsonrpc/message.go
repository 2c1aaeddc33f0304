// Package jsonrpc implements the JSON-RPC 2.0 frame model and the
// newline-delimited codec used by the Agent Client Protocol.
//
// A frame is one of three kinds, decided by the keys it carries:
//   - Response: has a "result" or "error" key
//   - Request: has both "id" and "method"
//   - Notification: has "method" but no "id"
//
// Anything else is malformed. Decode never panics on bad input; it returns a
// *DecodeError so a reader can log the line and keep going.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/m4xw311/acpconn/errors"
)

// Version is the only protocol version accepted on the wire.
const Version = "2.0"

// Kind classifies a frame.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindResponse
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "invalid"
	}
}

// ErrMalformedFrame is wrapped by every DecodeError caused by a frame whose
// shape does not match any kind.
var ErrMalformedFrame = errors.Sentinel("jsonrpc: malformed frame")

// DecodeError reports a line that could not be decoded into a frame.
type DecodeError struct {
	Line []byte
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("jsonrpc: cannot decode frame %q: %v", snippet(e.Line), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Message is a decoded frame. Exactly one of the kind-specific field groups
// is meaningful, as reported by Kind.
type Message struct {
	// ID is set for requests and responses. A response may carry a nil ID
	// when it answers a frame whose id could not be read.
	ID     *ID
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Error  *Error

	kind Kind
}

// Kind returns the frame kind.
func (m *Message) Kind() Kind { return m.kind }

// IsRequest, IsResponse and IsNotification are shorthands for Kind checks.
func (m *Message) IsRequest() bool      { return m.kind == KindRequest }
func (m *Message) IsResponse() bool     { return m.kind == KindResponse }
func (m *Message) IsNotification() bool { return m.kind == KindNotification }

// NewRequest builds a request frame. A nil params value omits "params".
func NewRequest(id ID, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{ID: &id, Method: method, Params: raw, kind: KindRequest}, nil
}

// NewNotification builds a notification frame.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{Method: method, Params: raw, kind: KindNotification}, nil
}

// NewResult builds a success response. A nil result is sent as JSON null.
func NewResult(id *ID, result any) (*Message, error) {
	var raw json.RawMessage
	switch v := result.(type) {
	case nil:
		raw = json.RawMessage("null")
	case json.RawMessage:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, errors.Wrapf(err, "marshal result")
		}
		raw = b
	}
	return &Message{ID: id, Result: raw, kind: KindResponse}, nil
}

// NewErrorResponse builds a failed response.
func NewErrorResponse(id *ID, rpcErr *Error) *Message {
	return &Message{ID: id, Error: rpcErr, kind: KindResponse}
}

func marshalParams(params any) (json.RawMessage, error) {
	switch v := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, errors.Wrapf(err, "marshal params")
		}
		return b, nil
	}
}

type requestWire struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type resultWire struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id"`
	Result  json.RawMessage `json:"result"`
}

type errorWire struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *ID    `json:"id"`
	Error   *Error `json:"error"`
}

// MarshalJSON renders the frame in its wire shape.
func (m *Message) MarshalJSON() ([]byte, error) {
	switch m.kind {
	case KindRequest:
		if m.ID == nil {
			return nil, errors.New("request %q has no id", m.Method)
		}
		return json.Marshal(requestWire{JSONRPC: Version, ID: m.ID, Method: m.Method, Params: m.Params})
	case KindNotification:
		return json.Marshal(requestWire{JSONRPC: Version, Method: m.Method, Params: m.Params})
	case KindResponse:
		if m.Error != nil {
			return json.Marshal(errorWire{JSONRPC: Version, ID: m.ID, Error: m.Error})
		}
		result := m.Result
		if len(result) == 0 {
			result = json.RawMessage("null")
		}
		return json.Marshal(resultWire{JSONRPC: Version, ID: m.ID, Result: result})
	default:
		return nil, ErrMalformedFrame
	}
}

// Encode renders m as one line of JSON terminated by a single newline.
func Encode(m *Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Decode parses one line into a frame.
func Decode(line []byte) (*Message, error) {
	line = bytes.TrimSpace(line)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, &DecodeError{Line: line, Err: err}
	}
	if raw == nil {
		return nil, malformed(line, "frame is not an object")
	}

	if v, ok := raw["jsonrpc"]; ok {
		var version string
		if err := json.Unmarshal(v, &version); err != nil || version != Version {
			return nil, malformed(line, "unsupported jsonrpc version %s", v)
		}
	}

	resultRaw, hasResult := raw["result"]
	errorRaw, hasError := raw["error"]
	idRaw, hasID := raw["id"]
	methodRaw, hasMethod := raw["method"]

	if hasResult || hasError {
		if hasResult && hasError {
			return nil, malformed(line, "response carries both result and error")
		}
		if !hasID {
			return nil, malformed(line, "response has no id")
		}
		m := &Message{kind: KindResponse}
		if !isNull(idRaw) {
			var id ID
			if err := json.Unmarshal(idRaw, &id); err != nil {
				return nil, malformed(line, "bad id: %v", err)
			}
			m.ID = &id
		}
		if hasError {
			var rpcErr Error
			if err := json.Unmarshal(errorRaw, &rpcErr); err != nil || isNull(errorRaw) {
				return nil, malformed(line, "bad error object")
			}
			m.Error = &rpcErr
			return m, nil
		}
		if m.ID == nil {
			return nil, malformed(line, "success response has null id")
		}
		m.Result = append(json.RawMessage(nil), resultRaw...)
		return m, nil
	}

	if !hasMethod {
		return nil, malformed(line, "frame has neither result, error nor method")
	}
	var method string
	if err := json.Unmarshal(methodRaw, &method); err != nil || method == "" {
		return nil, malformed(line, "method must be a non-empty string")
	}

	m := &Message{Method: method, kind: KindNotification}
	if params, ok := raw["params"]; ok && !isNull(params) {
		switch bytes.TrimSpace(params)[0] {
		case '{', '[':
		default:
			return nil, malformed(line, "params must be an object or an array")
		}
		m.Params = append(json.RawMessage(nil), params...)
	}
	if hasID {
		if isNull(idRaw) {
			return nil, malformed(line, "request id is null")
		}
		var id ID
		if err := json.Unmarshal(idRaw, &id); err != nil {
			return nil, malformed(line, "bad id: %v", err)
		}
		m.ID = &id
		m.kind = KindRequest
	}
	return m, nil
}

func malformed(line []byte, format string, a ...any) *DecodeError {
	return &DecodeError{Line: line, Err: fmt.Errorf("%w: %s", ErrMalformedFrame, fmt.Sprintf(format, a...))}
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func snippet(line []byte) string {
	const max = 120
	if len(line) > max {
		return string(line[:max]) + "..."
	}
	return string(line)
}
