package jsonrpc

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/m4xw311/acpconn/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeClassification(t *testing.T) {
	tests := []struct {
		name string
		line string
		kind Kind
	}{
		{"request with number id", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":1}}`, KindRequest},
		{"request with string id", `{"jsonrpc":"2.0","id":"a-1","method":"session/new"}`, KindRequest},
		{"notification", `{"jsonrpc":"2.0","method":"session/cancel","params":{"sessionId":"s"}}`, KindNotification},
		{"success response", `{"jsonrpc":"2.0","id":4,"result":{"stopReason":"end_turn"}}`, KindResponse},
		{"null result response", `{"jsonrpc":"2.0","id":4,"result":null}`, KindResponse},
		{"error response", `{"jsonrpc":"2.0","id":"x","error":{"code":-32601,"message":"nope"}}`, KindResponse},
		{"parse error reply with null id", `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"bad"}}`, KindResponse},
		{"result wins over method", `{"jsonrpc":"2.0","id":2,"method":"x","result":1}`, KindResponse},
		{"missing jsonrpc member is tolerated", `{"id":3,"method":"ping"}`, KindRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Decode([]byte(tt.line))
			require.NoError(t, err)
			assert.Equal(t, tt.kind, m.Kind())
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		malformed bool
	}{
		{"not json", `not valid json`, false},
		{"array", `[1,2]`, false},
		{"null", `null`, true},
		{"empty object", `{}`, true},
		{"id only", `{"jsonrpc":"2.0","id":1}`, true},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"x"}`, true},
		{"both result and error", `{"jsonrpc":"2.0","id":1,"result":1,"error":{"code":1,"message":"m"}}`, true},
		{"response without id", `{"jsonrpc":"2.0","result":1}`, true},
		{"fractional id", `{"jsonrpc":"2.0","id":1.5,"method":"x"}`, true},
		{"null request id", `{"jsonrpc":"2.0","id":null,"method":"x"}`, true},
		{"empty method", `{"jsonrpc":"2.0","method":""}`, true},
		{"scalar params", `{"jsonrpc":"2.0","method":"x","params":3}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Decode([]byte(tt.line))
			require.Error(t, err)
			assert.Nil(t, m)

			var decErr *DecodeError
			require.True(t, errors.As(err, &decErr))
			assert.Equal(t, tt.malformed, errors.Is(err, ErrMalformedFrame))
		})
	}
}

func TestEncodeIsSingleLine(t *testing.T) {
	params := json.RawMessage("{\n  \"text\": \"line one\\nline two\"\n}")
	m, err := NewRequest(NumberID(9), "session/prompt", params)
	require.NoError(t, err)

	b, err := Encode(m)
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), b[len(b)-1])
	assert.Equal(t, 1, bytes.Count(b, []byte("\n")))
}

func TestEncodeShapes(t *testing.T) {
	id := StringID("abc")

	res, err := NewResult(&id, nil)
	require.NoError(t, err)
	b, err := Encode(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"abc","result":null}`, string(b))

	errResp := NewErrorResponse(nil, NewError(CodeParseError, "parse error"))
	b, err = Encode(errResp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"parse error"}}`, string(b))

	n, err := NewNotification("session/update", nil)
	require.NoError(t, err)
	b, err = Encode(n)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"session/update"}`, string(b))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	id := NumberID(42)
	req, err := NewRequest(id, "session/request_permission", map[string]any{"sessionId": "s1"})
	require.NoError(t, err)
	note, err := NewNotification("session/cancel", map[string]string{"sessionId": "s1"})
	require.NoError(t, err)
	ok, err := NewResult(&id, map[string]string{"stopReason": "cancelled"})
	require.NoError(t, err)
	failed := NewErrorResponse(&id, NewError(CodeInvalidParams, "bad").WithData(map[string]int{"field": 1}))

	for _, m := range []*Message{req, note, ok, failed} {
		t.Run(m.Kind().String(), func(t *testing.T) {
			b, err := Encode(m)
			require.NoError(t, err)
			got, err := Decode(b)
			require.NoError(t, err)

			assert.Equal(t, m.Kind(), got.Kind())
			assert.Equal(t, m.ID, got.ID)
			assert.Equal(t, m.Method, got.Method)
			assertJSONEqual(t, m.Params, got.Params)
			assertJSONEqual(t, m.Result, got.Result)
			assert.Equal(t, m.Error, got.Error)
		})
	}
}

func TestIDJSON(t *testing.T) {
	var id ID
	require.NoError(t, json.Unmarshal([]byte(`"7"`), &id))
	assert.True(t, id.IsString())
	assert.NotEqual(t, NumberID(7), id)

	require.NoError(t, json.Unmarshal([]byte(`7`), &id))
	assert.Equal(t, NumberID(7), id)

	require.NoError(t, json.Unmarshal([]byte(`1e3`), &id))
	assert.Equal(t, int64(1000), id.Number())

	assert.Error(t, json.Unmarshal([]byte(`true`), &id))
	assert.Equal(t, `"x"`, StringID("x").String())
}

func TestErrorHelpers(t *testing.T) {
	var err error = Errorf(CodeInvalidRequest, "not initialized")
	wrapped := errors.Wrapf(err, "prompt")

	rpcErr, ok := AsError(wrapped)
	require.True(t, ok)
	assert.Equal(t, CodeInvalidRequest, rpcErr.Code)
	assert.Equal(t, "jsonrpc error -32600: not initialized", rpcErr.Error())

	_, ok = AsError(errors.New("plain"))
	assert.False(t, ok)
}

func assertJSONEqual(t *testing.T, want, got json.RawMessage) {
	t.Helper()
	if len(want) == 0 {
		assert.Empty(t, got)
		return
	}
	assert.JSONEq(t, string(want), string(got))
}
