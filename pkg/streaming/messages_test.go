package streaming

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	data, err := Encode(TypeRPC, "7", RPCPayload{Method: MethodWorldGet})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"rpc","id":"7","payload":{"method":"world.get"}}`, string(data))

	env, err := DecodeInbound(data)
	require.NoError(t, err)
	var p RPCPayload
	require.NoError(t, DecodePayload(env, &p))
	assert.Equal(t, MethodWorldGet, p.Method)

	hb, err := Encode(TypeHeartbeat, "", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"heartbeat"}`, string(hb))
	env, err = Decode(hb)
	require.NoError(t, err)
	assert.Error(t, DecodePayload(env, &p))
}

func TestDecodeInbound_Valid(t *testing.T) {
	frames := []string{
		`{"type":"heartbeat"}`,
		`{"type":"subscribe","payload":{"channel":"avatar-movements"}}`,
		`{"type":"publish","payload":{"channel":"avatar-movements","event":"position_update","payload":{"x":1}}}`,
		`{"type":"track","payload":{"channel":"online-users","key":"u1","meta":{"nickname":"ada"}}}`,
		`{"type":"listen","payload":{"table":"private_chats","filter":{"column":"status","value":"accepted"}}}`,
		`{"type":"rpc","id":"1","payload":{"method":"join","params":{"userId":"u1"}}}`,
	}
	for _, f := range frames {
		_, err := DecodeInbound([]byte(f))
		assert.NoError(t, err, f)
	}
}

func TestDecodeInbound_Invalid(t *testing.T) {
	frames := map[string]string{
		"not json":         `{`,
		"unknown type":     `{"type":"broadcast"}`,
		"extra field":      `{"type":"heartbeat","x":1}`,
		"missing channel":  `{"type":"subscribe","payload":{}}`,
		"publish no event": `{"type":"publish","payload":{"channel":"c"}}`,
		"track no key":     `{"type":"track","payload":{"channel":"c"}}`,
		"rpc no id":        `{"type":"rpc","payload":{"method":"join"}}`,
		"bad column":       `{"type":"listen","payload":{"table":"t","filter":{"column":"a;drop","value":"x"}}}`,
	}
	for name, f := range frames {
		_, err := DecodeInbound([]byte(f))
		assert.Error(t, err, name)
	}
}

func TestReplyPayload_OmitsEmpty(t *testing.T) {
	data, err := json.Marshal(ReplyPayload{Error: "wait", Code: CodeCooldown, RetryAfter: 12})
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":"wait","code":"cooldown","retryAfter":12}`, string(data))
}
