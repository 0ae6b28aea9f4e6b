package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "request", raw: `{"type":"req","id":"1","method":"chat.send","params":{"a":1}}`, want: FrameRequest},
		{name: "response ok", raw: `{"type":"res","id":"1","ok":true,"payload":{"x":1}}`, want: FrameResponse},
		{name: "event with seq", raw: `{"type":"event","event":"tick","seq":7}`, want: FrameEvent},
		{name: "empty", raw: ``, wantErr: true},
		{name: "not json", raw: `{nope`, wantErr: true},
		{name: "unknown type", raw: `{"type":"ping"}`, wantErr: true},
		{name: "response without id", raw: `{"type":"res","ok":true}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Decode([]byte(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.Type)
		})
	}
}

func TestDecode_UnknownFrameIsSentinel(t *testing.T) {
	_, err := Decode([]byte(`{"type":"hello"}`))
	assert.True(t, errors.Is(err, ErrUnknownFrame))
}

func TestEventSeqPresence(t *testing.T) {
	f, err := Decode([]byte(`{"type":"event","event":"chat","payload":{}}`))
	require.NoError(t, err)
	assert.Nil(t, f.Event.Seq)

	f, err = Decode([]byte(`{"type":"event","event":"chat","seq":0}`))
	require.NoError(t, err)
	require.NotNil(t, f.Event.Seq)
	assert.Equal(t, int64(0), *f.Event.Seq)
}

func TestDecode_EventEnvelopeIsLenient(t *testing.T) {
	seq := func(n int64) *int64 { return &n }
	tests := []struct {
		name string
		raw  string
		seq  *int64
	}{
		{name: "integral float seq", raw: `{"type":"event","event":"chat","seq":4.0}`, seq: seq(4)},
		{name: "exponent seq", raw: `{"type":"event","event":"chat","seq":1e2}`, seq: seq(100)},
		{name: "string seq", raw: `{"type":"event","event":"chat","seq":"4"}`},
		{name: "fractional seq", raw: `{"type":"event","event":"chat","seq":4.5}`},
		{name: "null seq", raw: `{"type":"event","event":"chat","seq":null}`},
		{name: "object seq", raw: `{"type":"event","event":"chat","seq":{"n":1}}`},
		{name: "fractional state version", raw: `{"type":"event","event":"chat","seq":3,"stateVersion":{"snapshot":1.5,"presence":"x"}}`, seq: seq(3)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Decode([]byte(tt.raw))
			require.NoError(t, err)
			require.NotNil(t, f.Event)
			assert.Equal(t, "chat", f.Event.Event)
			assert.Equal(t, tt.seq, f.Event.Seq)
		})
	}

	f, err := Decode([]byte(`{"type":"event","event":"presence","stateVersion":{"snapshot":1.5}}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"snapshot":1.5}`, string(f.Event.StateVersion))
}

func TestResponseStatusAndErr(t *testing.T) {
	f, err := Decode([]byte(`{"type":"res","id":"a","ok":true,"payload":{"status":"accepted","runId":"r1"}}`))
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, f.Response.Status())
	assert.NoError(t, f.Response.Err())

	f, err = Decode([]byte(`{"type":"res","id":"a","ok":true,"payload":[1,2]}`))
	require.NoError(t, err)
	assert.Equal(t, "", f.Response.Status())

	f, err = Decode([]byte(`{"type":"res","id":"b","ok":false,"error":{"code":"UNAVAILABLE","message":"busy","retryable":true,"retryAfterMs":1500}}`))
	require.NoError(t, err)
	var shape *ErrorShape
	require.True(t, errors.As(f.Response.Err(), &shape))
	assert.Equal(t, CodeUnavailable, shape.Code)
	assert.True(t, shape.Retryable)
	assert.Equal(t, "1.5s", shape.RetryAfter().String())
	assert.Equal(t, "UNAVAILABLE: busy", shape.Error())

	f, err = Decode([]byte(`{"type":"res","id":"c","ok":false}`))
	require.NoError(t, err)
	assert.EqualError(t, f.Response.Err(), "UNKNOWN: Unknown error")
}

func TestNewRequestEncoding(t *testing.T) {
	req, err := NewRequest("id-1", MethodChatHistory, ChatHistoryParams{SessionKey: "main", Limit: 20})
	require.NoError(t, err)
	b, err := Encode(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"req","id":"id-1","method":"chat.history","params":{"sessionKey":"main","limit":20}}`, string(b))

	req, err = NewRequest("id-2", "health", nil)
	require.NoError(t, err)
	b, err = Encode(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"req","id":"id-2","method":"health"}`, string(b))
}

func TestChallengeNonce(t *testing.T) {
	ev, err := NewEvent(EventConnectChallenge, map[string]string{"nonce": "abc"}, 0)
	require.NoError(t, err)
	assert.Nil(t, ev.Seq)
	assert.Equal(t, "abc", ev.Nonce())

	ev, err = NewEvent(EventConnectChallenge, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "", ev.Nonce())
}

func TestHelloPolicy(t *testing.T) {
	var hello HelloOK
	raw := `{"type":"hello-ok","protocol":3,"server":{"version":"1.2.0","connId":"c1"},
		"features":{"methods":["chat.send"],"events":["chat","tick"]},
		"snapshot":{"presence":[],"stateVersion":{"snapshot":1,"presence":2}},
		"policy":{"maxPayload":26214400,"maxBufferedBytes":1048576,"tickIntervalMs":30000}}`
	require.NoError(t, json.Unmarshal([]byte(raw), &hello))
	assert.Equal(t, "30s", hello.Policy.TickInterval().String())
	assert.True(t, hello.Features.HasMethod(MethodChatSend))
	assert.False(t, hello.Features.HasMethod(MethodChatAbort))
	assert.Equal(t, int64(0), Policy{}.TickInterval().Nanoseconds())
}
