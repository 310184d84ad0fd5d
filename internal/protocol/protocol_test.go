package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantCode string // empty means success
		wantAct  string
	}{
		{
			name:    "classification frame",
			input:   `{"action":"setConnectionType","data":{"connectionType":"admin"}}`,
			wantAct: ActionSetConnectionType,
		},
		{
			name:    "content frame",
			input:   `{"action":"sendMessage","data":{"content":"speak german"}}`,
			wantAct: ActionSendMessage,
		},
		{
			name:     "not JSON",
			input:    `{action}`,
			wantCode: CodeMalformedFrame,
		},
		{
			name:     "missing action",
			input:    `{"data":{"content":"x"}}`,
			wantCode: CodeMalformedFrame,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, perr := ParseFrame([]byte(tt.input))
			if tt.wantCode != "" {
				require.NotNil(t, perr)
				assert.Equal(t, tt.wantCode, perr.Code)
				return
			}
			require.Nil(t, perr)
			assert.Equal(t, tt.wantAct, f.Action)
		})
	}
}

func TestParseSetConnectionType(t *testing.T) {
	p, perr := ParseSetConnectionType(json.RawMessage(`{"connectionType":"user"}`))
	require.Nil(t, perr)
	assert.Equal(t, ConnectionTypeUser, p.ConnectionType)

	_, perr = ParseSetConnectionType(json.RawMessage(`{"connectionType":"superuser"}`))
	require.NotNil(t, perr)
	assert.Equal(t, CodeInvalidConnectionType, perr.Code)

	_, perr = ParseSetConnectionType(json.RawMessage(`{`))
	require.NotNil(t, perr)
	assert.Equal(t, CodeMalformedFrame, perr.Code)
}

func TestParseSendMessage(t *testing.T) {
	p, perr := ParseSendMessage(json.RawMessage(`{"content":"hello"}`))
	require.Nil(t, perr)
	assert.Equal(t, "hello", p.Content)

	_, perr = ParseSendMessage(json.RawMessage(`{"content":""}`))
	require.NotNil(t, perr)
	assert.Equal(t, CodeMalformedFrame, perr.Code)
}

func TestEncodeFrames(t *testing.T) {
	var ack AckFrame
	require.NoError(t, json.Unmarshal(EncodeAck(ActionSendMessage, "m1"), &ack))
	assert.Equal(t, TypeAck, ack.Type)
	assert.Equal(t, "m1", ack.MessageID)

	var ef ErrorFrame
	require.NoError(t, json.Unmarshal(EncodeError(Errorf(CodeNotSender, "nope")), &ef))
	assert.Equal(t, TypeError, ef.Type)
	assert.Equal(t, CodeNotSender, ef.Code)
}
