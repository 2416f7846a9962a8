package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignEnvelope(t *testing.T) {
	envelope := &CommandEnvelope{
		CommandID:  "cmd-1700000000000-abc",
		Command:    CommandRestart,
		RequireAck: true,
		Payload:    RestartPayload{DelaySeconds: 5},
		Timestamp:  1700000000000,
	}

	err := SignEnvelope(envelope, "test-secret")
	require.NoError(t, err)
	assert.Len(t, envelope.SHA256, 64)

	// 相同内容、相同密钥 => 相同签名
	again := &CommandEnvelope{
		CommandID:  "cmd-1700000000000-abc",
		Command:    CommandRestart,
		RequireAck: true,
		Payload:    RestartPayload{DelaySeconds: 5},
		Timestamp:  1700000000000,
	}
	require.NoError(t, SignEnvelope(again, "test-secret"))
	assert.Equal(t, envelope.SHA256, again.SHA256)

	// 不同密钥 => 不同签名
	other := &CommandEnvelope{
		CommandID:  "cmd-1700000000000-abc",
		Command:    CommandRestart,
		RequireAck: true,
		Payload:    RestartPayload{DelaySeconds: 5},
		Timestamp:  1700000000000,
	}
	require.NoError(t, SignEnvelope(other, "other-secret"))
	assert.NotEqual(t, envelope.SHA256, other.SHA256)
}

func TestVerifyAck_Valid(t *testing.T) {
	ack := &CommandAck{
		CommandID: "cmd-1",
		DeviceID:  "dev-1",
		Command:   CommandRestart,
		Status:    StatusSuccess,
		Timestamp: 1700000000000,
	}

	// 按设备端相同规则生成签名
	stripped := *ack
	stripped.SHA256 = ""
	data, err := json.Marshal(&stripped)
	require.NoError(t, err)
	ack.SHA256 = computeSignature(data, "test-secret")

	assert.True(t, VerifyAck(ack, "test-secret"))
	assert.False(t, VerifyAck(ack, "wrong-secret"))
}

func TestVerifyAck_MissingSignature(t *testing.T) {
	ack := &CommandAck{
		CommandID: "cmd-1",
		DeviceID:  "dev-1",
		Status:    StatusSuccess,
	}
	assert.False(t, VerifyAck(ack, "test-secret"))
}

func TestCustomPayload_MarshalJSON(t *testing.T) {
	p := CustomPayload{
		Command: CommandType("BLINK_LED"),
		Data:    json.RawMessage(`{"times":3}`),
	}

	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"times":3}`, string(data))
	assert.Equal(t, CommandType("BLINK_LED"), p.CommandType())

	empty := CustomPayload{Command: CommandType("NOOP")}
	data, err = json.Marshal(empty)
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))
}
