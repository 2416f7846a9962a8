package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// SignEnvelope 计算命令消息的SHA256签名并写回 envelope.SHA256
// 签名规则: SHA256(不含sha256字段的JSON + 密钥)，与设备端约定一致
func SignEnvelope(envelope *CommandEnvelope, secretKey string) error {
	envelope.SHA256 = ""
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope for signing: %w", err)
	}
	envelope.SHA256 = computeSignature(data, secretKey)
	return nil
}

// VerifyAck 校验ACK消息的签名
// 设备端对不含sha256字段的JSON计算签名，这里按相同规则重算比对
func VerifyAck(ack *CommandAck, secretKey string) bool {
	if ack.SHA256 == "" {
		return false
	}
	stripped := *ack
	stripped.SHA256 = ""
	data, err := json.Marshal(&stripped)
	if err != nil {
		return false
	}
	expected := computeSignature(data, secretKey)
	return strings.EqualFold(expected, ack.SHA256)
}

func computeSignature(payload []byte, secretKey string) string {
	h := sha256.New()
	h.Write(payload)
	h.Write([]byte(secretKey))
	return hex.EncodeToString(h.Sum(nil))
}
