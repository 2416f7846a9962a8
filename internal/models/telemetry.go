package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// DeviceStatus 设备上报状态
type DeviceStatus string

const (
	DeviceStatusNormal  DeviceStatus = "NORMAL"
	DeviceStatusError   DeviceStatus = "ERROR"
	DeviceStatusOffline DeviceStatus = "OFFLINE"
)

// TelemetryMessage 设备流数据消息
// 主题 server/{device_id}/streaming，uptime单位为分钟，timestamp为毫秒时间戳
type TelemetryMessage struct {
	RSSI      int          `json:"rssi"`
	Status    DeviceStatus `json:"status"`
	Uptime    int          `json:"uptime"`
	Timestamp int64        `json:"timestamp"`
}

// ParseTelemetryMessage 解析并结构化校验流数据载荷
func ParseTelemetryMessage(payload []byte) (*TelemetryMessage, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal telemetry payload: %w", err)
	}
	for _, field := range []string{"rssi", "status", "uptime", "timestamp"} {
		if _, ok := raw[field]; !ok {
			return nil, fmt.Errorf("telemetry payload missing field: %s", field)
		}
	}

	var msg TelemetryMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("invalid telemetry payload: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Validate 校验状态枚举值
func (m *TelemetryMessage) Validate() error {
	switch m.Status {
	case DeviceStatusNormal, DeviceStatusError, DeviceStatusOffline:
		return nil
	default:
		return fmt.Errorf("invalid device status: %s", m.Status)
	}
}

// StateHash 计算状态内容哈希（rssi/status/uptime），用于变更检测
func (m *TelemetryMessage) StateHash() string {
	data, _ := json.Marshal(struct {
		RSSI   int          `json:"rssi"`
		Status DeviceStatus `json:"status"`
		Uptime int          `json:"uptime"`
	}{m.RSSI, m.Status, m.Uptime})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// OfflineTelemetry 构造离线合成状态
func OfflineTelemetry(nowMillis int64) *TelemetryMessage {
	return &TelemetryMessage{
		RSSI:      0,
		Status:    DeviceStatusOffline,
		Uptime:    0,
		Timestamp: nowMillis,
	}
}

// StateRecord 待持久化的设备状态行
type StateRecord struct {
	DeviceID string
	State    *TelemetryMessage
	Hash     string
}

// NewStateRecord 由遥测消息构造状态行
func NewStateRecord(deviceID string, msg *TelemetryMessage) StateRecord {
	return StateRecord{
		DeviceID: deviceID,
		State:    msg,
		Hash:     msg.StateHash(),
	}
}
