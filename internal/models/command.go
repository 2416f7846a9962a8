package models

import (
	"encoding/json"
)

// CommandType 命令类型
type CommandType string

const (
	CommandApplyConfig    CommandType = "APPLY_CONFIG"
	CommandRestart        CommandType = "RESTART"
	CommandUpdateFirmware CommandType = "UPDATE_FIRMWARE"
	CommandResetConfig    CommandType = "RESET_CONFIG"
	CommandPayment        CommandType = "PAYMENT"
)

// CommandStatus 命令执行状态
// SENT 仅用于不需要ACK的命令；SUCCESS/FAILED/ERROR/TIMEOUT 是终态
type CommandStatus string

const (
	StatusSent    CommandStatus = "SENT"
	StatusSuccess CommandStatus = "SUCCESS"
	StatusFailed  CommandStatus = "FAILED"
	StatusError   CommandStatus = "ERROR"
	StatusTimeout CommandStatus = "TIMEOUT"
)

// CommandPayload 命令载荷（按命令类型区分的联合类型）
// 每种命令携带自己的强类型载荷，在传输边界一次性解码
type CommandPayload interface {
	CommandType() CommandType
}

// MachineConfig 机器开关配置
type MachineConfig struct {
	Active    bool   `json:"ACTIVE"`
	Banknote  bool   `json:"BANKNOTE"`
	Coin      bool   `json:"COIN"`
	QR        bool   `json:"QR"`
	OnTime    string `json:"ON_TIME"`
	OffTime   string `json:"OFF_TIME"`
	SaveState bool   `json:"SAVE_STATE"`
}

// FunctionConfig 洗车功能按铢计费秒数
type FunctionConfig struct {
	SecPerBaht struct {
		HPWater      float64 `json:"HP_WATER"`
		Foam         float64 `json:"FOAM"`
		Air          float64 `json:"AIR"`
		Water        float64 `json:"WATER"`
		Vacuum       float64 `json:"VACUUM"`
		BlackTire    float64 `json:"BLACK_TIRE"`
		Wax          float64 `json:"WAX"`
		AirFreshener float64 `json:"AIR_FRESHENER"`
		ParkingFee   float64 `json:"PARKING_FEE"`
	} `json:"sec_per_baht"`
}

// PricingConfig 定价配置
type PricingConfig struct {
	BaseFee    float64 `json:"BASE_FEE"`
	Promotion  float64 `json:"PROMOTION"`
	WorkPeriod float64 `json:"WORK_PERIOD"`
}

// DryerStageConfig 烘干机单阶段功能时长配置
type DryerStageConfig struct {
	DustBlow float64 `json:"DUST_BLOW"`
	Sanitize float64 `json:"SANITIZE"`
	UV       float64 `json:"UV"`
	Ozone    float64 `json:"OZONE"`
	DryBlow  float64 `json:"DRY_BLOW"`
	Perfume  float64 `json:"PERFUME"`
}

// ApplyConfigPayload 应用配置命令载荷
type ApplyConfigPayload struct {
	Machine       MachineConfig     `json:"machine"`
	Function      *FunctionConfig   `json:"function,omitempty"`
	Pricing       *PricingConfig    `json:"pricing,omitempty"`
	FunctionStart *DryerStageConfig `json:"function_start,omitempty"`
	FunctionEnd   *DryerStageConfig `json:"function_end,omitempty"`
}

func (ApplyConfigPayload) CommandType() CommandType { return CommandApplyConfig }

// ResetConfigPayload 重置配置命令载荷（结构与应用配置相同，语义为恢复默认）
type ResetConfigPayload ApplyConfigPayload

func (ResetConfigPayload) CommandType() CommandType { return CommandResetConfig }

// RestartPayload 重启命令载荷
type RestartPayload struct {
	DelaySeconds int `json:"delay_seconds"`
}

func (RestartPayload) CommandType() CommandType { return CommandRestart }

// FirmwarePayload 固件升级命令载荷
type FirmwarePayload struct {
	URL         string `json:"url"`
	Version     string `json:"version"`
	SHA256      string `json:"sha256"`
	Size        int64  `json:"size"`
	RebootAfter bool   `json:"reboot_after"`
}

func (FirmwarePayload) CommandType() CommandType { return CommandUpdateFirmware }

// PaymentStatusPayload 支付状态通知载荷（fire-and-forget）
type PaymentStatusPayload struct {
	ChargeID string `json:"chargeId"`
	Status   string `json:"status"` // PENDING / SUCCEEDED / FAILED / CANCELLED
}

func (PaymentStatusPayload) CommandType() CommandType { return CommandPayment }

// CustomPayload 自定义命令载荷（命令动词由调用方提供）
type CustomPayload struct {
	Command CommandType
	Data    json.RawMessage
}

func (p CustomPayload) CommandType() CommandType { return p.Command }

func (p CustomPayload) MarshalJSON() ([]byte, error) {
	if len(p.Data) == 0 {
		return []byte("null"), nil
	}
	return p.Data, nil
}

// CommandEnvelope 命令消息的线上格式
// 发往主题 device/{device_id}/command，QoS 1
type CommandEnvelope struct {
	CommandID  string      `json:"command_id"`
	Command    CommandType `json:"command"`
	RequireAck bool        `json:"require_ack"`
	Payload    interface{} `json:"payload"`
	Timestamp  int64       `json:"timestamp"`
	SHA256     string      `json:"sha256,omitempty"`
}

// CommandAck 设备发布的ACK消息
// 主题 server/{device_id}/ack
type CommandAck struct {
	CommandID string          `json:"command_id"`
	DeviceID  string          `json:"device_id"`
	Command   CommandType     `json:"command"`
	Status    CommandStatus   `json:"status"`
	Error     string          `json:"error,omitempty"`
	Results   json.RawMessage `json:"results,omitempty"`
	Timestamp int64           `json:"timestamp"`
	SHA256    string          `json:"sha256,omitempty"`
}

// CommandResult 命令下发结果，返回给REST调用方
type CommandResult struct {
	CommandID string          `json:"command_id"`
	DeviceID  string          `json:"device_id"`
	Command   CommandType     `json:"command"`
	Status    CommandStatus   `json:"status"`
	Error     string          `json:"error,omitempty"`
	Ack       json.RawMessage `json:"ack,omitempty"`
	SentAt    int64           `json:"sent_at"`
	AckedAt   int64           `json:"acked_at,omitempty"`
}
