package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"catcar-wash-iot/internal/config"
	"catcar-wash-iot/internal/models"
	"catcar-wash-iot/internal/mqtt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Transport 命令收发所需的传输抽象
// *mqtt.Client 满足该接口，测试中可用内存实现替代
type Transport interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// SendOptions 命令发送选项
type SendOptions struct {
	RequireAck bool
	Timeout    time.Duration // 0 表示使用配置的默认超时
}

// pendingCommand 等待ACK的在途命令
// 注册表条目在ACK匹配、超时或关闭时删除；结果通道容量为1，
// 条目先从注册表移除再写入结果，保证单次投递
type pendingCommand struct {
	commandID string
	deviceID  string
	command   models.CommandType
	timer     *time.Timer
	result    chan *models.CommandResult
	sentAt    int64
}

// Dispatcher MQTT命令下发器
// 负责向设备命令主题发布命令，并关联设备在ACK主题上的应答
type Dispatcher struct {
	config    *config.Config
	transport Transport
	logger    *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingCommand
	closed  bool
}

// NewDispatcher 创建命令下发器
func NewDispatcher(cfg *config.Config, transport Transport, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		config:    cfg,
		transport: transport,
		logger:    logger,
		pending:   make(map[string]*pendingCommand),
	}
}

// Start 订阅ACK主题
func (d *Dispatcher) Start(ctx context.Context) error {
	if err := d.transport.Subscribe(d.config.Command.Topics.Ack, d.config.MQTT.QoS, d.HandleAck); err != nil {
		return fmt.Errorf("failed to subscribe to ack topic: %w", err)
	}

	d.logger.Info("Command dispatcher started",
		zap.String("ack_topic", d.config.Command.Topics.Ack),
	)
	return nil
}

// Send 向设备发送命令
// require_ack为false时立即返回SENT；为true时挂起调用方直到
// ACK到达、超时或下发器关闭。发布失败返回ERROR结果，不向调用方抛错
func (d *Dispatcher) Send(
	ctx context.Context,
	deviceID string,
	payload models.CommandPayload,
	opts SendOptions,
) *models.CommandResult {
	commandID := generateCommandID()
	command := payload.CommandType()
	topic := fmt.Sprintf(d.config.Command.Topics.Command, deviceID)
	sentAt := time.Now().UnixMilli()

	result := &models.CommandResult{
		CommandID: commandID,
		DeviceID:  deviceID,
		Command:   command,
		SentAt:    sentAt,
	}

	envelope := &models.CommandEnvelope{
		CommandID:  commandID,
		Command:    command,
		RequireAck: opts.RequireAck,
		Payload:    payload,
		Timestamp:  sentAt,
	}
	if err := models.SignEnvelope(envelope, d.config.Command.SecretKey); err != nil {
		result.Status = models.StatusError
		result.Error = err.Error()
		return result
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		result.Status = models.StatusError
		result.Error = fmt.Sprintf("failed to marshal command: %v", err)
		return result
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = d.config.Command.DefaultTimeout
	}

	// 需要ACK时先注册再发布，避免极快的应答竞争窗口
	var entry *pendingCommand
	if opts.RequireAck {
		entry = &pendingCommand{
			commandID: commandID,
			deviceID:  deviceID,
			command:   command,
			result:    make(chan *models.CommandResult, 1),
			sentAt:    sentAt,
		}

		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			result.Status = models.StatusError
			result.Error = "dispatcher shutting down"
			return result
		}
		d.pending[commandID] = entry
		entry.timer = time.AfterFunc(timeout, func() {
			d.resolveTimeout(commandID)
		})
		d.mu.Unlock()
	}

	if err := d.transport.Publish(topic, d.config.MQTT.QoS, false, data); err != nil {
		d.logger.Error("Failed to send command",
			zap.String("command_id", commandID),
			zap.String("command", string(command)),
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		if entry != nil {
			d.remove(commandID)
		}
		result.Status = models.StatusError
		result.Error = err.Error()
		return result
	}

	d.logger.Info("Command sent",
		zap.String("command_id", commandID),
		zap.String("command", string(command)),
		zap.String("device_id", deviceID),
		zap.Bool("require_ack", opts.RequireAck),
	)

	if !opts.RequireAck {
		result.Status = models.StatusSent
		return result
	}

	select {
	case r := <-entry.result:
		return r
	case <-ctx.Done():
		if e := d.remove(commandID); e != nil {
			e.timer.Stop()
		}
		result.Status = models.StatusError
		result.Error = ctx.Err().Error()
		return result
	}
}

// HandleAck 处理设备ACK消息（主题 server/+/ack）
// 对重复、迟到或未知的ACK幂等：记录警告后丢弃，绝不panic
func (d *Dispatcher) HandleAck(topic string, payload []byte) error {
	var ack models.CommandAck
	if err := json.Unmarshal(payload, &ack); err != nil {
		d.logger.Error("Failed to parse ACK response",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return nil
	}

	if ack.CommandID == "" {
		d.logger.Warn("Invalid ACK response: missing command_id",
			zap.String("topic", topic),
		)
		return nil
	}

	d.logger.Info("ACK received",
		zap.String("command_id", ack.CommandID),
		zap.String("command", string(ack.Command)),
		zap.String("device_id", ack.DeviceID),
		zap.String("status", string(ack.Status)),
	)

	// 签名校验：无签名或签名不合法的ACK一律拒绝
	if ack.SHA256 == "" {
		d.logger.Warn("No signature in ACK from device, rejecting",
			zap.String("command_id", ack.CommandID),
			zap.String("device_id", ack.DeviceID),
		)
		d.resolveWithError(ack.CommandID, "no signature in ACK from device - ACK rejected")
		return nil
	}
	if !models.VerifyAck(&ack, d.config.Command.SecretKey) {
		d.logger.Warn("Invalid signature in ACK from device, rejecting",
			zap.String("command_id", ack.CommandID),
			zap.String("device_id", ack.DeviceID),
		)
		d.resolveWithError(ack.CommandID, "invalid signature - ACK rejected")
		return nil
	}

	entry := d.remove(ack.CommandID)
	if entry == nil {
		// 已超时、已应答或从未存在的command_id
		d.logger.Warn("Received ACK for unknown command",
			zap.String("command_id", ack.CommandID),
		)
		return nil
	}
	entry.timer.Stop()

	result := &models.CommandResult{
		CommandID: entry.commandID,
		DeviceID:  entry.deviceID,
		Command:   entry.command,
		SentAt:    entry.sentAt,
		AckedAt:   time.Now().UnixMilli(),
		Ack:       json.RawMessage(payload),
	}
	if ack.Status == models.StatusSuccess {
		result.Status = models.StatusSuccess
	} else {
		result.Status = models.StatusFailed
		result.Error = ack.Error
		if result.Error == "" {
			result.Error = fmt.Sprintf("command failed with status: %s", ack.Status)
		}
	}

	entry.result <- result
	return nil
}

// Shutdown 关闭下发器
// 所有在途命令的定时器被取消并以关闭错误立即应答，不留挂起的调用方
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	entries := make([]*pendingCommand, 0, len(d.pending))
	for _, entry := range d.pending {
		entries = append(entries, entry)
	}
	d.pending = make(map[string]*pendingCommand)
	d.mu.Unlock()

	for _, entry := range entries {
		entry.timer.Stop()
		entry.result <- &models.CommandResult{
			CommandID: entry.commandID,
			DeviceID:  entry.deviceID,
			Command:   entry.command,
			Status:    models.StatusError,
			Error:     "dispatcher shutting down",
			SentAt:    entry.sentAt,
		}
	}

	d.logger.Info("Command dispatcher shut down",
		zap.Int("cancelled_commands", len(entries)),
	)
}

// PendingCount 在途命令数量
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// remove 从注册表移除在途命令
func (d *Dispatcher) remove(commandID string) *pendingCommand {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.pending[commandID]
	if !ok {
		return nil
	}
	delete(d.pending, commandID)
	return entry
}

// resolveTimeout 超时定时器触发：恰好一次，以TIMEOUT状态应答
func (d *Dispatcher) resolveTimeout(commandID string) {
	entry := d.remove(commandID)
	if entry == nil {
		return
	}

	d.logger.Warn("Command timeout",
		zap.String("command_id", entry.commandID),
		zap.String("command", string(entry.command)),
		zap.String("device_id", entry.deviceID),
	)

	entry.result <- &models.CommandResult{
		CommandID: entry.commandID,
		DeviceID:  entry.deviceID,
		Command:   entry.command,
		Status:    models.StatusTimeout,
		Error:     "device did not respond within timeout period",
		SentAt:    entry.sentAt,
	}
}

// resolveWithError 以ERROR状态应答在途命令（签名拒绝路径）
func (d *Dispatcher) resolveWithError(commandID string, errMsg string) {
	entry := d.remove(commandID)
	if entry == nil {
		return
	}
	entry.timer.Stop()

	entry.result <- &models.CommandResult{
		CommandID: entry.commandID,
		DeviceID:  entry.deviceID,
		Command:   entry.command,
		Status:    models.StatusError,
		Error:     errMsg,
		SentAt:    entry.sentAt,
	}
}

// generateCommandID 生成全局唯一命令ID（时间戳+随机后缀）
func generateCommandID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:13]
	return fmt.Sprintf("cmd-%d-%s", time.Now().UnixMilli(), suffix)
}
