package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"catcar-wash-iot/internal/models"

	"go.uber.org/zap"
)

// ApplyConfig 下发应用配置命令
func (d *Dispatcher) ApplyConfig(ctx context.Context, deviceID string, configs models.ApplyConfigPayload) *models.CommandResult {
	return d.Send(ctx, deviceID, configs, SendOptions{RequireAck: true})
}

// Restart 下发重启命令
func (d *Dispatcher) Restart(ctx context.Context, deviceID string, delaySeconds int) *models.CommandResult {
	return d.Send(ctx, deviceID, models.RestartPayload{DelaySeconds: delaySeconds}, SendOptions{RequireAck: true})
}

// UpdateFirmware 下发固件升级命令
func (d *Dispatcher) UpdateFirmware(ctx context.Context, deviceID string, firmware models.FirmwarePayload) *models.CommandResult {
	return d.Send(ctx, deviceID, firmware, SendOptions{RequireAck: true})
}

// ResetConfig 下发重置配置命令
func (d *Dispatcher) ResetConfig(ctx context.Context, deviceID string, configs models.ResetConfigPayload) *models.CommandResult {
	return d.Send(ctx, deviceID, configs, SendOptions{RequireAck: true})
}

// SendCustomCommand 下发自定义命令
func (d *Dispatcher) SendCustomCommand(
	ctx context.Context,
	deviceID string,
	command string,
	data json.RawMessage,
	requireAck bool,
) *models.CommandResult {
	payload := models.CustomPayload{
		Command: models.CommandType(command),
		Data:    data,
	}
	return d.Send(ctx, deviceID, payload, SendOptions{RequireAck: requireAck})
}

// SendPaymentStatus 向设备推送支付状态（fire-and-forget，不等待ACK）
// 主题为 device/{charge_id}/payment-status
func (d *Dispatcher) SendPaymentStatus(chargeID string, status string) error {
	commandID := generateCommandID()
	topic := fmt.Sprintf(d.config.Command.Topics.PaymentStatus, chargeID)

	envelope := &models.CommandEnvelope{
		CommandID:  commandID,
		Command:    models.CommandPayment,
		RequireAck: false,
		Payload:    models.PaymentStatusPayload{ChargeID: chargeID, Status: status},
		Timestamp:  time.Now().UnixMilli(),
	}
	if err := models.SignEnvelope(envelope, d.config.Command.SecretKey); err != nil {
		return fmt.Errorf("failed to sign payment status: %w", err)
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal payment status: %w", err)
	}

	if err := d.transport.Publish(topic, d.config.MQTT.QoS, false, data); err != nil {
		d.logger.Error("Failed to send payment status",
			zap.String("command_id", commandID),
			zap.String("charge_id", chargeID),
			zap.Error(err),
		)
		return err
	}

	d.logger.Info("Payment status sent",
		zap.String("command_id", commandID),
		zap.String("charge_id", chargeID),
		zap.String("status", status),
	)
	return nil
}
