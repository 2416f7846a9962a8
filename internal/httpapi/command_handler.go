package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"catcar-wash-iot/internal/models"
)

// CommandSender 命令下发接口（由 dispatcher 实现）
type CommandSender interface {
	ApplyConfig(ctx context.Context, deviceID string, configs models.ApplyConfigPayload) *models.CommandResult
	Restart(ctx context.Context, deviceID string, delaySeconds int) *models.CommandResult
	UpdateFirmware(ctx context.Context, deviceID string, firmware models.FirmwarePayload) *models.CommandResult
	ResetConfig(ctx context.Context, deviceID string, configs models.ResetConfigPayload) *models.CommandResult
	SendCustomCommand(ctx context.Context, deviceID string, command string, data json.RawMessage, requireAck bool) *models.CommandResult
	SendPaymentStatus(chargeID string, status string) error
}

// FirmwareResolver 固件清单解析接口（由 firmware.Client 实现）
type FirmwareResolver interface {
	GetManifest(version string) (*models.FirmwarePayload, error)
}

// CommandHandler 设备命令 REST 入口
// 命令结果（含 TIMEOUT/FAILED/ERROR）统一以 200 + CommandResult 返回，
// 400 仅用于请求体本身不合法
type CommandHandler struct {
	commands CommandSender
	firmware FirmwareResolver
	logger   *zap.Logger
}

// NewCommandHandler 创建命令 Handler
func NewCommandHandler(commands CommandSender, firmware FirmwareResolver, logger *zap.Logger) *CommandHandler {
	return &CommandHandler{
		commands: commands,
		firmware: firmware,
		logger:   logger,
	}
}

// Dispatch 按路径中的动作分发到具体命令
func (h *CommandHandler) Dispatch(w http.ResponseWriter, r *http.Request, deviceID, action string) {
	switch action {
	case "apply-config":
		h.ApplyConfig(w, r, deviceID)
	case "restart":
		h.Restart(w, r, deviceID)
	case "update-firmware":
		h.UpdateFirmware(w, r, deviceID)
	case "reset-config":
		h.ResetConfig(w, r, deviceID)
	case "custom":
		h.Custom(w, r, deviceID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// ApplyConfig POST /device-commands/{device_id}/apply-config
func (h *CommandHandler) ApplyConfig(w http.ResponseWriter, r *http.Request, deviceID string) {
	var payload models.ApplyConfigPayload
	if err := readBodyJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	result := h.commands.ApplyConfig(r.Context(), deviceID, payload)
	writeJSON(w, http.StatusOK, result)
}

// Restart POST /device-commands/{device_id}/restart
func (h *CommandHandler) Restart(w http.ResponseWriter, r *http.Request, deviceID string) {
	var body struct {
		DelaySeconds int `json:"delay_seconds"`
	}
	if err := readBodyJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.DelaySeconds < 0 {
		writeError(w, http.StatusBadRequest, "delay_seconds must not be negative")
		return
	}

	result := h.commands.Restart(r.Context(), deviceID, body.DelaySeconds)
	writeJSON(w, http.StatusOK, result)
}

// UpdateFirmware POST /device-commands/{device_id}/update-firmware
// 请求体可以携带完整固件清单，也可以只给 version，由固件仓库解析
func (h *CommandHandler) UpdateFirmware(w http.ResponseWriter, r *http.Request, deviceID string) {
	var payload models.FirmwarePayload
	if err := readBodyJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if payload.URL == "" {
		if payload.Version == "" {
			writeError(w, http.StatusBadRequest, "either url or version is required")
			return
		}
		manifest, err := h.firmware.GetManifest(payload.Version)
		if err != nil {
			h.logger.Warn("Failed to resolve firmware manifest",
				zap.String("device_id", deviceID),
				zap.String("version", payload.Version),
				zap.Error(err),
			)
			writeError(w, http.StatusBadGateway, "failed to resolve firmware manifest: "+err.Error())
			return
		}
		payload = *manifest
	}

	result := h.commands.UpdateFirmware(r.Context(), deviceID, payload)
	writeJSON(w, http.StatusOK, result)
}

// ResetConfig POST /device-commands/{device_id}/reset-config
func (h *CommandHandler) ResetConfig(w http.ResponseWriter, r *http.Request, deviceID string) {
	var payload models.ResetConfigPayload
	if err := readBodyJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	result := h.commands.ResetConfig(r.Context(), deviceID, payload)
	writeJSON(w, http.StatusOK, result)
}

// Custom POST /device-commands/{device_id}/custom
func (h *CommandHandler) Custom(w http.ResponseWriter, r *http.Request, deviceID string) {
	var body struct {
		Command    string          `json:"command"`
		Data       json.RawMessage `json:"data"`
		RequireAck bool            `json:"require_ack"`
	}
	if err := readBodyJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	result := h.commands.SendCustomCommand(r.Context(), deviceID, body.Command, body.Data, body.RequireAck)
	writeJSON(w, http.StatusOK, result)
}

// PaymentStatus POST /payments/{charge_id}/status
// fire-and-forget，下发成功返回 202
func (h *CommandHandler) PaymentStatus(w http.ResponseWriter, r *http.Request, chargeID string) {
	var body struct {
		Status string `json:"status"`
	}
	if err := readBodyJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Status == "" {
		writeError(w, http.StatusBadRequest, "status is required")
		return
	}

	if err := h.commands.SendPaymentStatus(chargeID, body.Status); err != nil {
		writeError(w, http.StatusBadGateway, "failed to publish payment status: "+err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"charge_id": chargeID,
		"status":    body.Status,
	})
}
