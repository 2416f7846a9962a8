package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"catcar-wash-iot/internal/models"
)

// fakeCommandSender 记录调用参数并返回预置结果
type fakeCommandSender struct {
	lastDeviceID   string
	lastCommand    models.CommandType
	lastDelay      int
	lastFirmware   models.FirmwarePayload
	lastCustomData json.RawMessage
	lastRequireAck bool
	lastChargeID   string
	lastPayStatus  string
	paymentErr     error
}

func (f *fakeCommandSender) result(deviceID string, command models.CommandType) *models.CommandResult {
	f.lastDeviceID = deviceID
	f.lastCommand = command
	return &models.CommandResult{
		CommandID: "cmd-1693000000000-abc",
		DeviceID:  deviceID,
		Command:   command,
		Status:    models.StatusSuccess,
		SentAt:    time.Now().UnixMilli(),
	}
}

func (f *fakeCommandSender) ApplyConfig(_ context.Context, deviceID string, _ models.ApplyConfigPayload) *models.CommandResult {
	return f.result(deviceID, models.CommandApplyConfig)
}

func (f *fakeCommandSender) Restart(_ context.Context, deviceID string, delaySeconds int) *models.CommandResult {
	f.lastDelay = delaySeconds
	return f.result(deviceID, models.CommandRestart)
}

func (f *fakeCommandSender) UpdateFirmware(_ context.Context, deviceID string, firmware models.FirmwarePayload) *models.CommandResult {
	f.lastFirmware = firmware
	return f.result(deviceID, models.CommandUpdateFirmware)
}

func (f *fakeCommandSender) ResetConfig(_ context.Context, deviceID string, _ models.ResetConfigPayload) *models.CommandResult {
	return f.result(deviceID, models.CommandResetConfig)
}

func (f *fakeCommandSender) SendCustomCommand(_ context.Context, deviceID string, command string, data json.RawMessage, requireAck bool) *models.CommandResult {
	f.lastCustomData = data
	f.lastRequireAck = requireAck
	return f.result(deviceID, models.CommandType(command))
}

func (f *fakeCommandSender) SendPaymentStatus(chargeID string, status string) error {
	f.lastChargeID = chargeID
	f.lastPayStatus = status
	return f.paymentErr
}

// fakeFirmwareResolver 预置固件清单
type fakeFirmwareResolver struct {
	manifest *models.FirmwarePayload
	err      error
	calls    int
}

func (f *fakeFirmwareResolver) GetManifest(version string) (*models.FirmwarePayload, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.manifest, nil
}

func setupCommandRouter(t *testing.T) (*fakeCommandSender, *fakeFirmwareResolver, *Router) {
	t.Helper()
	sender := &fakeCommandSender{}
	resolver := &fakeFirmwareResolver{
		manifest: &models.FirmwarePayload{
			URL:     "https://cdn.example.com/fw/2.1.0.bin",
			Version: "2.1.0",
			SHA256:  "abc123",
			Size:    1024,
		},
	}
	router := NewRouter(zap.NewNop())
	router.RegisterCommandRoutes(NewCommandHandler(sender, resolver, zap.NewNop()))
	return sender, resolver, router
}

func doRequest(t *testing.T, router *Router, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) models.CommandResult {
	t.Helper()
	var result models.CommandResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	return result
}

func TestApplyConfig_Success(t *testing.T) {
	sender, _, router := setupCommandRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/device-commands/dev-001/apply-config",
		`{"machine": {"ACTIVE": true, "QR": true}}`)

	require.Equal(t, http.StatusOK, rec.Code)
	result := decodeResult(t, rec)
	assert.Equal(t, "dev-001", result.DeviceID)
	assert.Equal(t, models.CommandApplyConfig, result.Command)
	assert.Equal(t, models.StatusSuccess, result.Status)
	assert.Equal(t, "dev-001", sender.lastDeviceID)
}

func TestApplyConfig_MalformedBody(t *testing.T) {
	_, _, router := setupCommandRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/device-commands/dev-001/apply-config", `{not json`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRestart_Success(t *testing.T) {
	sender, _, router := setupCommandRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/device-commands/dev-001/restart",
		`{"delay_seconds": 10}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10, sender.lastDelay)
	assert.Equal(t, models.CommandRestart, sender.lastCommand)
}

func TestRestart_NegativeDelay(t *testing.T) {
	_, _, router := setupCommandRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/device-commands/dev-001/restart",
		`{"delay_seconds": -1}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateFirmware_FullManifest(t *testing.T) {
	sender, resolver, router := setupCommandRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/device-commands/dev-001/update-firmware",
		`{"url": "https://cdn.example.com/fw/3.0.0.bin", "version": "3.0.0", "sha256": "def", "size": 2048}`)

	require.Equal(t, http.StatusOK, rec.Code)
	// 请求体已带完整清单，不应调用固件仓库
	assert.Equal(t, 0, resolver.calls)
	assert.Equal(t, "https://cdn.example.com/fw/3.0.0.bin", sender.lastFirmware.URL)
}

func TestUpdateFirmware_ResolvesByVersion(t *testing.T) {
	sender, resolver, router := setupCommandRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/device-commands/dev-001/update-firmware",
		`{"version": "2.1.0"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, resolver.calls)
	assert.Equal(t, "https://cdn.example.com/fw/2.1.0.bin", sender.lastFirmware.URL)
	assert.Equal(t, "abc123", sender.lastFirmware.SHA256)
}

func TestUpdateFirmware_MissingURLAndVersion(t *testing.T) {
	_, resolver, router := setupCommandRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/device-commands/dev-001/update-firmware", `{}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, resolver.calls)
}

func TestUpdateFirmware_RegistryError(t *testing.T) {
	_, resolver, router := setupCommandRouter(t)
	resolver.err = fmt.Errorf("registry unavailable")

	rec := doRequest(t, router, http.MethodPost, "/device-commands/dev-001/update-firmware",
		`{"version": "2.1.0"}`)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestResetConfig_Success(t *testing.T) {
	sender, _, router := setupCommandRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/device-commands/dev-001/reset-config",
		`{"machine": {"ACTIVE": false}}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.CommandResetConfig, sender.lastCommand)
}

func TestCustom_Success(t *testing.T) {
	sender, _, router := setupCommandRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/device-commands/dev-001/custom",
		`{"command": "CALIBRATE", "data": {"sensor": "flow"}, "require_ack": true}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.CommandType("CALIBRATE"), sender.lastCommand)
	assert.JSONEq(t, `{"sensor": "flow"}`, string(sender.lastCustomData))
	assert.True(t, sender.lastRequireAck)
}

func TestCustom_MissingCommand(t *testing.T) {
	_, _, router := setupCommandRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/device-commands/dev-001/custom", `{"data": {}}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCommandRoutes_UnknownAction(t *testing.T) {
	_, _, router := setupCommandRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/device-commands/dev-001/self-destruct", `{}`)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCommandRoutes_MethodNotAllowed(t *testing.T) {
	_, _, router := setupCommandRouter(t)

	rec := doRequest(t, router, http.MethodGet, "/device-commands/dev-001/restart", "")

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPaymentStatus_Success(t *testing.T) {
	sender, _, router := setupCommandRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/payments/charge-42/status",
		`{"status": "SUCCEEDED"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "charge-42", sender.lastChargeID)
	assert.Equal(t, "SUCCEEDED", sender.lastPayStatus)
}

func TestPaymentStatus_MissingStatus(t *testing.T) {
	_, _, router := setupCommandRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/payments/charge-42/status", `{}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPaymentStatus_PublishError(t *testing.T) {
	sender, _, router := setupCommandRouter(t)
	sender.paymentErr = fmt.Errorf("not connected")

	rec := doRequest(t, router, http.MethodPost, "/payments/charge-42/status",
		`{"status": "SUCCEEDED"}`)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestPaymentStatus_BadPath(t *testing.T) {
	_, _, router := setupCommandRouter(t)

	rec := doRequest(t, router, http.MethodPost, "/payments/charge-42", `{"status": "SUCCEEDED"}`)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
