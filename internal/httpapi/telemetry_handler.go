package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"catcar-wash-iot/internal/ingestor"
	"catcar-wash-iot/internal/models"
	"catcar-wash-iot/internal/mqtt"
	"catcar-wash-iot/internal/repository"
)

// StatsProvider 遥测统计快照接口（由 ingestor 实现）
type StatsProvider interface {
	Stats() ingestor.Stats
}

// LastStateReader 设备最新状态读取接口（由 repository 实现）
type LastStateReader interface {
	GetLastState(deviceID string) (*models.TelemetryMessage, error)
}

// TransportStatus MQTT 连接状态接口
type TransportStatus interface {
	Status() mqtt.ConnectionStatus
}

// TelemetryHandler 遥测与运行状态查询入口
type TelemetryHandler struct {
	stats          StatsProvider
	states         LastStateReader
	transport      TransportStatus
	redisCache     *redis.Client
	cacheKeyPrefix string
	logger         *zap.Logger
}

// NewTelemetryHandler 创建遥测 Handler
func NewTelemetryHandler(
	stats StatsProvider,
	states LastStateReader,
	transport TransportStatus,
	redisCache *redis.Client,
	cacheKeyPrefix string,
	logger *zap.Logger,
) *TelemetryHandler {
	return &TelemetryHandler{
		stats:          stats,
		states:         states,
		transport:      transport,
		redisCache:     redisCache,
		cacheKeyPrefix: cacheKeyPrefix,
		logger:         logger,
	}
}

// GetStats GET /telemetry/stats
func (h *TelemetryHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.stats.Stats())
}

type deviceStateResponse struct {
	DeviceID string                   `json:"device_id"`
	Source   string                   `json:"source"` // cache / database
	State    *models.TelemetryMessage `json:"state"`
}

// GetDeviceState GET /devices/{device_id}/state
// 先查 Redis 缓存，未命中回落到数据库的 last_state 表
func (h *TelemetryHandler) GetDeviceState(w http.ResponseWriter, r *http.Request, deviceID string) {
	if msg := h.readCachedState(r, deviceID); msg != nil {
		writeJSON(w, http.StatusOK, deviceStateResponse{
			DeviceID: deviceID,
			Source:   "cache",
			State:    msg,
		})
		return
	}

	msg, err := h.states.GetLastState(deviceID)
	if err != nil {
		if errors.Is(err, repository.ErrLastStateNotFound) {
			writeError(w, http.StatusNotFound, "no state recorded for device: "+deviceID)
			return
		}
		h.logger.Error("Failed to query last state",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "failed to query device state")
		return
	}

	writeJSON(w, http.StatusOK, deviceStateResponse{
		DeviceID: deviceID,
		Source:   "database",
		State:    msg,
	})
}

func (h *TelemetryHandler) readCachedState(r *http.Request, deviceID string) *models.TelemetryMessage {
	if h.redisCache == nil {
		return nil
	}

	key := h.cacheKeyPrefix + deviceID + ":state"
	ctx, cancelFn := context.WithTimeout(r.Context(), time.Second)
	defer cancelFn()

	data, err := h.redisCache.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			h.logger.Warn("Failed to read cached state",
				zap.String("device_id", deviceID),
				zap.Error(err),
			)
		}
		return nil
	}

	var msg models.TelemetryMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.logger.Warn("Cached state is corrupted",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		return nil
	}
	return &msg
}

// GetMQTTStatus GET /mqtt/status
func (h *TelemetryHandler) GetMQTTStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.transport.Status())
}
