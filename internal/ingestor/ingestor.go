package ingestor

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

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Transport 流数据订阅所需的传输抽象
type Transport interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// DeviceDirectory 设备目录：存在性查询
type DeviceDirectory interface {
	Exists(deviceID string) (bool, error)
	ExistingIDs(deviceIDs []string) (map[string]bool, error)
}

// StateStore 状态存储：历史行追加与最新状态覆盖
type StateStore interface {
	BulkInsertStates(records []models.StateRecord) error
	UpsertLastState(record models.StateRecord) error
	SaveStateTx(record models.StateRecord) error
}

// queuedMessage 已通过校验与限流、等待批量写入的消息
type queuedMessage struct {
	deviceID string
	msg      *models.TelemetryMessage
}

// Stats 遥测接入统计快照
type Stats struct {
	TotalReceived      int64          `json:"total_received"`
	Accepted           int64          `json:"accepted"`
	InvalidDropped     int64          `json:"invalid_dropped"`
	RateLimited        int64          `json:"rate_limited"`
	PersistDropped     int64          `json:"persist_dropped"`
	SkippedUnknown     int64          `json:"skipped_unknown_device"`
	BatchesProcessed   int64          `json:"batches_processed"`
	AvgProcessingMs    float64        `json:"avg_processing_ms"`
	QueueDepth         int            `json:"queue_depth"`
	TrackedDevices     int            `json:"tracked_devices"`
	OfflineDetected    int64          `json:"offline_detected"`
	RateLimit          RateLimitStats `json:"rate_limit"`
}

// Ingestor 遥测流数据接入器
// 订阅流数据主题，限流、批量落库，并独立跟踪设备的最后上报时间
// 以合成离线状态。共享map仅由接入路径修改，各自持锁
type Ingestor struct {
	config     *config.Config
	transport  Transport
	devices    DeviceDirectory
	states     StateStore
	redisCache *redis.Client
	logger     *zap.Logger

	limiter *RateLimiter

	queueMu sync.Mutex
	queue   []queuedMessage

	lastSeenMu sync.Mutex
	lastSeen   map[string]time.Time

	flushMu  sync.Mutex
	flushing bool

	statsMu         sync.Mutex
	totalReceived   int64
	accepted        int64
	invalidDropped  int64
	rateLimited     int64
	persistDropped  int64
	skippedUnknown  int64
	batchCount      int64
	avgProcessingMs float64
	offlineDetected int64

	wg     sync.WaitGroup
	cancel context.CancelFunc

	now func() time.Time
}

// NewIngestor 创建遥测接入器
func NewIngestor(
	cfg *config.Config,
	transport Transport,
	devices DeviceDirectory,
	states StateStore,
	redisCache *redis.Client,
	logger *zap.Logger,
) *Ingestor {
	return &Ingestor{
		config:     cfg,
		transport:  transport,
		devices:    devices,
		states:     states,
		redisCache: redisCache,
		logger:     logger,
		limiter:    NewRateLimiter(cfg.Telemetry.WindowSize, cfg.Telemetry.MaxPerWindow),
		lastSeen:   make(map[string]time.Time),
		now:        time.Now,
	}
}

// Start 订阅流数据主题并启动批量写入、离线检测与清理定时器
func (in *Ingestor) Start(ctx context.Context) error {
	if err := in.transport.Subscribe(in.config.Telemetry.Topic, in.config.MQTT.QoS, in.HandleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to streaming topic: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	in.cancel = cancel

	in.wg.Add(4)
	go in.runTicker(runCtx, in.config.Telemetry.BatchInterval, in.Flush)
	go in.runTicker(runCtx, in.config.Telemetry.OfflineCheck, in.checkOfflineDevices)
	go in.runTicker(runCtx, in.config.Telemetry.CleanupInterval, in.cleanupLimiter)
	go in.runTicker(runCtx, in.config.Telemetry.StatsLogInterval, in.logStats)

	in.logger.Info("Telemetry ingestor started",
		zap.String("topic", in.config.Telemetry.Topic),
		zap.Duration("batch_interval", in.config.Telemetry.BatchInterval),
		zap.Duration("offline_timeout", in.config.Telemetry.OfflineTimeout),
	)
	return nil
}

// Stop 停止接入器：取消订阅、停掉定时器并做最后一次批量写入
func (in *Ingestor) Stop(ctx context.Context) error {
	if err := in.transport.Unsubscribe(in.config.Telemetry.Topic); err != nil {
		in.logger.Error("Failed to unsubscribe", zap.Error(err))
	}

	if in.cancel != nil {
		in.cancel()
	}
	in.wg.Wait()

	// 关停前冲刷剩余队列
	in.Flush()

	in.logger.Info("Telemetry ingestor stopped")
	return nil
}

func (in *Ingestor) runTicker(ctx context.Context, interval time.Duration, fn func()) {
	defer in.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// HandleMessage 处理流数据消息（主题 server/+/streaming）
// 校验 -> 更新last-seen -> 限流 -> 入队；任何失败只计数记录，不向上传播
func (in *Ingestor) HandleMessage(topic string, payload []byte) error {
	deviceID, ok := parseStreamingTopic(topic)
	if !ok {
		in.logger.Warn("Invalid streaming topic format", zap.String("topic", topic))
		return nil
	}

	in.statsMu.Lock()
	in.totalReceived++
	in.statsMu.Unlock()

	msg, err := models.ParseTelemetryMessage(payload)
	if err != nil {
		in.statsMu.Lock()
		in.invalidDropped++
		in.statsMu.Unlock()
		in.logger.Warn("Invalid telemetry payload",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		return nil
	}

	// last-seen先于限流更新：仅被限流的设备不能被误判离线
	in.lastSeenMu.Lock()
	in.lastSeen[deviceID] = in.now()
	in.lastSeenMu.Unlock()

	if !in.limiter.Allow(deviceID) {
		in.statsMu.Lock()
		in.rateLimited++
		in.statsMu.Unlock()
		in.logger.Debug("Rate limited, dropping message", zap.String("device_id", deviceID))
		return nil
	}

	in.queueMu.Lock()
	in.queue = append(in.queue, queuedMessage{deviceID: deviceID, msg: msg})
	in.queueMu.Unlock()

	in.statsMu.Lock()
	in.accepted++
	in.statsMu.Unlock()

	in.logger.Debug("Message queued for batch processing", zap.String("device_id", deviceID))
	return nil
}

// Flush 批量写入一次
// 重入保护：定时器叠加触发时后来者直接返回
func (in *Ingestor) Flush() {
	in.flushMu.Lock()
	if in.flushing {
		in.flushMu.Unlock()
		return
	}
	in.flushing = true
	in.flushMu.Unlock()

	defer func() {
		in.flushMu.Lock()
		in.flushing = false
		in.flushMu.Unlock()
	}()

	in.queueMu.Lock()
	n := len(in.queue)
	if n > in.config.Telemetry.BatchSize {
		n = in.config.Telemetry.BatchSize
	}
	batch := make([]queuedMessage, n)
	copy(batch, in.queue[:n])
	in.queue = in.queue[n:]
	in.queueMu.Unlock()

	if len(batch) == 0 {
		return
	}

	start := in.now()

	// 批量过滤未注册设备
	distinct := make([]string, 0, len(batch))
	seen := make(map[string]bool, len(batch))
	for _, qm := range batch {
		if !seen[qm.deviceID] {
			seen[qm.deviceID] = true
			distinct = append(distinct, qm.deviceID)
		}
	}

	existing, err := in.devices.ExistingIDs(distinct)
	if err != nil {
		in.dropBatch(len(batch), fmt.Errorf("device lookup failed: %w", err))
		return
	}

	valid := make([]queuedMessage, 0, len(batch))
	skipped := 0
	for _, qm := range batch {
		if existing[qm.deviceID] {
			valid = append(valid, qm)
		} else {
			skipped++
		}
	}
	if skipped > 0 {
		in.statsMu.Lock()
		in.skippedUnknown += int64(skipped)
		in.statsMu.Unlock()
		in.logger.Warn("Skipped messages for unknown devices", zap.Int("count", skipped))
	}

	if len(valid) == 0 {
		in.finishBatch(start, 0)
		return
	}

	// 历史行：每条有效消息一行，只追加
	records := make([]models.StateRecord, len(valid))
	for i, qm := range valid {
		records[i] = models.NewStateRecord(qm.deviceID, qm.msg)
	}
	if err := in.states.BulkInsertStates(records); err != nil {
		in.dropBatch(len(valid), err)
		return
	}

	// 最新状态：按消息内嵌timestamp取每台设备的最大值，与到达顺序无关
	latest := make(map[string]*models.TelemetryMessage, len(valid))
	for _, qm := range valid {
		if cur, ok := latest[qm.deviceID]; !ok || qm.msg.Timestamp > cur.Timestamp {
			latest[qm.deviceID] = qm.msg
		}
	}
	for deviceID, msg := range latest {
		record := models.NewStateRecord(deviceID, msg)
		if err := in.states.UpsertLastState(record); err != nil {
			in.dropBatch(len(valid), fmt.Errorf("last state upsert failed for %s: %w", deviceID, err))
			return
		}
		in.cacheLastState(record)
	}

	in.finishBatch(start, len(valid))
}

// dropBatch 持久化错误：整批计为丢弃，下个周期继续
func (in *Ingestor) dropBatch(count int, err error) {
	in.statsMu.Lock()
	in.persistDropped += int64(count)
	in.batchCount++
	in.statsMu.Unlock()

	in.logger.Error("Batch persistence failed, dropping batch",
		zap.Int("dropped", count),
		zap.Error(err),
	)
}

// finishBatch 更新批处理统计（滚动平均耗时）
func (in *Ingestor) finishBatch(start time.Time, persisted int) {
	elapsed := float64(in.now().Sub(start).Milliseconds())

	in.statsMu.Lock()
	in.batchCount++
	in.avgProcessingMs = (in.avgProcessingMs*float64(in.batchCount-1) + elapsed) / float64(in.batchCount)
	in.statsMu.Unlock()

	in.logger.Info("Batch processed",
		zap.Int("persisted", persisted),
		zap.Float64("elapsed_ms", elapsed),
	)
}

// checkOfflineDevices 离线检测
// 静默超过阈值的设备合成OFFLINE状态，历史行与最新状态在同一事务写入，
// 随后停止跟踪，避免重复标记
func (in *Ingestor) checkOfflineDevices() {
	now := in.now()
	timeout := in.config.Telemetry.OfflineTimeout

	in.lastSeenMu.Lock()
	offline := make([]string, 0)
	for deviceID, lastSeen := range in.lastSeen {
		if now.Sub(lastSeen) > timeout {
			offline = append(offline, deviceID)
		}
	}
	for _, deviceID := range offline {
		delete(in.lastSeen, deviceID)
	}
	in.lastSeenMu.Unlock()

	for _, deviceID := range offline {
		in.markDeviceOffline(deviceID, now)
	}

	if len(offline) > 0 {
		in.logger.Info("Detected offline devices", zap.Int("count", len(offline)))
	}
}

func (in *Ingestor) markDeviceOffline(deviceID string, now time.Time) {
	in.statsMu.Lock()
	in.offlineDetected++
	in.statsMu.Unlock()

	exists, err := in.devices.Exists(deviceID)
	if err != nil {
		in.logger.Error("Failed to look up device for offline marking",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		return
	}
	if !exists {
		// 未注册设备：不落库，仅停止跟踪
		in.logger.Warn("Device not found for offline marking", zap.String("device_id", deviceID))
		return
	}

	record := models.NewStateRecord(deviceID, models.OfflineTelemetry(now.UnixMilli()))
	if err := in.states.SaveStateTx(record); err != nil {
		in.logger.Error("Failed to persist offline state",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
		return
	}
	in.cacheLastState(record)

	in.logger.Info("Device marked as offline", zap.String("device_id", deviceID))
}

// cacheLastState 将最新状态写入Redis缓存（带TTL），失败只记录不影响主流程
func (in *Ingestor) cacheLastState(record models.StateRecord) {
	if in.redisCache == nil {
		return
	}

	data, err := json.Marshal(record.State)
	if err != nil {
		return
	}

	key := in.config.Telemetry.CacheKeyPrefix + record.DeviceID + ":state"
	ctx, cancelFn := context.WithTimeout(context.Background(), time.Second)
	defer cancelFn()

	if err := in.redisCache.Set(ctx, key, data, in.config.Telemetry.CacheTTL).Err(); err != nil {
		in.logger.Warn("Failed to cache last state",
			zap.String("device_id", record.DeviceID),
			zap.Error(err),
		)
	}
}

// cleanupLimiter 清理限流缓存中的静默设备
func (in *Ingestor) cleanupLimiter() {
	if cleaned := in.limiter.Cleanup(); cleaned > 0 {
		in.logger.Info("Cleaned up inactive devices from rate limiting cache",
			zap.Int("count", cleaned),
		)
	}
}

// Stats 返回统计快照
func (in *Ingestor) Stats() Stats {
	in.queueMu.Lock()
	queueDepth := len(in.queue)
	in.queueMu.Unlock()

	in.lastSeenMu.Lock()
	tracked := len(in.lastSeen)
	in.lastSeenMu.Unlock()

	in.statsMu.Lock()
	defer in.statsMu.Unlock()
	return Stats{
		TotalReceived:    in.totalReceived,
		Accepted:         in.accepted,
		InvalidDropped:   in.invalidDropped,
		RateLimited:      in.rateLimited,
		PersistDropped:   in.persistDropped,
		SkippedUnknown:   in.skippedUnknown,
		BatchesProcessed: in.batchCount,
		AvgProcessingMs:  in.avgProcessingMs,
		QueueDepth:       queueDepth,
		TrackedDevices:   tracked,
		OfflineDetected:  in.offlineDetected,
		RateLimit:        in.limiter.Stats(),
	}
}

func (in *Ingestor) logStats() {
	stats := in.Stats()
	in.logger.Info("Telemetry ingestor stats",
		zap.Int64("total_received", stats.TotalReceived),
		zap.Int64("accepted", stats.Accepted),
		zap.Int64("invalid_dropped", stats.InvalidDropped),
		zap.Int64("rate_limited", stats.RateLimited),
		zap.Int64("persist_dropped", stats.PersistDropped),
		zap.Int64("skipped_unknown_device", stats.SkippedUnknown),
		zap.Int64("batches_processed", stats.BatchesProcessed),
		zap.Float64("avg_processing_ms", stats.AvgProcessingMs),
		zap.Int("queue_depth", stats.QueueDepth),
		zap.Int("tracked_devices", stats.TrackedDevices),
		zap.Int64("offline_detected", stats.OfflineDetected),
		zap.Int("limiter_devices", stats.RateLimit.TotalDevices),
	)
}

// parseStreamingTopic 从主题提取设备ID，格式: server/{device_id}/streaming
func parseStreamingTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "server" || parts[2] != "streaming" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
