package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Broker        string
	ClientID      string
	Username      string
	Password      string
	QoS           byte
	MaxReconnects int // 自动重连的最大尝试次数，超过后停止重连
}

// Config 洗车机IoT核心服务配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig

	// 命令下发配置
	Command struct {
		Topics struct {
			Command       string // 命令主题模板，如 "device/%s/command"
			Ack           string // ACK订阅主题，如 "server/+/ack"
			PaymentStatus string // 支付状态主题模板，如 "device/%s/payment-status"
		}
		DefaultTimeout time.Duration // ACK等待超时（默认30秒）
		SecretKey      string        // 设备签名密钥
	}

	// 遥测接入配置
	Telemetry struct {
		Topic            string        // 流数据订阅主题，如 "server/+/streaming"
		WindowSize       time.Duration // 限流滑动窗口大小（默认1分钟）
		MaxPerWindow     int           // 窗口内每台设备最大消息数（默认8）
		BatchSize        int           // 单次批量写入的最大消息数（默认50）
		BatchInterval    time.Duration // 批量写入间隔（默认5秒）
		OfflineCheck     time.Duration // 离线检测间隔（默认5秒）
		OfflineTimeout   time.Duration // 判定离线的静默时长（默认30分钟）
		CleanupInterval  time.Duration // 限流缓存清理间隔（默认10分钟）
		StatsLogInterval time.Duration // 统计日志输出间隔（默认5分钟）
		CacheKeyPrefix   string        // 实时状态缓存键前缀
		CacheTTL         time.Duration // 实时状态缓存TTL
	}

	// 固件仓库配置
	Firmware struct {
		RegistryURL string
	}

	HTTP struct {
		Addr string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	// 从环境变量加载（带默认值）
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "catcarwash")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 20)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "catcar-wash-iot")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = byte(getEnvInt("MQTT_QOS", 1))
	cfg.MQTT.MaxReconnects = getEnvInt("MQTT_MAX_RECONNECTS", 10)

	cfg.Command.Topics.Command = getEnv("CMD_TOPIC_COMMAND", "device/%s/command")
	cfg.Command.Topics.Ack = getEnv("CMD_TOPIC_ACK", "server/+/ack")
	cfg.Command.Topics.PaymentStatus = getEnv("CMD_TOPIC_PAYMENT", "device/%s/payment-status")
	cfg.Command.DefaultTimeout = getEnvDuration("CMD_DEFAULT_TIMEOUT", 30*time.Second)
	cfg.Command.SecretKey = getEnv("DEVICE_SECRET_KEY", "modernchabackdoor")

	cfg.Telemetry.Topic = getEnv("TELEMETRY_TOPIC", "server/+/streaming")
	cfg.Telemetry.WindowSize = getEnvDuration("TELEMETRY_WINDOW_SIZE", time.Minute)
	cfg.Telemetry.MaxPerWindow = getEnvInt("TELEMETRY_MAX_PER_WINDOW", 8)
	cfg.Telemetry.BatchSize = getEnvInt("TELEMETRY_BATCH_SIZE", 50)
	cfg.Telemetry.BatchInterval = getEnvDuration("TELEMETRY_BATCH_INTERVAL", 5*time.Second)
	cfg.Telemetry.OfflineCheck = getEnvDuration("TELEMETRY_OFFLINE_CHECK", 5*time.Second)
	cfg.Telemetry.OfflineTimeout = getEnvDuration("TELEMETRY_OFFLINE_TIMEOUT", 30*time.Minute)
	cfg.Telemetry.CleanupInterval = getEnvDuration("TELEMETRY_CLEANUP_INTERVAL", 10*time.Minute)
	cfg.Telemetry.StatsLogInterval = getEnvDuration("TELEMETRY_STATS_LOG_INTERVAL", 5*time.Minute)
	cfg.Telemetry.CacheKeyPrefix = getEnv("TELEMETRY_CACHE_KEY_PREFIX", "catcar:device:")
	cfg.Telemetry.CacheTTL = getEnvDuration("TELEMETRY_CACHE_TTL", 10*time.Minute)

	cfg.Firmware.RegistryURL = getEnv("FIRMWARE_REGISTRY_URL", "http://localhost:8081/firmwares")

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8080")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
