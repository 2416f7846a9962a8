package mqtt

import (
	"fmt"
	"sync"
	"time"

	"catcar-wash-iot/internal/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MessageHandler 消息处理函数类型
type MessageHandler func(topic string, payload []byte) error

// ConnectionStatus 连接状态快照
type ConnectionStatus struct {
	Connected         bool       `json:"connected"`
	ClientID          string     `json:"client_id"`
	LastConnected     *time.Time `json:"last_connected,omitempty"`
	LastDisconnected  *time.Time `json:"last_disconnected,omitempty"`
	ReconnectAttempts int        `json:"reconnect_attempts"`
}

// Client MQTT客户端封装
// 自动重连由客户端自己管理，重连次数有上界，超过后停止重试，
// 等待调用方手动 Connect 恢复
type Client struct {
	client mqtt.Client
	config *config.MQTTConfig
	logger *zap.Logger

	mu                sync.Mutex
	subscriptions     map[string]subscription // topic -> 订阅信息，重连后恢复
	reconnectAttempts int
	lastConnected     *time.Time
	lastDisconnected  *time.Time
	closed            bool
}

type subscription struct {
	qos     byte
	handler MessageHandler
}

const reconnectDelay = 5 * time.Second

// NewClient 创建MQTT客户端并建立连接
func NewClient(cfg *config.MQTTConfig, logger *zap.Logger) (*Client, error) {
	c := &Client{
		config:        cfg,
		logger:        logger,
		subscriptions: make(map[string]subscription),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	// 重连由本封装负责（受最大次数限制），不使用paho内置的无限重连
	opts.SetAutoReconnect(false)
	opts.SetCleanSession(true)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetOnConnectHandler(c.onConnect)

	c.client = mqtt.NewClient(opts)

	if err := c.Connect(); err != nil {
		return nil, err
	}

	return c, nil
}

// Connect 连接到MQTT broker
// 手动调用会重置重连计数，使自动重连恢复正常
func (c *Client) Connect() error {
	c.mu.Lock()
	c.reconnectAttempts = 0
	c.closed = false
	c.mu.Unlock()

	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return nil
}

// Subscribe 订阅主题
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if token := c.client.Subscribe(topic, qos, func(client mqtt.Client, msg mqtt.Message) {
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			// 记录错误，但不中断处理
			c.logger.Error("Error handling MQTT message",
				zap.String("topic", msg.Topic()),
				zap.Error(err),
			)
		}
	}); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
	}

	c.mu.Lock()
	c.subscriptions[topic] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()

	return nil
}

// Publish 发布消息
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	token.Wait()

	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}

	return nil
}

// Unsubscribe 取消订阅
func (c *Client) Unsubscribe(topics ...string) error {
	token := c.client.Unsubscribe(topics...)
	token.Wait()

	if token.Error() != nil {
		return fmt.Errorf("failed to unsubscribe: %w", token.Error())
	}

	c.mu.Lock()
	for _, topic := range topics {
		delete(c.subscriptions, topic)
	}
	c.mu.Unlock()

	return nil
}

// Disconnect 断开连接
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.client.Disconnect(250) // 250ms等待时间
}

// IsConnected 检查连接状态
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Status 返回连接状态快照
func (c *Client) Status() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionStatus{
		Connected:         c.client.IsConnected(),
		ClientID:          c.config.ClientID,
		LastConnected:     c.lastConnected,
		LastDisconnected:  c.lastDisconnected,
		ReconnectAttempts: c.reconnectAttempts,
	}
}

// onConnect 连接建立后恢复订阅
func (c *Client) onConnect(_ mqtt.Client) {
	now := time.Now()

	c.mu.Lock()
	c.lastConnected = &now
	c.reconnectAttempts = 0
	subs := make(map[string]subscription, len(c.subscriptions))
	for topic, sub := range c.subscriptions {
		subs[topic] = sub
	}
	c.mu.Unlock()

	c.logger.Info("MQTT connected", zap.String("broker", c.config.Broker))

	for topic, sub := range subs {
		if err := c.Subscribe(topic, sub.qos, sub.handler); err != nil {
			c.logger.Error("Failed to restore subscription",
				zap.String("topic", topic),
				zap.Error(err),
			)
		}
	}
}

// onConnectionLost 连接丢失后启动有界重连
func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	now := time.Now()

	c.mu.Lock()
	c.lastDisconnected = &now
	closed := c.closed
	c.mu.Unlock()

	c.logger.Warn("MQTT connection lost", zap.Error(err))

	if closed {
		return
	}

	go c.reconnectLoop()
}

// reconnectLoop 按固定间隔重连，超过最大次数后放弃，
// 之后由调用方通过 Connect 手动恢复
func (c *Client) reconnectLoop() {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.reconnectAttempts++
		attempt := c.reconnectAttempts
		max := c.config.MaxReconnects
		c.mu.Unlock()

		if max > 0 && attempt > max {
			c.logger.Error("MQTT reconnect attempts exhausted, giving up",
				zap.Int("max_reconnects", max),
			)
			return
		}

		time.Sleep(reconnectDelay)

		c.logger.Info("Attempting MQTT reconnect",
			zap.Int("attempt", attempt),
			zap.Int("max_reconnects", max),
		)

		if token := c.client.Connect(); token.Wait() && token.Error() == nil {
			return
		}
	}
}
