package firmware

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"catcar-wash-iot/internal/models"
)

// manifestResponse 固件仓库 API 响应
type manifestResponse struct {
	Status int             `json:"status"`
	Msg    string          `json:"msg"`
	Data   json.RawMessage `json:"data"`
}

// Client 固件仓库客户端
// 按版本号查询固件元数据（下载地址、校验和、大小）
type Client struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewClient 创建固件仓库客户端
func NewClient(baseURL string, logger *zap.Logger) *Client {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Accept", "application/json")

	return &Client{
		httpClient: client,
		logger:     logger,
	}
}

// GetManifest 获取指定版本的固件清单
func (c *Client) GetManifest(version string) (*models.FirmwarePayload, error) {
	if version == "" {
		return nil, fmt.Errorf("firmware version is required")
	}

	c.logger.Info("Fetching firmware manifest",
		zap.String("version", version),
	)

	var response manifestResponse
	resp, err := c.httpClient.R().
		SetPathParam("version", version).
		SetResult(&response).
		Get("/manifests/{version}")

	if err != nil {
		c.logger.Error("Firmware registry call failed",
			zap.Error(err),
			zap.String("version", version),
		)
		return nil, fmt.Errorf("failed to call firmware registry: %w", err)
	}

	if resp.StatusCode() == 404 {
		return nil, fmt.Errorf("firmware version not found: %s", version)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("firmware registry returned status %d", resp.StatusCode())
	}

	if response.Status != 0 {
		c.logger.Error("Firmware registry returned error",
			zap.Int("status", response.Status),
			zap.String("msg", response.Msg),
		)
		return nil, fmt.Errorf("firmware registry error: %s (status: %d)", response.Msg, response.Status)
	}

	var manifest models.FirmwarePayload
	if err := json.Unmarshal(response.Data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to unmarshal firmware manifest: %w", err)
	}

	if manifest.URL == "" || manifest.Version == "" {
		return nil, fmt.Errorf("firmware manifest is incomplete for version %s", version)
	}

	c.logger.Info("Firmware manifest resolved",
		zap.String("version", manifest.Version),
		zap.String("url", manifest.URL),
		zap.Int64("size", manifest.Size),
	)

	return &manifest, nil
}
