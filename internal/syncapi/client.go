package syncapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/langchou/geotrackd/internal/models"
)

// BatchItem 一次批量同步中的单个载荷
type BatchItem struct {
	PayloadID   string             `json:"payload_id"`
	PayloadType models.PayloadType `json:"payload_type"`
	Payload     json.RawMessage    `json:"payload"`
}

// ItemAck 服务端对单个载荷的确认
type ItemAck struct {
	PayloadID string `json:"payload_id"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

type batchRequest struct {
	DeviceID string      `json:"device_id"`
	Items    []BatchItem `json:"items"`
}

type batchResponse struct {
	Results []ItemAck `json:"results"`
}

// Client 后端批量同步客户端
type Client struct {
	logger     *zap.Logger
	httpClient *http.Client
	endpoint   string
	deviceID   string
}

// NewClient 创建同步客户端
func NewClient(logger *zap.Logger, endpoint, deviceID string, timeout time.Duration) *Client {
	return &Client{
		logger:     logger,
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   endpoint,
		deviceID:   deviceID,
	}
}

// SyncBatch 批量上传载荷，返回逐条确认。
// 载荷以生产者铸造的 payload_id 标识，服务端按 id 去重实现至少一次投递。
func (c *Client) SyncBatch(ctx context.Context, items []BatchItem) ([]ItemAck, error) {
	body, err := json.Marshal(batchRequest{DeviceID: c.deviceID, Items: items})
	if err != nil {
		return nil, fmt.Errorf("marshal sync batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create sync request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post sync batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("sync batch failed: status %d: %s", resp.StatusCode, string(data))
	}

	var out batchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode sync response: %w", err)
	}
	return out.Results, nil
}
