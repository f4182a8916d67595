package wearable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"dreamgate/internal/models"
)

// ErrPermissionDenied 可穿戴平台拒绝授权（用户未授予健康数据权限）
var ErrPermissionDenied = errors.New("wearable: permission denied")

// apiToken 可穿戴平台认证 Token
type apiToken struct {
	AppID     string `json:"appId"`
	SecretKey string `json:"secretKey"`
}

// apiRequest 可穿戴平台 API 请求
type apiRequest struct {
	Token *apiToken      `json:"token"`
	Data  map[string]any `json:"data,omitempty"`
}

// apiResponse 可穿戴平台 API 响应
//
// status 0 为成功；403 为权限未授予，映射到 ErrPermissionDenied。
type apiResponse struct {
	Status int             `json:"status"`
	Msg    string          `json:"msg"`
	Data   json.RawMessage `json:"data"`
}

const statusPermissionDenied = 403

// Client 可穿戴平台 API 客户端
//
// 提供当前生命体征和历史数据（HR/HRV/呼吸率/带标注睡眠记录），
// 历史数据是模型训练的监督信号来源。
type Client struct {
	httpClient *resty.Client
	token      *apiToken
	logger     *zap.Logger
}

// NewClient 创建可穿戴平台客户端
func NewClient(baseURL, appID, secretKey string, logger *zap.Logger) *Client {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30*time.Second). // 历史数据拉取可能较慢
		SetRetryCount(3).
		SetRetryWaitTime(1*time.Second).
		SetRetryMaxWaitTime(5*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Client{
		httpClient: client,
		token: &apiToken{
			AppID:     appID,
			SecretKey: secretKey,
		},
		logger: logger,
	}
}

// call 统一的 POST 调用：组装 token、检查业务状态码、解出 data
func (c *Client) call(ctx context.Context, path string, data map[string]any, out any) error {
	request := apiRequest{
		Token: c.token,
		Data:  data,
	}

	var response apiResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(request).
		SetResult(&response).
		Post(path)
	if err != nil {
		c.logger.Error("Wearable API call failed",
			zap.String("path", path),
			zap.Error(err),
		)
		return fmt.Errorf("failed to call wearable API %s: %w", path, err)
	}
	if resp.StatusCode() >= 400 {
		return fmt.Errorf("wearable API %s: HTTP %d", path, resp.StatusCode())
	}

	if response.Status == statusPermissionDenied {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, response.Msg)
	}
	if response.Status != 0 {
		c.logger.Error("Wearable API returned error",
			zap.String("path", path),
			zap.Int("status", response.Status),
			zap.String("msg", response.Msg),
		)
		return fmt.Errorf("wearable API error: %s (status: %d)", response.Msg, response.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(response.Data, out); err != nil {
		return fmt.Errorf("failed to unmarshal wearable API response: %w", err)
	}
	return nil
}

// CheckAvailability 检查平台可达性和权限授予状态
func (c *Client) CheckAvailability(ctx context.Context) error {
	return c.call(ctx, "/health/availability", nil, nil)
}

// GetCurrentVitals 获取当前生命体征快照
//
// 缺失字段保持 nil，由分类器按可用字段折算置信度。
func (c *Client) GetCurrentVitals(ctx context.Context) (*models.VitalsSnapshot, error) {
	var snapshot models.VitalsSnapshot
	if err := c.call(ctx, "/vitals/current", nil, &snapshot); err != nil {
		return nil, err
	}
	if snapshot.Timestamp.IsZero() {
		snapshot.Timestamp = time.Now()
	}
	return &snapshot, nil
}

// GetRecentHeartRate 获取最近 hoursBack 小时的心率样本
func (c *Client) GetRecentHeartRate(ctx context.Context, hoursBack float64) ([]models.HRSample, error) {
	var samples []models.HRSample
	err := c.call(ctx, "/history/heart-rate", map[string]any{
		"hoursBack": hoursBack,
	}, &samples)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("Retrieved heart rate history",
		zap.Float64("hours_back", hoursBack),
		zap.Int("sample_count", len(samples)),
	)
	return samples, nil
}

// GetRecentHRV 获取最近 hoursBack 小时的 HRV（RMSSD）样本
func (c *Client) GetRecentHRV(ctx context.Context, hoursBack float64) ([]models.HRVSample, error) {
	var samples []models.HRVSample
	err := c.call(ctx, "/history/hrv", map[string]any{
		"hoursBack": hoursBack,
	}, &samples)
	if err != nil {
		return nil, err
	}
	return samples, nil
}

// GetRecentRespiratoryRate 获取最近 hoursBack 小时的呼吸率样本
func (c *Client) GetRecentRespiratoryRate(ctx context.Context, hoursBack float64) ([]models.RespiratorySample, error) {
	var samples []models.RespiratorySample
	err := c.call(ctx, "/history/respiratory-rate", map[string]any{
		"hoursBack": hoursBack,
	}, &samples)
	if err != nil {
		return nil, err
	}
	return samples, nil
}

// GetRecentSleepSegments 获取最近 hoursBack 小时的带分期标注睡眠片段
func (c *Client) GetRecentSleepSegments(ctx context.Context, hoursBack float64) ([]models.LabeledSegment, error) {
	var segments []models.LabeledSegment
	err := c.call(ctx, "/history/sleep-sessions", map[string]any{
		"hoursBack": hoursBack,
	}, &segments)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("Retrieved labeled sleep segments",
		zap.Float64("hours_back", hoursBack),
		zap.Int("segment_count", len(segments)),
	)
	return segments, nil
}
