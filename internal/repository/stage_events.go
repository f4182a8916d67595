package repository

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"dreamgate/internal/models"
	"dreamgate/internal/redisx"
)

// StageEventPublisher 分期变化事件发布器（Redis Streams）
//
// 只在实际发生分期转移时发布，供外部消费者（播放设备、看板）订阅。
type StageEventPublisher struct {
	client *redis.Client
	stream string
	logger *zap.Logger
}

// NewStageEventPublisher 创建事件发布器
func NewStageEventPublisher(client *redis.Client, stream string, logger *zap.Logger) *StageEventPublisher {
	return &StageEventPublisher{
		client: client,
		stream: stream,
		logger: logger,
	}
}

// Publish 发布一条分期变化事件
func (p *StageEventPublisher) Publish(ctx context.Context, event *models.StageChangeEvent) error {
	id, err := redisx.PublishJSONToStream(ctx, p.client, p.stream, event)
	if err != nil {
		return fmt.Errorf("failed to publish stage change event: %w", err)
	}

	p.logger.Debug("Published stage change event",
		zap.String("stream", p.stream),
		zap.String("message_id", id),
		zap.String("from", string(event.From)),
		zap.String("to", string(event.To)),
	)
	return nil
}
