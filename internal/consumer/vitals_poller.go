package consumer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"dreamgate/internal/models"
	"dreamgate/internal/pubsub"
)

// 单次轮询的超时，小于轮询间隔以免慢调用堆积
const pollTimeout = 10 * time.Second

// VitalsProvider 当前生命体征来源（可穿戴平台客户端）
type VitalsProvider interface {
	GetCurrentVitals(ctx context.Context) (*models.VitalsSnapshot, error)
}

// VitalsPoller 生命体征轮询器
//
// 按固定间隔从可穿戴平台拉取快照并推送给订阅者。单次失败只记录
// 日志，下个周期继续；取消上下文时进行中的请求一并取消。
type VitalsPoller struct {
	provider VitalsProvider
	interval time.Duration
	feed     *pubsub.Feed[*models.VitalsSnapshot]
	logger   *zap.Logger
}

// NewVitalsPoller 创建轮询器
func NewVitalsPoller(provider VitalsProvider, interval time.Duration, logger *zap.Logger) *VitalsPoller {
	return &VitalsPoller{
		provider: provider,
		interval: interval,
		feed:     pubsub.NewFeed[*models.VitalsSnapshot](),
		logger:   logger,
	}
}

// Subscribe 订阅生命体征快照
func (p *VitalsPoller) Subscribe(cb func(*models.VitalsSnapshot)) pubsub.Unsubscribe {
	return p.feed.Subscribe(cb)
}

// Start 启动轮询循环，阻塞到上下文取消
//
// 启动后立即执行一次，不等首个周期。
func (p *VitalsPoller) Start(ctx context.Context) error {
	p.logger.Info("Vitals poller started",
		zap.Duration("interval", p.interval),
	)

	p.pollOnce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Vitals poller stopped")
			return nil
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

// pollOnce 执行单次轮询
//
// 拉取失败或快照无任何读数时投递空快照，下游把信号缺失视为置信度
// 归零而不是沿用旧值（可穿戴设备被摘下后播放门必须关闭）。
func (p *VitalsPoller) pollOnce(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	snapshot, err := p.provider.GetCurrentVitals(pollCtx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.logger.Warn("Failed to poll vitals", zap.Error(err))
		snapshot = &models.VitalsSnapshot{Timestamp: time.Now()}
	}
	if snapshot == nil {
		snapshot = &models.VitalsSnapshot{Timestamp: time.Now()}
	}
	if snapshot.IsEmpty() {
		p.logger.Debug("Vitals snapshot has no readings")
	}

	p.feed.Publish(snapshot)
}
