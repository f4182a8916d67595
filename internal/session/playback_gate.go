package session

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"dreamgate/internal/pubsub"
)

// remThreshold 播放门限
//
// 低于该置信度时梦境音频不得开始播放。固定值，不暴露为配置，
// 调用方不能绕过。
const remThreshold = 0.5

// REMEvent 播放门限事件
type REMEvent struct {
	SessionID  string    `json:"session_id"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence"`
}

// PlaybackGate REM 置信度的边沿触发门
//
// 置信度从下方越过门限时触发一次 onRemStart，跌回门限以下时触发
// 一次 onRemEnd。门限之上或之下的持续波动不重复触发。
type PlaybackGate struct {
	mu     sync.Mutex
	above  bool
	starts *pubsub.Feed[REMEvent]
	ends   *pubsub.Feed[REMEvent]
	logger *zap.Logger
}

// NewPlaybackGate 创建播放门
func NewPlaybackGate(logger *zap.Logger) *PlaybackGate {
	return &PlaybackGate{
		starts: pubsub.NewFeed[REMEvent](),
		ends:   pubsub.NewFeed[REMEvent](),
		logger: logger,
	}
}

// SubscribeREMStart 订阅 onRemStart 事件
func (g *PlaybackGate) SubscribeREMStart(cb func(REMEvent)) pubsub.Unsubscribe {
	return g.starts.Subscribe(cb)
}

// SubscribeREMEnd 订阅 onRemEnd 事件
func (g *PlaybackGate) SubscribeREMEnd(cb func(REMEvent)) pubsub.Unsubscribe {
	return g.ends.Subscribe(cb)
}

// Observe 喂入一次 REM 置信度更新
//
// 发布在释放锁之后进行，订阅回调里可以安全地回查 IsOpen。
func (g *PlaybackGate) Observe(sessionID string, confidence float64, ts time.Time) {
	event := REMEvent{SessionID: sessionID, Timestamp: ts, Confidence: confidence}

	g.mu.Lock()
	var fire *pubsub.Feed[REMEvent]
	switch {
	case confidence >= remThreshold && !g.above:
		g.above = true
		fire = g.starts
	case confidence < remThreshold && g.above:
		g.above = false
		fire = g.ends
	}
	g.mu.Unlock()

	if fire == nil {
		return
	}
	if fire == g.starts {
		g.logger.Info("REM playback window opened",
			zap.String("session_id", sessionID),
			zap.Float64("confidence", confidence),
		)
	} else {
		g.logger.Info("REM playback window closed",
			zap.String("session_id", sessionID),
			zap.Float64("confidence", confidence),
		)
	}
	fire.Publish(event)
}

// Reset 会话结束时关闭门
//
// 若门处于打开状态则触发一次 onRemEnd（播放必须停止）。
func (g *PlaybackGate) Reset(sessionID string, ts time.Time) {
	g.mu.Lock()
	wasOpen := g.above
	g.above = false
	g.mu.Unlock()

	if wasOpen {
		g.ends.Publish(REMEvent{SessionID: sessionID, Timestamp: ts})
	}
}

// IsOpen 门当前是否打开
func (g *PlaybackGate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.above
}
