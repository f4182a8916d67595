// Package audio 提供音频呼吸分析功能
//
// 主要功能：
// - 自动增益控制（AGC）：跟踪滚动目标电平，保证阈值稳定
// - 呼吸事件检测：噪声底之上的局部能量峰
// - 呼吸率/规律度计算：基于呼吸间隔
// - 粗粒度分期估计：呼吸率 + 规律度的启发式映射
//
// 原始电平订阅和分析结果订阅相互独立，校准 UI 只订阅电平即可。
package audio

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"dreamgate/internal/models"
	"dreamgate/internal/pubsub"
)

// 呼吸峰检测参数
const (
	peakFactor        = 1.8  // 峰值需超过噪声底的倍数
	noiseFloorRate    = 0.01 // 噪声底 EMA 速率（慢）
	decayFactor       = 0.85 // 超时后每个周期的置信度衰减
	minIntervals      = 2    // 计算呼吸率所需的最少间隔数
	confidenceSamples = 30   // 置信度达到满样本因子所需的样本数
)

// Options 分析器选项
type Options struct {
	AGCTargetLevel float64
	AGCAdaptRate   float64
	MinBreathGap   time.Duration // 两次呼吸事件的最小间隔
	BreathRingSize int           // recentBreathTimes 有界环大小
	SampleTimeout  time.Duration // 无样本超时（置信度开始衰减）
}

// BreathingAnalyzer 音频呼吸分析器
//
// 消费固定节奏到达的原始 RMS 能量样本，推送 BreathingAnalysis 更新。
// 状态只由单一音频生产者写入；后台衰减协程与生产者之间用互斥锁保护。
type BreathingAnalyzer struct {
	opts   Options
	logger *zap.Logger

	mu          sync.Mutex
	agc         *AGC
	noiseFloor  float64
	prevLevel   float64
	rising      bool
	breathTimes []time.Time
	lastBreath  *time.Time
	sampleCount int
	peakLevel   float64
	lastSample  time.Time
	current     models.BreathingAnalysis

	rawFeed      *pubsub.Feed[models.RawAudioSample]
	analysisFeed *pubsub.Feed[models.BreathingAnalysis]
}

// NewBreathingAnalyzer 创建呼吸分析器
func NewBreathingAnalyzer(opts Options, logger *zap.Logger) *BreathingAnalyzer {
	if opts.BreathRingSize <= 0 {
		opts.BreathRingSize = 16
	}
	if opts.MinBreathGap <= 0 {
		opts.MinBreathGap = 1500 * time.Millisecond
	}
	if opts.SampleTimeout <= 0 {
		opts.SampleTimeout = 10 * time.Second
	}
	return &BreathingAnalyzer{
		opts:         opts,
		logger:       logger,
		agc:          NewAGC(opts.AGCTargetLevel, opts.AGCAdaptRate),
		rawFeed:      pubsub.NewFeed[models.RawAudioSample](),
		analysisFeed: pubsub.NewFeed[models.BreathingAnalysis](),
	}
}

// SubscribeRaw 订阅校正后的原始电平（校准 UI 用，独立于分析订阅）
func (b *BreathingAnalyzer) SubscribeRaw(cb func(models.RawAudioSample)) pubsub.Unsubscribe {
	return b.rawFeed.Subscribe(cb)
}

// SubscribeAnalysis 订阅呼吸分析结果
func (b *BreathingAnalyzer) SubscribeAnalysis(cb func(models.BreathingAnalysis)) pubsub.Unsubscribe {
	return b.analysisFeed.Subscribe(cb)
}

// CurrentGain 当前 AGC 增益
func (b *BreathingAnalyzer) CurrentGain() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.agc.CurrentGain()
}

// Reset 重置分析状态（会话/校准启动时）
func (b *BreathingAnalyzer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.agc.Reset()
	b.noiseFloor = 0
	b.prevLevel = 0
	b.rising = false
	b.breathTimes = nil
	b.lastBreath = nil
	b.sampleCount = 0
	b.peakLevel = 0
	b.current = models.BreathingAnalysis{EstimatedStage: models.StageUnknown}
}

// Process 处理单个原始音频样本
//
// 在音频生产者的 goroutine 内调用；回调同步执行。
func (b *BreathingAnalyzer) Process(sample models.RawAudioSample) {
	b.mu.Lock()

	level := b.agc.Apply(sample.Level)
	b.sampleCount++
	b.lastSample = sample.Timestamp

	// 噪声底：慢速 EMA；电平低于噪声底时加速下探
	if b.noiseFloor == 0 {
		b.noiseFloor = level
	} else if level < b.noiseFloor {
		b.noiseFloor = (1-noiseFloorRate*5)*b.noiseFloor + noiseFloorRate*5*level
	} else {
		b.noiseFloor = (1-noiseFloorRate)*b.noiseFloor + noiseFloorRate*level
	}

	// 峰检测：上升沿越过阈值后回落即记为一次呼吸事件
	threshold := b.noiseFloor * peakFactor
	if level > threshold && level > b.prevLevel {
		b.rising = true
	} else if b.rising && level < b.prevLevel {
		b.rising = false
		b.recordBreath(sample.Timestamp, b.prevLevel)
	}
	b.prevLevel = level

	analysis := b.computeAnalysis()
	b.current = analysis
	b.mu.Unlock()

	b.rawFeed.Publish(models.RawAudioSample{Level: level, Timestamp: sample.Timestamp})
	b.analysisFeed.Publish(analysis)
}

// recordBreath 记录一次呼吸事件（调用方持锁）
func (b *BreathingAnalyzer) recordBreath(ts time.Time, peak float64) {
	if b.lastBreath != nil && ts.Sub(*b.lastBreath) < b.opts.MinBreathGap {
		return // 间隔过短，视为同一次呼吸的余波
	}
	// 峰电平 EMA，信噪比估计的分子
	if b.peakLevel == 0 {
		b.peakLevel = peak
	} else {
		b.peakLevel = 0.7*b.peakLevel + 0.3*peak
	}
	t := ts
	b.lastBreath = &t
	b.breathTimes = append(b.breathTimes, ts)
	if len(b.breathTimes) > b.opts.BreathRingSize {
		b.breathTimes = b.breathTimes[1:]
	}
}

// computeAnalysis 由当前状态计算分析结果（调用方持锁）
func (b *BreathingAnalyzer) computeAnalysis() models.BreathingAnalysis {
	analysis := models.BreathingAnalysis{
		EstimatedStage:    models.StageUnknown,
		LastBreathTime:    b.lastBreath,
		RecentBreathTimes: append([]time.Time(nil), b.breathTimes...),
	}

	intervals := make([]float64, 0, len(b.breathTimes))
	for i := 1; i < len(b.breathTimes); i++ {
		intervals = append(intervals, b.breathTimes[i].Sub(b.breathTimes[i-1]).Seconds())
	}

	if len(intervals) < minIntervals {
		return analysis
	}

	mean := 0.0
	for _, iv := range intervals {
		mean += iv
	}
	mean /= float64(len(intervals))
	if mean <= 0 {
		return analysis
	}

	variance := 0.0
	for _, iv := range intervals {
		variance += (iv - mean) * (iv - mean)
	}
	variance /= float64(len(intervals))
	cv := math.Sqrt(variance) / mean

	analysis.IsBreathingDetected = true
	analysis.BreathsPerMinute = 60.0 / mean

	// 间隔方差越小规律度越高
	regularity := 1.0 - cv
	if regularity < 0 {
		regularity = 0
	}
	analysis.Regularity = regularity

	// 置信度 = 信噪比因子 × 样本数因子
	snr := 0.0
	if b.noiseFloor > 1e-9 {
		snr = b.peakLevel / b.noiseFloor
	}
	snrFactor := (snr - 1.0) / 2.0
	if snrFactor < 0 {
		snrFactor = 0
	}
	if snrFactor > 1 {
		snrFactor = 1
	}
	countFactor := float64(b.sampleCount) / confidenceSamples
	if countFactor > 1 {
		countFactor = 1
	}
	analysis.ConfidenceScore = snrFactor * countFactor

	analysis.EstimatedStage = estimateStage(analysis.BreathsPerMinute, regularity)
	return analysis
}

// estimateStage 呼吸率 + 规律度到粗分期的启发式映射
//
// 经验区间（区间有重叠，重叠处按规律度裁决）：
// - 不规律或过快 → awake
// - 偏快且中等变异 (>16 bpm) → rem
// - 规律 8–16 bpm → light
// - 非常规律且 <12 bpm → deep
func estimateStage(bpm, regularity float64) models.SleepStage {
	switch {
	case regularity < 0.3 || bpm > 22:
		return models.StageAwake
	case bpm > 16:
		if regularity >= 0.7 {
			return models.StageAwake
		}
		return models.StageREM
	case bpm < 12 && regularity >= 0.8:
		return models.StageDeep
	case bpm >= 8 && regularity >= 0.5:
		return models.StageLight
	case bpm < 8:
		return models.StageDeep
	default:
		return models.StageAwake
	}
}

// Start 启动置信度衰减监视协程
//
// 超过 SampleTimeout 没有样本到达时，置信度按周期衰减逼近 0 并继续
// 推送分析结果（降级而不是报错：下游融合继续用剩余信号源工作）。
func (b *BreathingAnalyzer) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if analysis, ok := b.decayIfStale(time.Now()); ok {
					b.analysisFeed.Publish(analysis)
				}
			}
		}
	}()
}

// decayIfStale 超时无样本时衰减置信度，返回需要推送的分析结果
func (b *BreathingAnalyzer) decayIfStale(now time.Time) (models.BreathingAnalysis, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lastSample.IsZero() || now.Sub(b.lastSample) < b.opts.SampleTimeout {
		return models.BreathingAnalysis{}, false
	}
	if b.current.ConfidenceScore <= 0.001 {
		b.current.ConfidenceScore = 0
		return models.BreathingAnalysis{}, false
	}

	b.current.ConfidenceScore *= decayFactor
	b.logger.Debug("No audio samples, decaying confidence",
		zap.Float64("confidence", b.current.ConfidenceScore),
	)
	return b.current, true
}
