package classifier

import (
	"math"
	"time"

	"dreamgate/internal/models"
)

// TwoStageOptions 两段式分类器的标定参数
//
// 默认值是历史数据上调优的经验常量，按配置传入。
type TwoStageOptions struct {
	CVThreshold            float64 // REM 判定的 CV 阈值
	REMConsecutiveRequired int     // REM 提交需要的连续合格窗口数
	AwakeScoreThreshold    float64 // awake_score 判定阈值
	REMMinOnsetMinutes     float64 // 入睡后多少分钟内不判 REM
	CycleLengthMinutes     float64 // 睡眠周期长度（分钟）
	MaxRecentHR            int     // mean_diff 滚动窗口大小
	MaxRMSSDHistory        int     // RMSSD 滚动窗口大小
}

// DefaultTwoStageOptions 默认标定参数
func DefaultTwoStageOptions() TwoStageOptions {
	return TwoStageOptions{
		CVThreshold:            0.20,
		REMConsecutiveRequired: 2,
		AwakeScoreThreshold:    0.4,
		REMMinOnsetMinutes:     70,
		CycleLengthMinutes:     90,
		MaxRecentHR:            20,
		MaxRMSSDHistory:        10,
	}
}

// TwoStageResult 两段式分类结果
type TwoStageResult struct {
	Stage                 models.SleepStage
	ConsecutiveREMSignals int
	REMConfidence         float64 // [0,1]
	AwakeScore            float64
	MeanDiff              float64
	CV                    float64
}

// TwoStageClassifier REM 优化的两段式分类器
//
// 叠加在生命体征之上的专用决策过程，依赖学习模型的先验和阈值：
// 1. 清醒/睡眠：HR 波动信号（mean_diff 对动态阈值）加时间先验
// 2. REM/NREM（仅在睡眠时）：RMSSD 滚动窗口的变异系数 + 时间滞后
//
// 滚动缓冲由单一生产者（生命体征轮询协程）独占，调用方无需加锁。
type TwoStageClassifier struct {
	opts TwoStageOptions

	recentHRs    []float64
	rmssdHistory []float64
	remGate      *Hysteresis
	prevStage    models.SleepStage
}

// NewTwoStageClassifier 创建两段式分类器
func NewTwoStageClassifier(opts TwoStageOptions) *TwoStageClassifier {
	return &TwoStageClassifier{
		opts:      opts,
		remGate:   NewHysteresis(opts.REMConsecutiveRequired),
		prevStage: models.StageLight,
	}
}

// Reset 清空滚动状态（会话启动时）
func (c *TwoStageClassifier) Reset() {
	c.recentHRs = nil
	c.rmssdHistory = nil
	c.remGate.Reset()
	c.prevStage = models.StageLight
}

// Classify 对单个 HR/HRV 样本分类
//
// hrv 缺失时从 HR 逐次差分推导 RMSSD（和训练数据口径一致）。
// model 为只读快照，训练协程换入新版本不影响进行中的调用。
func (c *TwoStageClassifier) Classify(hr float64, hrv *float64, ts, sessionStart time.Time, model *models.LearnedModel) TwoStageResult {
	c.recentHRs = append(c.recentHRs, hr)
	if len(c.recentHRs) > c.opts.MaxRecentHR {
		c.recentHRs = c.recentHRs[1:]
	}

	meanDiff, derivedRMSSD := hrDiffStats(c.recentHRs)

	rmssd := derivedRMSSD
	if hrv != nil {
		rmssd = *hrv
	}
	c.rmssdHistory = append(c.rmssdHistory, rmssd)
	if len(c.rmssdHistory) > c.opts.MaxRMSSDHistory {
		c.rmssdHistory = c.rmssdHistory[1:]
	}

	minutes := ts.Sub(sessionStart).Minutes()
	bin := int(minutes / 30)
	cv := coefficientOfVariation(c.rmssdHistory)

	// 第一段：清醒 vs 睡眠
	dynThreshold := model.DynamicThreshold(bin)
	hrSignal := clamp01((meanDiff - dynThreshold + 1.5) / 3.0)
	timePrior := model.AwakePrior(bin)
	awakeScore := 0.7*hrSignal + 0.3*timePrior

	result := TwoStageResult{
		AwakeScore: awakeScore,
		MeanDiff:   meanDiff,
		CV:         cv,
	}

	if awakeScore > c.opts.AwakeScoreThreshold {
		c.remGate.Reset()
		c.prevStage = models.StageAwake
		result.Stage = models.StageAwake
		return result
	}

	// 第二段：REM vs NREM
	stage := c.classifyAsleep(cv, minutes, hr, hrv, model)
	result.Stage = stage
	result.ConsecutiveREMSignals = c.remGate.Count()
	result.REMConfidence = c.remConfidence(stage, minutes, model)
	c.prevStage = stage
	return result
}

// classifyAsleep REM/NREM 决策（含滞后）
func (c *TwoStageClassifier) classifyAsleep(cv, minutes float64, hr float64, hrv *float64, model *models.LearnedModel) models.SleepStage {
	if minutes < c.opts.REMMinOnsetMinutes {
		// 入睡初期不可能是 REM，计数也不累积
		c.remGate.Reset()
		return c.nremStage(hr, hrv, model)
	}

	committed := c.remGate.Observe(cv < c.opts.CVThreshold)
	if committed {
		return models.StageREM
	}

	// REM 退出滞后：已处于 REM 且 CV 只是略微超阈时维持 REM，
	// 避免单个噪声样本打断播放
	if c.prevStage == models.StageREM && cv < c.opts.CVThreshold*1.5 {
		return models.StageREM
	}

	return c.nremStage(hr, hrv, model)
}

// nremStage NREM 细分（light/deep）
//
// 有学习特征时按 z 距离选择，否则默认 light。
func (c *TwoStageClassifier) nremStage(hr float64, hrv *float64, model *models.LearnedModel) models.SleepStage {
	lightProfile, hasLight := model.StageProfiles[models.StageLight]
	deepProfile, hasDeep := model.StageProfiles[models.StageDeep]
	if !hasLight || !hasDeep || lightProfile.HRStd <= 0 || deepProfile.HRStd <= 0 {
		return models.StageLight
	}

	zLight := math.Abs(hr-lightProfile.HRMean) / lightProfile.HRStd
	zDeep := math.Abs(hr-deepProfile.HRMean) / deepProfile.HRStd
	if zDeep < zLight {
		return models.StageDeep
	}
	return models.StageLight
}

// remConfidence REM 置信度
//
// 多个独立加成逐项累加并封顶：
// - 入睡 70 分钟后 +0.15（此前 REM 极少见）
// - 处于学习到的睡眠周期 REM 窗口内 +0.1
// - 连续合格窗口 min(0.2, n*0.05)
// - 个人 REM 倾向因子 +0.1*propensity
// 最终截断到 [0,1]。
func (c *TwoStageClassifier) remConfidence(stage models.SleepStage, minutes float64, model *models.LearnedModel) float64 {
	if stage == models.StageAwake {
		return 0
	}

	conf := 0.0
	if minutes > c.opts.REMMinOnsetMinutes {
		conf += 0.15
	}
	if c.inREMWindow(minutes) {
		conf += 0.1
	}

	consecutiveBonus := float64(c.remGate.Count()) * 0.05
	if consecutiveBonus > 0.2 {
		consecutiveBonus = 0.2
	}
	conf += consecutiveBonus

	conf += 0.1 * clamp01(model.REMPropensity)

	return clamp01(conf)
}

// inREMWindow 当前时刻是否落在睡眠周期的 REM 窗口内
//
// 90 分钟周期的后 35%（位置 ≥ 0.65）是 REM 密集段。
func (c *TwoStageClassifier) inREMWindow(minutes float64) bool {
	if minutes < c.opts.REMMinOnsetMinutes || c.opts.CycleLengthMinutes <= 0 {
		return false
	}
	position := math.Mod(minutes, c.opts.CycleLengthMinutes) / c.opts.CycleLengthMinutes
	return position >= 0.65
}

// hrDiffStats 由 HR 滚动窗口计算 mean_diff 和推导 RMSSD
//
// mean_diff = 最近 10 个逐次绝对差的均值；RMSSD = 逐次差的均方根。
// 样本不足时返回保守值（mean_diff 0 / RMSSD 10，和训练口径一致）。
func hrDiffStats(hrs []float64) (meanDiff, rmssd float64) {
	if len(hrs) < 2 {
		return 0, 10
	}

	diffs := make([]float64, 0, len(hrs)-1)
	sumSq := 0.0
	for i := 1; i < len(hrs); i++ {
		d := math.Abs(hrs[i] - hrs[i-1])
		diffs = append(diffs, d)
		sumSq += d * d
	}
	rmssd = math.Sqrt(sumSq / float64(len(diffs)))

	tail := diffs
	if len(tail) > 10 {
		tail = tail[len(tail)-10:]
	}
	sum := 0.0
	for _, d := range tail {
		sum += d
	}
	meanDiff = sum / float64(len(tail))
	return meanDiff, rmssd
}

// coefficientOfVariation RMSSD 窗口的变异系数
//
// 窗口不足 3 个样本或均值过小（<0.1）时返回保守值 0.5
// （不会触发 REM 信号）。
func coefficientOfVariation(values []float64) float64 {
	if len(values) < 3 {
		return 0.5
	}

	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	if mean < 0.1 {
		return 0.5
	}

	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))

	return math.Sqrt(variance) / mean
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
