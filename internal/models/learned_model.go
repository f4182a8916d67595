package models

import "time"

// StageProfile 单个分期的 HR/HRV 统计特征
type StageProfile struct {
	HRMean  float64 `json:"hr_mean"`
	HRStd   float64 `json:"hr_std"`
	HRVMean float64 `json:"hrv_mean"`
	HRVStd  float64 `json:"hrv_std"`
}

// ValidationReport 模型验证报告
//
// 在留出的最后一个夜晚上回放分类器得到的指标。
type ValidationReport struct {
	Accuracy         float64 `json:"accuracy"`
	REMSensitivity   float64 `json:"rem_sensitivity"`
	AwakeSensitivity float64 `json:"awake_sensitivity"`
	AwakePrecision   float64 `json:"awake_precision"`
	SamplesEvaluated int     `json:"samples_evaluated"`
	NightsAnalyzed   int     `json:"nights_analyzed"`
	SegmentsUsed     int     `json:"segments_used"`
}

// LearnedModel 学习得到的个性化分类模型
//
// 训练完成后不可变，新版本原子替换旧版本。持久化为 JSON blob
// （Redis），会话启动时加载，读路径只持有不可变快照。
type LearnedModel struct {
	Version   int       `json:"version"`
	TrainedAt time.Time `json:"trained_at"`

	// 按入睡后 30 分钟分桶的经验清醒先验 P(awake | bin)
	AwakePriorByBin map[int]float64 `json:"awake_prior_by_bin"`

	// 区分清醒/睡眠 mean_diff 分布的标量阈值
	MeanDiffThreshold float64 `json:"mean_diff_threshold"`

	// 各分期的 HR/HRV 统计特征
	StageProfiles map[SleepStage]StageProfile `json:"stage_profiles"`

	// 分期转移概率（用于时间平滑）
	Transitions map[SleepStage]map[SleepStage]float64 `json:"transitions,omitempty"`

	// 静息心率基线（mean_diff 的参考点）
	RestingHR float64 `json:"resting_hr"`

	// 个人 REM 倾向因子 [0,1]（历史 REM 占比相对典型值的比例）
	REMPropensity float64 `json:"rem_propensity"`

	Validation *ValidationReport `json:"validation,omitempty"`
}

// AwakePrior 返回指定 30 分钟桶的清醒先验
//
// 桶缺失时取最接近的已有桶（和训练脚本的行为一致），完全无桶时
// 返回 0.1 作为兜底。
func (m *LearnedModel) AwakePrior(bin int) float64 {
	if len(m.AwakePriorByBin) == 0 {
		return 0.1
	}
	if prior, ok := m.AwakePriorByBin[bin]; ok {
		return prior
	}
	closest := -1
	closestDist := 0
	for b := range m.AwakePriorByBin {
		dist := b - bin
		if dist < 0 {
			dist = -dist
		}
		if closest < 0 || dist < closestDist {
			closest = b
			closestDist = dist
		}
	}
	return m.AwakePriorByBin[closest]
}

// DynamicThreshold 按清醒先验调整后的 mean_diff 阈值
//
// 先验 > 25% 时阈值下调（更容易判为清醒），< 5% 时上调
// （夜间深处误报清醒的代价更高）。
func (m *LearnedModel) DynamicThreshold(bin int) float64 {
	prior := m.AwakePrior(bin)
	switch {
	case prior > 0.25:
		return m.MeanDiffThreshold * 0.85
	case prior < 0.05:
		return m.MeanDiffThreshold * 1.3
	default:
		return m.MeanDiffThreshold
	}
}

// Age 模型年龄
func (m *LearnedModel) Age(now time.Time) time.Duration {
	return now.Sub(m.TrainedAt)
}
