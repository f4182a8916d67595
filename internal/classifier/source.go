// Package classifier 提供睡眠分期分类功能
//
// 分层结构：
//   - 信号源分类器（音频/生命体征）：各自独立给出 分期+置信度
//   - 混合融合分类器：按置信度加权融合两路信号，附带时间衰减的清醒先验
//   - REM 优化两段式分类器：基于学习模型的 清醒/睡眠 → REM/NREM 决策
//     （模型就绪后优先级高于生命体征源分类器）
package classifier

import (
	"math"

	"dreamgate/internal/models"
)

// 生命体征置信度基准（两个字段齐全时）
const vitalsBaseConfidence = 0.8

// AudioSourceClassifier 音频信号源分类器
//
// 直接复用呼吸分析的分期估计和置信度，统一为 SourceClassification 形态。
type AudioSourceClassifier struct{}

// NewAudioSourceClassifier 创建音频源分类器
func NewAudioSourceClassifier() *AudioSourceClassifier {
	return &AudioSourceClassifier{}
}

// Classify 将呼吸分析结果映射为信号源分类
func (c *AudioSourceClassifier) Classify(analysis models.BreathingAnalysis) models.SourceClassification {
	if !analysis.IsBreathingDetected || analysis.EstimatedStage == models.StageUnknown {
		return models.SourceClassification{Stage: models.StageUnknown, Confidence: 0}
	}
	return models.SourceClassification{
		Stage:      analysis.EstimatedStage,
		Confidence: analysis.ConfidenceScore,
	}
}

// VitalsSourceClassifier 生命体征信号源分类器
//
// 故意保持简单（阈值/特征查表）：更精细的决策在两段式分类器里，
// 模型训练完成后由其接管。
type VitalsSourceClassifier struct{}

// NewVitalsSourceClassifier 创建生命体征源分类器
func NewVitalsSourceClassifier() *VitalsSourceClassifier {
	return &VitalsSourceClassifier{}
}

// Classify 对单个生命体征快照分类
//
// HR/HRV 字段缺失按比例降低置信度；全部缺失返回 {unknown, 0}。
// model 可为 nil（未训练时退化为静态阈值）。
func (c *VitalsSourceClassifier) Classify(snap *models.VitalsSnapshot, model *models.LearnedModel) models.SourceClassification {
	if snap == nil || snap.IsEmpty() {
		return models.SourceClassification{Stage: models.StageUnknown, Confidence: 0}
	}

	fields := 0.0
	if snap.HeartRate != nil {
		fields++
	}
	if snap.HRV != nil {
		fields++
	}
	if fields == 0 {
		// 只有呼吸率：分期无从判断
		return models.SourceClassification{Stage: models.StageUnknown, Confidence: 0}
	}

	confidence := vitalsBaseConfidence * fields / 2

	var stage models.SleepStage
	if model != nil && len(model.StageProfiles) > 0 {
		stage = closestProfileStage(snap, model)
	} else {
		stage = staticVitalsStage(snap)
	}

	return models.SourceClassification{Stage: stage, Confidence: confidence}
}

// closestProfileStage 按学习到的分期特征选择 z 距离最近的分期
func closestProfileStage(snap *models.VitalsSnapshot, model *models.LearnedModel) models.SleepStage {
	best := models.StageUnknown
	bestDist := math.Inf(1)

	for _, stage := range models.AllStages {
		profile, ok := model.StageProfiles[stage]
		if !ok {
			continue
		}

		dist := 0.0
		n := 0
		if snap.HeartRate != nil && profile.HRStd > 0 {
			z := (float64(*snap.HeartRate) - profile.HRMean) / profile.HRStd
			dist += z * z
			n++
		}
		if snap.HRV != nil && profile.HRVStd > 0 {
			z := (*snap.HRV - profile.HRVMean) / profile.HRVStd
			dist += z * z
			n++
		}
		if n == 0 {
			continue
		}
		dist /= float64(n)

		if dist < bestDist {
			best = stage
			bestDist = dist
		}
	}

	if best == models.StageUnknown {
		return staticVitalsStage(snap)
	}
	return best
}

// staticVitalsStage 无模型时的静态阈值
//
// 成人夜间经验区间：HR 低且 HRV 高 → 深睡；HR 偏高 → 清醒；
// HRV 高变异配中等 HR → REM 倾向。
func staticVitalsStage(snap *models.VitalsSnapshot) models.SleepStage {
	if snap.HeartRate == nil {
		return models.StageLight
	}
	hr := float64(*snap.HeartRate)
	switch {
	case hr >= 80:
		return models.StageAwake
	case hr < 55:
		return models.StageDeep
	case snap.HRV != nil && *snap.HRV < 25 && hr >= 60:
		return models.StageREM
	default:
		return models.StageLight
	}
}
