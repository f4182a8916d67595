package classifier

import (
	"dreamgate/internal/models"
)

// awakePriorWeightBase 清醒先验的初始权重
const awakePriorWeightBase = 0.3

// AwakePriorWeight 时间衰减的清醒先验权重
//
// 会话开头用户大概率还醒着，先验权重 0.3*(1-elapsedFraction)，
// 随会话进度（前 5 分钟左右）线性淡出到 0。
func AwakePriorWeight(elapsedFraction float64) float64 {
	if elapsedFraction >= 1 {
		return 0
	}
	if elapsedFraction < 0 {
		elapsedFraction = 0
	}
	return awakePriorWeightBase * (1 - elapsedFraction)
}

// HybridFusion 混合融合分类器
//
// 每路信号源按自身置信度贡献权重，外加清醒先验权重；归一化后求和
// 得到融合分布。按置信度而不是固定系数加权：某一侧不可用（如未配对
// 可穿戴）时另一侧自然占主导，不需要分支逻辑。
//
// 内部记住上一次的稳定分期用于打破平局（防止分期来回跳动）。
type HybridFusion struct {
	prevStage models.SleepStage
}

// NewHybridFusion 创建融合分类器
func NewHybridFusion() *HybridFusion {
	return &HybridFusion{prevStage: models.StageUnknown}
}

// Reset 重置平局记忆（会话启动时）
func (h *HybridFusion) Reset() {
	h.prevStage = models.StageUnknown
}

// Classify 融合两路信号源分类
//
// elapsedFraction: 会话进度 [0,1]，控制清醒先验的淡出。
// REMConfidence 由两段式分类器单独计算（需要融合步骤不具备的时间
// 上下文），这里置 0 由编排器填充。
func (h *HybridFusion) Classify(audio, vitals models.SourceClassification, elapsedFraction float64) models.HybridClassification {
	weights := make(models.StageProbabilities, len(models.AllStages))

	if audio.Stage != models.StageUnknown && audio.Confidence > 0 {
		weights[audio.Stage] += audio.Confidence
	}
	if vitals.Stage != models.StageUnknown && vitals.Confidence > 0 {
		weights[vitals.Stage] += vitals.Confidence
	}
	weights[models.StageAwake] += AwakePriorWeight(elapsedFraction)

	total := 0.0
	for _, w := range weights {
		total += w
	}

	fused := make(models.StageProbabilities, len(models.AllStages))
	predicted := models.StageUnknown
	if total > 0 {
		for _, stage := range models.AllStages {
			fused[stage] = weights[stage] / total
		}
		predicted = fused.ArgMax(h.prevStage)
		h.prevStage = predicted
	}

	overall := audio.Confidence
	if vitals.Confidence > overall {
		overall = vitals.Confidence
	}

	return models.HybridClassification{
		Audio:             audio,
		Vitals:            vitals,
		Fused:             fused,
		PredictedStage:    predicted,
		OverallConfidence: overall,
	}
}
