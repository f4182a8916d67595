package models

// SleepStage 睡眠分期
//
// 取值与历史数据标注保持一致（小写字符串），排序仅用于展示，
// 数值上没有其他含义。
type SleepStage string

const (
	StageAwake   SleepStage = "awake"
	StageLight   SleepStage = "light"
	StageDeep    SleepStage = "deep"
	StageREM     SleepStage = "rem"
	StageUnknown SleepStage = "unknown"
)

// AllStages 所有已知分期（不含 unknown），按展示顺序排列
var AllStages = []SleepStage{StageAwake, StageLight, StageDeep, StageREM}

// DisplayOrder 返回展示顺序（unknown 排在最后）
func (s SleepStage) DisplayOrder() int {
	switch s {
	case StageAwake:
		return 0
	case StageLight:
		return 1
	case StageDeep:
		return 2
	case StageREM:
		return 3
	default:
		return 4
	}
}

// IsAsleep 是否为睡眠状态（light/deep/rem）
func (s SleepStage) IsAsleep() bool {
	return s == StageLight || s == StageDeep || s == StageREM
}

// NormalizeNREM 将 light/deep 归一为 NREM 训练标签
//
// 训练和验证时只区分 awake/nrem/rem 三类（light 和 deep 的 HR 特征
// 区分度不足，历史数据按三类统计）。
func (s SleepStage) NormalizeNREM() SleepStage {
	if s == StageLight || s == StageDeep {
		return StageLight
	}
	return s
}

// StageProbabilities 各分期的概率分布（和为 1）
type StageProbabilities map[SleepStage]float64

// ArgMax 返回概率最大的分期
//
// preferred 用于打破平局：当多个分期概率相同时优先返回 preferred
// （避免分期在相邻样本间来回跳动）。
func (p StageProbabilities) ArgMax(preferred SleepStage) SleepStage {
	best := StageUnknown
	bestProb := -1.0
	for _, stage := range AllStages {
		prob, ok := p[stage]
		if !ok {
			continue
		}
		if prob > bestProb {
			best = stage
			bestProb = prob
		} else if prob == bestProb && stage == preferred {
			best = stage
		}
	}
	return best
}
