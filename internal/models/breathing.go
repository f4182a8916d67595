package models

import "time"

// RawAudioSample 原始音频能量样本
//
// 单个 RMS 能量标量加时间戳，固定节奏到达（几十 Hz），不持久化。
type RawAudioSample struct {
	Level     float64   `json:"level"`
	Timestamp time.Time `json:"timestamp"`
}

// BreathingAnalysis 呼吸分析结果
//
// 由音频呼吸分析器持续产出（会话激活期间），通过订阅推送给下游。
type BreathingAnalysis struct {
	IsBreathingDetected bool        `json:"is_breathing_detected"`
	BreathsPerMinute    float64     `json:"breaths_per_minute"`
	Regularity          float64     `json:"regularity"`       // [0,1]，呼吸间隔方差越小越高
	ConfidenceScore     float64     `json:"confidence_score"` // [0,1]，由信噪比和样本数决定
	EstimatedStage      SleepStage  `json:"estimated_stage"`
	LastBreathTime      *time.Time  `json:"last_breath_time,omitempty"`
	RecentBreathTimes   []time.Time `json:"recent_breath_times,omitempty"` // 有界环，最新在末尾
}

// SourceClassification 单信号源分类结果
//
// 音频分类器和生命体征分类器的统一输出形态。
type SourceClassification struct {
	Stage      SleepStage `json:"stage"`
	Confidence float64    `json:"confidence"` // [0,1]
}

// HybridClassification 混合融合分类结果
type HybridClassification struct {
	Audio             SourceClassification `json:"audio"`
	Vitals            SourceClassification `json:"vitals"`
	Fused             StageProbabilities   `json:"fused"`
	PredictedStage    SleepStage           `json:"predicted_stage"`
	OverallConfidence float64              `json:"overall_confidence"`
	REMConfidence     float64              `json:"rem_confidence"`
}
