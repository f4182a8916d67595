package models

import "time"

// VitalsSnapshot 可穿戴设备生命体征快照
//
// 来自可穿戴集成服务（外部协作方），通过轮询（约 30 秒）或推送获取。
// 缺失字段为 nil（与 IoT 时序数据的可空字段约定一致）。
type VitalsSnapshot struct {
	HeartRate       *int      `json:"heart_rate"`       // 心率（bpm）
	HRV             *float64  `json:"hrv"`              // RMSSD（ms）
	RespiratoryRate *float64  `json:"respiratory_rate"` // 呼吸率（次/分）
	Timestamp       time.Time `json:"timestamp"`
}

// IsEmpty 是否所有字段均缺失
func (v *VitalsSnapshot) IsEmpty() bool {
	return v.HeartRate == nil && v.HRV == nil && v.RespiratoryRate == nil
}

// HRSample 历史心率样本（用于模型训练）
type HRSample struct {
	BPM  float64   `json:"bpm"`
	Time time.Time `json:"time"`
}

// HRVSample 历史 HRV 样本（RMSSD）
type HRVSample struct {
	RMSSD float64   `json:"rmssd"`
	Time  time.Time `json:"time"`
}

// RespiratorySample 历史呼吸率样本
type RespiratorySample struct {
	BreathsPerMinute float64   `json:"breaths_per_minute"`
	Time             time.Time `json:"time"`
}

// LabeledSegment 带睡眠分期标注的历史片段
//
// 来自可穿戴平台的睡眠记录，是模型训练的监督信号。
type LabeledSegment struct {
	Stage     SleepStage `json:"stage"`
	StartTime time.Time  `json:"start_time"`
	EndTime   time.Time  `json:"end_time"`
}

// Duration 片段时长
func (s *LabeledSegment) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}
