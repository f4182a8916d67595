package models

import "time"

// SessionSource 会话启动来源
type SessionSource string

const (
	SourceManual SessionSource = "manual"
	SourceAudio  SessionSource = "audio"
	SourceVitals SessionSource = "vitals"
	SourceHybrid SessionSource = "hybrid"
)

// StageInterval 分期历史条目
//
// 同一会话内条目连续且不重叠；最后一个条目的 EndTime 为 nil
// 当且仅当会话处于激活状态。
type StageInterval struct {
	Stage     SleepStage `json:"stage"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
}

// SleepSession 睡眠会话
//
// 由编排器在 start 时创建、分期变化时原地更新、stop 时关闭。
// 同一时刻最多存在一个激活会话（编排器强制）。
type SleepSession struct {
	ID           string          `json:"id"`
	StartTime    time.Time       `json:"start_time"`
	EndTime      *time.Time      `json:"end_time,omitempty"`
	Source       SessionSource   `json:"source"`
	IsActive     bool            `json:"is_active"`
	CurrentStage SleepStage      `json:"current_stage"`
	StageHistory []StageInterval `json:"stage_history"`
}

// ElapsedFraction 会话进度 [0,1]
//
// 以 total 为完整会话时长的参考值（用于清醒先验的淡出，前 5 分钟左右）。
func (s *SleepSession) ElapsedFraction(now time.Time, total time.Duration) float64 {
	if total <= 0 {
		return 1
	}
	frac := float64(now.Sub(s.StartTime)) / float64(total)
	if frac < 0 {
		return 0
	}
	if frac > 1 {
		return 1
	}
	return frac
}

// SleepSummary 睡眠摘要（只读聚合）
//
// 按需从已完成会话的 StageHistory 计算，不独立持久化。
type SleepSummary struct {
	SessionID      string                 `json:"session_id"`
	StartTime      time.Time              `json:"start_time"`
	EndTime        time.Time              `json:"end_time"`
	TotalMinutes   float64                `json:"total_minutes"`
	MinutesByStage map[SleepStage]float64 `json:"minutes_by_stage"`
	Efficiency     float64                `json:"efficiency"`  // 睡眠时间 / 总时长
	REMPercent     float64                `json:"rem_percent"` // REM 时间 / 睡眠时间
}

// StageChangeEvent 分期变化事件
//
// 只在实际发生分期转移时发布（不是每个样本）。
type StageChangeEvent struct {
	SessionID  string     `json:"session_id"`
	From       SleepStage `json:"from"`
	To         SleepStage `json:"to"`
	Timestamp  time.Time  `json:"timestamp"`
	Confidence float64    `json:"confidence"`
}
