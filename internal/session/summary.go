package session

import (
	"dreamgate/internal/models"
)

// ComputeSummary 从已完成会话的分期历史计算睡眠摘要
//
// 摘要不独立持久化，随时可从 stageHistory 重算。
func ComputeSummary(s *models.SleepSession) *models.SleepSummary {
	summary := &models.SleepSummary{
		SessionID:      s.ID,
		StartTime:      s.StartTime,
		MinutesByStage: make(map[models.SleepStage]float64),
	}
	if s.EndTime == nil {
		return summary
	}
	summary.EndTime = *s.EndTime
	summary.TotalMinutes = s.EndTime.Sub(s.StartTime).Minutes()

	var asleepMinutes, remMinutes float64
	for _, interval := range s.StageHistory {
		end := *s.EndTime
		if interval.EndTime != nil {
			end = *interval.EndTime
		}
		minutes := end.Sub(interval.StartTime).Minutes()
		summary.MinutesByStage[interval.Stage] += minutes

		if interval.Stage.IsAsleep() {
			asleepMinutes += minutes
		}
		if interval.Stage == models.StageREM {
			remMinutes += minutes
		}
	}

	if summary.TotalMinutes > 0 {
		summary.Efficiency = asleepMinutes / summary.TotalMinutes
	}
	if asleepMinutes > 0 {
		summary.REMPercent = remMinutes / asleepMinutes
	}
	return summary
}
