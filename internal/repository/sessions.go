package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"dreamgate/internal/models"
)

// ErrSessionNotFound 指定会话不存在
var ErrSessionNotFound = errors.New("repository: session not found")

// SessionRepository 睡眠会话仓库（PostgreSQL）
//
// 会话结束时整体落库：sleep_sessions 一行加 stage_intervals 若干行，
// 单个事务写入。激活中的会话只存在于内存。
type SessionRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSessionRepository 创建会话仓库
func NewSessionRepository(db *sql.DB, logger *zap.Logger) *SessionRepository {
	return &SessionRepository{
		db:     db,
		logger: logger,
	}
}

// SaveCompleted 持久化已完成的会话及其分期历史
func (r *SessionRepository) SaveCompleted(ctx context.Context, session *models.SleepSession, summary *models.SleepSummary) error {
	if session.IsActive || session.EndTime == nil {
		return fmt.Errorf("cannot persist active session %s", session.ID)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sleep_sessions (
			session_id, start_time, end_time, source,
			total_minutes, efficiency, rem_percent
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		session.ID,
		session.StartTime,
		*session.EndTime,
		string(session.Source),
		summary.TotalMinutes,
		summary.Efficiency,
		summary.REMPercent,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}

	for _, interval := range session.StageHistory {
		var endTime time.Time
		if interval.EndTime != nil {
			endTime = *interval.EndTime
		} else {
			endTime = *session.EndTime
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO stage_intervals (session_id, stage, start_time, end_time)
			VALUES ($1, $2, $3, $4)
		`,
			session.ID,
			string(interval.Stage),
			interval.StartTime,
			endTime,
		)
		if err != nil {
			return fmt.Errorf("failed to insert stage interval: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session: %w", err)
	}

	r.logger.Info("Persisted sleep session",
		zap.String("session_id", session.ID),
		zap.Float64("total_minutes", summary.TotalMinutes),
		zap.Int("interval_count", len(session.StageHistory)),
	)
	return nil
}

// GetSession 按 ID 读取会话（含分期历史）
func (r *SessionRepository) GetSession(ctx context.Context, sessionID string) (*models.SleepSession, error) {
	session := &models.SleepSession{ID: sessionID}
	var endTime time.Time
	var source string

	err := r.db.QueryRowContext(ctx, `
		SELECT start_time, end_time, source
		FROM sleep_sessions
		WHERE session_id = $1
	`, sessionID).Scan(&session.StartTime, &endTime, &source)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	session.EndTime = &endTime
	session.Source = models.SessionSource(source)

	rows, err := r.db.QueryContext(ctx, `
		SELECT stage, start_time, end_time
		FROM stage_intervals
		WHERE session_id = $1
		ORDER BY start_time ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query stage intervals: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var interval models.StageInterval
		var stage string
		var intervalEnd time.Time
		if err := rows.Scan(&stage, &interval.StartTime, &intervalEnd); err != nil {
			return nil, fmt.Errorf("failed to scan stage interval: %w", err)
		}
		interval.Stage = models.SleepStage(stage)
		interval.EndTime = &intervalEnd
		session.StageHistory = append(session.StageHistory, interval)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stage intervals: %w", err)
	}

	if n := len(session.StageHistory); n > 0 {
		session.CurrentStage = session.StageHistory[n-1].Stage
	}
	return session, nil
}

// ListRecentSummaries 按开始时间倒序列出最近的会话摘要
func (r *SessionRepository) ListRecentSummaries(ctx context.Context, limit int) ([]*models.SleepSummary, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT session_id, start_time, end_time, total_minutes, efficiency, rem_percent
		FROM sleep_sessions
		ORDER BY start_time DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var summaries []*models.SleepSummary
	for rows.Next() {
		summary := &models.SleepSummary{}
		err := rows.Scan(
			&summary.SessionID,
			&summary.StartTime,
			&summary.EndTime,
			&summary.TotalMinutes,
			&summary.Efficiency,
			&summary.REMPercent,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session summary: %w", err)
		}
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return summaries, nil
}
