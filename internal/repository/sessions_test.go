package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dreamgate/internal/models"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *SessionRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	repo := NewSessionRepository(db, zap.NewNop())
	return db, mock, repo
}

func completedSession() (*models.SleepSession, *models.SleepSummary) {
	start := time.Date(2025, 3, 1, 23, 0, 0, 0, time.UTC)
	mid := start.Add(40 * time.Minute)
	end := start.Add(8 * time.Hour)

	session := &models.SleepSession{
		ID:           "session-1",
		StartTime:    start,
		EndTime:      &end,
		Source:       models.SourceManual,
		IsActive:     false,
		CurrentStage: models.StageLight,
		StageHistory: []models.StageInterval{
			{Stage: models.StageAwake, StartTime: start, EndTime: &mid},
			{Stage: models.StageLight, StartTime: mid, EndTime: &end},
		},
	}
	summary := &models.SleepSummary{
		SessionID:    "session-1",
		StartTime:    start,
		EndTime:      end,
		TotalMinutes: 480,
		Efficiency:   0.9167,
		REMPercent:   0,
	}
	return session, summary
}

func TestSaveCompleted_Success(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	session, summary := completedSession()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO sleep_sessions`).
		WithArgs(
			session.ID, session.StartTime, *session.EndTime, "manual",
			summary.TotalMinutes, summary.Efficiency, summary.REMPercent,
		).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO stage_intervals`).
		WithArgs(session.ID, "awake", session.StartTime, *session.StageHistory[0].EndTime).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO stage_intervals`).
		WithArgs(session.ID, "light", session.StageHistory[1].StartTime, *session.EndTime).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	err := repo.SaveCompleted(context.Background(), session, summary)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveCompleted_RejectsActiveSession(t *testing.T) {
	db, _, repo := setupMockDB(t)
	defer db.Close()

	session, summary := completedSession()
	session.IsActive = true

	err := repo.SaveCompleted(context.Background(), session, summary)
	assert.Error(t, err)
}

func TestSaveCompleted_RollsBackOnIntervalFailure(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	session, summary := completedSession()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO sleep_sessions`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO stage_intervals`).
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	err := repo.SaveCompleted(context.Background(), session, summary)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSession_Success(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	start := time.Date(2025, 3, 1, 23, 0, 0, 0, time.UTC)
	mid := start.Add(40 * time.Minute)
	end := start.Add(8 * time.Hour)

	mock.ExpectQuery(`SELECT start_time, end_time, source`).
		WithArgs("session-1").
		WillReturnRows(sqlmock.NewRows([]string{"start_time", "end_time", "source"}).
			AddRow(start, end, "manual"))
	mock.ExpectQuery(`SELECT stage, start_time, end_time`).
		WithArgs("session-1").
		WillReturnRows(sqlmock.NewRows([]string{"stage", "start_time", "end_time"}).
			AddRow("awake", start, mid).
			AddRow("light", mid, end))

	session, err := repo.GetSession(context.Background(), "session-1")
	require.NoError(t, err)
	assert.Equal(t, models.SourceManual, session.Source)
	require.Len(t, session.StageHistory, 2)
	assert.Equal(t, models.StageLight, session.CurrentStage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSession_NotFound(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT start_time, end_time, source`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestListRecentSummaries(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer db.Close()

	start := time.Date(2025, 3, 1, 23, 0, 0, 0, time.UTC)
	end := start.Add(7 * time.Hour)

	mock.ExpectQuery(`SELECT session_id, start_time, end_time`).
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{
			"session_id", "start_time", "end_time", "total_minutes", "efficiency", "rem_percent",
		}).AddRow("session-1", start, end, 420.0, 0.92, 0.21))

	summaries, err := repo.ListRecentSummaries(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "session-1", summaries[0].SessionID)
	assert.InDelta(t, 0.21, summaries[0].REMPercent, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}
