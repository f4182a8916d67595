package training

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dreamgate/internal/classifier"
	"dreamgate/internal/models"
	"dreamgate/internal/repository"
)

type fakeHistory struct {
	hr       []models.HRSample
	hrv      []models.HRVSample
	segments []models.LabeledSegment
}

func (f *fakeHistory) GetRecentHeartRate(ctx context.Context, hoursBack float64) ([]models.HRSample, error) {
	return f.hr, nil
}

func (f *fakeHistory) GetRecentHRV(ctx context.Context, hoursBack float64) ([]models.HRVSample, error) {
	return f.hrv, nil
}

func (f *fakeHistory) GetRecentSleepSegments(ctx context.Context, hoursBack float64) ([]models.LabeledSegment, error) {
	return f.segments, nil
}

func testOptions() Options {
	return Options{
		MinSegments:  10,
		ModelMaxAge:  24 * time.Hour,
		SessionGap:   4 * time.Hour,
		TwoStageOpts: classifier.DefaultTwoStageOptions(),
	}
}

func setupStore(t *testing.T) *repository.ModelStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return repository.NewModelStore(client, zap.NewNop())
}

// syntheticNight 构造一夜数据：30 分钟清醒 + 浅睡/深睡/REM 交替
func syntheticNight(start time.Time) ([]models.LabeledSegment, []models.HRSample) {
	mins := func(m int) time.Time { return start.Add(time.Duration(m) * time.Minute) }

	segments := []models.LabeledSegment{
		{Stage: models.StageAwake, StartTime: mins(0), EndTime: mins(30)},
		{Stage: models.StageLight, StartTime: mins(30), EndTime: mins(90)},
		{Stage: models.StageDeep, StartTime: mins(90), EndTime: mins(120)},
		{Stage: models.StageREM, StartTime: mins(120), EndTime: mins(150)},
		{Stage: models.StageLight, StartTime: mins(150), EndTime: mins(210)},
	}

	var hr []models.HRSample
	for m := 0; m < 210; m++ {
		bpm := 58.0
		if m < 30 {
			// 清醒段心率大幅波动
			bpm = 68
			if m%2 == 1 {
				bpm = 78
			}
		} else if m%2 == 1 {
			bpm = 59
		}
		hr = append(hr, models.HRSample{BPM: bpm, Time: mins(m)})
	}
	return segments, hr
}

func twoNightHistory() *fakeHistory {
	night1 := time.Date(2025, 2, 27, 23, 0, 0, 0, time.UTC)
	night2 := time.Date(2025, 2, 28, 23, 0, 0, 0, time.UTC)

	seg1, hr1 := syntheticNight(night1)
	seg2, hr2 := syntheticNight(night2)

	return &fakeHistory{
		hr:       append(hr1, hr2...),
		segments: append(seg1, seg2...),
	}
}

func TestTrain_RefusesInsufficientSegments(t *testing.T) {
	store := setupStore(t)
	history := twoNightHistory()
	history.segments = history.segments[:9] // 刚好低于下限

	trainer := NewTrainer(history, store, testOptions(), zap.NewNop())
	_, err := trainer.Train(context.Background(), Request{HoursBack: 720})
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestTrain_SucceedsAtExactMinimum(t *testing.T) {
	store := setupStore(t)
	history := twoNightHistory()
	require.Len(t, history.segments, 10)

	var phases []string
	trainer := NewTrainer(history, store, testOptions(), zap.NewNop())
	model, err := trainer.Train(context.Background(), Request{
		HoursBack: 720,
		OnProgress: func(p Progress) {
			phases = append(phases, p.Phase)
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, model.Version)
	assert.Contains(t, phases, "fetching")
	assert.Contains(t, phases, "learning")
	assert.Contains(t, phases, "validating")
	assert.Contains(t, phases, "persisting")

	// 入睡后第一个 30 分钟桶全程清醒
	assert.InDelta(t, 1.0, model.AwakePriorByBin[0], 1e-9)
	// 之后的桶不含清醒
	assert.InDelta(t, 0.0, model.AwakePriorByBin[2], 1e-9)

	// 清醒段逐次差 10 bpm，睡眠段 1 bpm：阈值落在两者之间
	assert.Greater(t, model.MeanDiffThreshold, 1.0)
	assert.Less(t, model.MeanDiffThreshold, 10.0)

	// REM 30 分钟 / 睡眠 180 分钟 ≈ 0.167，相对典型值 0.22 归一
	assert.InDelta(t, (30.0/180.0)/typicalREMFraction, model.REMPropensity, 1e-6)

	require.NotNil(t, model.Validation)
	assert.Equal(t, 2, model.Validation.NightsAnalyzed)
	assert.Equal(t, 10, model.Validation.SegmentsUsed)
	assert.Greater(t, model.Validation.SamplesEvaluated, 0)

	// 新模型已持久化
	loaded, err := store.LoadCurrent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Version)
}

func TestTrain_RespectsModelFreshness(t *testing.T) {
	store := setupStore(t)
	existing := &models.LearnedModel{Version: 3, TrainedAt: time.Now().Add(-1 * time.Hour)}
	require.NoError(t, store.Save(context.Background(), existing))

	trainer := NewTrainer(twoNightHistory(), store, testOptions(), zap.NewNop())

	model, err := trainer.Train(context.Background(), Request{HoursBack: 720})
	assert.ErrorIs(t, err, ErrModelFresh)
	require.NotNil(t, model)
	assert.Equal(t, 3, model.Version)

	// 强制训练绕过新鲜度检查并递增版本
	model, err = trainer.Train(context.Background(), Request{HoursBack: 720, Force: true})
	require.NoError(t, err)
	assert.Equal(t, 4, model.Version)
}

func TestSplitNights(t *testing.T) {
	night1 := time.Date(2025, 2, 27, 23, 0, 0, 0, time.UTC)
	night2 := night1.Add(24 * time.Hour)

	segments := []models.LabeledSegment{
		{Stage: models.StageLight, StartTime: night2, EndTime: night2.Add(time.Hour)},
		{Stage: models.StageAwake, StartTime: night1, EndTime: night1.Add(30 * time.Minute)},
		{Stage: models.StageLight, StartTime: night1.Add(30 * time.Minute), EndTime: night1.Add(2 * time.Hour)},
	}

	nights := splitNights(segments, 4*time.Hour)
	require.Len(t, nights, 2)
	assert.Len(t, nights[0], 2)
	assert.Len(t, nights[1], 1)
	assert.True(t, nights[0][0].StartTime.Before(nights[1][0].StartTime))
}

func TestStageProfilesSeparateStages(t *testing.T) {
	history := twoNightHistory()
	profiles := learnStageProfiles(history.hr, nil, history.segments)

	require.Contains(t, profiles, models.StageAwake)
	require.Contains(t, profiles, models.StageLight)
	assert.Greater(t, profiles[models.StageAwake].HRMean, profiles[models.StageLight].HRMean)
}

func TestPercentile(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5}
	assert.InDelta(t, 1, percentile(values, 0), 1e-9)
	assert.InDelta(t, 3, percentile(values, 0.5), 1e-9)
	assert.InDelta(t, 5, percentile(values, 1), 1e-9)
	assert.InDelta(t, 2, percentile(values, 0.25), 1e-9)
}
