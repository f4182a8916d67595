package training

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"dreamgate/internal/classifier"
	"dreamgate/internal/models"
	"dreamgate/internal/repository"
)

var (
	// ErrInsufficientData 标注片段不足，拒绝训练
	ErrInsufficientData = errors.New("training: insufficient labeled segments")

	// ErrModelFresh 当前模型足够新，无需重训
	ErrModelFresh = errors.New("training: current model is fresh enough")
)

// 典型成年人 REM 占睡眠时间的比例，个人倾向因子以此为基准
const typicalREMFraction = 0.22

// HistoryProvider 训练数据来源（可穿戴平台历史接口）
type HistoryProvider interface {
	GetRecentHeartRate(ctx context.Context, hoursBack float64) ([]models.HRSample, error)
	GetRecentHRV(ctx context.Context, hoursBack float64) ([]models.HRVSample, error)
	GetRecentSleepSegments(ctx context.Context, hoursBack float64) ([]models.LabeledSegment, error)
}

// Progress 训练进度回调载荷
type Progress struct {
	Phase    string // fetching / learning / validating / persisting
	Message  string
	Fraction float64 // [0,1]
}

// Request 一次训练请求
type Request struct {
	HoursBack  float64
	Force      bool // 跳过模型新鲜度检查（校准流程）
	OnProgress func(Progress)
}

// Options 训练参数
type Options struct {
	MinSegments  int
	ModelMaxAge  time.Duration
	SessionGap   time.Duration
	TwoStageOpts classifier.TwoStageOptions
}

// Trainer 个性化模型训练器
//
// 从可穿戴平台的带标注历史中学习清醒先验、mean_diff 阈值、
// 分期特征和转移概率，在留出的最后一夜上验证后原子发布新版本。
type Trainer struct {
	history HistoryProvider
	store   *repository.ModelStore
	opts    Options
	logger  *zap.Logger
}

// NewTrainer 创建训练器
func NewTrainer(history HistoryProvider, store *repository.ModelStore, opts Options, logger *zap.Logger) *Trainer {
	return &Trainer{
		history: history,
		store:   store,
		opts:    opts,
		logger:  logger,
	}
}

// Train 执行一次完整训练
//
// 数据不足返回 ErrInsufficientData；模型仍新鲜且未强制时返回
// ErrModelFresh（附带现有模型）。成功时新模型已持久化。
func (t *Trainer) Train(ctx context.Context, req Request) (*models.LearnedModel, error) {
	report := func(phase, message string, fraction float64) {
		if req.OnProgress != nil {
			req.OnProgress(Progress{Phase: phase, Message: message, Fraction: fraction})
		}
	}

	previous, err := t.store.LoadCurrent(ctx)
	if err != nil && !errors.Is(err, repository.ErrNoModel) {
		return nil, err
	}
	if previous != nil && !req.Force && previous.Age(time.Now()) < t.opts.ModelMaxAge {
		return previous, ErrModelFresh
	}

	report("fetching", "fetching labeled sleep history", 0.0)
	segments, err := t.history.GetRecentSleepSegments(ctx, req.HoursBack)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch sleep segments: %w", err)
	}
	if len(segments) < t.opts.MinSegments {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientData, len(segments), t.opts.MinSegments)
	}

	hrSamples, err := t.history.GetRecentHeartRate(ctx, req.HoursBack)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch heart rate history: %w", err)
	}
	hrvSamples, err := t.history.GetRecentHRV(ctx, req.HoursBack)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch HRV history: %w", err)
	}

	report("learning", "learning per-user parameters", 0.3)
	nights := splitNights(segments, t.opts.SessionGap)

	model := &models.LearnedModel{
		Version:           1,
		TrainedAt:         time.Now(),
		AwakePriorByBin:   learnAwakePriors(nights),
		MeanDiffThreshold: learnMeanDiffThreshold(hrSamples, segments),
		StageProfiles:     learnStageProfiles(hrSamples, hrvSamples, segments),
		Transitions:       learnTransitions(nights),
		RestingHR:         restingHeartRate(hrSamples),
		REMPropensity:     remPropensity(segments),
	}
	if previous != nil {
		model.Version = previous.Version + 1
	}

	report("validating", "replaying classifier on held-out night", 0.7)
	model.Validation = t.validate(model, nights, hrSamples, hrvSamples)
	model.Validation.SegmentsUsed = len(segments)
	model.Validation.NightsAnalyzed = len(nights)

	report("persisting", "persisting new model version", 0.9)
	if err := t.store.Save(ctx, model); err != nil {
		return nil, err
	}

	t.logger.Info("Trained new model",
		zap.Int("version", model.Version),
		zap.Int("nights", len(nights)),
		zap.Int("segments", len(segments)),
		zap.Float64("mean_diff_threshold", model.MeanDiffThreshold),
		zap.Float64("accuracy", model.Validation.Accuracy),
	)
	report("persisting", "done", 1.0)
	return model, nil
}

// splitNights 按间隔把片段切分成夜晚（会话）
//
// 相邻片段间隔超过 gap 视为新的一夜。
func splitNights(segments []models.LabeledSegment, gap time.Duration) [][]models.LabeledSegment {
	if len(segments) == 0 {
		return nil
	}

	sorted := make([]models.LabeledSegment, len(segments))
	copy(sorted, segments)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].StartTime.Before(sorted[j].StartTime)
	})

	var nights [][]models.LabeledSegment
	current := []models.LabeledSegment{sorted[0]}
	for _, seg := range sorted[1:] {
		prev := current[len(current)-1]
		if seg.StartTime.Sub(prev.EndTime) > gap {
			nights = append(nights, current)
			current = []models.LabeledSegment{seg}
			continue
		}
		current = append(current, seg)
	}
	nights = append(nights, current)
	return nights
}

// learnAwakePriors 按入睡后 30 分钟分桶的经验清醒先验
func learnAwakePriors(nights [][]models.LabeledSegment) map[int]float64 {
	awakeByBin := make(map[int]float64)
	totalByBin := make(map[int]float64)

	for _, night := range nights {
		nightStart := night[0].StartTime
		for _, seg := range night {
			// 按 30 分钟桶切开片段，部分落桶按时长加权
			cursor := seg.StartTime
			for cursor.Before(seg.EndTime) {
				bin := int(cursor.Sub(nightStart).Minutes() / 30)
				binEnd := nightStart.Add(time.Duration(bin+1) * 30 * time.Minute)
				sliceEnd := seg.EndTime
				if binEnd.Before(sliceEnd) {
					sliceEnd = binEnd
				}
				minutes := sliceEnd.Sub(cursor).Minutes()
				totalByBin[bin] += minutes
				if seg.Stage == models.StageAwake {
					awakeByBin[bin] += minutes
				}
				cursor = sliceEnd
			}
		}
	}

	priors := make(map[int]float64, len(totalByBin))
	for bin, total := range totalByBin {
		if total > 0 {
			priors[bin] = awakeByBin[bin] / total
		}
	}
	return priors
}

// learnMeanDiffThreshold 学习清醒/睡眠的 mean_diff 分界阈值
//
// 阈值取睡眠 mean_diff 的 p75 和清醒 mean_diff 的 p25 的中点，
// 下限为睡眠均值 + 1σ（两个分布重叠严重时退化保护）。
func learnMeanDiffThreshold(hrSamples []models.HRSample, segments []models.LabeledSegment) float64 {
	const fallback = 3.0
	if len(hrSamples) < 2 {
		return fallback
	}

	sorted := make([]models.HRSample, len(hrSamples))
	copy(sorted, hrSamples)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Time.Before(sorted[j].Time)
	})

	var sleepDiffs, awakeDiffs []float64
	for i := 1; i < len(sorted); i++ {
		stage, ok := stageAt(segments, sorted[i].Time)
		if !ok {
			continue
		}
		diff := math.Abs(sorted[i].BPM - sorted[i-1].BPM)
		if stage == models.StageAwake {
			awakeDiffs = append(awakeDiffs, diff)
		} else {
			sleepDiffs = append(sleepDiffs, diff)
		}
	}
	if len(sleepDiffs) == 0 || len(awakeDiffs) == 0 {
		return fallback
	}

	threshold := (percentile(sleepDiffs, 0.75) + percentile(awakeDiffs, 0.25)) / 2
	sleepMean, sleepStd := meanStd(sleepDiffs)
	if floor := sleepMean + sleepStd; threshold < floor {
		threshold = floor
	}
	return threshold
}

// learnStageProfiles 各分期的 HR/HRV 统计特征
func learnStageProfiles(hrSamples []models.HRSample, hrvSamples []models.HRVSample, segments []models.LabeledSegment) map[models.SleepStage]models.StageProfile {
	hrByStage := make(map[models.SleepStage][]float64)
	for _, s := range hrSamples {
		if stage, ok := stageAt(segments, s.Time); ok {
			hrByStage[stage] = append(hrByStage[stage], s.BPM)
		}
	}
	hrvByStage := make(map[models.SleepStage][]float64)
	for _, s := range hrvSamples {
		if stage, ok := stageAt(segments, s.Time); ok {
			hrvByStage[stage] = append(hrvByStage[stage], s.RMSSD)
		}
	}

	profiles := make(map[models.SleepStage]models.StageProfile)
	for _, stage := range models.AllStages {
		hrs := hrByStage[stage]
		if len(hrs) < 3 {
			continue
		}
		profile := models.StageProfile{}
		profile.HRMean, profile.HRStd = meanStd(hrs)
		if hrvs := hrvByStage[stage]; len(hrvs) >= 3 {
			profile.HRVMean, profile.HRVStd = meanStd(hrvs)
		}
		profiles[stage] = profile
	}
	return profiles
}

// learnTransitions 分期转移概率（每夜内相邻片段）
func learnTransitions(nights [][]models.LabeledSegment) map[models.SleepStage]map[models.SleepStage]float64 {
	counts := make(map[models.SleepStage]map[models.SleepStage]float64)
	for _, night := range nights {
		for i := 1; i < len(night); i++ {
			from, to := night[i-1].Stage, night[i].Stage
			if counts[from] == nil {
				counts[from] = make(map[models.SleepStage]float64)
			}
			counts[from][to]++
		}
	}

	for from, row := range counts {
		total := 0.0
		for _, c := range row {
			total += c
		}
		for to := range row {
			counts[from][to] /= total
		}
	}
	return counts
}

// restingHeartRate 静息心率基线（全量样本的 p10）
func restingHeartRate(hrSamples []models.HRSample) float64 {
	if len(hrSamples) == 0 {
		return 60
	}
	values := make([]float64, len(hrSamples))
	for i, s := range hrSamples {
		values[i] = s.BPM
	}
	return percentile(values, 0.10)
}

// remPropensity 个人 REM 倾向因子
//
// 历史 REM 时长占睡眠时长的比例，相对典型值归一后截断到 [0,1]。
func remPropensity(segments []models.LabeledSegment) float64 {
	var remMinutes, sleepMinutes float64
	for _, seg := range segments {
		minutes := seg.Duration().Minutes()
		if seg.Stage.IsAsleep() {
			sleepMinutes += minutes
		}
		if seg.Stage == models.StageREM {
			remMinutes += minutes
		}
	}
	if sleepMinutes == 0 {
		return 0.5
	}

	propensity := (remMinutes / sleepMinutes) / typicalREMFraction
	if propensity > 1 {
		propensity = 1
	}
	return propensity
}

// validate 在留出的最后一夜回放两段式分类器
func (t *Trainer) validate(model *models.LearnedModel, nights [][]models.LabeledSegment, hrSamples []models.HRSample, hrvSamples []models.HRVSample) *models.ValidationReport {
	report := &models.ValidationReport{}
	if len(nights) == 0 {
		return report
	}

	heldOut := nights[len(nights)-1]
	nightStart := heldOut[0].StartTime
	nightEnd := heldOut[len(heldOut)-1].EndTime

	sorted := make([]models.HRSample, len(hrSamples))
	copy(sorted, hrSamples)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Time.Before(sorted[j].Time)
	})

	c := classifier.NewTwoStageClassifier(t.opts.TwoStageOpts)
	var correct, remHits, remTotal float64
	var awakeHits, awakeTotal, awakePredicted, awakeCorrectPred float64

	for _, sample := range sorted {
		if sample.Time.Before(nightStart) || sample.Time.After(nightEnd) {
			continue
		}
		labeled, ok := stageAt(heldOut, sample.Time)
		if !ok {
			continue
		}

		hrv := hrvAt(hrvSamples, sample.Time)
		result := c.Classify(sample.BPM, hrv, sample.Time, nightStart, model)
		report.SamplesEvaluated++

		// NREM 细分标注粒度不可靠，验证按 awake/light/rem 三类对齐
		predicted := result.Stage.NormalizeNREM()
		expected := labeled.NormalizeNREM()
		if predicted == expected {
			correct++
		}
		if expected == models.StageREM {
			remTotal++
			if predicted == models.StageREM {
				remHits++
			}
		}
		if expected == models.StageAwake {
			awakeTotal++
			if predicted == models.StageAwake {
				awakeHits++
			}
		}
		if predicted == models.StageAwake {
			awakePredicted++
			if expected == models.StageAwake {
				awakeCorrectPred++
			}
		}
	}

	if report.SamplesEvaluated > 0 {
		report.Accuracy = correct / float64(report.SamplesEvaluated)
	}
	if remTotal > 0 {
		report.REMSensitivity = remHits / remTotal
	}
	if awakeTotal > 0 {
		report.AwakeSensitivity = awakeHits / awakeTotal
	}
	if awakePredicted > 0 {
		report.AwakePrecision = awakeCorrectPred / awakePredicted
	}
	return report
}

// stageAt 时间点落在哪个标注片段内
func stageAt(segments []models.LabeledSegment, ts time.Time) (models.SleepStage, bool) {
	for _, seg := range segments {
		if !ts.Before(seg.StartTime) && ts.Before(seg.EndTime) {
			return seg.Stage, true
		}
	}
	return models.StageUnknown, false
}

// hrvAt 最近 5 分钟内的 HRV 样本（没有则 nil，分类器自行推导）
func hrvAt(samples []models.HRVSample, ts time.Time) *float64 {
	const window = 5 * time.Minute
	var best *float64
	bestDist := window
	for i := range samples {
		dist := ts.Sub(samples[i].Time)
		if dist < 0 {
			dist = -dist
		}
		if dist <= bestDist {
			bestDist = dist
			best = &samples[i].RMSSD
		}
	}
	return best
}

// percentile 线性插值分位数
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	pos := p * float64(len(sorted)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return sorted[lower]
	}
	frac := pos - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}

// meanStd 均值和总体标准差
func meanStd(values []float64) (mean, std float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}
