package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dreamgate/internal/audio"
	"dreamgate/internal/classifier"
	"dreamgate/internal/config"
	"dreamgate/internal/consumer"
	"dreamgate/internal/models"
	"dreamgate/internal/pubsub"
	"dreamgate/internal/repository"
	"dreamgate/internal/training"
)

var (
	// ErrSessionActive 已有激活会话时再次 start 是调用方错误
	ErrSessionActive = errors.New("session: a session is already active")

	// ErrNoActiveSession 没有激活会话可停止
	ErrNoActiveSession = errors.New("session: no active session")

	// ErrCalibrationActive 校准测试已在进行中
	ErrCalibrationActive = errors.New("session: a calibration test is already running")

	// ErrNoCalibrationTest 没有进行中的校准测试可停止
	ErrNoCalibrationTest = errors.New("session: no calibration test running")
)

// StageEventSink 分期变化事件的外部出口（Redis Streams 发布器）
type StageEventSink interface {
	Publish(ctx context.Context, event *models.StageChangeEvent) error
}

// SessionStore 已完成会话的持久化出口
type SessionStore interface {
	SaveCompleted(ctx context.Context, session *models.SleepSession, summary *models.SleepSummary) error
}

// ModelTrainer 模型训练入口
type ModelTrainer interface {
	Train(ctx context.Context, req training.Request) (*models.LearnedModel, error)
}

// Deps 编排器依赖
type Deps struct {
	Config     *config.Config
	Analyzer   *audio.BreathingAnalyzer
	Poller     *consumer.VitalsPoller
	ModelStore *repository.ModelStore
	Trainer    ModelTrainer
	Sessions   SessionStore
	Events     StageEventSink
	Logger     *zap.Logger
}

// Orchestrator 会话编排器
//
// 维护唯一的激活会话，订阅音频分析流和生命体征轮询流，合并混合
// 融合与两段式分类器的输出为单一当前分期信号，计算 REM 置信度
// 并驱动播放门。
//
// 两个生产者交错投递，合并状态由 mu 保护；模型指针原子替换，
// 分类读路径只持有不可变快照。
type Orchestrator struct {
	cfg    *config.Config
	logger *zap.Logger

	analyzer   *audio.BreathingAnalyzer
	poller     *consumer.VitalsPoller
	modelStore *repository.ModelStore
	trainer    ModelTrainer
	sessions   SessionStore
	events     StageEventSink

	audioClassifier  *classifier.AudioSourceClassifier
	vitalsClassifier *classifier.VitalsSourceClassifier
	fusion           *classifier.HybridFusion
	twoStage         *classifier.TwoStageClassifier
	gate             *PlaybackGate

	model atomic.Pointer[models.LearnedModel]

	stageFeed *pubsub.Feed[models.StageChangeEvent]

	mu            sync.Mutex
	active        *models.SleepSession
	lastAudio     *models.BreathingAnalysis
	lastVitals    models.SourceClassification
	lastVitalsAt  time.Time
	lastTwoStage  *classifier.TwoStageResult
	lastHybrid    *models.HybridClassification
	unsubAudio    pubsub.Unsubscribe
	unsubVitals   pubsub.Unsubscribe
	cancelSession context.CancelFunc
	calibUnsub    pubsub.Unsubscribe
	cancelCalib   context.CancelFunc
}

// NewOrchestrator 创建编排器
func NewOrchestrator(deps Deps) *Orchestrator {
	cfg := deps.Config
	return &Orchestrator{
		cfg:              cfg,
		logger:           deps.Logger,
		analyzer:         deps.Analyzer,
		poller:           deps.Poller,
		modelStore:       deps.ModelStore,
		trainer:          deps.Trainer,
		sessions:         deps.Sessions,
		events:           deps.Events,
		audioClassifier:  classifier.NewAudioSourceClassifier(),
		vitalsClassifier: classifier.NewVitalsSourceClassifier(),
		fusion:           classifier.NewHybridFusion(),
		twoStage: classifier.NewTwoStageClassifier(classifier.TwoStageOptions{
			CVThreshold:            cfg.Classifier.CVThreshold,
			REMConsecutiveRequired: cfg.Classifier.REMConsecutiveRequired,
			AwakeScoreThreshold:    cfg.Classifier.AwakeScoreThreshold,
			REMMinOnsetMinutes:     cfg.Classifier.REMMinOnsetMinutes,
			CycleLengthMinutes:     cfg.Classifier.CycleLengthMinutes,
			MaxRecentHR:            cfg.Classifier.MaxRecentHR,
			MaxRMSSDHistory:        cfg.Classifier.MaxRMSSDHistory,
		}),
		gate:      NewPlaybackGate(deps.Logger),
		stageFeed: pubsub.NewFeed[models.StageChangeEvent](),
	}
}

// Gate 播放门（订阅 onRemStart/onRemEnd）
func (o *Orchestrator) Gate() *PlaybackGate {
	return o.gate
}

// SubscribeStageChanges 订阅分期变化事件
func (o *Orchestrator) SubscribeStageChanges(cb func(models.StageChangeEvent)) pubsub.Unsubscribe {
	return o.stageFeed.Subscribe(cb)
}

// CurrentModel 当前生效的学习模型（可能为 nil）
func (o *Orchestrator) CurrentModel() *models.LearnedModel {
	return o.model.Load()
}

// ActiveSession 当前激活会话的副本（无激活会话时为 nil）
func (o *Orchestrator) ActiveSession() *models.SleepSession {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		return nil
	}
	copied := *o.active
	copied.StageHistory = append([]models.StageInterval(nil), o.active.StageHistory...)
	return &copied
}

// CurrentStage 当前分期（无激活会话时为 Unknown）
func (o *Orchestrator) CurrentStage() models.SleepStage {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		return models.StageUnknown
	}
	return o.active.CurrentStage
}

// IsInTargetStage 当前分期是否为给定目标分期
func (o *Orchestrator) IsInTargetStage(stage models.SleepStage) bool {
	return o.CurrentStage() == stage
}

// BreathingStatus 最近一次呼吸分析和 AGC 增益（校准界面用）
func (o *Orchestrator) BreathingStatus() (*models.BreathingAnalysis, float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastAudio, o.analyzer.CurrentGain()
}

// LastClassification 最近一次合并分类结果
func (o *Orchestrator) LastClassification() *models.HybridClassification {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastHybrid
}

// StartSession 启动追踪会话
//
// 已有激活会话时返回 ErrSessionActive。同步做一次廉价的模型刷新
// （从存储加载当前版本），完整重训安排在后台，不阻塞启动。
func (o *Orchestrator) StartSession(ctx context.Context, source models.SessionSource) (*models.SleepSession, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active != nil {
		return nil, ErrSessionActive
	}

	// 会话接管分析器，进行中的校准测试结束
	o.stopCalibrationLocked()

	if model, err := o.modelStore.LoadCurrent(ctx); err == nil {
		o.model.Store(model)
	} else if !errors.Is(err, repository.ErrNoModel) {
		o.logger.Warn("Failed to load model, starting without one", zap.Error(err))
	}

	o.analyzer.Reset()
	o.twoStage.Reset()
	o.fusion.Reset()
	o.lastAudio = nil
	o.lastVitals = models.SourceClassification{Stage: models.StageUnknown}
	o.lastVitalsAt = time.Time{}
	o.lastTwoStage = nil
	o.lastHybrid = nil

	now := time.Now()
	o.active = &models.SleepSession{
		ID:           uuid.New().String(),
		StartTime:    now,
		Source:       source,
		IsActive:     true,
		CurrentStage: models.StageUnknown,
	}

	// 生产者的生命周期与会话绑定，停止时取消进行中的轮询
	sessCtx, cancel := context.WithCancel(context.Background())
	o.cancelSession = cancel
	go func() { _ = o.poller.Start(sessCtx) }()
	go o.analyzer.Start(sessCtx)

	o.unsubAudio = o.analyzer.SubscribeAnalysis(o.onAudioAnalysis)
	o.unsubVitals = o.poller.Subscribe(o.onVitalsSnapshot)

	go o.retrainInBackground()

	o.logger.Info("Sleep session started",
		zap.String("session_id", o.active.ID),
		zap.String("source", string(source)),
		zap.Bool("model_loaded", o.model.Load() != nil),
	)

	copied := *o.active
	return &copied, nil
}

// StopSession 停止激活会话并返回睡眠摘要
//
// 返回前同步取消订阅两个生产者并取消进行中的轮询，保证关闭后
// 不再有分期更新到达。
func (o *Orchestrator) StopSession(ctx context.Context) (*models.SleepSummary, error) {
	o.mu.Lock()

	if o.active == nil {
		o.mu.Unlock()
		return nil, ErrNoActiveSession
	}

	o.unsubAudio()
	o.unsubVitals()
	o.cancelSession()

	now := time.Now()
	session := o.active
	if n := len(session.StageHistory); n > 0 && session.StageHistory[n-1].EndTime == nil {
		session.StageHistory[n-1].EndTime = &now
	}
	session.EndTime = &now
	session.IsActive = false

	o.active = nil
	o.lastHybrid = nil
	o.mu.Unlock()

	// 门事件在锁外发布，onRemEnd 回调可以回查编排器状态
	o.gate.Reset(session.ID, now)

	summary := ComputeSummary(session)
	if err := o.sessions.SaveCompleted(ctx, session, summary); err != nil {
		// 持久化失败不吞掉摘要，调用方仍拿到完整结果
		o.logger.Error("Failed to persist session", zap.Error(err))
	}

	o.logger.Info("Sleep session stopped",
		zap.String("session_id", session.ID),
		zap.Float64("total_minutes", summary.TotalMinutes),
		zap.Float64("efficiency", summary.Efficiency),
	)
	return summary, nil
}

// Calibrate 强制重训模型（校准流程）
//
// 成功时原子换入新模型。激活会话中的分类从下一个样本起使用
// 新版本。
func (o *Orchestrator) Calibrate(ctx context.Context, onProgress func(training.Progress)) (*models.LearnedModel, error) {
	model, err := o.trainer.Train(ctx, training.Request{
		HoursBack:  o.cfg.Training.DefaultHoursBack.Hours(),
		Force:      true,
		OnProgress: onProgress,
	})
	if err != nil {
		return nil, err
	}
	o.model.Store(model)
	return model, nil
}

// StartCalibrationTest 启动呼吸校准测试
//
// 不需要激活会话：重置分析器并启动其超时衰减循环，校准界面通过
// BreathingStatus 或分析订阅读取实时呼吸状态和 AGC 增益。启动会话
// 会隐式结束进行中的校准测试。
func (o *Orchestrator) StartCalibrationTest() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active != nil {
		return ErrSessionActive
	}
	if o.cancelCalib != nil {
		return ErrCalibrationActive
	}

	o.analyzer.Reset()
	o.lastAudio = nil

	ctx, cancel := context.WithCancel(context.Background())
	o.cancelCalib = cancel
	o.calibUnsub = o.analyzer.SubscribeAnalysis(o.onCalibrationAnalysis)
	go o.analyzer.Start(ctx)

	o.logger.Info("Calibration test started")
	return nil
}

// StopCalibrationTest 停止校准测试，返回最后的呼吸分析和 AGC 增益
func (o *Orchestrator) StopCalibrationTest() (*models.BreathingAnalysis, float64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cancelCalib == nil {
		return nil, 0, ErrNoCalibrationTest
	}
	o.stopCalibrationLocked()
	o.logger.Info("Calibration test stopped")
	return o.lastAudio, o.analyzer.CurrentGain(), nil
}

// stopCalibrationLocked 取消校准订阅和衰减循环（调用方持锁）
func (o *Orchestrator) stopCalibrationLocked() {
	if o.cancelCalib == nil {
		return
	}
	o.calibUnsub()
	o.cancelCalib()
	o.calibUnsub = nil
	o.cancelCalib = nil
}

// onCalibrationAnalysis 校准期间的音频分析回调
func (o *Orchestrator) onCalibrationAnalysis(analysis models.BreathingAnalysis) {
	o.mu.Lock()
	o.lastAudio = &analysis
	o.mu.Unlock()
}

// retrainInBackground 会话启动时安排的后台重训
//
// 数据不足或模型仍新鲜不是错误，记录为跳过原因。
func (o *Orchestrator) retrainInBackground() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	model, err := o.trainer.Train(ctx, training.Request{
		HoursBack: o.cfg.Training.DefaultHoursBack.Hours(),
	})
	switch {
	case errors.Is(err, training.ErrModelFresh):
		o.logger.Debug("Skipped retraining: model is fresh")
	case errors.Is(err, training.ErrInsufficientData):
		o.logger.Info("Skipped retraining: insufficient labeled history", zap.Error(err))
	case err != nil:
		o.logger.Warn("Background retraining failed", zap.Error(err))
	default:
		o.model.Store(model)
		o.logger.Info("Background retraining completed", zap.Int("version", model.Version))
	}
}

// onAudioAnalysis 音频生产者回调
func (o *Orchestrator) onAudioAnalysis(analysis models.BreathingAnalysis) {
	now := time.Now()

	o.mu.Lock()
	if o.active == nil {
		o.mu.Unlock()
		return
	}
	o.lastAudio = &analysis

	// 生命体征陈旧时丢弃两段式状态，REM 置信度回落到 0，播放门
	// 关闭而不是停在最后一次读数上
	if stale := 3 * o.cfg.Session.VitalsPollInterval; stale > 0 &&
		!o.lastVitalsAt.IsZero() && now.Sub(o.lastVitalsAt) > stale {
		o.lastVitals = models.SourceClassification{Stage: models.StageUnknown}
		o.lastTwoStage = nil
	}

	event, sessionID, remConfidence := o.recomputeLocked(now)
	o.mu.Unlock()

	o.publishUpdate(event, sessionID, remConfidence, now)
}

// onVitalsSnapshot 生命体征生产者回调
//
// 空快照（设备摘下、平台不可达）同样参与合并：分类结果退化为
// Unknown、两段式状态清空，置信度随之归零。
func (o *Orchestrator) onVitalsSnapshot(snapshot *models.VitalsSnapshot) {
	o.mu.Lock()
	if o.active == nil {
		o.mu.Unlock()
		return
	}

	o.lastVitalsAt = time.Now()
	model := o.model.Load()
	o.lastVitals = o.vitalsClassifier.Classify(snapshot, model)

	// 模型加载且有 HR 时，两段式分类器可用
	if model != nil && snapshot != nil && snapshot.HeartRate != nil {
		result := o.twoStage.Classify(
			float64(*snapshot.HeartRate),
			snapshot.HRV,
			snapshot.Timestamp,
			o.active.StartTime,
			model,
		)
		o.lastTwoStage = &result
	} else {
		o.lastTwoStage = nil
	}

	now := snapshot.Timestamp
	event, sessionID, remConfidence := o.recomputeLocked(now)
	o.mu.Unlock()

	o.publishUpdate(event, sessionID, remConfidence, now)
}

// recomputeLocked 合并两路分类器输出并推进分期历史
//
// 两段式结果在模型加载且有生命体征时优先，否则以混合融合为准。
// REM 置信度只来自两段式路径：没有生命体征时保持 0，播放门保守
// 地不触发。只更新状态，发布由调用方在释放锁后进行。
func (o *Orchestrator) recomputeLocked(now time.Time) (*models.StageChangeEvent, string, float64) {
	var audioClass models.SourceClassification
	if o.lastAudio != nil {
		audioClass = o.audioClassifier.Classify(*o.lastAudio)
	} else {
		audioClass = models.SourceClassification{Stage: models.StageUnknown}
	}

	frac := o.active.ElapsedFraction(now, o.cfg.Session.AwakePriorFade)
	hybrid := o.fusion.Classify(audioClass, o.lastVitals, frac)

	stage := hybrid.PredictedStage
	if o.lastTwoStage != nil {
		stage = o.lastTwoStage.Stage
		hybrid.REMConfidence = o.lastTwoStage.REMConfidence
	}
	hybrid.PredictedStage = stage
	o.lastHybrid = &hybrid

	event := o.applyStageLocked(stage, hybrid.OverallConfidence, now)
	return event, o.active.ID, hybrid.REMConfidence
}

// applyStageLocked 分期转移时更新历史，返回待发布的事件（无转移时为 nil）
func (o *Orchestrator) applyStageLocked(stage models.SleepStage, confidence float64, now time.Time) *models.StageChangeEvent {
	if stage == models.StageUnknown || stage == o.active.CurrentStage {
		return nil
	}

	if n := len(o.active.StageHistory); n > 0 {
		ts := now
		o.active.StageHistory[n-1].EndTime = &ts
	}
	o.active.StageHistory = append(o.active.StageHistory, models.StageInterval{
		Stage:     stage,
		StartTime: now,
	})

	event := &models.StageChangeEvent{
		SessionID:  o.active.ID,
		From:       o.active.CurrentStage,
		To:         stage,
		Timestamp:  now,
		Confidence: confidence,
	}
	o.active.CurrentStage = stage
	return event
}

// publishUpdate 在锁外发布分期事件并驱动播放门
//
// 订阅回调里可以安全地回查 ActiveSession、CurrentStage 等访问器。
func (o *Orchestrator) publishUpdate(event *models.StageChangeEvent, sessionID string, remConfidence float64, now time.Time) {
	if event != nil {
		o.stageFeed.Publish(*event)

		// 外部发布走网络，移出音频样本路径
		if o.events != nil {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := o.events.Publish(ctx, event); err != nil {
					o.logger.Warn("Failed to publish stage change event", zap.Error(err))
				}
			}()
		}
	}

	o.gate.Observe(sessionID, remConfidence, now)
}
