package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"dreamgate/internal/audio"
	"dreamgate/internal/classifier"
	"dreamgate/internal/config"
	"dreamgate/internal/consumer"
	"dreamgate/internal/database"
	"dreamgate/internal/models"
	"dreamgate/internal/mqttx"
	"dreamgate/internal/pubsub"
	"dreamgate/internal/redisx"
	"dreamgate/internal/repository"
	"dreamgate/internal/session"
	"dreamgate/internal/training"
	"dreamgate/internal/wearable"
)

// EngineService 睡眠分期引擎服务
//
// 组装全部组件：MQTT 音频摄入 → 呼吸分析，生命体征轮询 →
// 分类器，会话编排器和播放门，以及模型训练链路。
type EngineService struct {
	config       *config.Config
	logger       *zap.Logger
	db           *sql.DB
	redis        *redis.Client
	mqttClient   *mqttx.Client
	analyzer     *audio.BreathingAnalyzer
	consumer     *consumer.AudioConsumer
	poller       *consumer.VitalsPoller
	orchestrator *session.Orchestrator

	cancelConsumer context.CancelFunc
}

// NewEngineService 创建引擎服务
func NewEngineService(cfg *config.Config, logger *zap.Logger) (*EngineService, error) {
	// 初始化数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 初始化Redis
	redisClient := redisx.NewClient(&cfg.Redis)
	if err := redisx.Ping(context.Background(), redisClient); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	// 初始化MQTT
	mqttClient, err := mqttx.NewClient(&cfg.MQTT, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT: %w", err)
	}

	// 可穿戴平台客户端
	wearableClient := wearable.NewClient(
		cfg.Wearable.BaseURL,
		cfg.Wearable.AppID,
		cfg.Wearable.SecretKey,
		logger,
	)

	// 呼吸分析器和音频摄入
	analyzer := audio.NewBreathingAnalyzer(audio.Options{
		AGCTargetLevel: cfg.Audio.AGCTargetLevel,
		AGCAdaptRate:   cfg.Audio.AGCAdaptRate,
		MinBreathGap:   cfg.Audio.MinBreathGap,
		BreathRingSize: cfg.Audio.BreathRingSize,
		SampleTimeout:  cfg.Audio.SampleTimeout,
	}, logger)
	audioConsumer := consumer.NewAudioConsumer(mqttClient, cfg.Audio.Topic, cfg.MQTT.QoS, analyzer, logger)

	// 生命体征轮询
	poller := consumer.NewVitalsPoller(wearableClient, cfg.Session.VitalsPollInterval, logger)

	// 存储层
	modelStore := repository.NewModelStore(redisClient, logger)
	sessionRepo := repository.NewSessionRepository(db, logger)
	eventPublisher := repository.NewStageEventPublisher(redisClient, cfg.Session.StageStream, logger)

	// 训练器
	trainer := training.NewTrainer(wearableClient, modelStore, training.Options{
		MinSegments:  cfg.Training.MinSegments,
		ModelMaxAge:  cfg.Training.ModelMaxAge,
		SessionGap:   cfg.Training.SessionGap,
		TwoStageOpts: classifierOptions(cfg),
	}, logger)

	// 编排器
	orchestrator := session.NewOrchestrator(session.Deps{
		Config:     cfg,
		Analyzer:   analyzer,
		Poller:     poller,
		ModelStore: modelStore,
		Trainer:    trainer,
		Sessions:   sessionRepo,
		Events:     eventPublisher,
		Logger:     logger,
	})

	return &EngineService{
		config:       cfg,
		logger:       logger,
		db:           db,
		redis:        redisClient,
		mqttClient:   mqttClient,
		analyzer:     analyzer,
		consumer:     audioConsumer,
		poller:       poller,
		orchestrator: orchestrator,
	}, nil
}

// Orchestrator 会话编排器（外部协作方的入口）
func (s *EngineService) Orchestrator() *session.Orchestrator {
	return s.orchestrator
}

// SubscribeAnalysis 订阅呼吸分析流（无需激活会话）
func (s *EngineService) SubscribeAnalysis(cb func(models.BreathingAnalysis)) pubsub.Unsubscribe {
	return s.analyzer.SubscribeAnalysis(cb)
}

// SubscribeRawAudio 订阅 AGC 后的原始电平流（校准界面可视化用）
func (s *EngineService) SubscribeRawAudio(cb func(models.RawAudioSample)) pubsub.Unsubscribe {
	return s.analyzer.SubscribeRaw(cb)
}

// CurrentGain 当前 AGC 增益
func (s *EngineService) CurrentGain() float64 {
	return s.analyzer.CurrentGain()
}

// StartCalibrationTest 启动呼吸校准测试
func (s *EngineService) StartCalibrationTest() error {
	return s.orchestrator.StartCalibrationTest()
}

// StopCalibrationTest 停止呼吸校准测试
func (s *EngineService) StopCalibrationTest() (*models.BreathingAnalysis, float64, error) {
	return s.orchestrator.StopCalibrationTest()
}

// CurrentStage 当前分期
func (s *EngineService) CurrentStage() models.SleepStage {
	return s.orchestrator.CurrentStage()
}

// IsInTargetStage 当前分期是否为给定目标分期
func (s *EngineService) IsInTargetStage(stage models.SleepStage) bool {
	return s.orchestrator.IsInTargetStage(stage)
}

// Start 启动服务
//
// 音频消费者常驻（校准界面在无会话时也要看到呼吸状态），
// 生命体征轮询的生命周期由编排器按会话管理。
func (s *EngineService) Start(ctx context.Context) error {
	s.logger.Info("Starting engine service components")

	consumerCtx, cancel := context.WithCancel(context.Background())
	s.cancelConsumer = cancel
	go func() {
		if err := s.consumer.Start(consumerCtx); err != nil {
			s.logger.Error("Audio consumer exited", zap.Error(err))
		}
	}()

	s.logger.Info("Engine service started successfully")
	return nil
}

// Stop 停止服务
func (s *EngineService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping engine service")

	// 激活会话先收口，摘要照常落库
	if _, err := s.orchestrator.StopSession(ctx); err != nil && !errors.Is(err, session.ErrNoActiveSession) {
		s.logger.Error("Error stopping active session", zap.Error(err))
	}

	if s.cancelConsumer != nil {
		s.cancelConsumer()
	}
	if s.consumer != nil {
		if err := s.consumer.Stop(ctx); err != nil {
			s.logger.Error("Error stopping consumer", zap.Error(err))
		}
	}

	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}

	if s.redis != nil {
		redisx.Close(s.redis)
	}

	if s.db != nil {
		database.Close(s.db)
	}

	s.logger.Info("Engine service stopped")
	return nil
}

// classifierOptions 配置到两段式分类器参数的映射
func classifierOptions(cfg *config.Config) classifier.TwoStageOptions {
	return classifier.TwoStageOptions{
		CVThreshold:            cfg.Classifier.CVThreshold,
		REMConsecutiveRequired: cfg.Classifier.REMConsecutiveRequired,
		AwakeScoreThreshold:    cfg.Classifier.AwakeScoreThreshold,
		REMMinOnsetMinutes:     cfg.Classifier.REMMinOnsetMinutes,
		CycleLengthMinutes:     cfg.Classifier.CycleLengthMinutes,
		MaxRecentHR:            cfg.Classifier.MaxRecentHR,
		MaxRMSSDHistory:        cfg.Classifier.MaxRMSSDHistory,
	}
}
