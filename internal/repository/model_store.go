package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"dreamgate/internal/models"
)

// ErrNoModel 尚无已训练的模型
var ErrNoModel = errors.New("repository: no trained model available")

const (
	modelCurrentKey   = "dreamgate:model:current"
	modelVersionKeyFm = "dreamgate:model:v%d"
)

// ModelStore 学习模型存储（Redis）
//
// 模型按版本号存储为 JSON blob，"current" 指针指向生效版本。
// 写入用事务流水线，读方要么看到旧版本要么看到新版本，不会读到
// 半写状态。
type ModelStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewModelStore 创建模型存储
func NewModelStore(client *redis.Client, logger *zap.Logger) *ModelStore {
	return &ModelStore{
		client: client,
		logger: logger,
	}
}

// Save 持久化新模型版本并原子切换 current 指针
func (s *ModelStore) Save(ctx context.Context, model *models.LearnedModel) error {
	blob, err := json.Marshal(model)
	if err != nil {
		return fmt.Errorf("failed to marshal model: %w", err)
	}

	versionKey := fmt.Sprintf(modelVersionKeyFm, model.Version)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, versionKey, blob, 0)
		pipe.Set(ctx, modelCurrentKey, model.Version, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to persist model v%d: %w", model.Version, err)
	}

	s.logger.Info("Persisted learned model",
		zap.Int("version", model.Version),
		zap.Time("trained_at", model.TrainedAt),
	)
	return nil
}

// LoadCurrent 加载当前生效的模型
//
// 从未训练过时返回 ErrNoModel。
func (s *ModelStore) LoadCurrent(ctx context.Context) (*models.LearnedModel, error) {
	version, err := s.client.Get(ctx, modelCurrentKey).Int()
	if err == redis.Nil {
		return nil, ErrNoModel
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read current model version: %w", err)
	}
	return s.LoadVersion(ctx, version)
}

// LoadVersion 加载指定版本的模型
func (s *ModelStore) LoadVersion(ctx context.Context, version int) (*models.LearnedModel, error) {
	blob, err := s.client.Get(ctx, fmt.Sprintf(modelVersionKeyFm, version)).Bytes()
	if err == redis.Nil {
		return nil, ErrNoModel
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read model v%d: %w", version, err)
	}

	var model models.LearnedModel
	if err := json.Unmarshal(blob, &model); err != nil {
		return nil, fmt.Errorf("failed to unmarshal model v%d: %w", version, err)
	}
	return &model, nil
}
