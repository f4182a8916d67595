package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"dreamgate/internal/models"
	"dreamgate/internal/mqttx"
)

// audioSample MQTT 音频样本载荷
//
// 采集端每次发布一个 RMS 能量标量。时间戳缺失时用接收时刻。
type audioSample struct {
	Level     float64    `json:"level"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// AudioSink 音频样本的下游（呼吸分析器）
type AudioSink interface {
	Process(sample models.RawAudioSample)
}

// MQTTSubscriber 订阅端能力（mqttx.Client 的子集）
type MQTTSubscriber interface {
	Subscribe(topic string, qos byte, handler mqttx.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// AudioConsumer 音频 RMS 样本消费者
//
// 订阅采集端（床头设备/手机麦克风网关）发布的能量样本并喂给
// 呼吸分析器。样本不持久化。
type AudioConsumer struct {
	mqttClient MQTTSubscriber
	topic      string
	qos        byte
	sink       AudioSink
	logger     *zap.Logger
}

// NewAudioConsumer 创建音频消费者
func NewAudioConsumer(mqttClient MQTTSubscriber, topic string, qos byte, sink AudioSink, logger *zap.Logger) *AudioConsumer {
	return &AudioConsumer{
		mqttClient: mqttClient,
		topic:      topic,
		qos:        qos,
		sink:       sink,
		logger:     logger,
	}
}

// Start 启动消费者，阻塞到上下文取消
func (c *AudioConsumer) Start(ctx context.Context) error {
	if err := c.mqttClient.Subscribe(c.topic, c.qos, c.handleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to audio topic: %w", err)
	}

	c.logger.Info("Audio consumer started",
		zap.String("topic", c.topic),
	)

	<-ctx.Done()
	return nil
}

// Stop 停止消费者
func (c *AudioConsumer) Stop(ctx context.Context) error {
	if err := c.mqttClient.Unsubscribe(c.topic); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
	}

	c.logger.Info("Audio consumer stopped")
	return nil
}

// handleMessage 处理单个音频样本
func (c *AudioConsumer) handleMessage(topic string, payload []byte) error {
	var sample audioSample
	if err := json.Unmarshal(payload, &sample); err != nil {
		return fmt.Errorf("failed to parse audio sample: %w", err)
	}
	if sample.Level < 0 {
		return fmt.Errorf("invalid audio level: %f", sample.Level)
	}

	ts := time.Now()
	if sample.Timestamp != nil {
		ts = *sample.Timestamp
	}

	c.sink.Process(models.RawAudioSample{
		Level:     sample.Level,
		Timestamp: ts,
	})
	return nil
}
