package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// Config dreamgate 服务配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	MQTT     MQTTConfig

	// 音频呼吸分析配置
	Audio struct {
		Topic          string        // 原始音频 RMS 样本的 MQTT 主题
		SampleTimeout  time.Duration // 无样本到达多久后置信度开始衰减
		AGCTargetLevel float64       // AGC 目标电平
		AGCAdaptRate   float64       // AGC 增益调整速率 (0,1]
		MinBreathGap   time.Duration // 两次呼吸事件的最小间隔
		BreathRingSize int           // recentBreathTimes 有界环大小
	}

	// 分类器标定常量
	//
	// 这些阈值是在历史数据上人工调优的经验值（见默认值）。按配置
	// 暴露而不是硬编码，方便后续按用户重标定。
	Classifier struct {
		CVThreshold            float64 // REM 判定的 CV 阈值
		REMConsecutiveRequired int     // REM 提交需要的连续合格窗口数
		AwakeScoreThreshold    float64 // awake_score 判定阈值
		REMMinOnsetMinutes     float64 // 入睡后多少分钟内不判 REM
		CycleLengthMinutes     float64 // 睡眠周期长度
		MaxRecentHR            int     // mean_diff 滚动窗口大小
		MaxRMSSDHistory        int     // RMSSD 滚动窗口大小
	}

	// 模型训练配置
	Training struct {
		DefaultHoursBack time.Duration // 默认回溯的历史窗口
		MinSegments      int           // 最少需要的标注片段数
		ModelMaxAge      time.Duration // 模型新鲜期（未超过则跳过重训）
		SessionGap       time.Duration // 历史片段按此间隔切分为夜晚
	}

	// 会话编排配置
	Session struct {
		VitalsPollInterval time.Duration // 生命体征轮询间隔
		AwakePriorFade     time.Duration // 清醒先验淡出时长（会话开头）
		StageStream        string        // 分期变化事件发布的 Redis Stream
	}

	// 可穿戴平台 API 配置
	Wearable struct {
		BaseURL   string
		AppID     string
		SecretKey string
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	// 从环境变量加载（默认值）
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "dreamgate")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 10)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "dreamgate")
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", "")
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", "")
	cfg.MQTT.QoS = 1

	cfg.Audio.Topic = getEnv("AUDIO_TOPIC", "dreamgate/audio/rms")
	cfg.Audio.SampleTimeout = getEnvDuration("AUDIO_SAMPLE_TIMEOUT", 10*time.Second)
	cfg.Audio.AGCTargetLevel = getEnvFloat("AUDIO_AGC_TARGET", 0.5)
	cfg.Audio.AGCAdaptRate = getEnvFloat("AUDIO_AGC_ADAPT_RATE", 0.05)
	cfg.Audio.MinBreathGap = getEnvDuration("AUDIO_MIN_BREATH_GAP", 1500*time.Millisecond)
	cfg.Audio.BreathRingSize = getEnvInt("AUDIO_BREATH_RING_SIZE", 16)

	cfg.Classifier.CVThreshold = getEnvFloat("CLASSIFIER_CV_THRESHOLD", 0.20)
	cfg.Classifier.REMConsecutiveRequired = getEnvInt("CLASSIFIER_REM_CONSECUTIVE", 2)
	cfg.Classifier.AwakeScoreThreshold = getEnvFloat("CLASSIFIER_AWAKE_SCORE_THRESHOLD", 0.4)
	cfg.Classifier.REMMinOnsetMinutes = getEnvFloat("CLASSIFIER_REM_MIN_ONSET_MINUTES", 70)
	cfg.Classifier.CycleLengthMinutes = getEnvFloat("CLASSIFIER_CYCLE_LENGTH_MINUTES", 90)
	cfg.Classifier.MaxRecentHR = getEnvInt("CLASSIFIER_MAX_RECENT_HR", 20)
	cfg.Classifier.MaxRMSSDHistory = getEnvInt("CLASSIFIER_MAX_RMSSD_HISTORY", 10)

	cfg.Training.DefaultHoursBack = getEnvDuration("TRAINING_HOURS_BACK", 30*24*time.Hour)
	cfg.Training.MinSegments = getEnvInt("TRAINING_MIN_SEGMENTS", 10)
	cfg.Training.ModelMaxAge = getEnvDuration("TRAINING_MODEL_MAX_AGE", 24*time.Hour)
	cfg.Training.SessionGap = getEnvDuration("TRAINING_SESSION_GAP", 4*time.Hour)

	cfg.Session.VitalsPollInterval = getEnvDuration("SESSION_VITALS_POLL_INTERVAL", 30*time.Second)
	cfg.Session.AwakePriorFade = getEnvDuration("SESSION_AWAKE_PRIOR_FADE", 5*time.Minute)
	cfg.Session.StageStream = getEnv("SESSION_STAGE_STREAM", "dreamgate:stage:stream")

	cfg.Wearable.BaseURL = getEnv("WEARABLE_BASE_URL", "http://localhost:8090")
	cfg.Wearable.AppID = getEnv("WEARABLE_APP_ID", "")
	cfg.Wearable.SecretKey = getEnv("WEARABLE_SECRET_KEY", "")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
