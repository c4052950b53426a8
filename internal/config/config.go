package config

import (
	"log"

	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server    ServerConfig             `mapstructure:"server"`
	MySQL     MySQLConfig              `mapstructure:"mysql"`
	Redis     RedisConfig              `mapstructure:"redis"`
	Kafka     KafkaConfig              `mapstructure:"kafka"`
	Validator ValidatorConfig          `mapstructure:"validator"`
	Tiers     map[string]TierConfig    `mapstructure:"tiers"`
	Pricing   map[string]PricingConfig `mapstructure:"pricing"`
	Health    HealthConfig             `mapstructure:"health"`
	Business  BusinessConfig           `mapstructure:"business"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Enabled bool             `mapstructure:"enabled"`
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	BatchResult string `mapstructure:"batch_result"`
}

// ValidatorConfig 上游检测能力的接入配置
// 网关协议细节由上游服务实现，本服务只关心超时与网络错误重试
type ValidatorConfig struct {
	BaseURL          string `mapstructure:"base_url"`
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	RetryMaxAttempts int    `mapstructure:"retry_max_attempts"`
	RetryBackoffMs   int    `mapstructure:"retry_backoff_ms"`
}

// TierConfig 单个速度等级的限速与每日领取额度
type TierConfig struct {
	Concurrency int   `mapstructure:"concurrency"`
	DelayMs     int   `mapstructure:"delay_ms"`
	DailyClaim  int64 `mapstructure:"daily_claim"`
}

// PricingConfig 单个网关的计费单价（积分/张）
// 只有 APPROVED 与 LIVE（含 3DS）计费，其余状态免费
type PricingConfig struct {
	Approved int64 `mapstructure:"approved"`
	Live     int64 `mapstructure:"live"`
}

// HealthConfig 网关可用性判定阈值
type HealthConfig struct {
	ConsecutiveFailures int     `mapstructure:"consecutive_failures"` // 连续失败 N 次判定不可用
	MinSamples          int     `mapstructure:"min_samples"`          // 失败率判定的最小样本数
	FailureRate         float64 `mapstructure:"failure_rate"`         // 失败率阈值 [0,1]
}

type BusinessConfig struct {
	StarterCredits    int64 `mapstructure:"starter_credits"`     // 新账户初始积分
	CASMaxRetries     int   `mapstructure:"cas_max_retries"`     // 乐观锁冲突重试上限
	CASBackoffMs      int   `mapstructure:"cas_backoff_ms"`      // 冲突重试间隔
	BatchStaleMinutes int   `mapstructure:"batch_stale_minutes"` // RUNNING 批次视为僵死的时限
	MaxRetryCount     int   `mapstructure:"max_retry_count"`     // 发件箱投递重试上限
}

var GlobalConfig *Config

// LoadConfig 加载配置文件
func LoadConfig(configPath string) *Config {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("读取配置文件失败: %v", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		log.Fatalf("解析配置文件失败: %v", err)
	}

	GlobalConfig = config
	return config
}
