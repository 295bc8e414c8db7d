package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int    `yaml:"max_conns"`
	MaxIdle  int    `yaml:"max_idle"`
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MQTTConfig MQTT配置（broadcast.driver=mqtt 时使用）
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      byte   `yaml:"qos"`
}

// KafkaConfig Kafka配置（broadcast.driver=kafka 时使用）
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// IngestConfig 采集网关配置
type IngestConfig struct {
	// FleetSecret 机群级共享密钥：设备没有单独密钥时的 HMAC 回退密钥
	FleetSecret string `yaml:"fleet_secret"`

	// FreshnessWindowSec 时间戳新鲜度窗口（秒），0 表示不校验（防重放加固，默认开启）
	FreshnessWindowSec int `yaml:"freshness_window_sec"`

	// UnknownDevicePolicy 未注册设备策略："accept"（静默接受并丢弃，参考系统行为）或 "reject"（404）
	UnknownDevicePolicy string `yaml:"unknown_device_policy"`

	// MaxBodyBytes 请求体大小上限
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// EvaluationConfig 阈值评估配置
type EvaluationConfig struct {
	SustainWindowSec int `yaml:"sustain_window_sec"` // 违规需持续多久才可报警，默认 300
	MaxSampleGapSec  int `yaml:"max_sample_gap_sec"` // 窗口内允许的最大采样间隔，默认 60；超出视为数据稀疏
}

// TierConfig 升级梯队：报警存续超过 duration 后通知 role@scope
// 梯队是数据而非代码：5/15/30 分钟只是默认值
type TierConfig struct {
	DurationSec int    `yaml:"duration_sec"`
	Role        string `yaml:"role"`
	Scope       string `yaml:"scope"` // device / tenant / global
}

// EscalationConfig 升级状态机配置
type EscalationConfig struct {
	Tiers []TierConfig `yaml:"tiers"`

	// SweepIntervalSec 定时巡检间隔（秒）：设备停报时仍按时升级，0 关闭
	SweepIntervalSec int `yaml:"sweep_interval_sec"`
}

// EmailConfig SMTP通道配置
type EmailConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	From     string `yaml:"from"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// WebhookConfig Webhook通道配置
type WebhookConfig struct {
	TimeoutSec int `yaml:"timeout_sec"`
}

// NotifyConfig 通知配置
type NotifyConfig struct {
	Channel   string        `yaml:"channel"` // email / webhook / log
	QueueSize int           `yaml:"queue_size"`
	Email     EmailConfig   `yaml:"email"`
	Webhook   WebhookConfig `yaml:"webhook"`
}

// BroadcastConfig 广播配置
type BroadcastConfig struct {
	Driver       string `yaml:"driver"`        // redis / mqtt / kafka / none
	StreamPrefix string `yaml:"stream_prefix"` // redis streams 键前缀
	TopicPrefix  string `yaml:"topic_prefix"`  // mqtt 主题前缀
}

// CacheConfig 看板缓存配置（活跃报警镜像到 Redis，供轮询看板兜底）
type CacheConfig struct {
	AlarmKeyPrefix string `yaml:"alarm_key_prefix"` // 如 "sitesense:device:"
	AlarmSuffix    string `yaml:"alarm_suffix"`     // 如 ":alarms"
	AlarmTTLSec    int    `yaml:"alarm_ttl_sec"`
}

// Config 报警服务配置
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	HTTPAddr   string           `yaml:"http_addr"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Evaluation EvaluationConfig `yaml:"evaluation"`
	Escalation EscalationConfig `yaml:"escalation"`
	Notify     NotifyConfig     `yaml:"notify"`
	Broadcast  BroadcastConfig  `yaml:"broadcast"`
	Cache      CacheConfig      `yaml:"cache"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default 默认配置
func Default() *Config {
	cfg := &Config{}

	cfg.Database = DatabaseConfig{
		Host: "localhost", Port: 5432,
		User: "postgres", Password: "postgres",
		Database: "sitesense", SSLMode: "disable",
	}
	cfg.Redis = RedisConfig{Addr: "localhost:6379"}

	cfg.HTTPAddr = ":8080"
	cfg.Ingest = IngestConfig{
		FreshnessWindowSec:  300,
		UnknownDevicePolicy: "accept",
		MaxBodyBytes:        1 << 20,
	}
	cfg.Evaluation = EvaluationConfig{
		SustainWindowSec: 300,
		MaxSampleGapSec:  60,
	}
	cfg.Escalation = EscalationConfig{
		Tiers: []TierConfig{
			{DurationSec: 300, Role: "caretaker", Scope: "device"},
			{DurationSec: 900, Role: "supervisor", Scope: "tenant"},
			{DurationSec: 1800, Role: "administrator", Scope: "global"},
		},
		SweepIntervalSec: 60,
	}
	cfg.Notify = NotifyConfig{
		Channel:   "log",
		QueueSize: 256,
		Webhook:   WebhookConfig{TimeoutSec: 10},
	}
	cfg.Broadcast = BroadcastConfig{
		Driver:       "none",
		StreamPrefix: "alarm:events:",
		TopicPrefix:  "alarm",
	}
	cfg.Cache = CacheConfig{
		AlarmKeyPrefix: "sitesense:device:",
		AlarmSuffix:    ":alarms",
		AlarmTTLSec:    30,
	}
	cfg.Log.Level = "info"
	cfg.Log.Format = "json"

	return cfg
}

// Load 加载配置：默认值 → 可选 YAML 文件 → 环境变量覆盖
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	loadEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadEnv(cfg *Config) {
	cfg.Database.Host = getEnv("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvInt("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getEnv("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnv("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Database = getEnv("DB_NAME", cfg.Database.Database)
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", cfg.Database.SSLMode)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", cfg.MQTT.Broker)
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", cfg.MQTT.ClientID)
	cfg.MQTT.Username = getEnv("MQTT_USERNAME", cfg.MQTT.Username)
	cfg.MQTT.Password = getEnv("MQTT_PASSWORD", cfg.MQTT.Password)

	cfg.HTTPAddr = getEnv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.Ingest.FleetSecret = getEnv("INGEST_FLEET_SECRET", cfg.Ingest.FleetSecret)
	cfg.Ingest.UnknownDevicePolicy = getEnv("INGEST_UNKNOWN_DEVICE_POLICY", cfg.Ingest.UnknownDevicePolicy)
	cfg.Ingest.FreshnessWindowSec = getEnvInt("INGEST_FRESHNESS_WINDOW_SEC", cfg.Ingest.FreshnessWindowSec)

	cfg.Notify.Channel = getEnv("NOTIFY_CHANNEL", cfg.Notify.Channel)
	cfg.Broadcast.Driver = getEnv("BROADCAST_DRIVER", cfg.Broadcast.Driver)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)
}

// Validate 校验配置
func Validate(cfg *Config) error {
	if cfg.HTTPAddr == "" {
		return fmt.Errorf("http_addr is required")
	}
	if cfg.Evaluation.SustainWindowSec <= 0 {
		return fmt.Errorf("evaluation.sustain_window_sec must be > 0")
	}
	if cfg.Evaluation.MaxSampleGapSec <= 0 {
		return fmt.Errorf("evaluation.max_sample_gap_sec must be > 0")
	}
	if len(cfg.Escalation.Tiers) == 0 {
		return fmt.Errorf("escalation.tiers cannot be empty")
	}
	prev := 0
	for i, tier := range cfg.Escalation.Tiers {
		if tier.DurationSec <= prev {
			return fmt.Errorf("escalation.tiers[%d].duration_sec must be ascending", i)
		}
		if tier.Role == "" {
			return fmt.Errorf("escalation.tiers[%d].role is required", i)
		}
		switch tier.Scope {
		case "device", "tenant", "global":
		default:
			return fmt.Errorf("escalation.tiers[%d].scope must be device/tenant/global", i)
		}
		prev = tier.DurationSec
	}
	switch cfg.Ingest.UnknownDevicePolicy {
	case "accept", "reject":
	default:
		return fmt.Errorf("ingest.unknown_device_policy must be accept or reject")
	}
	switch cfg.Notify.Channel {
	case "email", "webhook", "log":
	default:
		return fmt.Errorf("notify.channel must be email/webhook/log")
	}
	switch cfg.Broadcast.Driver {
	case "redis", "mqtt", "kafka", "none":
	default:
		return fmt.Errorf("broadcast.driver must be redis/mqtt/kafka/none")
	}
	if cfg.Broadcast.Driver == "kafka" && (len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.Topic == "") {
		return fmt.Errorf("broadcast.driver=kafka requires kafka.brokers and kafka.topic")
	}
	if cfg.Broadcast.Driver == "mqtt" && cfg.MQTT.Broker == "" {
		return fmt.Errorf("broadcast.driver=mqtt requires mqtt.broker")
	}
	return nil
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
