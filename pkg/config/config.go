package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// 环境变量前缀，例如 LIVECAPTION_BACKEND_URL
const envPrefix = "LIVECAPTION_"

// Config 应用配置
type Config struct {
	Backend  BackendConfig  `yaml:"backend"`
	Stream   StreamConfig   `yaml:"stream"`
	Timeline TimelineConfig `yaml:"timeline"`
	Storage  StorageConfig  `yaml:"storage"`
	Queue    QueueConfig    `yaml:"queue"`
	Server   ServerConfig   `yaml:"server"`
	OpenAI   OpenAIConfig   `yaml:"openai"`
}

// BackendConfig 任务后端
type BackendConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Token      string        `yaml:"token"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// StreamConfig 实时事件
type StreamConfig struct {
	Transport    string        `yaml:"transport"` // sse | rabbitmq
	PollInterval time.Duration `yaml:"poll_interval"`
	AuditCap     int           `yaml:"audit_cap"`
}

// TimelineConfig 字幕投影
type TimelineConfig struct {
	CaptionMode       string `yaml:"caption_mode"` // job | segment
	DefaultTargetLang string `yaml:"default_target_lang"`
}

// StorageConfig 快照存储
type StorageConfig struct {
	Type     string         `yaml:"type"` // memory | redis | postgres | hybrid
	TTL      time.Duration  `yaml:"ttl"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// QueueConfig 队列配置
type QueueConfig struct {
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RabbitMQConfig RabbitMQ 配置
type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port int `yaml:"port"`
}

// OpenAIConfig OpenAI 配置，APIKey 为空时不启用单词提取
type OpenAIConfig struct {
	APIKey string `yaml:"api_key"`
}

// LoadConfig 加载配置文件，再用环境变量覆盖
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return Parse(data)
}

// Parse 解析 YAML 配置
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	config.applyEnv(os.Getenv)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}
	return &config, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	overrides := map[string]*string{
		"BACKEND_URL":    &c.Backend.BaseURL,
		"TOKEN":          &c.Backend.Token,
		"OPENAI_API_KEY": &c.OpenAI.APIKey,
		"REDIS_ADDR":     &c.Storage.Redis.Addr,
		"POSTGRES_DSN":   &c.Storage.Postgres.DSN,
		"RABBITMQ_URL":   &c.Queue.RabbitMQ.URL,
	}
	for name, dst := range overrides {
		if v := strings.TrimSpace(getenv(envPrefix + name)); v != "" {
			*dst = v
		}
	}
}

// Validate 验证配置并填充默认值
func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("请设置 backend.base_url 或 %sBACKEND_URL", envPrefix)
	}
	if c.Backend.Timeout <= 0 {
		c.Backend.Timeout = 30 * time.Second
	}
	if c.Backend.MaxRetries < 0 {
		c.Backend.MaxRetries = 0
	} else if c.Backend.MaxRetries == 0 {
		c.Backend.MaxRetries = 3
	}

	switch c.Stream.Transport {
	case "":
		c.Stream.Transport = "sse"
	case "sse":
	case "rabbitmq":
		if c.Queue.RabbitMQ.URL == "" {
			return fmt.Errorf("stream.transport 为 rabbitmq 时必须设置 queue.rabbitmq.url")
		}
	default:
		return fmt.Errorf("不支持的事件传输方式: %s", c.Stream.Transport)
	}
	if c.Stream.PollInterval <= 0 {
		c.Stream.PollInterval = 2 * time.Second
	}
	if c.Stream.AuditCap <= 0 {
		c.Stream.AuditCap = 400
	}

	switch c.Timeline.CaptionMode {
	case "":
		c.Timeline.CaptionMode = "job"
	case "job", "segment":
	default:
		return fmt.Errorf("不支持的字幕模式: %s", c.Timeline.CaptionMode)
	}
	if c.Timeline.DefaultTargetLang == "" {
		c.Timeline.DefaultTargetLang = "zh"
	}

	switch c.Storage.Type {
	case "":
		c.Storage.Type = "memory"
	case "memory":
	case "redis":
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr 不能为空")
		}
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn 不能为空")
		}
	case "hybrid":
		if c.Storage.Redis.Addr == "" || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("hybrid 存储需要同时配置 redis 和 postgres")
		}
	default:
		return fmt.Errorf("不支持的存储类型: %s", c.Storage.Type)
	}
	if c.Storage.TTL <= 0 {
		c.Storage.TTL = 7 * 24 * time.Hour
	}

	if c.Queue.RabbitMQ.Exchange == "" {
		c.Queue.RabbitMQ.Exchange = "voiceflow.job-events"
	}

	if c.Server.Port <= 0 {
		c.Server.Port = 8080
	}

	return nil
}
