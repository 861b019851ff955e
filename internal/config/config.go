package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"NUMA-Market/internal/auth"
	"NUMA-Market/pkg/logger"
)

// Config 描述了 NUMA 守护进程在启动阶段需要加载的全部配置。
type Config struct {
	Server     ServerConfig     `json:"server"`
	Auth       AuthConfig       `json:"auth"`
	Logging    logger.Config    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	TaskQueue  TaskQueueConfig  `json:"task_queue"`
	Matching   MatchingConfig   `json:"matching"`
	Settlement SettlementConfig `json:"settlement"`
	Reputation ReputationConfig `json:"reputation"`
	Payment    PaymentConfig    `json:"payment"`
	Executor   ExecutorConfig   `json:"executor"`
	Web3       Web3Config       `json:"web3"`
	Outbox     OutboxConfig     `json:"outbox"`
	Catalog    CatalogConfig    `json:"catalog"`
	Metrics    MetricsConfig    `json:"metrics"`
	Alerting   AlertingConfig   `json:"alerting"`
	Runtime    RuntimeConfig    `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// AuthConfig 控制 REST 接口的访问认证。Mode 取值 disabled 或 jwt。
type AuthConfig struct {
	Mode             string        `json:"mode"`
	SecretEnv        string        `json:"secret_env"`
	Issuer           string        `json:"issuer"`
	AccessTTLSeconds int           `json:"access_ttl_seconds"`
	Clients          []auth.Client `json:"clients"`
}

// Secret 从 SecretEnv 指向的环境变量读取签名密钥。
func (a AuthConfig) Secret() string {
	return strings.TrimSpace(os.Getenv(a.SecretEnv))
}

// StorageConfig 描述市场状态与购买任务的持久化后端。
type StorageConfig struct {
	// Driver 取值 memory 或 mysql。
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	DSNEnv                 string `json:"dsn_env"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
	// Retries 是购买任务允许的最大重试次数。
	Retries int `json:"retries"`
}

// ResolveDSN 优先使用 DSNEnv 指向的环境变量。
func (s StorageConfig) ResolveDSN() string {
	if s.DSNEnv != "" {
		if v := strings.TrimSpace(os.Getenv(s.DSNEnv)); v != "" {
			return v
		}
	}
	return s.DSN
}

// TaskQueueConfig 描述购买任务队列。
type TaskQueueConfig struct {
	Driver   string         `json:"driver"`
	Worker   int            `json:"worker"`
	Buffer   int            `json:"buffer"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 复用于任务队列与支付幂等存储。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Queue    string `json:"queue"`
	// BlockWait 单位为秒。
	BlockWait int `json:"block_wait"`
}

// RabbitMQConfig 描述 RabbitMQ 队列参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// MatchingConfig 控制撮合策略。
type MatchingConfig struct {
	DefaultStrategy string `json:"default_strategy"`
	StrictStrategy  bool   `json:"strict_strategy"`
}

// SettlementConfig 为外部调用设置超时。
type SettlementConfig struct {
	PaymentTimeoutMS  int `json:"payment_timeout_ms"`
	CallTimeoutMS     int `json:"call_timeout_ms"`
	RecordRetries     int `json:"record_retries"`
	ResolveIntervalMS int `json:"resolve_interval_ms"`
}

// PaymentTimeout 返回支付超时。
func (s SettlementConfig) PaymentTimeout() time.Duration {
	return time.Duration(s.PaymentTimeoutMS) * time.Millisecond
}

// CallTimeout 返回调用超时。
func (s SettlementConfig) CallTimeout() time.Duration {
	return time.Duration(s.CallTimeoutMS) * time.Millisecond
}

// ResolveInterval 返回待定付款的复查间隔。
func (s SettlementConfig) ResolveInterval() time.Duration {
	return time.Duration(s.ResolveIntervalMS) * time.Millisecond
}

// ReputationConfig 描述信誉更新与衰减规则。
type ReputationConfig struct {
	InitialScore float64     `json:"initial_score"`
	Alpha        float64     `json:"alpha"`
	Decay        DecayConfig `json:"decay"`
}

// DecayConfig 描述空闲服务商的信誉衰减。
type DecayConfig struct {
	Enabled         bool    `json:"enabled"`
	IntervalSeconds int     `json:"interval_seconds"`
	InactivityHours int     `json:"inactivity_hours"`
	Rate            float64 `json:"rate"`
	Floor           float64 `json:"floor"`
}

// PaymentConfig 选择支付实现与幂等存储。
type PaymentConfig struct {
	// Driver 取值 ledger 或 chain。
	Driver      string            `json:"driver"`
	Idempotency IdempotencyConfig `json:"idempotency"`
}

// IdempotencyConfig 描述支付去重存储。
type IdempotencyConfig struct {
	Store      string      `json:"store"`
	TTLSeconds int         `json:"ttl_seconds"`
	Redis      RedisConfig `json:"redis"`
}

// ExecutorConfig 描述 x402 调用执行器。
type ExecutorConfig struct {
	SigningKeyEnv    string `json:"signing_key_env"`
	BreakerThreshold int    `json:"breaker_threshold"`
	BreakerCooldownS int    `json:"breaker_cooldown_seconds"`
	MaxResponseBytes int64  `json:"max_response_bytes"`
}

// Web3Config 指向链定义文件。
type Web3Config struct {
	ChainConfig  string `json:"chain_config"`
	DefaultChain string `json:"default_chain"`
}

// OutboxConfig 描述结算记录的持久化发件箱与 Kafka 转发。
type OutboxConfig struct {
	Enabled     bool     `json:"enabled"`
	Dir         string   `json:"dir"`
	KafkaDriver string   `json:"kafka_driver"`
	Brokers     []string `json:"brokers"`
	Topic       string   `json:"topic"`
	IntervalMS  int      `json:"interval_ms"`
	BatchSize   int      `json:"batch_size"`
}

// CatalogConfig 描述启动时载入的目录种子。
type CatalogConfig struct {
	SeedFile string `json:"seed_file"`
}

// MetricsConfig 描述 Prometheus 暴露地址。
type MetricsConfig struct {
	Address string `json:"address"`
}

// AlertingConfig 控制告警渠道。
type AlertingConfig struct {
	Email    EmailConfig   `json:"email"`
	DingTalk WebhookConfig `json:"dingtalk"`
	Slack    WebhookConfig `json:"slack"`
}

// EmailConfig 描述邮件告警。
type EmailConfig struct {
	Enabled    bool     `json:"enabled"`
	SMTPServer string   `json:"smtp_server"`
	From       string   `json:"from"`
	To         []string `json:"to"`
	Subject    string   `json:"subject_prefix"`
}

// WebhookConfig 描述基于 Webhook 的告警渠道。
type WebhookConfig struct {
	Enabled bool   `json:"enabled"`
	Webhook string `json:"webhook"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg, err := Parse(content)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse 解析 JSON 内容，不填充默认值。
func Parse(content []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	return &cfg, nil
}

// Default 返回全部使用默认值的配置。
func Default(baseDir string) *Config {
	cfg := &Config{}
	cfg.applyDefaults(baseDir)
	return cfg
}

// Validate 检查取值范围受限的字段。
func (c *Config) Validate() error {
	switch c.Auth.Mode {
	case "disabled", "jwt":
	default:
		return fmt.Errorf("未知的认证模式: %s", c.Auth.Mode)
	}
	switch c.Storage.Driver {
	case "memory", "mysql":
	default:
		return fmt.Errorf("未知的存储驱动: %s", c.Storage.Driver)
	}
	switch c.TaskQueue.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("未知的队列驱动: %s", c.TaskQueue.Driver)
	}
	switch c.Payment.Driver {
	case "ledger", "chain":
	default:
		return fmt.Errorf("未知的支付驱动: %s", c.Payment.Driver)
	}
	switch c.Payment.Idempotency.Store {
	case "memory", "redis", "none":
	default:
		return fmt.Errorf("未知的幂等存储: %s", c.Payment.Idempotency.Store)
	}
	switch c.Outbox.KafkaDriver {
	case "kafka-go", "sarama", "log":
	default:
		return fmt.Errorf("未知的 Kafka 驱动: %s", c.Outbox.KafkaDriver)
	}
	if c.Reputation.Alpha <= 0 || c.Reputation.Alpha > 1 {
		return fmt.Errorf("信誉更新系数需位于 (0, 1]: %v", c.Reputation.Alpha)
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}
	if c.Auth.SecretEnv == "" {
		c.Auth.SecretEnv = "NUMA_JWT_SECRET"
	}
	if c.Auth.AccessTTLSeconds <= 0 {
		c.Auth.AccessTTLSeconds = 3600
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.Retries <= 0 {
		c.Storage.Retries = 3
	}

	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Worker <= 0 {
		c.TaskQueue.Worker = 4
	}
	if c.TaskQueue.Buffer <= 0 {
		c.TaskQueue.Buffer = 1024
	}
	if c.TaskQueue.Redis.Queue == "" {
		c.TaskQueue.Redis.Queue = "numa:purchases"
	}
	if c.TaskQueue.RabbitMQ.Queue == "" {
		c.TaskQueue.RabbitMQ.Queue = "numa.purchases"
	}

	if c.Matching.DefaultStrategy == "" {
		c.Matching.DefaultStrategy = "balanced"
	}

	if c.Settlement.PaymentTimeoutMS <= 0 {
		c.Settlement.PaymentTimeoutMS = 10_000
	}
	if c.Settlement.CallTimeoutMS <= 0 {
		c.Settlement.CallTimeoutMS = 30_000
	}
	if c.Settlement.RecordRetries <= 0 {
		c.Settlement.RecordRetries = 3
	}
	if c.Settlement.ResolveIntervalMS <= 0 {
		c.Settlement.ResolveIntervalMS = 30_000
	}

	if c.Reputation.InitialScore <= 0 {
		c.Reputation.InitialScore = 50
	}
	if c.Reputation.Alpha == 0 {
		c.Reputation.Alpha = 0.1
	}
	if c.Reputation.Decay.IntervalSeconds <= 0 {
		c.Reputation.Decay.IntervalSeconds = 3600
	}
	if c.Reputation.Decay.InactivityHours <= 0 {
		c.Reputation.Decay.InactivityHours = 24 * 7
	}
	if c.Reputation.Decay.Rate == 0 {
		c.Reputation.Decay.Rate = 0.99
	}
	if c.Reputation.Decay.Floor == 0 {
		c.Reputation.Decay.Floor = 10
	}

	if c.Payment.Driver == "" {
		c.Payment.Driver = "ledger"
	}
	if c.Payment.Idempotency.Store == "" {
		c.Payment.Idempotency.Store = "memory"
	}
	if c.Payment.Idempotency.TTLSeconds <= 0 {
		c.Payment.Idempotency.TTLSeconds = 24 * 3600
	}

	if c.Executor.SigningKeyEnv == "" {
		c.Executor.SigningKeyEnv = "NUMA_SIGNING_KEY"
	}
	if c.Executor.BreakerThreshold <= 0 {
		c.Executor.BreakerThreshold = 5
	}
	if c.Executor.BreakerCooldownS <= 0 {
		c.Executor.BreakerCooldownS = 30
	}
	if c.Executor.MaxResponseBytes <= 0 {
		c.Executor.MaxResponseBytes = 4 << 20
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}
	if c.Catalog.SeedFile != "" && !filepath.IsAbs(c.Catalog.SeedFile) {
		c.Catalog.SeedFile = filepath.Join(baseDir, c.Catalog.SeedFile)
	}

	if c.Outbox.Dir == "" {
		c.Outbox.Dir = filepath.Join(c.Runtime.DataDir, "outbox")
	} else if !filepath.IsAbs(c.Outbox.Dir) {
		c.Outbox.Dir = filepath.Join(baseDir, c.Outbox.Dir)
	}
	if c.Outbox.KafkaDriver == "" {
		c.Outbox.KafkaDriver = "kafka-go"
	}
	if c.Outbox.Topic == "" {
		c.Outbox.Topic = "numa.settlements"
	}
	if c.Outbox.IntervalMS <= 0 {
		c.Outbox.IntervalMS = 1000
	}
	if c.Outbox.BatchSize <= 0 {
		c.Outbox.BatchSize = 100
	}
}
