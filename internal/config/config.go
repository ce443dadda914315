// Package config loads the enclaverun daemon configuration from a YAML or
// JSON file and applies ENCLAVERUN_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"enclaverun/internal/auth"
	"enclaverun/internal/enclave/docker"
	"enclaverun/internal/packages"
	"enclaverun/internal/run"
	"enclaverun/internal/storage/mysql"
	"enclaverun/pkg/logger"
)

// EnvPrefix 是环境变量覆盖项的统一前缀。
const EnvPrefix = "ENCLAVERUN_"

// Config 描述了 enclaverun 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Logging   logger.Config   `yaml:"logging" json:"logging"`
	Auth      auth.Config     `yaml:"auth" json:"auth"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	Queue     QueueConfig     `yaml:"run_queue" json:"run_queue"`
	Processor ProcessorConfig `yaml:"processor" json:"processor"`
	Events    EventsConfig    `yaml:"events" json:"events"`
	Enclave   EnclaveConfig   `yaml:"enclave" json:"enclave"`
	Packages  packages.Config `yaml:"packages" json:"packages"`
	Alerting  AlertingConfig  `yaml:"alerting" json:"alerting"`
	Runtime   RuntimeConfig   `yaml:"runtime" json:"runtime"`
}

// ServerConfig 控制 HTTP、gRPC 与指标端口。
type ServerConfig struct {
	HTTPAddress    string        `yaml:"http_address" json:"http_address"`
	GRPCAddress    string        `yaml:"grpc_address" json:"grpc_address"`
	MetricsAddress string        `yaml:"metrics_address" json:"metrics_address"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace" json:"shutdown_grace"`
}

// StorageConfig 描述运行记录的存储后端。
type StorageConfig struct {
	RunStore RunStoreConfig `yaml:"run_store" json:"run_store"`
}

// RunStoreConfig 支持 memory、mysql 与 sqlite。
type RunStoreConfig struct {
	Driver string       `yaml:"driver" json:"driver"`
	DSN    string       `yaml:"dsn" json:"dsn"`
	MySQL  mysql.Config `yaml:"mysql" json:"mysql"`
}

// QueueConfig 描述异步运行队列，支持 memory、redis 与 rabbitmq。
type QueueConfig struct {
	Driver   string               `yaml:"driver" json:"driver"`
	Buffer   int                  `yaml:"buffer" json:"buffer"`
	Redis    run.RedisQueueConfig `yaml:"redis" json:"redis"`
	RabbitMQ run.RabbitMQConfig   `yaml:"rabbitmq" json:"rabbitmq"`
}

// ProcessorConfig 控制后台运行处理器。
type ProcessorConfig struct {
	Workers     int           `yaml:"workers" json:"workers"`
	MaxRetries  int           `yaml:"max_retries" json:"max_retries"`
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MaxSteps    uint64        `yaml:"max_steps" json:"max_steps"`
	LineBuffer  int           `yaml:"line_buffer" json:"line_buffer"`
	// RecoverAfter 启动时 running 运行超过该时长未更新即视为中断。
	RecoverAfter time.Duration `yaml:"recover_after" json:"recover_after"`
}

// EventsConfig 配置运行事件的对外发布。
type EventsConfig struct {
	Log   bool                `yaml:"log" json:"log"`
	Kafka run.KafkaSinkConfig `yaml:"kafka" json:"kafka"`
}

// EnclaveConfig 选择 enclave 后端以及启动时创建的 enclave。
type EnclaveConfig struct {
	Backend  string        `yaml:"backend" json:"backend"`
	Docker   docker.Config `yaml:"docker" json:"docker"`
	Defaults []string      `yaml:"defaults" json:"defaults"`
}

// AlertingConfig 描述告警通道。
type AlertingConfig struct {
	Webhook WebhookConfig `yaml:"webhook" json:"webhook"`
}

// WebhookConfig 对应 alerting.WebhookNotifier。
type WebhookConfig struct {
	URL     string            `yaml:"url" json:"url"`
	Format  string            `yaml:"format" json:"format"`
	Headers map[string]string `yaml:"headers" json:"headers"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `yaml:"data_dir" json:"data_dir"`
}

// Load 解析指定路径的配置文件。JSON 是 YAML 的子集，因此两种格式共用解码器。
// 路径为空时只使用默认值与环境变量。
func Load(path string) (*Config, error) {
	var cfg Config
	baseDir := "."
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
		baseDir = filepath.Dir(path)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv 使用 ENCLAVERUN_* 环境变量覆盖文件中的取值。
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = splitList(v)
		}
	}
	integer := func(key string, dst *int) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("环境变量 %s%s 不是整数: %w", EnvPrefix, key, err)
		}
		*dst = n
		return nil
	}

	str("HTTP_ADDRESS", &c.Server.HTTPAddress)
	str("GRPC_ADDRESS", &c.Server.GRPCAddress)
	str("METRICS_ADDRESS", &c.Server.MetricsAddress)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("RUN_STORE_DRIVER", &c.Storage.RunStore.Driver)
	str("RUN_STORE_DSN", &c.Storage.RunStore.DSN)
	str("RUN_QUEUE_DRIVER", &c.Queue.Driver)
	str("REDIS_ADDRESS", &c.Queue.Redis.Address)
	str("REDIS_PASSWORD", &c.Queue.Redis.Password)
	str("RABBITMQ_URL", &c.Queue.RabbitMQ.URL)
	list("KAFKA_BROKERS", &c.Events.Kafka.Brokers)
	str("KAFKA_TOPIC", &c.Events.Kafka.Topic)
	str("ENCLAVE_BACKEND", &c.Enclave.Backend)
	str("DOCKER_HOST", &c.Enclave.Docker.Host)
	list("DEFAULT_ENCLAVES", &c.Enclave.Defaults)
	str("PACKAGES_CACHE_DIR", &c.Packages.CacheDir)
	str("ALERT_WEBHOOK_URL", &c.Alerting.Webhook.URL)
	str("DATA_DIR", &c.Runtime.DataDir)
	if v, ok := lookup(EnvPrefix + "AUTH_TOKEN"); ok && strings.TrimSpace(v) != "" {
		c.Auth.Mode = auth.ModeToken
		c.Auth.Tokens = append(c.Auth.Tokens, auth.TokenConfig{
			Name:        "env",
			Token:       strings.TrimSpace(v),
			Permissions: []string{"*"},
		})
	}
	if err := integer("WORKERS", &c.Processor.Workers); err != nil {
		return err
	}
	return integer("MAX_RETRIES", &c.Processor.MaxRetries)
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.HTTPAddress == "" {
		c.Server.HTTPAddress = ":9710"
	}
	if c.Server.GRPCAddress == "" {
		c.Server.GRPCAddress = ":9711"
	}
	if c.Server.ShutdownGrace <= 0 {
		c.Server.ShutdownGrace = 10 * time.Second
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	store := &c.Storage.RunStore
	store.Driver = strings.ToLower(store.Driver)
	if store.Driver == "" {
		store.Driver = "memory"
	}
	switch store.Driver {
	case "sqlite":
		if store.DSN == "" {
			store.DSN = filepath.Join(c.Runtime.DataDir, "runs.db")
		} else if !filepath.IsAbs(store.DSN) && !strings.HasPrefix(store.DSN, "file:") {
			store.DSN = filepath.Join(baseDir, store.DSN)
		}
	case "mysql":
		if store.MySQL.DSN == "" {
			store.MySQL.DSN = store.DSN
		}
	}

	c.Queue.Driver = strings.ToLower(c.Queue.Driver)
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 256
	}

	if c.Processor.Workers <= 0 {
		c.Processor.Workers = 4
	}
	if c.Processor.MaxRetries <= 0 {
		c.Processor.MaxRetries = 3
	}
	if c.Processor.IdleTimeout <= 0 {
		c.Processor.IdleTimeout = 5 * time.Minute
	}
	if c.Processor.RecoverAfter <= 0 {
		c.Processor.RecoverAfter = 2 * c.Processor.IdleTimeout
	}

	c.Enclave.Backend = strings.ToLower(c.Enclave.Backend)
	if c.Enclave.Backend == "" {
		c.Enclave.Backend = "memory"
	}

	if c.Packages.CacheDir != "" && !filepath.IsAbs(c.Packages.CacheDir) {
		c.Packages.CacheDir = filepath.Join(baseDir, c.Packages.CacheDir)
	}
}

// Validate 检查枚举字段与必填项。
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.RunStore.Driver {
	case "memory", "sqlite":
	case "mysql":
		if c.Storage.RunStore.MySQL.DSN == "" {
			errs = append(errs, errors.New("storage.run_store.dsn 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的运行存储驱动: %s", c.Storage.RunStore.Driver))
	}
	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if c.Queue.Redis.Address == "" {
			errs = append(errs, errors.New("run_queue.redis.address 不能为空"))
		}
	case "rabbitmq":
		if c.Queue.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("run_queue.rabbitmq.url 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的运行队列驱动: %s", c.Queue.Driver))
	}
	if c.Queue.Driver != "memory" && c.Storage.RunStore.Driver == "memory" {
		errs = append(errs, errors.New("外部运行队列需要持久化的运行存储"))
	}
	if len(c.Events.Kafka.Brokers) > 0 && c.Events.Kafka.Topic == "" {
		errs = append(errs, errors.New("events.kafka.topic 不能为空"))
	}
	switch c.Enclave.Backend {
	case "memory", "docker":
	default:
		errs = append(errs, fmt.Errorf("不支持的 enclave 后端: %s", c.Enclave.Backend))
	}
	return errors.Join(errs...)
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
