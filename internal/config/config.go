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

	"gopkg.in/yaml.v3"
)

// EnvConfigPath 是未通过命令行指定时读取配置文件路径的环境变量。
const EnvConfigPath = "OPENMCP_GATE_CONFIG"

// Config 描述了网关在启动阶段需要加载的全部配置。
type Config struct {
	Server       ServerConfig       `json:"server" yaml:"server"`
	Logging      LoggingConfig      `json:"logging" yaml:"logging"`
	Services     []ServiceConfig    `json:"services" yaml:"services"`
	Governance   GovernanceConfig   `json:"governance" yaml:"governance"`
	Executor     ExecutorConfig     `json:"executor" yaml:"executor"`
	Consent      ConsentConfig      `json:"consent" yaml:"consent"`
	Plans        PlansConfig        `json:"plans" yaml:"plans"`
	TaskQueue    TaskQueueConfig    `json:"task_queue" yaml:"task_queue"`
	Storage      StorageConfig      `json:"storage" yaml:"storage"`
	InstallCache InstallCacheConfig `json:"install_cache" yaml:"install_cache"`
	LLM          LLMConfig          `json:"llm" yaml:"llm"`
	Alerting     AlertingConfig     `json:"alerting" yaml:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address         string     `json:"address" yaml:"address"`
	MetricsAddress  string     `json:"metrics_address" yaml:"metrics_address"`
	ReadTimeout     Duration   `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    Duration   `json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout Duration   `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	Auth            AuthConfig `json:"auth" yaml:"auth"`
}

// AuthConfig 控制 API 的 Bearer Token 认证，mode 为 disabled 或 static。
type AuthConfig struct {
	Mode   string           `json:"mode" yaml:"mode"`
	Tokens []APITokenConfig `json:"tokens" yaml:"tokens"`
}

// APITokenConfig 描述一条静态 Token。token 为空时从 token_env 指定的环境变量读取。
type APITokenConfig struct {
	Name        string   `json:"name" yaml:"name"`
	Token       string   `json:"token" yaml:"token"`
	TokenEnv    string   `json:"token_env" yaml:"token_env"`
	Permissions []string `json:"permissions" yaml:"permissions"`
	Disabled    bool     `json:"disabled" yaml:"disabled"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level     string      `json:"level" yaml:"level"`
	Format    string      `json:"format" yaml:"format"`
	Outputs   []string    `json:"outputs" yaml:"outputs"`
	AddSource bool        `json:"add_source" yaml:"add_source"`
	Redact    []string    `json:"redact" yaml:"redact"`
	Audit     AuditConfig `json:"audit" yaml:"audit"`
}

// AuditConfig 描述审计日志文件。
type AuditConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Path       string `json:"path" yaml:"path"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

// ServiceConfig 是一个后端服务的静态绑定。
type ServiceConfig struct {
	Name         string              `json:"name" yaml:"name"`
	BaseURL      string              `json:"base_url" yaml:"base_url"`
	Timeout      Duration            `json:"timeout" yaml:"timeout"`
	Headers      map[string]string   `json:"headers" yaml:"headers"`
	Installation *InstallationConfig `json:"installation" yaml:"installation"`
}

// InstallationConfig 描述按 owner 注入安装 ID 的规则。
type InstallationConfig struct {
	OwnerArg   string `json:"owner_arg" yaml:"owner_arg"`
	LookupTool string `json:"lookup_tool" yaml:"lookup_tool"`
	InjectArg  string `json:"inject_arg" yaml:"inject_arg"`
}

// GovernanceConfig 控制治理评估。mode 为 local 时在进程内评估，
// remote 时调用 remote_tool 指向的工具。
type GovernanceConfig struct {
	PolicyPath string `json:"policy_path" yaml:"policy_path"`
	Profile    string `json:"profile" yaml:"profile"`
	Mode       string `json:"mode" yaml:"mode"`
	RemoteTool string `json:"remote_tool" yaml:"remote_tool"`
}

// ExecutorConfig 控制计划执行。
type ExecutorConfig struct {
	WaitInterval   Duration `json:"wait_interval" yaml:"wait_interval"`
	WaitTimeout    Duration `json:"wait_timeout" yaml:"wait_timeout"`
	ValidateSchema *bool    `json:"validate_schema" yaml:"validate_schema"`
	RequestTimeout Duration `json:"request_timeout" yaml:"request_timeout"`
}

// ConsentConfig 定义需要授权的命名空间与安全工具。
type ConsentConfig struct {
	Destructive []string `json:"destructive" yaml:"destructive"`
	Safe        []string `json:"safe" yaml:"safe"`
}

// PlansConfig 指定模板目录。
type PlansConfig struct {
	TemplateDir string `json:"template_dir" yaml:"template_dir"`
}

// TaskQueueConfig 描述异步运行队列。
type TaskQueueConfig struct {
	Driver     string         `json:"driver" yaml:"driver"`
	Workers    int            `json:"workers" yaml:"workers"`
	MaxRetries int            `json:"max_retries" yaml:"max_retries"`
	Buffer     int            `json:"buffer" yaml:"buffer"`
	Redis      RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ   RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RedisConfig 是 Redis 连接参数。
type RedisConfig struct {
	Address   string   `json:"address" yaml:"address"`
	Password  string   `json:"password" yaml:"password"`
	DB        int      `json:"db" yaml:"db"`
	Key       string   `json:"key" yaml:"key"`
	BlockWait Duration `json:"block_wait" yaml:"block_wait"`
}

// RabbitMQConfig 是 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL      string `json:"url" yaml:"url"`
	Queue    string `json:"queue" yaml:"queue"`
	Prefetch int    `json:"prefetch" yaml:"prefetch"`
	Durable  bool   `json:"durable" yaml:"durable"`
}

// StorageConfig 统一描述持久化后端。
type StorageConfig struct {
	RunStore RunStoreConfig `json:"run_store" yaml:"run_store"`
}

// RunStoreConfig 选择运行记录的存储：memory 或 mysql。
type RunStoreConfig struct {
	Driver          string   `json:"driver" yaml:"driver"`
	DSN             string   `json:"dsn" yaml:"dsn"`
	MaxOpenConns    int      `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int      `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnMaxIdleTime Duration `json:"conn_max_idle_time" yaml:"conn_max_idle_time"`
}

// InstallCacheConfig 选择安装 ID 缓存：memory 或 redis。
type InstallCacheConfig struct {
	Driver string      `json:"driver" yaml:"driver"`
	Redis  RedisConfig `json:"redis" yaml:"redis"`
}

// LLMConfig 用于配置对话代理使用的大模型。
type LLMConfig struct {
	Provider string       `json:"provider" yaml:"provider"`
	Timeout  Duration     `json:"timeout" yaml:"timeout"`
	MaxTurns int          `json:"max_turns" yaml:"max_turns"`
	OpenAI   OpenAIConfig `json:"openai" yaml:"openai"`
}

// OpenAIConfig 描述 OpenAI 兼容接口。APIKey 为空时读取 APIKeyEnv 指定的环境变量。
type OpenAIConfig struct {
	APIKey    string   `json:"api_key" yaml:"api_key"`
	APIKeyEnv string   `json:"api_key_env" yaml:"api_key_env"`
	BaseURL   string   `json:"base_url" yaml:"base_url"`
	Model     string   `json:"model" yaml:"model"`
	Timeout   Duration `json:"timeout" yaml:"timeout"`
}

// AlertingConfig 描述告警渠道。
type AlertingConfig struct {
	Log  bool            `json:"log" yaml:"log"`
	Chat ChatAlertConfig `json:"chat" yaml:"chat"`
}

// ChatAlertConfig 通过工具调用向聊天平台发送告警。
type ChatAlertConfig struct {
	Tool        string `json:"tool" yaml:"tool"`
	Target      string `json:"target" yaml:"target"`
	TargetArg   string `json:"target_arg" yaml:"target_arg"`
	MessageArg  string `json:"message_arg" yaml:"message_arg"`
	TitlePrefix string `json:"title_prefix" yaml:"title_prefix"`
}

// Load 负责解析指定路径的配置文件，扩展名为 .yaml/.yml 时按 YAML 解析，其余按 JSON。
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
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

	cfg, err := Parse(content, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse 解析配置内容但不填充默认值。
func Parse(content []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	default:
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	}
	return &cfg, nil
}

// Default 返回不依赖配置文件的默认配置，相对路径以 baseDir 为基准。
func Default(baseDir string) *Config {
	cfg := &Config{}
	cfg.applyDefaults(baseDir)
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = Duration(15 * time.Second)
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = Duration(5 * time.Minute)
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if c.Server.Auth.Mode == "" {
		c.Server.Auth.Mode = "disabled"
	}
	for i := range c.Server.Auth.Tokens {
		tok := &c.Server.Auth.Tokens[i]
		if tok.Token == "" && tok.TokenEnv != "" {
			tok.Token = os.Getenv(tok.TokenEnv)
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled {
		if c.Logging.Audit.Path == "" {
			c.Logging.Audit.Path = "logs/audit.log"
		}
		c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path)
	}

	for i := range c.Services {
		svc := &c.Services[i]
		if svc.Timeout <= 0 {
			svc.Timeout = Duration(30 * time.Second)
		}
		if svc.Installation != nil {
			if svc.Installation.OwnerArg == "" {
				svc.Installation.OwnerArg = "owner"
			}
			if svc.Installation.InjectArg == "" {
				svc.Installation.InjectArg = "installationId"
			}
		}
	}

	if c.Governance.Mode == "" {
		c.Governance.Mode = "local"
	}
	if c.Governance.Profile == "" {
		c.Governance.Profile = "high"
	}
	if c.Governance.RemoteTool == "" {
		c.Governance.RemoteTool = "governance.evaluate"
	}
	if c.Governance.PolicyPath != "" {
		c.Governance.PolicyPath = resolve(baseDir, c.Governance.PolicyPath)
	}

	if c.Executor.WaitInterval <= 0 {
		c.Executor.WaitInterval = Duration(5 * time.Second)
	}
	if c.Executor.WaitTimeout <= 0 {
		c.Executor.WaitTimeout = Duration(2 * time.Minute)
	}
	if c.Executor.ValidateSchema == nil {
		enabled := true
		c.Executor.ValidateSchema = &enabled
	}
	if c.Executor.RequestTimeout <= 0 {
		c.Executor.RequestTimeout = Duration(10 * time.Minute)
	}

	if c.Plans.TemplateDir != "" {
		c.Plans.TemplateDir = resolve(baseDir, c.Plans.TemplateDir)
	}

	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Workers <= 0 {
		c.TaskQueue.Workers = 4
	}
	if c.TaskQueue.MaxRetries <= 0 {
		c.TaskQueue.MaxRetries = 3
	}
	if c.TaskQueue.Buffer <= 0 {
		c.TaskQueue.Buffer = 256
	}

	if c.Storage.RunStore.Driver == "" {
		c.Storage.RunStore.Driver = "memory"
	}
	if c.InstallCache.Driver == "" {
		c.InstallCache.Driver = "memory"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.Timeout <= 0 {
		c.LLM.Timeout = Duration(90 * time.Second)
	}
	if c.LLM.MaxTurns <= 0 {
		c.LLM.MaxTurns = 8
	}
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.OpenAI.APIKey == "" {
		c.LLM.OpenAI.APIKey = os.Getenv(c.LLM.OpenAI.APIKeyEnv)
	}
}

// Validate 检查互相依赖的字段。
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[string]struct{}, len(c.Services))
	for i, svc := range c.Services {
		name := strings.TrimSpace(svc.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("services[%d]: name 不能为空", i))
			continue
		}
		if strings.Contains(name, ".") {
			errs = append(errs, fmt.Errorf("services[%d]: name 不能包含 '.': %s", i, name))
		}
		if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("services[%d]: 重复的服务 %s", i, name))
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(svc.BaseURL) == "" {
			errs = append(errs, fmt.Errorf("services[%d]: base_url 不能为空", i))
		}
	}
	switch c.Server.Auth.Mode {
	case "disabled":
	case "static":
		if len(c.Server.Auth.Tokens) == 0 {
			errs = append(errs, errors.New("server.auth.tokens 不能为空"))
		}
		for i, tok := range c.Server.Auth.Tokens {
			if strings.TrimSpace(tok.Token) == "" {
				errs = append(errs, fmt.Errorf("server.auth.tokens[%d]: token 为空 (token_env=%s)", i, tok.TokenEnv))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("server.auth.mode 只能是 disabled 或 static: %s", c.Server.Auth.Mode))
	}
	switch c.Governance.Mode {
	case "local", "remote":
	default:
		errs = append(errs, fmt.Errorf("governance.mode 只能是 local 或 remote: %s", c.Governance.Mode))
	}
	switch c.TaskQueue.Driver {
	case "memory":
	case "redis":
		if c.TaskQueue.Redis.Address == "" {
			errs = append(errs, errors.New("task_queue.redis.address 不能为空"))
		}
	case "rabbitmq":
		if c.TaskQueue.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("task_queue.rabbitmq.url 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的 task_queue.driver: %s", c.TaskQueue.Driver))
	}
	switch c.Storage.RunStore.Driver {
	case "memory":
	case "mysql":
		if c.Storage.RunStore.DSN == "" {
			errs = append(errs, errors.New("storage.run_store.dsn 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的 storage.run_store.driver: %s", c.Storage.RunStore.Driver))
	}
	switch c.InstallCache.Driver {
	case "memory":
	case "redis":
		if c.InstallCache.Redis.Address == "" {
			errs = append(errs, errors.New("install_cache.redis.address 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的 install_cache.driver: %s", c.InstallCache.Driver))
	}
	return errors.Join(errs...)
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// Duration 支持 "30s"、"2m" 这类写法，也接受表示秒数的数字。
type Duration time.Duration

// Std 返回 time.Duration。
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON 以字符串形式输出。
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON 实现 json.Unmarshaler。
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return d.set(raw)
}

// UnmarshalYAML 实现 yaml.Unmarshaler。
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d *Duration) set(raw any) error {
	switch v := raw.(type) {
	case nil:
		*d = 0
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	case string:
		if strings.TrimSpace(v) == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("无效的时长 %q: %w", v, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("无效的时长: %v", raw)
	}
	return nil
}
