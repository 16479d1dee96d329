package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultPath 是未设置 GIGACREW_CONFIG 时读取的配置文件。
const DefaultPath = "configs/gigacrew.json"

// Config 描述了 GigaCrew 守护进程在启动阶段需要加载的全部配置。
type Config struct {
	Server      ServerConfig      `json:"server"`
	Negotiation NegotiationConfig `json:"negotiation"`
	Storage     StorageConfig     `json:"storage"`
	Events      EventsConfig      `json:"events"`
	Web3        Web3Config        `json:"web3"`
	Seller      SellerConfig      `json:"seller"`
	Buyer       BuyerConfig       `json:"buyer"`
	Settlement  SettlementConfig  `json:"settlement"`
	LLM         LLMConfig         `json:"llm"`
	Indexer     IndexerConfig     `json:"indexer"`
	Alerting    AlertingConfig    `json:"alerting"`
	Log         LogConfig         `json:"log"`
	Runtime     RuntimeConfig     `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址与访问控制。
type ServerConfig struct {
	Address     string      `json:"address"`
	AuthTokens  []AuthToken `json:"auth_tokens"`
	RateLimit   float64     `json:"rate_limit"`
	RateBurst   int         `json:"rate_burst"`
	MetricsAddr string      `json:"metrics_address"`
}

// AuthToken 描述一个静态访问令牌及其权限，Permissions 为空表示全部权限。
type AuthToken struct {
	Name        string   `json:"name"`
	Token       string   `json:"token"`
	Permissions []string `json:"permissions"`
}

// NegotiationConfig 控制卖方 websocket 协商端点。
type NegotiationConfig struct {
	Port                  int     `json:"port"`
	Path                  string  `json:"path"`
	MaxSessions           int     `json:"max_sessions"`
	AcceptRate            float64 `json:"accept_rate"`
	AcceptBurst           int     `json:"accept_burst"`
	SessionTimeoutSeconds int     `json:"session_timeout_seconds"`
	MessageTTLSeconds     int     `json:"message_ttl_seconds"`
	MinDeadlineMinutes    int64   `json:"min_deadline_minutes"`
}

// StorageConfig 描述订单与协商记录的存储后端。
type StorageConfig struct {
	Driver string      `json:"driver"`
	MySQL  MySQLConfig `json:"mysql"`
}

// MySQLConfig 为 MySQL 连接池参数，时长均以秒为单位。
type MySQLConfig struct {
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
	AutoMigrate            bool   `json:"auto_migrate"`
}

// EventsConfig 描述链上事件的轮询、队列与游标。
type EventsConfig struct {
	FromBlock           uint64       `json:"from_block"`
	ForceFromBlock      bool         `json:"force_from_block"`
	PollIntervalSeconds int          `json:"poll_interval_seconds"`
	Workers             int          `json:"workers"`
	Queue               QueueConfig  `json:"queue"`
	Cursor              CursorConfig `json:"cursor"`
}

// QueueConfig 选择事件队列实现：memory、redis 或 rabbitmq。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Size     int            `json:"size"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// CursorConfig 选择区块游标实现：memory 或 redis。
type CursorConfig struct {
	Driver string      `json:"driver"`
	Redis  RedisConfig `json:"redis"`
}

// RedisConfig 为 Redis 连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Key      string `json:"key"`
}

// RabbitMQConfig 为 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// Web3Config 包含访问区块链节点与托管合约所需的信息。
type Web3Config struct {
	RPCURL                string `json:"rpc_url"`
	ChainID               int64  `json:"chain_id"`
	EscrowAddress         string `json:"escrow_address"`
	ChainConfig           string `json:"chain_config"`
	DefaultChain          string `json:"default_chain"`
	ConfirmTimeoutSeconds int    `json:"confirm_timeout_seconds"`
}

// SellerConfig 在配置了私钥时启用卖方角色。
type SellerConfig struct {
	PrivateKey            string `json:"private_key"`
	ServiceID             string `json:"service_id"`
	Title                 string `json:"title"`
	Description           string `json:"description"`
	Price                 string `json:"price"`
	TimePerServiceSeconds int64  `json:"time_per_service_seconds"`
	TimeBufferSeconds     int64  `json:"time_buffer_seconds"`
}

// BuyerConfig 在配置了私钥时启用买方角色。
type BuyerConfig struct {
	PrivateKey         string `json:"private_key"`
	DefaultEndpoint    string `json:"default_endpoint"`
	WaitTimeoutSeconds int    `json:"wait_timeout_seconds"`
}

// SettlementConfig 控制结算轮询周期（毫秒）。
type SettlementConfig struct {
	IntervalMillis int `json:"interval_ms"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider       string             `json:"provider"`
	TimeoutSeconds int                `json:"timeout_seconds"`
	MemoryDepth    int                `json:"memory_depth"`
	OpenAI         OpenAIConfig       `json:"openai"`
	Python         PythonBridgeConfig `json:"python_bridge"`
}

// OpenAIConfig 描述 OpenAI 兼容接口。
type OpenAIConfig struct {
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// PythonBridgeConfig 描述通过 Python 脚本完成推理时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `json:"python_executable"`
	ScriptPath       string `json:"script_path"`
	WorkingDir       string `json:"working_dir"`
}

// IndexerConfig 指向服务索引。
type IndexerConfig struct {
	URL            string `json:"url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// AlertingConfig 配置告警通道。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// LogConfig 对应 pkg/logger 的配置。
type LogConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	MaxSizeMB   int      `json:"max_size_mb"`
	MaxBackups  int      `json:"max_backups"`
	MaxAgeDays  int      `json:"max_age_days"`
	Compress    bool     `json:"compress"`
	AuditPath   string   `json:"audit_path"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// SellerEnabled 报告是否以卖方身份运行。
func (c *Config) SellerEnabled() bool {
	return strings.TrimSpace(c.Seller.PrivateKey) != ""
}

// BuyerEnabled 报告是否以买方身份运行。
func (c *Config) BuyerEnabled() bool {
	return strings.TrimSpace(c.Buyer.PrivateKey) != ""
}

// LoadFromEnv 读取 GIGACREW_CONFIG 指向的文件。未显式指定且默认文件不存在时，
// 仅使用环境变量与默认值。
func LoadFromEnv() (*Config, error) {
	path := strings.TrimSpace(os.Getenv("GIGACREW_CONFIG"))
	if path != "" {
		return Load(path)
	}
	if _, err := os.Stat(DefaultPath); err == nil {
		return Load(DefaultPath)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("获取工作目录失败: %w", err)
	}
	cfg := &Config{}
	if err := cfg.finish(cwd); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load 负责解析指定路径的 JSON 配置文件，并叠加环境变量。
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

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.finish(filepath.Dir(path)); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) finish(baseDir string) error {
	if err := c.applyEnv(os.LookupEnv); err != nil {
		return err
	}
	c.applyDefaults(baseDir)
	return c.Validate()
}

// applyEnv 使用 GIGACREW_* 环境变量覆盖文件中的取值。
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	integer := func(name string, dst *int64) {
		v, ok := lookup(name)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("环境变量 %s 不是整数: %q", name, v))
			return
		}
		*dst = n
	}

	str("GIGACREW_PROVIDER_URL", &c.Web3.RPCURL)
	str("GIGACREW_CONTRACT_ADDRESS", &c.Web3.EscrowAddress)
	str("GIGACREW_SELLER_PRIVATE_KEY", &c.Seller.PrivateKey)
	str("GIGACREW_BUYER_PRIVATE_KEY", &c.Buyer.PrivateKey)
	str("GIGACREW_SERVICE_ID", &c.Seller.ServiceID)
	str("GIGACREW_INDEXER_URL", &c.Indexer.URL)
	integer("GIGACREW_TIME_PER_SERVICE", &c.Seller.TimePerServiceSeconds)
	integer("GIGACREW_TIME_BUFFER", &c.Seller.TimeBufferSeconds)

	var fromBlock int64 = -1
	integer("GIGACREW_FROM_BLOCK", &fromBlock)
	if fromBlock >= 0 {
		c.Events.FromBlock = uint64(fromBlock)
	}
	if v, ok := lookup("GIGACREW_FORCE_FROM_BLOCK"); ok && strings.TrimSpace(v) != "" {
		force, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("环境变量 GIGACREW_FORCE_FROM_BLOCK 不是布尔值: %q", v))
		} else {
			c.Events.ForceFromBlock = force
		}
	}
	var port int64
	integer("GIGACREW_WS_PORT", &port)
	if port > 0 {
		c.Negotiation.Port = int(port)
	}
	return errors.Join(errs...)
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.RateLimit <= 0 {
		c.Server.RateLimit = 10
	}
	if c.Server.RateBurst <= 0 {
		c.Server.RateBurst = 20
	}

	if c.Negotiation.Port == 0 {
		c.Negotiation.Port = 8005
	}
	if c.Negotiation.Path == "" {
		c.Negotiation.Path = "/"
	}
	if c.Negotiation.MinDeadlineMinutes <= 0 {
		c.Negotiation.MinDeadlineMinutes = 2
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.Events.PollIntervalSeconds <= 0 {
		c.Events.PollIntervalSeconds = 5
	}
	if c.Events.Workers <= 0 {
		c.Events.Workers = 1
	}
	if c.Events.Queue.Driver == "" {
		c.Events.Queue.Driver = "memory"
	}
	if c.Events.Queue.Size <= 0 {
		c.Events.Queue.Size = 256
	}
	if c.Events.Cursor.Driver == "" {
		c.Events.Cursor.Driver = "memory"
	}

	if c.Web3.ConfirmTimeoutSeconds <= 0 {
		c.Web3.ConfirmTimeoutSeconds = 120
	}
	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}

	if c.Buyer.WaitTimeoutSeconds <= 0 {
		c.Buyer.WaitTimeoutSeconds = 600
	}
	if c.Settlement.IntervalMillis <= 0 {
		c.Settlement.IntervalMillis = 2000
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "python_bridge"
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = 60
	}
	if c.LLM.Python.PythonExecutable == "" {
		c.LLM.Python.PythonExecutable = "python3"
	}
	if c.LLM.Python.WorkingDir == "" {
		c.LLM.Python.WorkingDir = baseDir
	} else if !filepath.IsAbs(c.LLM.Python.WorkingDir) {
		c.LLM.Python.WorkingDir = filepath.Join(baseDir, c.LLM.Python.WorkingDir)
	}

	if c.Indexer.TimeoutSeconds <= 0 {
		c.Indexer.TimeoutSeconds = 10
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}

// Validate 检查启用的角色所需的配置是否齐全。
func (c *Config) Validate() error {
	var errs []error
	if !c.SellerEnabled() && !c.BuyerEnabled() {
		errs = append(errs, errors.New("至少需要配置卖方或买方私钥"))
	}
	if c.SellerEnabled() {
		if strings.TrimSpace(c.Seller.ServiceID) == "" {
			errs = append(errs, errors.New("卖方需要配置 service_id"))
		}
		if c.Negotiation.Port <= 0 || c.Negotiation.Port > 65535 {
			errs = append(errs, fmt.Errorf("协商端口无效: %d", c.Negotiation.Port))
		}
		if c.Seller.TimePerServiceSeconds < 0 || c.Seller.TimeBufferSeconds < 0 {
			errs = append(errs, errors.New("卖方服务时长与缓冲时间不能为负数"))
		}
	}
	for i, token := range c.Server.AuthTokens {
		if strings.TrimSpace(token.Token) == "" {
			errs = append(errs, fmt.Errorf("第 %d 个访问令牌为空", i+1))
		}
	}
	if c.Web3.ChainConfig == "" {
		if strings.TrimSpace(c.Web3.RPCURL) == "" {
			errs = append(errs, errors.New("未配置区块链 RPC 地址"))
		}
		if strings.TrimSpace(c.Web3.EscrowAddress) == "" {
			errs = append(errs, errors.New("未配置托管合约地址"))
		}
	}
	switch c.Storage.Driver {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.Storage.MySQL.DSN) == "" {
			errs = append(errs, errors.New("mysql 存储需要配置 dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的存储驱动: %s", c.Storage.Driver))
	}
	switch c.Events.Queue.Driver {
	case "memory":
	case "redis":
		if c.Events.Queue.Redis.Address == "" {
			errs = append(errs, errors.New("redis 队列需要配置 address"))
		}
	case "rabbitmq":
		if c.Events.Queue.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("rabbitmq 队列需要配置 url"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的事件队列: %s", c.Events.Queue.Driver))
	}
	switch c.Events.Cursor.Driver {
	case "memory":
	case "redis":
		if c.Events.Cursor.Redis.Address == "" {
			errs = append(errs, errors.New("redis 游标需要配置 address"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的区块游标: %s", c.Events.Cursor.Driver))
	}
	switch c.LLM.Provider {
	case "openai", "python_bridge":
	default:
		errs = append(errs, fmt.Errorf("不支持的 LLM 提供方: %s", c.LLM.Provider))
	}
	return errors.Join(errs...)
}
