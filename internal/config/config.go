package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"AISwap-Executor/pkg/logger"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "SWAPVAULT_CONFIG"

// DefaultConfigPath 是未设置环境变量时使用的配置文件。
const DefaultConfigPath = "configs/swapvault.json"

// Config 描述了金库服务在启动阶段需要加载的全部配置。
type Config struct {
	Server       ServerConfig   `json:"server"`
	Vault        VaultConfig    `json:"vault"`
	Storage      StorageConfig  `json:"storage"`
	Custody      CustodyConfig  `json:"custody"`
	Exchange     ExchangeConfig `json:"exchange"`
	Web3         Web3Config     `json:"web3"`
	TriggerQueue QueueConfig    `json:"trigger_queue"`
	Agent        AgentConfig    `json:"agent"`
	Auth         AuthConfig     `json:"auth"`
	Logging      logger.Config  `json:"logging"`
	Metrics      MetricsConfig  `json:"metrics"`
	Alerting     AlertingConfig `json:"alerting"`
	Runtime      RuntimeConfig  `json:"runtime"`
}

// Duration 以 "30s"、"5m" 形式在 JSON 中表示时长，也接受整数秒。
type Duration time.Duration

// UnmarshalJSON 实现 json.Unmarshaler。
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("无效的时长 %q: %w", v, err)
		}
		*d = Duration(parsed)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("无效的时长 %s", string(data))
	}
	return nil
}

// MarshalJSON 实现 json.Marshaler。
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std 返回标准库时长。
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServerConfig 控制 API 服务的监听地址与限流。
type ServerConfig struct {
	Address         string          `json:"address"`
	ShutdownTimeout Duration        `json:"shutdown_timeout"`
	RateLimit       RateLimitConfig `json:"rate_limit"`
}

// RateLimitConfig 为每个调用者设置令牌桶，RequestsPerSecond 为 0 表示不限流。
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
	// TrustedProxies 列出可信反向代理的 IP 或 CIDR，仅采信它们写入的转发头。
	TrustedProxies []string `json:"trusted_proxies"`
}

// VaultConfig 描述管理员与启动时批准的代理。
type VaultConfig struct {
	Admin       string   `json:"admin"`
	Agents      []string `json:"agents"`
	EventBuffer int      `json:"event_buffer"`
}

// StorageConfig 选择金库状态的存储后端。
type StorageConfig struct {
	Driver          string   `json:"driver"`
	DSN             string   `json:"dsn"`
	MaxOpenConns    int      `json:"max_open_conns"`
	MaxIdleConns    int      `json:"max_idle_conns"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime Duration `json:"conn_max_idle_time"`
}

// CustodyConfig 选择托管实现：memory 为模拟钱包，erc20 为链上热钱包。
type CustodyConfig struct {
	Driver string `json:"driver"`
	// Address 仅用于 memory 托管。
	Address string `json:"address"`
	// SignerKeyEnv 指定保存热钱包私钥的环境变量。
	SignerKeyEnv string `json:"signer_key_env"`
}

// ExchangeConfig 选择兑换路由与报价器实现。
type ExchangeConfig struct {
	Driver string `json:"driver"`
	// Router、Quoter 覆盖链配置中的合约地址。
	Router string `json:"router"`
	Quoter string `json:"quoter"`
	// Market 是模拟市场的 YAML 配置。
	Market string `json:"market"`
}

// Web3Config 包含访问区块链节点与代币定义所需的信息。
type Web3Config struct {
	RPCURL       string `json:"rpc_url"`
	ChainConfig  string `json:"chain_config"`
	TokenConfig  string `json:"token_config"`
	DefaultChain string `json:"default_chain"`
	SwapRouter   string `json:"swap_router"`
	Quoter       string `json:"quoter"`
}

// QueueConfig 选择触发任务队列。
type QueueConfig struct {
	Driver     string         `json:"driver"`
	Size       int            `json:"size"`
	Workers    int            `json:"workers"`
	MaxRetries int            `json:"max_retries"`
	Redis      RedisConfig    `json:"redis"`
	RabbitMQ   RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列。
type RedisConfig struct {
	Address   string   `json:"address"`
	Password  string   `json:"password"`
	DB        int      `json:"db"`
	Queue     string   `json:"queue"`
	BlockWait Duration `json:"block_wait"`
}

// RabbitMQConfig 描述 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// AgentConfig 描述内置代理的执行策略。
type AgentConfig struct {
	Enabled        bool     `json:"enabled"`
	Address        string   `json:"address"`
	SlippageBps    uint32   `json:"slippage_bps"`
	Deadline       Duration `json:"deadline"`
	FeeTiers       []uint32 `json:"fee_tiers"`
	FallbackTokens []string `json:"fallback_tokens"`
	// MaxAmountIn 为十进制基础单位字符串，为空表示不限制。
	MaxAmountIn string `json:"max_amount_in"`
}

// AuthConfig 控制 API 的身份识别方式。
type AuthConfig struct {
	Mode    string   `json:"mode"`
	MaxSkew Duration `json:"max_skew"`
}

// MetricsConfig 控制 Prometheus 指标的暴露方式。
type MetricsConfig struct {
	Enabled bool `json:"enabled"`
	// Address 非空时在独立端口暴露 /metrics，否则挂在 API 服务上。
	Address string `json:"address"`
}

// AlertingConfig 描述告警渠道。
type AlertingConfig struct {
	WebhookURL string            `json:"webhook_url"`
	Headers    map[string]string `json:"headers"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// PathFromEnv 返回配置文件路径。
func PathFromEnv() string {
	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		return path
	}
	return DefaultConfigPath
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

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if c.Server.RateLimit.RequestsPerSecond > 0 && c.Server.RateLimit.Burst <= 0 {
		c.Server.RateLimit.Burst = int(c.Server.RateLimit.RequestsPerSecond)
		if c.Server.RateLimit.Burst < 1 {
			c.Server.RateLimit.Burst = 1
		}
	}

	if c.Vault.EventBuffer <= 0 {
		c.Vault.EventBuffer = 1024
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Custody.Driver == "" {
		c.Custody.Driver = "memory"
	}
	if c.Custody.SignerKeyEnv == "" {
		c.Custody.SignerKeyEnv = "SWAPVAULT_SIGNER_KEY"
	}
	if c.Exchange.Driver == "" {
		c.Exchange.Driver = "simulated"
	}

	if c.TriggerQueue.Driver == "" {
		c.TriggerQueue.Driver = "memory"
	}
	if c.TriggerQueue.Size <= 0 {
		c.TriggerQueue.Size = 256
	}
	if c.TriggerQueue.Workers <= 0 {
		c.TriggerQueue.Workers = 2
	}
	if c.TriggerQueue.MaxRetries <= 0 {
		c.TriggerQueue.MaxRetries = 3
	}

	if c.Agent.SlippageBps == 0 {
		c.Agent.SlippageBps = 50
	}
	if c.Agent.Deadline <= 0 {
		c.Agent.Deadline = Duration(30 * time.Minute)
	}
	if len(c.Agent.FeeTiers) == 0 {
		c.Agent.FeeTiers = []uint32{500, 3000, 10000}
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}
	if c.Auth.MaxSkew <= 0 {
		c.Auth.MaxSkew = Duration(5 * time.Minute)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Service == "" {
		c.Logging.Service = "swapvaultd"
	}

	c.Web3.ChainConfig = resolve(baseDir, c.Web3.ChainConfig)
	c.Web3.TokenConfig = resolve(baseDir, c.Web3.TokenConfig)
	c.Exchange.Market = resolve(baseDir, c.Exchange.Market)
	if c.Logging.Audit.Path != "" {
		c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path)
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else {
		c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir)
	}
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// Validate 检查配置之间的约束。
func (c *Config) Validate() error {
	var errs []error
	if !common.IsHexAddress(c.Vault.Admin) {
		errs = append(errs, fmt.Errorf("vault.admin 必须是合法地址: %q", c.Vault.Admin))
	}
	for _, agent := range c.Vault.Agents {
		if !common.IsHexAddress(agent) {
			errs = append(errs, fmt.Errorf("vault.agents 包含非法地址: %q", agent))
		}
	}
	for _, proxy := range c.Server.RateLimit.TrustedProxies {
		if _, err := netip.ParsePrefix(proxy); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(proxy); err != nil {
			errs = append(errs, fmt.Errorf("server.rate_limit.trusted_proxies 包含非法地址: %q", proxy))
		}
	}
	if !oneOf(c.Storage.Driver, "memory", "mysql", "sqlite", "sqlite3") {
		errs = append(errs, fmt.Errorf("不支持的存储驱动 %q", c.Storage.Driver))
	}
	if c.Storage.Driver != "memory" && c.Storage.DSN == "" {
		errs = append(errs, errors.New("storage.dsn 不能为空"))
	}
	if !oneOf(c.Custody.Driver, "memory", "erc20") {
		errs = append(errs, fmt.Errorf("不支持的托管驱动 %q", c.Custody.Driver))
	}
	if !oneOf(c.Exchange.Driver, "simulated", "uniswap") {
		errs = append(errs, fmt.Errorf("不支持的兑换驱动 %q", c.Exchange.Driver))
	}
	if strings.EqualFold(c.Custody.Driver, "erc20") != strings.EqualFold(c.Exchange.Driver, "uniswap") {
		errs = append(errs, errors.New("erc20 托管必须与 uniswap 兑换驱动搭配使用"))
	}
	if c.Exchange.Driver == "uniswap" && c.Web3.RPCURL == "" && c.Web3.ChainConfig == "" {
		errs = append(errs, errors.New("uniswap 兑换驱动需要 web3.rpc_url 或 web3.chain_config"))
	}
	if !oneOf(c.TriggerQueue.Driver, "memory", "redis", "rabbitmq") {
		errs = append(errs, fmt.Errorf("不支持的队列驱动 %q", c.TriggerQueue.Driver))
	}
	if c.Agent.Enabled && !common.IsHexAddress(c.Agent.Address) {
		errs = append(errs, fmt.Errorf("agent.address 必须是合法地址: %q", c.Agent.Address))
	}
	if c.Agent.SlippageBps >= 10_000 {
		errs = append(errs, fmt.Errorf("agent.slippage_bps 超出范围: %d", c.Agent.SlippageBps))
	}
	return errors.Join(errs...)
}

func oneOf(value string, options ...string) bool {
	for _, opt := range options {
		if strings.EqualFold(value, opt) {
			return true
		}
	}
	return false
}
