package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// 存储驱动取值。
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config 是 bridge-daemon 的全量配置，来源为 YAML 文件加 BRIDGE_* 环境覆盖。
type Config struct {
	Relay      RelayConfig      `yaml:"relay"`
	Store      StoreConfig      `yaml:"store"`
	Rendezvous RendezvousConfig `yaml:"rendezvous"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Admission  AdmissionConfig  `yaml:"admission"`
	Handoff    HandoffConfig    `yaml:"handoff"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// RelayConfig 描述 pub/sub 中继。
type RelayConfig struct {
	URLs           []string      `yaml:"urls"`
	SecretKey      string        `yaml:"secret_key"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// StoreConfig 描述分离签名记录的存储。
type StoreConfig struct {
	Driver        string        `yaml:"driver"`
	DSN           string        `yaml:"dsn"`
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// RendezvousConfig 描述实时请求的等待窗口。
type RendezvousConfig struct {
	AwaitTimeout time.Duration `yaml:"await_timeout"`
}

// LedgerConfig 描述账本提交端点与重试策略。
type LedgerConfig struct {
	HorizonURL     string        `yaml:"horizon_url"`
	SubmitTimeout  time.Duration `yaml:"submit_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// AdmissionConfig 描述注资临界区的准入限制。
type AdmissionConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// HandoffConfig 描述分离签名面的交接链接。
type HandoffConfig struct {
	BaseURL string `yaml:"base_url"`
}

// MetricsConfig 描述观测端点。
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultConfig 返回可直接运行开发模式的默认值。
func DefaultConfig() Config {
	return Config{
		Relay: RelayConfig{
			URLs:           []string{"wss://relay.damus.io"},
			ConnectTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Driver: StoreMemory,
			TTL:    600 * time.Second,
		},
		Rendezvous: RendezvousConfig{
			AwaitTimeout: 300 * time.Second,
		},
		Ledger: LedgerConfig{
			HorizonURL:     "https://horizon-testnet.stellar.org",
			SubmitTimeout:  30 * time.Second,
			MaxAttempts:    3,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
		},
		Admission: AdmissionConfig{
			RatePerSecond: 1,
			Burst:         1,
		},
		Handoff: HandoffConfig{
			BaseURL: "https://sign.lumenpay.example/tx",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
		},
	}
}

// Load 读取 YAML 文件并套用环境覆盖。path 为空时只使用默认值加环境。
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("BRIDGE_RELAY_URLS"); v != "" {
		c.Relay.URLs = splitList(v)
	}
	if v := os.Getenv("BRIDGE_RELAY_SECRET_KEY"); v != "" {
		c.Relay.SecretKey = v
	}
	if d := readDuration("BRIDGE_RELAY_CONNECT_TIMEOUT"); d > 0 {
		c.Relay.ConnectTimeout = d
	}
	if v := os.Getenv("BRIDGE_STORE_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := os.Getenv("BRIDGE_STORE_DSN"); v != "" {
		c.Store.DSN = v
	}
	if d := readDuration("BRIDGE_STORE_TTL"); d > 0 {
		c.Store.TTL = d
	}
	if d := readDuration("BRIDGE_STORE_SWEEP_INTERVAL"); d > 0 {
		c.Store.SweepInterval = d
	}
	if d := readDuration("BRIDGE_AWAIT_TIMEOUT"); d > 0 {
		c.Rendezvous.AwaitTimeout = d
	}
	if v := os.Getenv("BRIDGE_LEDGER_HORIZON_URL"); v != "" {
		c.Ledger.HorizonURL = v
	}
	if d := readDuration("BRIDGE_LEDGER_SUBMIT_TIMEOUT"); d > 0 {
		c.Ledger.SubmitTimeout = d
	}
	if v := readInt("BRIDGE_LEDGER_MAX_ATTEMPTS"); v > 0 {
		c.Ledger.MaxAttempts = v
	}
	if d := readDuration("BRIDGE_LEDGER_INITIAL_BACKOFF"); d > 0 {
		c.Ledger.InitialBackoff = d
	}
	if d := readDuration("BRIDGE_LEDGER_MAX_BACKOFF"); d > 0 {
		c.Ledger.MaxBackoff = d
	}
	if f := readFloat("BRIDGE_ADMISSION_RATE"); f >= 0 {
		c.Admission.RatePerSecond = f
	}
	if v := readInt("BRIDGE_ADMISSION_BURST"); v > 0 {
		c.Admission.Burst = v
	}
	if v := os.Getenv("BRIDGE_HANDOFF_BASE_URL"); v != "" {
		c.Handoff.BaseURL = v
	}
	if v := os.Getenv("BRIDGE_METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
	}
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case StoreMemory:
	case StorePostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store driver %q requires a dsn", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if len(c.Relay.URLs) == 0 {
		return fmt.Errorf("at least one relay url is required")
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func readInt(key string) int {
	value := os.Getenv(key)
	if value == "" {
		return 0
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return v
}

func readDuration(key string) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return 0
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func readFloat(key string) float64 {
	value := os.Getenv(key)
	if value == "" {
		return -1
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return -1
	}
	return v
}
