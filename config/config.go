package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for settlementd.
type Config struct {
	ListenAddress string       `yaml:"listen"`
	Environment   string       `yaml:"environment"`
	DatabaseURL   string       `yaml:"database_url"`
	Log           LogConfig    `yaml:"log"`
	Auth          AuthConfig   `yaml:"auth"`
	Limits        LimitsConfig `yaml:"limits"`
	Gateway       Gateway      `yaml:"gateway"`
	Bank          Bank         `yaml:"bank"`
	Crypto        Crypto       `yaml:"crypto"`
	Oracle        Oracle       `yaml:"oracle"`
	Notify        Notify       `yaml:"notify"`
}

// LogConfig tunes structured log output and rotation.
type LogConfig struct {
	File    string `yaml:"file"`
	MaxSize int    `yaml:"max_size_mb"`
	Backups int    `yaml:"backups"`
}

// AuthConfig names the environment variable holding the JWT signing secret.
type AuthConfig struct {
	JWTSecretEnv string `yaml:"jwt_secret_env"`
}

// LimitsConfig overrides per-channel amount bounds in minor units.
type LimitsConfig struct {
	FiatMinimum   int64 `yaml:"fiat_minimum"`
	CryptoMinimum int64 `yaml:"crypto_minimum"`
	Maximum       int64 `yaml:"maximum"`
}

// Gateway configures the redirect payment provider.
type Gateway struct {
	BaseURL           string `yaml:"base_url"`
	PayURL            string `yaml:"pay_url"`
	MerchantIDEnv     string `yaml:"merchant_id_env"`
	CallbackURL       string `yaml:"callback_url"`
	CallbackSecretEnv string `yaml:"callback_secret_env"`
}

// Bank configures the transfer reconciliation loop.
type Bank struct {
	BaseURL     string   `yaml:"base_url"`
	APIKeyEnv   string   `yaml:"api_key_env"`
	ShabaNumber string   `yaml:"shaba_number"`
	IntentTTL   Duration `yaml:"intent_ttl"`
	Window      Duration `yaml:"window"`
	Interval    Duration `yaml:"interval"`
}

// Crypto configures the on-chain deposit watcher.
type Crypto struct {
	RPCURL             string   `yaml:"rpc_url"`
	TokenAddress       string   `yaml:"token_address"`
	Asset              string   `yaml:"asset"`
	Quote              string   `yaml:"quote"`
	Decimals           int      `yaml:"decimals"`
	WalletAddress      string   `yaml:"wallet_address"`
	Confirmations      uint64   `yaml:"confirmations"`
	Lookback           uint64   `yaml:"lookback_blocks"`
	ToleranceBaseUnits int64    `yaml:"tolerance_base_units"`
	Window             Duration `yaml:"window"`
	Interval           Duration `yaml:"interval"`
}

// Oracle tunes price aggregation.
type Oracle struct {
	Interval     Duration `yaml:"interval"`
	MaxAge       Duration `yaml:"max_age"`
	MaxDeviation float64  `yaml:"max_deviation"`
	Breaker      float64  `yaml:"breaker"`
	Sources      []Source `yaml:"sources"`
}

// Source describes an upstream price feed.
type Source struct {
	Name      string            `yaml:"name"`
	Type      string            `yaml:"type"`
	Endpoint  string            `yaml:"endpoint"`
	APIKeyEnv string            `yaml:"api_key_env"`
	Assets    map[string]string `yaml:"assets"`
}

// Notify configures the outbound settlement event dispatcher.
type Notify struct {
	Endpoint  string `yaml:"endpoint"`
	APIKeyEnv string `yaml:"api_key_env"`
	PerMinute int    `yaml:"per_minute"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Secret resolves the environment variable named by env. An empty env name
// yields an empty secret.
func Secret(env string) string {
	if env == "" {
		return ""
	}
	return os.Getenv(env)
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.Auth.JWTSecretEnv == "" {
		cfg.Auth.JWTSecretEnv = "SETTLEMENT_JWT_SECRET"
	}
	if cfg.Gateway.MerchantIDEnv == "" {
		cfg.Gateway.MerchantIDEnv = "GATEWAY_MERCHANT_ID"
	}
	if cfg.Gateway.CallbackSecretEnv == "" {
		cfg.Gateway.CallbackSecretEnv = "GATEWAY_CALLBACK_SECRET"
	}
	if cfg.Bank.APIKeyEnv == "" {
		cfg.Bank.APIKeyEnv = "BANK_API_KEY"
	}
	if cfg.Bank.IntentTTL.Duration == 0 {
		cfg.Bank.IntentTTL.Duration = time.Hour
	}
	if cfg.Bank.Window.Duration == 0 {
		cfg.Bank.Window.Duration = 2 * cfg.Bank.IntentTTL.Duration
	}
	if cfg.Bank.Interval.Duration == 0 {
		cfg.Bank.Interval.Duration = 30 * time.Second
	}
	if cfg.Crypto.Asset == "" {
		cfg.Crypto.Asset = "USDT"
	}
	if cfg.Crypto.Quote == "" {
		cfg.Crypto.Quote = "IRR"
	}
	if cfg.Crypto.Decimals == 0 {
		cfg.Crypto.Decimals = 6
	}
	if cfg.Crypto.Confirmations == 0 {
		cfg.Crypto.Confirmations = 12
	}
	if cfg.Crypto.Window.Duration == 0 {
		cfg.Crypto.Window.Duration = 15 * time.Minute
	}
	if cfg.Crypto.Interval.Duration == 0 {
		cfg.Crypto.Interval.Duration = 20 * time.Second
	}
	if cfg.Oracle.Interval.Duration == 0 {
		cfg.Oracle.Interval.Duration = 30 * time.Second
	}
	if cfg.Oracle.MaxAge.Duration == 0 {
		cfg.Oracle.MaxAge.Duration = 2 * time.Minute
	}
	if cfg.Oracle.MaxDeviation == 0 {
		cfg.Oracle.MaxDeviation = 0.05
	}
	if cfg.Oracle.Breaker == 0 {
		cfg.Oracle.Breaker = 0.2
	}
	if cfg.Notify.PerMinute == 0 {
		cfg.Notify.PerMinute = 60
	}
}

func validate(cfg Config) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database_url is required")
	}
	if cfg.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway.base_url is required")
	}
	if cfg.Gateway.CallbackURL == "" {
		return fmt.Errorf("gateway.callback_url is required")
	}
	if cfg.Bank.BaseURL == "" {
		return fmt.Errorf("bank.base_url is required")
	}
	if cfg.Bank.ShabaNumber == "" {
		return fmt.Errorf("bank.shaba_number is required")
	}
	if cfg.Crypto.RPCURL == "" {
		return fmt.Errorf("crypto.rpc_url is required")
	}
	if cfg.Crypto.TokenAddress == "" {
		return fmt.Errorf("crypto.token_address is required")
	}
	if cfg.Crypto.WalletAddress == "" {
		return fmt.Errorf("crypto.wallet_address is required")
	}
	if len(cfg.Oracle.Sources) == 0 {
		return fmt.Errorf("oracle.sources must not be empty")
	}
	for _, src := range cfg.Oracle.Sources {
		if src.Name == "" || src.Type == "" || src.Endpoint == "" {
			return fmt.Errorf("oracle source requires name, type, and endpoint")
		}
	}
	return nil
}
