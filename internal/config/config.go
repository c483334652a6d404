package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"stablepay/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Server     ServerConfig     `mapstructure:"server"`
	Rates      RatesConfig      `mapstructure:"rates"`
	Ethereum   EthereumConfig   `mapstructure:"ethereum"`
	Signer     SignerConfig     `mapstructure:"signer"`
	Tokens     []TokenConfig    `mapstructure:"tokens"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig selects and tunes the ledger backend.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	// LedgerURL points at a remote ledger API; when set no local database is opened.
	LedgerURL string `mapstructure:"ledger_url"`
}

// ServerConfig configures the ledger HTTP API.
type ServerConfig struct {
	ListenAddress string        `mapstructure:"listen_address"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	APIKey        string        `mapstructure:"api_key"`
}

// RatesConfig governs the pricing service and the rate cache.
type RatesConfig struct {
	BaseURL         string            `mapstructure:"base_url"`
	APIKey          string            `mapstructure:"api_key"`
	BaseAsset       string            `mapstructure:"base_asset"`
	Amount          string            `mapstructure:"amount"`
	RequestTimeout  time.Duration     `mapstructure:"request_timeout"`
	StalenessWindow time.Duration     `mapstructure:"staleness_window"`
	RefreshInterval time.Duration     `mapstructure:"refresh_interval"`
	MaxConcurrency  int               `mapstructure:"max_concurrency"`
	Pacing          time.Duration     `mapstructure:"pacing"`
	MaxRetries      int               `mapstructure:"max_retries"`
	RetryDelay      time.Duration     `mapstructure:"retry_delay"`
	Currencies      []string          `mapstructure:"currencies"`
	Fallback        map[string]string `mapstructure:"fallback"`
}

// EthereumConfig covers on-chain access.
type EthereumConfig struct {
	RPCURL          string        `mapstructure:"rpc_url"`
	ChainID         int64         `mapstructure:"chain_id"`
	RouterAddress   string        `mapstructure:"router_address"`
	GatewayAddress  string        `mapstructure:"gateway_address"`
	HubTokens       []string      `mapstructure:"hub_tokens"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	GasLimitBufferP int           `mapstructure:"gas_limit_buffer_pct"`
}

// SignerConfig picks the wallet signer variant.
type SignerConfig struct {
	Mode        string        `mapstructure:"mode"`
	PrivateKey  string        `mapstructure:"private_key"`
	RelayURL    string        `mapstructure:"relay_url"`
	RelayAPIKey string        `mapstructure:"relay_api_key"`
	Wallet      string        `mapstructure:"wallet"`
	RelayPoll   time.Duration `mapstructure:"relay_poll"`
}

// TokenConfig registers an ERC-20 token by symbol.
type TokenConfig struct {
	Symbol   string `mapstructure:"symbol"`
	Address  string `mapstructure:"address"`
	Decimals int32  `mapstructure:"decimals"`
}

// SettlementConfig tunes the orchestrator.
type SettlementConfig struct {
	BaseAsset           string        `mapstructure:"base_asset"`
	PrimaryPairs        []string      `mapstructure:"primary_pairs"`
	PrimarySlippage     float64       `mapstructure:"primary_slippage"`
	DefaultSlippage     float64       `mapstructure:"default_slippage"`
	RelaxedSlippage     float64       `mapstructure:"relaxed_slippage"`
	Deadline            time.Duration `mapstructure:"deadline"`
	ConfirmationTimeout time.Duration `mapstructure:"confirmation_timeout"`
	RecheckDelay        time.Duration `mapstructure:"recheck_delay"`
	Fee                 FeeConfig     `mapstructure:"fee"`
}

// FeeConfig describes the default service fee.
type FeeConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Amount    string `mapstructure:"amount"`
	Collector string `mapstructure:"collector"`
}

// AlertingConfig defines notification routing.
type AlertingConfig struct {
	Enabled   bool           `mapstructure:"enabled"`
	QueueSize int            `mapstructure:"queue_size"`
	Telegram  TelegramConfig `mapstructure:"telegram"`
	Webhook   WebhookConfig  `mapstructure:"webhook"`
	NATS      NATSConfig     `mapstructure:"nats"`
	Dedup     DedupConfig    `mapstructure:"dedup"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// WebhookConfig posts notifications to an HTTP endpoint.
type WebhookConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	Secret  string        `mapstructure:"secret"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// NATSConfig publishes notifications to a NATS subject.
type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// DedupConfig suppresses repeated notifications per transaction.
type DedupConfig struct {
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
	Redis   RedisConfig   `mapstructure:"redis"`
}

// RedisConfig captures redis connectivity.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ReconcilerConfig controls the pending row sweep.
type ReconcilerConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Interval  time.Duration `mapstructure:"interval"`
	MinAge    time.Duration `mapstructure:"min_age"`
	BatchSize int           `mapstructure:"batch_size"`
	// LockKey enables a postgres advisory lock so one replica sweeps at a time.
	LockKey int64 `mapstructure:"lock_key"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("STABLEPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "stablepay")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 3)
	v.SetDefault("logging.file.max_age_days", 28)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite_path", "stablepay.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("server.listen_address", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "15s")

	v.SetDefault("rates.base_url", "https://api.paycrest.io/v1")
	v.SetDefault("rates.base_asset", "USDC")
	v.SetDefault("rates.amount", "1")
	v.SetDefault("rates.request_timeout", "10s")
	v.SetDefault("rates.staleness_window", "6h")
	v.SetDefault("rates.refresh_interval", "60s")
	v.SetDefault("rates.max_concurrency", 3)
	v.SetDefault("rates.pacing", "300ms")
	v.SetDefault("rates.max_retries", 2)
	v.SetDefault("rates.retry_delay", "1s")

	v.SetDefault("ethereum.request_timeout", "10s")
	v.SetDefault("ethereum.poll_interval", "2s")
	v.SetDefault("ethereum.gas_limit_buffer_pct", 20)

	v.SetDefault("signer.mode", "direct")
	v.SetDefault("signer.relay_poll", "1s")

	v.SetDefault("settlement.base_asset", "USDC")
	v.SetDefault("settlement.primary_pairs", []string{"USDC/USDT"})
	v.SetDefault("settlement.primary_slippage", 0.02)
	v.SetDefault("settlement.default_slippage", 0.05)
	v.SetDefault("settlement.relaxed_slippage", 0.15)
	v.SetDefault("settlement.deadline", "10m")
	v.SetDefault("settlement.confirmation_timeout", "120s")
	v.SetDefault("settlement.recheck_delay", "30s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.queue_size", 256)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.webhook.timeout", "10s")
	v.SetDefault("alerting.nats.subject", "stablepay.payments")
	v.SetDefault("alerting.dedup.backend", "memory")
	v.SetDefault("alerting.dedup.ttl", "24h")

	v.SetDefault("reconciler.enabled", true)
	v.SetDefault("reconciler.interval", "5m")
	v.SetDefault("reconciler.min_age", "10m")
	v.SetDefault("reconciler.batch_size", 100)
	v.SetDefault("reconciler.lock_key", 0)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Database.Driver) {
	case "postgres":
		if c.Database.DSN == "" && c.Database.LedgerURL == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	case "sqlite":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}

	if c.Rates.MaxConcurrency <= 0 {
		return fmt.Errorf("rates.max_concurrency must be greater than zero")
	}
	if c.Rates.MaxRetries < 0 {
		return fmt.Errorf("rates.max_retries cannot be negative")
	}
	if c.Rates.RefreshInterval <= 0 {
		return fmt.Errorf("rates.refresh_interval must be greater than zero")
	}
	if c.Rates.StalenessWindow <= 0 {
		return fmt.Errorf("rates.staleness_window must be greater than zero")
	}
	if amount, err := decimal.NewFromString(c.Rates.Amount); err != nil || !amount.IsPositive() {
		return fmt.Errorf("rates.amount must be a positive decimal")
	}
	for currency, raw := range c.Rates.Fallback {
		if rate, err := decimal.NewFromString(raw); err != nil || !rate.IsPositive() {
			return fmt.Errorf("rates.fallback.%s must be a positive decimal", currency)
		}
	}

	switch strings.ToLower(c.Signer.Mode) {
	case "direct", "relay":
	default:
		return fmt.Errorf("signer.mode must be direct or relay, got %q", c.Signer.Mode)
	}
	if strings.EqualFold(c.Signer.Mode, "relay") && c.Signer.Wallet != "" && !common.IsHexAddress(c.Signer.Wallet) {
		return fmt.Errorf("signer.wallet must be a hex address")
	}

	seen := make(map[string]struct{}, len(c.Tokens))
	for _, token := range c.Tokens {
		symbol := strings.ToUpper(token.Symbol)
		if symbol == "" {
			return fmt.Errorf("tokens: symbol is required")
		}
		if _, dup := seen[symbol]; dup {
			return fmt.Errorf("tokens: duplicate symbol %s", symbol)
		}
		seen[symbol] = struct{}{}
		if !common.IsHexAddress(token.Address) {
			return fmt.Errorf("tokens.%s: invalid address %q", symbol, token.Address)
		}
		if token.Decimals < 0 || token.Decimals > 36 {
			return fmt.Errorf("tokens.%s: decimals out of range", symbol)
		}
	}

	s := c.Settlement
	for _, tol := range []float64{s.PrimarySlippage, s.DefaultSlippage, s.RelaxedSlippage} {
		if tol < 0 || tol >= 1 {
			return fmt.Errorf("settlement slippage tolerances must be in [0, 1)")
		}
	}
	if s.ConfirmationTimeout <= 0 {
		return fmt.Errorf("settlement.confirmation_timeout must be greater than zero")
	}
	if s.Fee.Enabled {
		if amount, err := decimal.NewFromString(s.Fee.Amount); err != nil || !amount.IsPositive() {
			return fmt.Errorf("settlement.fee.amount must be a positive decimal")
		}
		if !common.IsHexAddress(s.Fee.Collector) {
			return fmt.Errorf("settlement.fee.collector must be a hex address")
		}
	}

	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Alerting.Webhook.Enabled && c.Alerting.Webhook.URL == "" {
		return fmt.Errorf("alerting.webhook.url is required when the webhook is enabled")
	}
	if c.Alerting.NATS.Enabled && c.Alerting.NATS.URL == "" {
		return fmt.Errorf("alerting.nats.url is required when nats is enabled")
	}
	switch strings.ToLower(c.Alerting.Dedup.Backend) {
	case "", "memory", "none":
	case "redis":
		if c.Alerting.Dedup.Redis.Addr == "" {
			return fmt.Errorf("alerting.dedup.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("alerting.dedup.backend must be memory, redis or none")
	}

	if c.Reconciler.Enabled && c.Reconciler.Interval <= 0 {
		return fmt.Errorf("reconciler.interval must be greater than zero")
	}
	return nil
}

// FallbackRates parses the configured per-currency fallback table.
func (c *Config) FallbackRates() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(c.Rates.Fallback))
	for currency, raw := range c.Rates.Fallback {
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			continue
		}
		out[strings.ToUpper(currency)] = rate
	}
	return out
}

// ResolveCurrencies returns the CLI override or the configured tracked set.
func (c *Config) ResolveCurrencies(override []string) []string {
	src := c.Rates.Currencies
	if len(override) > 0 {
		src = override
	}
	out := make([]string, 0, len(src))
	for _, cur := range src {
		if cur = strings.ToUpper(strings.TrimSpace(cur)); cur != "" {
			out = append(out, cur)
		}
	}
	return out
}
