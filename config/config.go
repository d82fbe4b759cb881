package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Exchanges    ExchangesConfig    `json:"exchanges"`
	Risk         RiskConfig         `json:"risk"`
	Monitor      MonitorConfig      `json:"monitor"`
	Notification NotificationConfig `json:"notification"`
	Feed         FeedConfig         `json:"feed"`
	Postgres     PostgresConfig     `json:"postgres"`
	Redis        RedisConfig        `json:"redis"`
	Vault        VaultConfig        `json:"vault"`
	Server       ServerConfig       `json:"server"`
	Logging      LoggingConfig      `json:"logging"`
	Trading      TradingConfig      `json:"trading"`
}

// ExchangesConfig holds per-exchange account configuration
type ExchangesConfig struct {
	Binance     ExchangeAccountConfig `json:"binance"`
	Bybit       ExchangeAccountConfig `json:"bybit"`
	Hyperliquid ExchangeAccountConfig `json:"hyperliquid"`
}

// ExchangeAccountConfig holds one exchange's accounts. Accounts beyond
// the first are standbys used for credential rotation.
type ExchangeAccountConfig struct {
	Enabled  bool            `json:"enabled"`
	TestNet  bool            `json:"testnet"`
	Accounts []AccountConfig `json:"accounts"`
}

// AccountConfig holds one account's credentials. Hyperliquid accounts
// use wallet_address and private_key instead of api_key/secret_key.
type AccountConfig struct {
	Label         string `json:"label"`
	APIKey        string `json:"api_key"`
	SecretKey     string `json:"secret_key"`
	WalletAddress string `json:"wallet_address"`
	PrivateKey    string `json:"private_key"`
}

type RiskConfig struct {
	Mode                 string  `json:"mode"` // "fixed" or "percent"
	FixedAmount          float64 `json:"fixed_amount"`
	PercentAmount        float64 `json:"percent_amount"`
	MaxRiskPercent       float64 `json:"max_risk_percent"`
	DefaultLeverage      int     `json:"default_leverage"`
	MinBalance           float64 `json:"min_balance"`
	MaxBalanceUsePercent float64 `json:"max_balance_use_percent"`
}

// MonitorConfig controls signal monitoring
type MonitorConfig struct {
	Strategy        string        `json:"strategy"` // "price" or "api"
	Interval        time.Duration `json:"interval"`
	MaxCredFailures int           `json:"max_cred_failures"`
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

// FeedConfig controls the websocket price feed
type FeedConfig struct {
	Enabled    bool          `json:"enabled"`
	StaleAfter time.Duration `json:"stale_after"`
}

// PostgresConfig holds signal persistence configuration
type PostgresConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds notification dedup store configuration
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// VaultConfig holds HashiCorp Vault configuration for credentials
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Enabled         bool     `json:"enabled"`
	Port            int      `json:"port"`
	Host            string   `json:"host"`
	ProductionMode  bool     `json:"production_mode"`
	JWTSecret       string   `json:"jwt_secret"`
	AllowedOrigins  []string `json:"allowed_origins"`
	ShutdownTimeout int      `json:"shutdown_timeout"` // Seconds
}

type LoggingConfig struct {
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
}

type TradingConfig struct {
	DryRun      bool    `json:"dry_run"`      // Use the mock connector instead of real exchanges
	MockBalance float64 `json:"mock_balance"` // Starting balance in dry run mode
}

func Load() (*Config, error) {
	// First try to load base config from file
	cfg, err := loadFromFile("config.json")
	if err != nil {
		// If no config file, start with empty config
		cfg = &Config{}
	}

	// Apply environment variable overrides (these take precedence)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Credentials come from the config file or Vault, never from environment,
// except the single-account convenience variables below.
func applyEnvOverrides(cfg *Config) {
	// Exchange config
	cfg.Exchanges.Binance.TestNet = getEnvBoolOrDefault("BINANCE_TESTNET", cfg.Exchanges.Binance.TestNet)
	cfg.Exchanges.Bybit.TestNet = getEnvBoolOrDefault("BYBIT_TESTNET", cfg.Exchanges.Bybit.TestNet)
	cfg.Exchanges.Hyperliquid.TestNet = getEnvBoolOrDefault("HYPERLIQUID_TESTNET", cfg.Exchanges.Hyperliquid.TestNet)
	applyAccountEnv(&cfg.Exchanges.Binance, "BINANCE_API_KEY", "BINANCE_SECRET_KEY")
	applyAccountEnv(&cfg.Exchanges.Bybit, "BYBIT_API_KEY", "BYBIT_SECRET_KEY")
	if addr := os.Getenv("HYPERLIQUID_WALLET_ADDRESS"); addr != "" {
		key := os.Getenv("HYPERLIQUID_PRIVATE_KEY")
		cfg.Exchanges.Hyperliquid.Enabled = true
		cfg.Exchanges.Hyperliquid.Accounts = append(cfg.Exchanges.Hyperliquid.Accounts, AccountConfig{
			Label:         "env",
			WalletAddress: addr,
			PrivateKey:    key,
		})
	}

	// Risk config
	cfg.Risk.Mode = getEnvOrDefault("RISK_MODE", defaultString(cfg.Risk.Mode, "fixed"))
	cfg.Risk.FixedAmount = getEnvFloatOrDefault("RISK_FIXED_AMOUNT", defaultFloat(cfg.Risk.FixedAmount, 100.0))
	cfg.Risk.PercentAmount = getEnvFloatOrDefault("RISK_PERCENT_AMOUNT", defaultFloat(cfg.Risk.PercentAmount, 5.0))
	cfg.Risk.MaxRiskPercent = getEnvFloatOrDefault("RISK_MAX_PERCENT", defaultFloat(cfg.Risk.MaxRiskPercent, 2.0))
	cfg.Risk.DefaultLeverage = getEnvIntOrDefault("RISK_DEFAULT_LEVERAGE", defaultInt(cfg.Risk.DefaultLeverage, 20))
	cfg.Risk.MinBalance = getEnvFloatOrDefault("RISK_MIN_BALANCE", defaultFloat(cfg.Risk.MinBalance, 10.0))
	cfg.Risk.MaxBalanceUsePercent = getEnvFloatOrDefault("RISK_MAX_BALANCE_USE_PERCENT", defaultFloat(cfg.Risk.MaxBalanceUsePercent, 95.0))

	// Monitor config
	cfg.Monitor.Strategy = getEnvOrDefault("MONITOR_STRATEGY", defaultString(cfg.Monitor.Strategy, "price"))
	cfg.Monitor.Interval = getEnvDurationOrDefault("MONITOR_INTERVAL", defaultDuration(cfg.Monitor.Interval, 30*time.Second))
	cfg.Monitor.MaxCredFailures = getEnvIntOrDefault("MONITOR_MAX_CRED_FAILURES", defaultInt(cfg.Monitor.MaxCredFailures, 3))

	// Notification config
	cfg.Notification.Enabled = getEnvBoolOrDefault("NOTIFICATIONS_ENABLED", cfg.Notification.Enabled)
	cfg.Notification.Telegram.Enabled = getEnvBoolOrDefault("TELEGRAM_ENABLED", cfg.Notification.Telegram.Enabled)
	cfg.Notification.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.Notification.Telegram.BotToken)
	cfg.Notification.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.Notification.Telegram.ChatID)
	cfg.Notification.Discord.Enabled = getEnvBoolOrDefault("DISCORD_ENABLED", cfg.Notification.Discord.Enabled)
	cfg.Notification.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.Notification.Discord.WebhookURL)

	// Feed config
	cfg.Feed.Enabled = getEnvBoolOrDefault("FEED_ENABLED", cfg.Feed.Enabled)
	cfg.Feed.StaleAfter = getEnvDurationOrDefault("FEED_STALE_AFTER", defaultDuration(cfg.Feed.StaleAfter, 30*time.Second))

	// Postgres config
	cfg.Postgres.Enabled = getEnvBoolOrDefault("POSTGRES_ENABLED", cfg.Postgres.Enabled)
	cfg.Postgres.Host = getEnvOrDefault("POSTGRES_HOST", defaultString(cfg.Postgres.Host, "localhost"))
	cfg.Postgres.Port = getEnvIntOrDefault("POSTGRES_PORT", defaultInt(cfg.Postgres.Port, 5432))
	cfg.Postgres.User = getEnvOrDefault("POSTGRES_USER", defaultString(cfg.Postgres.User, "copytrade"))
	cfg.Postgres.Password = getEnvOrDefault("POSTGRES_PASSWORD", cfg.Postgres.Password)
	cfg.Postgres.Database = getEnvOrDefault("POSTGRES_DB", defaultString(cfg.Postgres.Database, "copytrade"))
	cfg.Postgres.SSLMode = getEnvOrDefault("POSTGRES_SSLMODE", defaultString(cfg.Postgres.SSLMode, "disable"))

	// Redis config
	cfg.Redis.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.Redis.Enabled)
	cfg.Redis.Addr = getEnvOrDefault("REDIS_ADDR", defaultString(cfg.Redis.Addr, "localhost:6379"))
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvIntOrDefault("REDIS_DB", cfg.Redis.DB)

	// Vault config
	cfg.Vault.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.Vault.Enabled)
	cfg.Vault.Address = getEnvOrDefault("VAULT_ADDR", defaultString(cfg.Vault.Address, "http://localhost:8200"))
	cfg.Vault.Token = getEnvOrDefault("VAULT_TOKEN", cfg.Vault.Token)
	cfg.Vault.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", defaultString(cfg.Vault.MountPath, "secret"))
	cfg.Vault.TLSEnabled = getEnvBoolOrDefault("VAULT_TLS_ENABLED", cfg.Vault.TLSEnabled)
	cfg.Vault.CACert = getEnvOrDefault("VAULT_CACERT", cfg.Vault.CACert)

	// Server config
	cfg.Server.Enabled = getEnvBoolOrDefault("SERVER_ENABLED", cfg.Server.Enabled)
	cfg.Server.Port = getEnvIntOrDefault("SERVER_PORT", defaultInt(cfg.Server.Port, 8080))
	cfg.Server.Host = getEnvOrDefault("SERVER_HOST", defaultString(cfg.Server.Host, "0.0.0.0"))
	cfg.Server.ProductionMode = getEnvBoolOrDefault("SERVER_PRODUCTION_MODE", cfg.Server.ProductionMode)
	cfg.Server.JWTSecret = getEnvOrDefault("SERVER_JWT_SECRET", cfg.Server.JWTSecret)
	cfg.Server.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", defaultInt(cfg.Server.ShutdownTimeout, 10))

	// Logging config
	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", defaultString(cfg.Logging.Level, "INFO"))
	cfg.Logging.Output = getEnvOrDefault("LOG_OUTPUT", defaultString(cfg.Logging.Output, "stdout"))
	cfg.Logging.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.Logging.JSONFormat)
	cfg.Logging.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", cfg.Logging.IncludeFile)

	// Trading config
	cfg.Trading.DryRun = getEnvBoolOrDefault("TRADING_DRY_RUN", cfg.Trading.DryRun)
	cfg.Trading.MockBalance = getEnvFloatOrDefault("TRADING_MOCK_BALANCE", defaultFloat(cfg.Trading.MockBalance, 10000.0))
}

// applyAccountEnv prepends a single account from environment variables
// when both the key and secret are set.
func applyAccountEnv(cfg *ExchangeAccountConfig, keyVar, secretVar string) {
	apiKey := os.Getenv(keyVar)
	secretKey := os.Getenv(secretVar)
	if apiKey == "" || secretKey == "" {
		return
	}
	cfg.Enabled = true
	cfg.Accounts = append([]AccountConfig{{
		Label:     "env",
		APIKey:    apiKey,
		SecretKey: secretKey,
	}}, cfg.Accounts...)
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true"
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func defaultString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func defaultInt(value, fallback int) int {
	if value == 0 {
		return fallback
	}
	return value
}

func defaultFloat(value, fallback float64) float64 {
	if value == 0 {
		return fallback
	}
	return value
}

func defaultDuration(value, fallback time.Duration) time.Duration {
	if value == 0 {
		return fallback
	}
	return value
}

// GenerateSampleConfig creates a sample configuration file
func GenerateSampleConfig(filename string) error {
	config := Config{
		Exchanges: ExchangesConfig{
			Binance: ExchangeAccountConfig{
				Enabled: true,
				TestNet: true,
				Accounts: []AccountConfig{
					{Label: "primary", APIKey: "your_api_key_here", SecretKey: "your_secret_key_here"},
				},
			},
			Bybit: ExchangeAccountConfig{
				Enabled: false,
				TestNet: true,
			},
			Hyperliquid: ExchangeAccountConfig{
				Enabled: false,
				TestNet: true,
			},
		},
		Risk: RiskConfig{
			Mode:                 "fixed",
			FixedAmount:          100.0,
			PercentAmount:        5.0,
			MaxRiskPercent:       2.0,
			DefaultLeverage:      20,
			MinBalance:           10.0,
			MaxBalanceUsePercent: 95.0,
		},
		Monitor: MonitorConfig{
			Strategy:        "price",
			Interval:        30 * time.Second,
			MaxCredFailures: 3,
		},
		Notification: NotificationConfig{
			Enabled: false,
			Telegram: TelegramConfig{
				Enabled:  false,
				BotToken: "",
				ChatID:   "",
			},
			Discord: DiscordConfig{
				Enabled:    false,
				WebhookURL: "",
			},
		},
		Feed: FeedConfig{
			Enabled:    true,
			StaleAfter: 30 * time.Second,
		},
		Postgres: PostgresConfig{
			Enabled:  false,
			Host:     "localhost",
			Port:     5432,
			User:     "copytrade",
			Database: "copytrade",
			SSLMode:  "disable",
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8080,
			Host:    "0.0.0.0",
		},
		Logging: LoggingConfig{
			Level:       "INFO",
			Output:      "stdout",
			JSONFormat:  true,
			IncludeFile: false,
		},
		Trading: TradingConfig{
			DryRun:      true,
			MockBalance: 10000.0,
		},
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
