package infra

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"cryptobot/internal/domain"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultUserAgent is sent on REST and websocket handshakes.
	DefaultUserAgent = "cryptobot/1.0 (+https://github.com/cryptobot)"

	ModeLive  = "live"
	ModePaper = "paper"
)

// Duration is a yaml duration that also accepts day units ("1d", "1d12h").
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := str2duration.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Account is one set of exchange credentials available to the credential resolver.
type Account struct {
	UserID       uint64 `yaml:"user_id"`
	CredentialID uint64 `yaml:"credential_id"`
	Exchange     string `yaml:"exchange"`
	APIKey       string `yaml:"api_key"`
	APISecret    string `yaml:"api_secret"`
}

// Config holds every setting of the application. Secrets are expected to come
// from the environment (or a .env file) rather than the yaml file.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Exchange struct {
		Name           string   `yaml:"name"`
		Mode           string   `yaml:"mode"`
		RestURL        string   `yaml:"rest_url"`
		WSURL          string   `yaml:"ws_url"`
		AccountType    string   `yaml:"account_type"`
		RecvWindow     int      `yaml:"recv_window"`
		RequestTimeout Duration `yaml:"request_timeout"`
		MaxRetries     int      `yaml:"max_retries"`
		RetryBase      Duration `yaml:"retry_base"`
	} `yaml:"exchange"`

	Market struct {
		Symbols           []string `yaml:"symbols"`
		PollInterval      Duration `yaml:"poll_interval"`
		HeartbeatInterval Duration `yaml:"heartbeat_interval"`
		ReadTimeout       Duration `yaml:"read_timeout"`
		ReconnectBase     Duration `yaml:"reconnect_base"`
		ReconnectMax      Duration `yaml:"reconnect_max"`
		SubscriberBuffer  int      `yaml:"subscriber_buffer"`
	} `yaml:"market"`

	Instruments struct {
		RefreshInterval Duration `yaml:"refresh_interval"`
	} `yaml:"instruments"`

	Orders struct {
		ReconcileInterval Duration `yaml:"reconcile_interval"`
		ReconcileWorkers  int      `yaml:"reconcile_workers"`
		MaxMirrorDepth    int      `yaml:"max_mirror_depth"`
	} `yaml:"orders"`

	Storage struct {
		Driver string `yaml:"driver"` // sqlite, postgres, mysql
		DSN    string `yaml:"dsn"`
		Path   string `yaml:"path"` // sqlite only
	} `yaml:"storage"`

	Kafka struct {
		Enabled bool     `yaml:"enabled"`
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`

	Paper struct {
		Balances map[string]string `yaml:"balances"`
	} `yaml:"paper"`

	Accounts []Account `yaml:"accounts"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`

	Profiling struct {
		PprofAddr    string `yaml:"pprof_addr"`
		PyroscopeURL string `yaml:"pyroscope_url"`
	} `yaml:"profiling"`
}

// envOverrides are read from the process environment after the yaml file.
type envOverrides struct {
	APIKey       string   `env:"CRYPTOBOT_API_KEY"`
	APISecret    string   `env:"CRYPTOBOT_API_SECRET"`
	UserID       uint64   `env:"CRYPTOBOT_USER_ID" envDefault:"1"`
	Mode         string   `env:"CRYPTOBOT_MODE"`
	StorageDSN   string   `env:"CRYPTOBOT_STORAGE_DSN"`
	LogLevel     string   `env:"CRYPTOBOT_LOG_LEVEL"`
	KafkaBrokers []string `env:"CRYPTOBOT_KAFKA_BROKERS" envSeparator:","`
}

// DefaultConfig returns the settings used for anything the yaml file omits.
func DefaultConfig() *Config {
	var cfg Config
	cfg.App.Name = "cryptobot"
	cfg.App.Version = "dev"

	cfg.Exchange.Name = "bybit"
	cfg.Exchange.Mode = ModeLive
	cfg.Exchange.RestURL = "https://api-testnet.bybit.com"
	cfg.Exchange.WSURL = "wss://stream-testnet.bybit.com/v5/public/spot"
	cfg.Exchange.AccountType = "SPOT"
	cfg.Exchange.RecvWindow = 5000
	cfg.Exchange.RequestTimeout = Duration(10 * time.Second)
	cfg.Exchange.MaxRetries = 3
	cfg.Exchange.RetryBase = Duration(time.Second)

	cfg.Market.Symbols = []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "BNBUSDT", "XRPUSDT"}
	cfg.Market.PollInterval = Duration(10 * time.Second)
	cfg.Market.HeartbeatInterval = Duration(20 * time.Second)
	cfg.Market.ReadTimeout = Duration(45 * time.Second)
	cfg.Market.ReconnectBase = Duration(5 * time.Second)
	cfg.Market.ReconnectMax = Duration(2 * time.Minute)
	cfg.Market.SubscriberBuffer = 256

	cfg.Instruments.RefreshInterval = Duration(24 * time.Hour)

	cfg.Orders.ReconcileInterval = Duration(60 * time.Second)
	cfg.Orders.ReconcileWorkers = 4
	cfg.Orders.MaxMirrorDepth = 1

	cfg.Storage.Driver = "sqlite"
	cfg.Kafka.Topic = "cryptobot.orders"
	cfg.Logging.Level = "info"
	cfg.Logging.Dir = "logs"
	return &cfg
}

// LoadConfig reads the yaml file at path, layers .env and environment
// overrides on top and validates the result.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrConfigNotFound, path)
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if err := overrideWithEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// overrideWithEnv applies CRYPTOBOT_* variables when they are set.
func overrideWithEnv(cfg *Config) error {
	var ov envOverrides
	if err := env.Parse(&ov); err != nil {
		return &domain.ConfigError{Field: "env", Err: err}
	}

	if ov.Mode != "" {
		cfg.Exchange.Mode = ov.Mode
	}
	if ov.StorageDSN != "" {
		cfg.Storage.DSN = ov.StorageDSN
	}
	if ov.LogLevel != "" {
		cfg.Logging.Level = ov.LogLevel
	}
	if len(ov.KafkaBrokers) > 0 {
		cfg.Kafka.Brokers = ov.KafkaBrokers
	}

	if ov.APIKey == "" && ov.APISecret == "" {
		return nil
	}
	for i := range cfg.Accounts {
		acc := &cfg.Accounts[i]
		if acc.UserID == ov.UserID && strings.EqualFold(acc.Exchange, cfg.Exchange.Name) {
			acc.APIKey = ov.APIKey
			acc.APISecret = ov.APISecret
			return nil
		}
	}
	cfg.Accounts = append(cfg.Accounts, Account{
		UserID:       ov.UserID,
		CredentialID: ov.UserID,
		Exchange:     cfg.Exchange.Name,
		APIKey:       ov.APIKey,
		APISecret:    ov.APISecret,
	})
	return nil
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Exchange.RestURL, "http://") && !strings.HasPrefix(c.Exchange.RestURL, "https://") {
		return &domain.ConfigError{Field: "exchange.rest_url", Err: fmt.Errorf("invalid URL %q", c.Exchange.RestURL)}
	}
	if !strings.HasPrefix(c.Exchange.WSURL, "ws://") && !strings.HasPrefix(c.Exchange.WSURL, "wss://") {
		return &domain.ConfigError{Field: "exchange.ws_url", Err: fmt.Errorf("invalid URL %q", c.Exchange.WSURL)}
	}
	if c.Exchange.Mode != ModeLive && c.Exchange.Mode != ModePaper {
		return &domain.ConfigError{Field: "exchange.mode", Err: fmt.Errorf("must be %q or %q, got %q", ModeLive, ModePaper, c.Exchange.Mode)}
	}
	if c.Exchange.RecvWindow <= 0 {
		return &domain.ConfigError{Field: "exchange.recv_window", Err: errors.New("must be positive")}
	}
	if c.Exchange.MaxRetries < 0 {
		return &domain.ConfigError{Field: "exchange.max_retries", Err: errors.New("must not be negative")}
	}
	if len(c.Market.Symbols) == 0 {
		return &domain.ConfigError{Field: "market.symbols", Err: errors.New("at least one symbol is required")}
	}

	intervals := map[string]Duration{
		"exchange.request_timeout":     c.Exchange.RequestTimeout,
		"exchange.retry_base":          c.Exchange.RetryBase,
		"market.poll_interval":         c.Market.PollInterval,
		"market.heartbeat_interval":    c.Market.HeartbeatInterval,
		"market.read_timeout":          c.Market.ReadTimeout,
		"market.reconnect_base":        c.Market.ReconnectBase,
		"market.reconnect_max":         c.Market.ReconnectMax,
		"instruments.refresh_interval": c.Instruments.RefreshInterval,
		"orders.reconcile_interval":    c.Orders.ReconcileInterval,
	}
	for field, d := range intervals {
		if d <= 0 {
			return &domain.ConfigError{Field: field, Err: errors.New("must be positive")}
		}
	}
	if c.Market.ReconnectMax < c.Market.ReconnectBase {
		return &domain.ConfigError{Field: "market.reconnect_max", Err: errors.New("must not be below reconnect_base")}
	}

	switch c.Storage.Driver {
	case "sqlite":
	case "postgres", "mysql":
		if c.Storage.DSN == "" {
			return &domain.ConfigError{Field: "storage.dsn", Err: fmt.Errorf("required for driver %s", c.Storage.Driver)}
		}
	default:
		return &domain.ConfigError{Field: "storage.driver", Err: fmt.Errorf("unsupported driver %q", c.Storage.Driver)}
	}

	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return &domain.ConfigError{Field: "kafka", Err: errors.New("brokers and topic are required when enabled")}
	}

	for i, acc := range c.Accounts {
		if acc.UserID == 0 {
			return &domain.ConfigError{Field: fmt.Sprintf("accounts[%d].user_id", i), Err: errors.New("must be non-zero")}
		}
	}

	return nil
}
