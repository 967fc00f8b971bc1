package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ProviderForwarding = "forwarding"
	ProviderDerivation = "derivation"
)

type Config struct {
	Server struct {
		Addr                string `yaml:"addr"`
		ReadTimeoutSeconds  int    `yaml:"read_timeout_seconds"`
		WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`
	} `yaml:"server"`
	DB struct {
		DSN string `yaml:"dsn"`
	} `yaml:"db"`
	Redis struct {
		Addr           string `yaml:"addr"`
		Password       string `yaml:"password"`
		DB             int    `yaml:"db"`
		LockTTLSeconds int    `yaml:"lock_ttl_seconds"`
	} `yaml:"redis"`
	Log struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	} `yaml:"log"`
	Gateway struct {
		Provider               string `yaml:"provider"`
		StoreCurrency          string `yaml:"store_currency"`
		ConfirmationsRequired  int64  `yaml:"confirmations_required"`
		AutocompletePaidOrders bool   `yaml:"autocomplete_paid_orders"`
		CallbackURL            string `yaml:"callback_url"`
		ExpectedOrigin         string `yaml:"expected_origin"`
	} `yaml:"gateway"`
	Wallet struct {
		MerchantAddress string `yaml:"merchant_address"`
		MasterPublicKey string `yaml:"master_public_key"`
		AddressVersion  string `yaml:"address_version"`
	} `yaml:"wallet"`
	Forwarding struct {
		APIURL         string `yaml:"api_url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"forwarding"`
	Rates struct {
		Policy         string       `yaml:"policy"`
		TimeoutSeconds int          `yaml:"timeout_seconds"`
		Sources        []RateSource `yaml:"sources"`
	} `yaml:"rates"`
	Explorer struct {
		Endpoints           []string `yaml:"endpoints"`
		WSEndpoint          string   `yaml:"ws_endpoint"`
		Origin              string   `yaml:"origin"`
		PollIntervalSeconds int      `yaml:"poll_interval_seconds"`
		FailoverThreshold   int      `yaml:"failover_threshold"`
		MaxPages            int      `yaml:"max_pages"`
	} `yaml:"explorer"`
	Notify struct {
		WebhookURL     string   `yaml:"webhook_url"`
		WebhookRetries int      `yaml:"webhook_retries"`
		KafkaBrokers   []string `yaml:"kafka_brokers"`
		KafkaTopic     string   `yaml:"kafka_topic"`
		AdminEmail     string   `yaml:"admin_email"`
		SMTP           struct {
			Host     string `yaml:"host"`
			Port     string `yaml:"port"`
			Username string `yaml:"username"`
			Password string `yaml:"password"`
		} `yaml:"smtp"`
	} `yaml:"notify"`
}

type RateSource struct {
	Kind   string            `yaml:"kind"`
	URL    string            `yaml:"url"`
	CoinID string            `yaml:"coin_id"`
	Fixed  map[string]string `yaml:"fixed"`
}

func Load(path string) (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first structural problem with the configuration.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.DB.DSN == "" {
		return errors.New("db.dsn is required")
	}
	switch c.Gateway.Provider {
	case ProviderForwarding:
		if c.Forwarding.APIURL == "" {
			return errors.New("forwarding.api_url is required for the forwarding provider")
		}
		if c.Gateway.CallbackURL == "" {
			return errors.New("gateway.callback_url is required for the forwarding provider")
		}
	case ProviderDerivation:
		if len(c.Explorer.Endpoints) == 0 {
			return errors.New("explorer.endpoints is required for the derivation provider")
		}
	case "":
		return errors.New("gateway.provider is not selected")
	default:
		return fmt.Errorf("gateway.provider %q is not supported", c.Gateway.Provider)
	}
	if c.Gateway.ConfirmationsRequired < 0 {
		return errors.New("gateway.confirmations_required must not be negative")
	}
	for i, src := range c.Rates.Sources {
		if src.Kind == "" {
			return fmt.Errorf("rates.sources[%d].kind is required", i)
		}
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ReadTimeoutSeconds <= 0 {
		cfg.Server.ReadTimeoutSeconds = 15
	}
	if cfg.Server.WriteTimeoutSeconds <= 0 {
		cfg.Server.WriteTimeoutSeconds = 15
	}
	if cfg.Redis.LockTTLSeconds <= 0 {
		cfg.Redis.LockTTLSeconds = 30
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Gateway.StoreCurrency == "" {
		cfg.Gateway.StoreCurrency = "USD"
	}
	if cfg.Gateway.ExpectedOrigin == "" {
		cfg.Gateway.ExpectedOrigin = "bcinfo"
	}
	if cfg.Forwarding.TimeoutSeconds <= 0 {
		cfg.Forwarding.TimeoutSeconds = 10
	}
	if cfg.Rates.Policy == "" {
		cfg.Rates.Policy = "getfirst"
	}
	if cfg.Rates.TimeoutSeconds <= 0 {
		cfg.Rates.TimeoutSeconds = 10
	}
	if cfg.Explorer.Origin == "" {
		cfg.Explorer.Origin = "explorer"
	}
	if cfg.Explorer.PollIntervalSeconds <= 0 {
		cfg.Explorer.PollIntervalSeconds = 60
	}
	if cfg.Explorer.FailoverThreshold <= 0 {
		cfg.Explorer.FailoverThreshold = 3
	}
	if cfg.Explorer.MaxPages <= 0 {
		cfg.Explorer.MaxPages = 5
	}
	if cfg.Notify.WebhookRetries <= 0 {
		cfg.Notify.WebhookRetries = 3
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("GATEWAY_PROVIDER"); v != "" {
		cfg.Gateway.Provider = v
	}
	if v := os.Getenv("STORE_CURRENCY"); v != "" {
		cfg.Gateway.StoreCurrency = strings.ToUpper(v)
	}
	if v := os.Getenv("CONFIRMATIONS_REQUIRED"); v != "" {
		cfg.Gateway.ConfirmationsRequired = atoi64Or(cfg.Gateway.ConfirmationsRequired, v)
	}
	if v := os.Getenv("AUTOCOMPLETE_PAID_ORDERS"); v != "" {
		cfg.Gateway.AutocompletePaidOrders = boolOr(cfg.Gateway.AutocompletePaidOrders, v)
	}
	if v := os.Getenv("CALLBACK_URL"); v != "" {
		cfg.Gateway.CallbackURL = v
	}
	if v := os.Getenv("MERCHANT_ADDRESS"); v != "" {
		cfg.Wallet.MerchantAddress = v
	}
	if v := os.Getenv("WALLET_MPK"); v != "" {
		cfg.Wallet.MasterPublicKey = v
	}
	if v := os.Getenv("FORWARDING_API_URL"); v != "" {
		cfg.Forwarding.APIURL = v
	}
	if v := os.Getenv("RATES_POLICY"); v != "" {
		cfg.Rates.Policy = v
	}
	if v := os.Getenv("EXPLORER_ENDPOINTS"); v != "" {
		cfg.Explorer.Endpoints = splitCommaList(v)
	}
	if v := os.Getenv("EXPLORER_WS_ENDPOINT"); v != "" {
		cfg.Explorer.WSEndpoint = v
	}
	if v := os.Getenv("EXPLORER_POLL_INTERVAL_SECONDS"); v != "" {
		cfg.Explorer.PollIntervalSeconds = atoiOr(cfg.Explorer.PollIntervalSeconds, v)
	}
	if v := os.Getenv("NOTIFY_WEBHOOK_URL"); v != "" {
		cfg.Notify.WebhookURL = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Notify.KafkaBrokers = splitCommaList(v)
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		cfg.Notify.KafkaTopic = v
	}
	if v := os.Getenv("ADMIN_EMAIL"); v != "" {
		cfg.Notify.AdminEmail = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		cfg.Notify.SMTP.Password = v
	}
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func atoi64Or(fallback int64, v string) int64 {
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func boolOr(fallback bool, v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
