package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
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
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses durations for TOML and environment overrides.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
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

// Config captures runtime configuration for walletd.
type Config struct {
	ListenAddress string          `yaml:"listen" toml:"listen"`
	Database      DatabaseConfig  `yaml:"database" toml:"database"`
	KeysetCache   string          `yaml:"keyset_cache" toml:"keyset_cache"`
	Identity      IdentityConfig  `yaml:"identity" toml:"identity"`
	Relays        []string        `yaml:"relays" toml:"relays"`
	Mints         []Mint          `yaml:"mints" toml:"mints"`
	Client        ClientConfig    `yaml:"client" toml:"client"`
	Quotes        QuotesConfig    `yaml:"quotes" toml:"quotes"`
	Transfer      TransferConfig  `yaml:"transfer" toml:"transfer"`
	Publisher     PublisherConfig `yaml:"publisher" toml:"publisher"`
	Sweep         SweepConfig     `yaml:"sweep" toml:"sweep"`
	Admin         AdminConfig     `yaml:"admin" toml:"admin"`
	Logging       LoggingConfig   `yaml:"logging" toml:"logging"`
}

// DatabaseConfig selects the store backing quotes, transfers and the retry
// queue.
type DatabaseConfig struct {
	// Driver is sqlite or postgres.
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// IdentityConfig locates the sealed wallet key.
type IdentityConfig struct {
	KeyFile       string `yaml:"key_file" toml:"key_file"`
	PassphraseEnv string `yaml:"passphrase_env" toml:"passphrase_env"`
	// Create generates a fresh key when KeyFile does not exist.
	Create bool `yaml:"create" toml:"create"`
}

// Mint is an issuer the wallet is allowed to use.
type Mint struct {
	URL string `yaml:"url" toml:"url"`
}

// ClientConfig tunes the issuer protocol client.
type ClientConfig struct {
	Timeout           Duration `yaml:"timeout" toml:"timeout"`
	MeltTimeout       Duration `yaml:"melt_timeout" toml:"melt_timeout"`
	RequestsPerSecond float64  `yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int      `yaml:"burst" toml:"burst"`
	CacheTTL          Duration `yaml:"cache_ttl" toml:"cache_ttl"`
}

// QuotesConfig bounds how quote states are awaited.
type QuotesConfig struct {
	PollInterval Duration `yaml:"poll_interval" toml:"poll_interval"`
	MaxPolls     int      `yaml:"max_polls" toml:"max_polls"`
	Inactivity   Duration `yaml:"inactivity" toml:"inactivity"`
}

// TransferConfig bounds the wait for the target quote of a transfer.
type TransferConfig struct {
	PollInterval Duration `yaml:"poll_interval" toml:"poll_interval"`
	Timeout      Duration `yaml:"timeout" toml:"timeout"`
}

// PublisherConfig controls retries of failed log writes.
type PublisherConfig struct {
	BaseBackoff  Duration `yaml:"base_backoff" toml:"base_backoff"`
	MaxBackoff   Duration `yaml:"max_backoff" toml:"max_backoff"`
	MaxAttempts  int      `yaml:"max_attempts" toml:"max_attempts"`
	MaxAge       Duration `yaml:"max_age" toml:"max_age"`
	FetchTimeout Duration `yaml:"fetch_timeout" toml:"fetch_timeout"`
}

// SweepConfig controls the recovery sweep.
type SweepConfig struct {
	Interval Duration `yaml:"interval" toml:"interval"`
	Grace    Duration `yaml:"grace" toml:"grace"`
}

// AdminConfig secures the admin API.
type AdminConfig struct {
	JWTSecret         string  `yaml:"jwt_secret" toml:"jwt_secret"`
	Issuer            string  `yaml:"issuer" toml:"issuer"`
	Audience          string  `yaml:"audience" toml:"audience"`
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// LoggingConfig selects the log level and an optional rotated log file.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

// MintURLs returns the configured mint URLs.
func (c Config) MintURLs() []string {
	out := make([]string, 0, len(c.Mints))
	for _, m := range c.Mints {
		out = append(out, m.URL)
	}
	return out
}

// Load reads configuration from the supplied path. Files ending in .toml are
// decoded as TOML, everything else as YAML.
func Load(path string) (Config, error) {
	cfg := Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	default:
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "/var/data/walletd.sqlite"
	}
	if cfg.KeysetCache == "" {
		cfg.KeysetCache = "/var/data/walletd-keysets"
	}
	if cfg.Identity.KeyFile == "" {
		cfg.Identity.KeyFile = "/var/data/walletd.key"
	}
	if cfg.Identity.PassphraseEnv == "" {
		cfg.Identity.PassphraseEnv = "WALLETD_PASSPHRASE"
	}
	if cfg.Client.Timeout.Duration == 0 {
		cfg.Client.Timeout.Duration = 15 * time.Second
	}
	if cfg.Client.MeltTimeout.Duration == 0 {
		cfg.Client.MeltTimeout.Duration = 2 * time.Minute
	}
	if cfg.Client.CacheTTL.Duration == 0 {
		cfg.Client.CacheTTL.Duration = 10 * time.Minute
	}
	if cfg.Quotes.PollInterval.Duration == 0 {
		cfg.Quotes.PollInterval.Duration = 2 * time.Second
	}
	if cfg.Quotes.MaxPolls <= 0 {
		cfg.Quotes.MaxPolls = 900
	}
	if cfg.Quotes.Inactivity.Duration == 0 {
		cfg.Quotes.Inactivity.Duration = 30 * time.Second
	}
	if cfg.Transfer.PollInterval.Duration == 0 {
		cfg.Transfer.PollInterval.Duration = time.Second
	}
	if cfg.Transfer.Timeout.Duration == 0 {
		cfg.Transfer.Timeout.Duration = 2 * time.Minute
	}
	if cfg.Publisher.BaseBackoff.Duration == 0 {
		cfg.Publisher.BaseBackoff.Duration = 5 * time.Second
	}
	if cfg.Publisher.MaxBackoff.Duration == 0 {
		cfg.Publisher.MaxBackoff.Duration = 10 * time.Minute
	}
	if cfg.Publisher.MaxAttempts <= 0 {
		cfg.Publisher.MaxAttempts = 12
	}
	if cfg.Publisher.MaxAge.Duration == 0 {
		cfg.Publisher.MaxAge.Duration = 24 * time.Hour
	}
	if cfg.Publisher.FetchTimeout.Duration == 0 {
		cfg.Publisher.FetchTimeout.Duration = 15 * time.Second
	}
	if cfg.Sweep.Interval.Duration == 0 {
		cfg.Sweep.Interval.Duration = 3 * time.Minute
	}
	if cfg.Sweep.Grace.Duration == 0 {
		cfg.Sweep.Grace.Duration = 10 * time.Minute
	}
	if cfg.Admin.RequestsPerMinute <= 0 {
		cfg.Admin.RequestsPerMinute = 120
	}
	if cfg.Admin.Burst <= 0 {
		cfg.Admin.Burst = 20
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.File != "" {
		if cfg.Logging.MaxSizeMB <= 0 {
			cfg.Logging.MaxSizeMB = 100
		}
		if cfg.Logging.MaxBackups <= 0 {
			cfg.Logging.MaxBackups = 5
		}
		if cfg.Logging.MaxAgeDays <= 0 {
			cfg.Logging.MaxAgeDays = 28
		}
	}
}

func validate(cfg Config) error {
	switch cfg.Database.Driver {
	case "sqlite":
	case "postgres":
		if strings.TrimSpace(cfg.Database.DSN) == "" {
			return fmt.Errorf("database.dsn must be configured for postgres")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", cfg.Database.Driver)
	}
	if len(cfg.Relays) == 0 {
		return fmt.Errorf("at least one relay must be configured")
	}
	for _, raw := range cfg.Relays {
		parsed, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || (parsed.Scheme != "ws" && parsed.Scheme != "wss") || parsed.Host == "" {
			return fmt.Errorf("relay %q must be a ws or wss url", raw)
		}
	}
	for i, m := range cfg.Mints {
		parsed, err := url.Parse(strings.TrimSpace(m.URL))
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return fmt.Errorf("mints[%d].url %q must be an http or https url", i, m.URL)
		}
	}
	if strings.TrimSpace(cfg.Admin.JWTSecret) == "" {
		return fmt.Errorf("admin.jwt_secret must be configured")
	}
	if len(cfg.Admin.JWTSecret) < 32 {
		return fmt.Errorf("admin.jwt_secret must be at least 32 bytes")
	}
	if cfg.Publisher.MaxBackoff.Duration < cfg.Publisher.BaseBackoff.Duration {
		return fmt.Errorf("publisher.max_backoff must not be below publisher.base_backoff")
	}
	return nil
}
