package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/crewready/secwatch/pkg/types"
)

// Default values for the bootstrap configuration.
const (
	DefaultHTTPPort       = 8080
	DefaultDriver         = "sqlite"
	DefaultSQLitePath     = "secwatch.db"
	DefaultInterval       = time.Minute
	DefaultWindow         = 15 * time.Minute
	DefaultWorkers        = 4
	DefaultSMTPPort       = 587
	DefaultWebhookTimeout = 10 * time.Second
	DefaultScrapeTimeout  = 10 * time.Second
)

// Source kinds.
const (
	SourceRegistry = "registry"
	SourceScrape   = "scrape"
	SourceSQL      = "sql"
)

// Config holds the bootstrap configuration parsed from config.yaml.
type Config struct {
	// HTTPPort is the port the admin API, /metrics and WebSocket stream listen on.
	HTTPPort int `yaml:"http_port"`

	Log     LogConfig     `yaml:"log"`
	Auth    AuthConfig    `yaml:"auth"`
	Store   StoreConfig   `yaml:"store"`
	Monitor MonitorConfig `yaml:"monitor"`

	// Sources maps each monitored metric to where its counter is read from.
	// Metrics without an entry fall back to the in-process registry.
	Sources []Source `yaml:"sources"`

	Notify  NotifyConfig  `yaml:"notify"`
	Secrets SecretsConfig `yaml:"secrets"`
	Seed    SeedConfig    `yaml:"seed"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	// Level is one of: debug | info | warn | error.
	Level string `yaml:"level"`
}

// SlogLevel converts Level to a slog.Level. Unknown values map to info.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// AuthConfig controls admin API authentication.
type AuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// KeyEnv is the name of the environment variable that holds the expected API key.
	KeyEnv string `yaml:"key_env"`

	// Header is the HTTP header to read the key from. Defaults to "x-api-key".
	Header string `yaml:"header"`
}

// Key returns the expected API key resolved from the environment.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns the configured header name, or the default "x-api-key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return "x-api-key"
}

// StoreConfig selects the SQL backend.
type StoreConfig struct {
	// Driver is one of: sqlite | postgres.
	Driver string `yaml:"driver"`

	// DSN is the connection string. For sqlite it may be a plain file path.
	DSN string `yaml:"dsn"`

	// DSNEnv names an environment variable holding the DSN. It wins over DSN
	// when set, so hosted credentials stay out of the file.
	DSNEnv string `yaml:"dsn_env"`
}

// EffectiveDSN returns the DSN from the environment, the file, or the
// default sqlite path, in that order.
func (s StoreConfig) EffectiveDSN() string {
	if s.DSNEnv != "" {
		if v := os.Getenv(s.DSNEnv); v != "" {
			return v
		}
	}
	if s.DSN != "" {
		return s.DSN
	}
	return DefaultSQLitePath
}

// MonitorConfig controls the collection loop.
type MonitorConfig struct {
	// Interval is the time between collection ticks. Default: 1m.
	Interval time.Duration `yaml:"interval"`

	// Window is how long samples stay in the in-memory window. Default: 15m.
	Window time.Duration `yaml:"window"`
}

// Source describes where one metric's counter is read from.
type Source struct {
	// Metric is one of the monitored counter names, e.g. "authFailures".
	Metric string `yaml:"metric"`

	// Kind is one of: registry | scrape | sql.
	Kind string `yaml:"kind"`

	// Endpoint is the Prometheus text endpoint for kind scrape.
	Endpoint string `yaml:"endpoint"`

	// Family is the metric family summed for kind scrape.
	Family string `yaml:"family"`

	// EventType overrides the security event type for kinds registry and sql.
	// Defaults to the type that feeds Metric.
	EventType string `yaml:"event_type"`

	// Timeout bounds one scrape. Default: 10s.
	Timeout time.Duration `yaml:"timeout"`
}

// NotifyConfig controls notification transports.
type NotifyConfig struct {
	// Workers is the number of concurrent delivery workers. Default: 4.
	Workers int `yaml:"workers"`

	SMTP SMTPConfig `yaml:"smtp"`

	// WebhookTimeout bounds one Slack/Teams/webhook POST. Default: 10s.
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
}

// SMTPConfig is the mail relay used by the email channel. Email delivery
// falls back to the log channel when Host is empty.
type SMTPConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	From        string `yaml:"from"`
	Username    string `yaml:"username"`
	PasswordEnv string `yaml:"password_env"`
}

// Password returns the SMTP password resolved from the environment.
func (s SMTPConfig) Password() string {
	if s.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(s.PasswordEnv)
}

// SecretsConfig configures at-rest encryption of sensitive config entries.
type SecretsConfig struct {
	// KeyEnv names the environment variable holding the encryption key.
	KeyEnv string `yaml:"key_env"`
}

// Key returns the encryption key resolved from the environment.
func (s SecretsConfig) Key() string {
	if s.KeyEnv == "" {
		return ""
	}
	return os.Getenv(s.KeyEnv)
}

// SeedConfig lists rows inserted on first start. Rows that already exist are
// never overwritten.
type SeedConfig struct {
	Thresholds []SeedThreshold `yaml:"thresholds"`
	Recipients []SeedRecipient `yaml:"recipients"`
}

// SeedThreshold is a starting threshold for one metric.
type SeedThreshold struct {
	Metric   string  `yaml:"metric"`
	Warning  float64 `yaml:"warning"`
	Critical float64 `yaml:"critical"`
}

// SeedRecipient is a starting recipient.
type SeedRecipient struct {
	Severity string `yaml:"severity"`
	Channel  string `yaml:"channel"`
	Address  string `yaml:"address"`
}

// Load reads and parses the config file at path.
// Missing fields are filled with sensible defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		HTTPPort: DefaultHTTPPort,
		Log:      LogConfig{Level: "info"},
		Auth:     AuthConfig{Mode: "none"},
		Store:    StoreConfig{Driver: DefaultDriver},
		Monitor: MonitorConfig{
			Interval: DefaultInterval,
			Window:   DefaultWindow,
		},
		Notify: NotifyConfig{
			Workers:        DefaultWorkers,
			SMTP:           SMTPConfig{Port: DefaultSMTPPort},
			WebhookTimeout: DefaultWebhookTimeout,
		},
	}
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		return fmt.Errorf("http_port %d is out of range [1, 65535]", cfg.HTTPPort)
	}
	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "warning", "error", "":
	default:
		return fmt.Errorf("log.level %q unknown: want debug|info|warn|error", cfg.Log.Level)
	}
	switch cfg.Auth.Mode {
	case "apikey":
		if cfg.Auth.KeyEnv == "" {
			return fmt.Errorf("auth.key_env is required when auth.mode is apikey")
		}
	case "none", "":
	default:
		return fmt.Errorf("auth.mode %q unknown: want apikey|none", cfg.Auth.Mode)
	}
	switch cfg.Store.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("store.driver %q unknown: want sqlite|postgres", cfg.Store.Driver)
	}
	if cfg.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be positive")
	}
	if cfg.Monitor.Window < cfg.Monitor.Interval {
		return fmt.Errorf("monitor.window %v must be at least monitor.interval %v", cfg.Monitor.Window, cfg.Monitor.Interval)
	}
	seen := make(map[string]bool)
	for i, s := range cfg.Sources {
		if !types.KnownMetric(s.Metric) {
			return fmt.Errorf("sources[%d].metric %q is not a monitored metric", i, s.Metric)
		}
		if seen[s.Metric] {
			return fmt.Errorf("sources[%d].metric %q is configured twice", i, s.Metric)
		}
		seen[s.Metric] = true
		switch s.Kind {
		case SourceRegistry, SourceSQL:
		case SourceScrape:
			if s.Endpoint == "" || s.Family == "" {
				return fmt.Errorf("sources[%d]: scrape requires endpoint and family", i)
			}
		default:
			return fmt.Errorf("sources[%d].kind %q unknown: want registry|scrape|sql", i, s.Kind)
		}
		if s.EventType != "" {
			if _, ok := types.MetricForEvent(s.EventType); !ok {
				return fmt.Errorf("sources[%d].event_type %q unknown", i, s.EventType)
			}
		}
		if s.Timeout < 0 {
			return fmt.Errorf("sources[%d].timeout must not be negative", i)
		}
	}
	if cfg.Notify.Workers <= 0 {
		return fmt.Errorf("notify.workers must be positive")
	}
	if cfg.Notify.SMTP.Host != "" && cfg.Notify.SMTP.From == "" {
		return fmt.Errorf("notify.smtp.from is required when notify.smtp.host is set")
	}
	if cfg.Notify.WebhookTimeout <= 0 {
		return fmt.Errorf("notify.webhook_timeout must be positive")
	}
	for i, t := range cfg.Seed.Thresholds {
		th := types.Threshold{Metric: t.Metric, Warning: t.Warning, Critical: t.Critical}
		if err := th.Validate(); err != nil {
			return fmt.Errorf("seed.thresholds[%d]: %w", i, err)
		}
	}
	for i, r := range cfg.Seed.Recipients {
		if _, err := types.ParseSeverity(r.Severity); err != nil {
			return fmt.Errorf("seed.recipients[%d]: %w", i, err)
		}
		ch, err := types.ParseChannel(r.Channel)
		if err != nil {
			return fmt.Errorf("seed.recipients[%d]: %w", i, err)
		}
		if err := types.ValidateAddress(ch, r.Address); err != nil {
			return fmt.Errorf("seed.recipients[%d]: %w", i, err)
		}
	}
	return nil
}

// EffectiveSources returns one Source per monitored metric, filling metrics
// that have no explicit entry with a registry source.
func (c *Config) EffectiveSources() []Source {
	byMetric := make(map[string]Source, len(c.Sources))
	for _, s := range c.Sources {
		byMetric[s.Metric] = s
	}
	out := make([]Source, 0, len(types.Metrics()))
	for _, m := range types.Metrics() {
		s, ok := byMetric[m]
		if !ok {
			s = Source{Metric: m, Kind: SourceRegistry}
		}
		if s.EventType == "" {
			s.EventType, _ = types.EventForMetric(m)
		}
		if s.Timeout == 0 {
			s.Timeout = DefaultScrapeTimeout
		}
		out = append(out, s)
	}
	return out
}

// SeedThresholds converts the seed section to thresholds. An empty section
// yields nil so the config store applies its built-in defaults.
func (c *Config) SeedThresholds() []types.Threshold {
	if len(c.Seed.Thresholds) == 0 {
		return nil
	}
	out := make([]types.Threshold, 0, len(c.Seed.Thresholds))
	for _, t := range c.Seed.Thresholds {
		out = append(out, types.Threshold{Metric: t.Metric, Warning: t.Warning, Critical: t.Critical, Active: true})
	}
	return out
}

// SeedRecipients converts the seed section to recipients.
func (c *Config) SeedRecipients() []types.Recipient {
	out := make([]types.Recipient, 0, len(c.Seed.Recipients))
	for _, r := range c.Seed.Recipients {
		out = append(out, types.Recipient{
			Severity: types.Severity(r.Severity),
			Channel:  types.ChannelType(r.Channel),
			Address:  strings.TrimSpace(r.Address),
		})
	}
	return out
}
