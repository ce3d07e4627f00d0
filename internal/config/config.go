// Package config loads the process-wide configuration once at startup from
// an optional YAML file and PARTYPUSH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "PARTYPUSH"

type Config struct {
	LogLevel string `mapstructure:"log_level"`
	// LogFormat is "text" or "json".
	LogFormat string         `mapstructure:"log_format"`
	HTTP      HTTPConfig     `mapstructure:"http"`
	Database  DatabaseConfig `mapstructure:"database"`
	Provider  string         `mapstructure:"provider"`
	// Defaults applied to payloads and rendered notifications.
	Notification NotificationConfig `mapstructure:"notification"`
	OneSignal    OneSignalConfig    `mapstructure:"onesignal"`
	WebPush      WebPushConfig      `mapstructure:"webpush"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Dispatch     DispatchConfig     `mapstructure:"dispatch"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Alert        AlertConfig        `mapstructure:"alert"`
}

type HTTPConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// APIKey guards the producer and operator endpoints. Empty disables the check.
	APIKey    string  `mapstructure:"api_key"`
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
	// PostgresDSN switches the queue and subscriptions to Postgres.
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

type NotificationConfig struct {
	Icon  string `mapstructure:"icon"`
	Badge string `mapstructure:"badge"`
}

type OneSignalConfig struct {
	AppID   string        `mapstructure:"app_id"`
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type WebPushConfig struct {
	VAPIDPublicKey  string        `mapstructure:"vapid_public_key"`
	VAPIDPrivateKey string        `mapstructure:"vapid_private_key"`
	Subscriber      string        `mapstructure:"subscriber"`
	TTL             int           `mapstructure:"ttl"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

type QueueConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type DispatchConfig struct {
	Workers         int           `mapstructure:"workers"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	SendTimeout     time.Duration `mapstructure:"send_timeout"`
	ReclaimInterval time.Duration `mapstructure:"reclaim_interval"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
	SendRate        float64       `mapstructure:"send_rate"`
	SendBurst       int           `mapstructure:"send_burst"`
}

type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
	Queue   string `mapstructure:"queue"`
}

type AlertConfig struct {
	SentryDSN     string `mapstructure:"sentry_dsn"`
	Environment   string `mapstructure:"environment"`
	PostmarkToken string `mapstructure:"postmark_token"`
	EmailFrom     string `mapstructure:"email_from"`
	EmailTo       string `mapstructure:"email_to"`
}

const (
	ProviderOneSignal = "onesignal"
	ProviderWebPush   = "webpush"
)

// ErrNoProvider means no push provider has credentials configured.
var ErrNoProvider = errors.New("no push provider configured")

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.allowed_origins", []string{"*"})
	v.SetDefault("http.api_key", "")
	v.SetDefault("http.rate_limit", 10.0)
	v.SetDefault("http.rate_burst", 20)
	v.SetDefault("database.path", "partypush.db")
	v.SetDefault("database.postgres_dsn", "")
	v.SetDefault("provider", ProviderOneSignal)
	v.SetDefault("notification.icon", "/icons/icon-192.png")
	v.SetDefault("notification.badge", "/icons/badge-72.png")
	v.SetDefault("onesignal.app_id", "")
	v.SetDefault("onesignal.api_key", "")
	v.SetDefault("onesignal.base_url", "https://onesignal.com/api/v1/notifications")
	v.SetDefault("onesignal.timeout", 10*time.Second)
	v.SetDefault("webpush.vapid_public_key", "")
	v.SetDefault("webpush.vapid_private_key", "")
	v.SetDefault("webpush.subscriber", "")
	v.SetDefault("webpush.ttl", 3600)
	v.SetDefault("webpush.timeout", 10*time.Second)
	v.SetDefault("queue.base_delay", 5*time.Second)
	v.SetDefault("queue.max_delay", 30*time.Minute)
	v.SetDefault("queue.max_attempts", 8)
	v.SetDefault("dispatch.workers", 2)
	v.SetDefault("dispatch.poll_interval", time.Second)
	v.SetDefault("dispatch.send_timeout", 15*time.Second)
	v.SetDefault("dispatch.reclaim_interval", 30*time.Second)
	v.SetDefault("dispatch.stale_after", 5*time.Minute)
	v.SetDefault("dispatch.send_rate", 0.0)
	v.SetDefault("dispatch.send_burst", 1)
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject", "partypush.notifications")
	v.SetDefault("nats.queue", "partypush")
	v.SetDefault("alert.sentry_dsn", "")
	v.SetDefault("alert.environment", "production")
	v.SetDefault("alert.postmark_token", "")
	v.SetDefault("alert.email_from", "")
	v.SetDefault("alert.email_to", "")
}

// New returns a viper instance with defaults and environment binding set
// up. Callers may bind command-line flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (when non-empty) and the environment into a Config.
// A missing file is an error only when path was given explicitly.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || os.IsNotExist(err) {
				return nil, fmt.Errorf("config file %s not found", path)
			}
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings that cannot work. Missing provider credentials
// are not an error here; see ProviderConfigured.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderOneSignal, ProviderWebPush:
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1")
	}
	if c.Queue.BaseDelay <= 0 {
		return fmt.Errorf("queue.base_delay must be positive")
	}
	if c.Dispatch.Workers < 1 {
		return fmt.Errorf("dispatch.workers must be at least 1")
	}
	if c.Dispatch.SendTimeout <= 0 {
		return fmt.Errorf("dispatch.send_timeout must be positive")
	}
	// A shorter stale_after lets reclaim re-queue a request whose send is
	// still running.
	if c.Dispatch.StaleAfter <= c.Dispatch.SendTimeout {
		return fmt.Errorf("dispatch.stale_after (%s) must exceed dispatch.send_timeout (%s)",
			c.Dispatch.StaleAfter, c.Dispatch.SendTimeout)
	}
	if c.Alert.PostmarkToken != "" && (c.Alert.EmailFrom == "" || c.Alert.EmailTo == "") {
		return fmt.Errorf("alert.email_from and alert.email_to are required with alert.postmark_token")
	}
	return nil
}

// ProviderConfigured returns ErrNoProvider when the selected provider has no credentials.
func (c *Config) ProviderConfigured() error {
	switch c.Provider {
	case ProviderOneSignal:
		if c.OneSignal.AppID == "" || c.OneSignal.APIKey == "" {
			return fmt.Errorf("%w: onesignal.app_id and onesignal.api_key are required", ErrNoProvider)
		}
	case ProviderWebPush:
		if c.WebPush.VAPIDPublicKey == "" || c.WebPush.VAPIDPrivateKey == "" {
			return fmt.Errorf("%w: webpush VAPID keys are required", ErrNoProvider)
		}
	}
	return nil
}

// String renders the configuration with secrets redacted, for startup logs.
func (c Config) String() string {
	c.HTTP.APIKey = redact(c.HTTP.APIKey)
	c.Database.PostgresDSN = redact(c.Database.PostgresDSN)
	c.OneSignal.APIKey = redact(c.OneSignal.APIKey)
	c.WebPush.VAPIDPrivateKey = redact(c.WebPush.VAPIDPrivateKey)
	c.Alert.SentryDSN = redact(c.Alert.SentryDSN)
	c.Alert.PostmarkToken = redact(c.Alert.PostmarkToken)
	type plain Config
	return fmt.Sprintf("%+v", plain(c))
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "[redacted]"
}
