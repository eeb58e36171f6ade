package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the server runtime parameters.
type Config struct {
	HTTPAddress         string          `mapstructure:"http_address"`
	AdminAddress        string          `mapstructure:"admin_address"`
	LogLevel            string          `mapstructure:"log_level"`
	ShutdownGracePeriod time.Duration   `mapstructure:"-"`
	Database            DatabaseConfig  `mapstructure:"database"`
	Auth                AuthConfig      `mapstructure:"auth"`
	RateLimit           RateLimitConfig `mapstructure:"ratelimit"`
	Gateway             GatewayConfig   `mapstructure:"gateway"`
	Relay               RelayConfig     `mapstructure:"relay"`
	SMS                 SMSConfig       `mapstructure:"sms"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// AuthConfig names the env var holding the token secret rather than the
// secret itself, so config files can be committed.
type AuthConfig struct {
	SecretEnv string        `mapstructure:"secret_env"`
	TokenTTL  time.Duration `mapstructure:"-"`
	CodeTTL   time.Duration `mapstructure:"-"`
	DevCode   string        `mapstructure:"dev_code"`
}

type RateLimitConfig struct {
	Window        time.Duration `mapstructure:"-"`
	MaxFrames     int           `mapstructure:"max_frames"`
	SweepInterval time.Duration `mapstructure:"-"`
}

type GatewayConfig struct {
	MaxFrameBytes int `mapstructure:"max_frame_bytes"`
	SendBuffer    int `mapstructure:"send_buffer"`
}

type RelayConfig struct {
	MaxReadBatch  int `mapstructure:"max_read_batch"`
	ChatListLimit int `mapstructure:"chat_list_limit"`
}

// SMSConfig points code delivery at an email-to-SMS gateway. An empty host
// logs codes instead.
type SMSConfig struct {
	SMTPHost      string `mapstructure:"smtp_host"`
	SMTPPort      string `mapstructure:"smtp_port"`
	Username      string `mapstructure:"username"`
	PasswordEnv   string `mapstructure:"password_env"`
	From          string `mapstructure:"from"`
	AddressFormat string `mapstructure:"address_format"`
}

const (
	defaultHTTPAddress         = ":8080"
	defaultAdminAddress        = ":9090"
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultDriver              = "sqlite3"
	defaultDSN                 = "murmur.db"
	defaultSecretEnv           = "MURMUR_JWT_SECRET"
	defaultTokenTTL            = 720 * time.Hour
	defaultCodeTTL             = 5 * time.Minute
	defaultWindow              = time.Second
	defaultMaxFrames           = 30
	defaultSweepInterval       = time.Minute
	defaultMaxFrameBytes       = 64 * 1024
	defaultSendBuffer          = 64
	defaultMaxReadBatch        = 100
	defaultChatListLimit       = 50
)

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with MURMUR_ and override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MURMUR")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("http_address", defaultHTTPAddress)
	v.SetDefault("admin_address", defaultAdminAddress)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("database.driver", defaultDriver)
	v.SetDefault("database.dsn", defaultDSN)
	v.SetDefault("auth.secret_env", defaultSecretEnv)
	v.SetDefault("auth.token_ttl", defaultTokenTTL.String())
	v.SetDefault("auth.code_ttl", defaultCodeTTL.String())
	v.SetDefault("auth.dev_code", "")
	v.SetDefault("ratelimit.window", defaultWindow.String())
	v.SetDefault("ratelimit.max_frames", defaultMaxFrames)
	v.SetDefault("ratelimit.sweep_interval", defaultSweepInterval.String())
	v.SetDefault("gateway.max_frame_bytes", defaultMaxFrameBytes)
	v.SetDefault("gateway.send_buffer", defaultSendBuffer)
	v.SetDefault("relay.max_read_batch", defaultMaxReadBatch)
	v.SetDefault("relay.chat_list_limit", defaultChatListLimit)
	v.SetDefault("sms.smtp_host", "")
	v.SetDefault("sms.smtp_port", "587")
	v.SetDefault("sms.username", "")
	v.SetDefault("sms.password_env", "MURMUR_SMTP_PASSWORD")
	v.SetDefault("sms.from", "")
	v.SetDefault("sms.address_format", "")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"shutdown_grace_period", &cfg.ShutdownGracePeriod},
		{"auth.token_ttl", &cfg.Auth.TokenTTL},
		{"auth.code_ttl", &cfg.Auth.CodeTTL},
		{"ratelimit.window", &cfg.RateLimit.Window},
		{"ratelimit.sweep_interval", &cfg.RateLimit.SweepInterval},
	}
	for _, d := range durations {
		dur, err := time.ParseDuration(v.GetString(d.key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = dur
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.RateLimit.Window <= 0 || c.RateLimit.MaxFrames <= 0 {
		return fmt.Errorf("ratelimit window and max_frames must be positive")
	}
	if c.Gateway.MaxFrameBytes <= 0 {
		return fmt.Errorf("gateway.max_frame_bytes must be positive")
	}
	if c.SMS.SMTPHost != "" && !strings.Contains(c.SMS.AddressFormat, "%s") {
		return fmt.Errorf("sms.address_format must contain %%s when sms.smtp_host is set")
	}
	return nil
}

// Secret fetches the token signing secret from the configured environment variable.
func (c Config) Secret() ([]byte, error) {
	env := c.Auth.SecretEnv
	if env == "" {
		env = defaultSecretEnv
	}
	val := strings.TrimSpace(getenv(env))
	if val == "" {
		return nil, fmt.Errorf("token secret env %s is empty", env)
	}
	return []byte(val), nil
}

// SMTPPassword reads the gateway password from its environment variable.
func (c Config) SMTPPassword() string {
	if c.SMS.PasswordEnv == "" {
		return ""
	}
	return strings.TrimSpace(getenv(c.SMS.PasswordEnv))
}

// split out for testing.
var getenv = os.Getenv
