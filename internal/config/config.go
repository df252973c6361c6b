package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/hcx/internal/platform/auth"
	"github.com/ehr/hcx/internal/platform/protocol"
)

type Config struct {
	Port string `mapstructure:"PORT"`
	Env  string `mapstructure:"ENV"`

	// Protocol identity
	Role             string `mapstructure:"ROLE"`
	ParticipantCode  string `mapstructure:"PARTICIPANT_CODE"`
	CounterpartCode  string `mapstructure:"COUNTERPART_CODE"`
	CounterpartURL   string `mapstructure:"COUNTERPART_URL"`
	CounterpartCert  string `mapstructure:"COUNTERPART_CERT"`
	PrivateKeyPath   string `mapstructure:"PRIVATE_KEY_PATH"`
	PublicCertPath   string `mapstructure:"PUBLIC_CERT_PATH"`
	ParticipantsFile string `mapstructure:"PARTICIPANTS_FILE"`

	// Storage
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	ArchiveDir  string `mapstructure:"ARCHIVE_DIR"`

	// Notification sinks
	RedisURL     string   `mapstructure:"REDIS_URL"`
	RedisChannel string   `mapstructure:"REDIS_CHANNEL"`
	KafkaBrokers []string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic   string   `mapstructure:"KAFKA_TOPIC"`

	// Auth
	AuthMode      string `mapstructure:"AUTH_MODE"`
	AuthSecret    string `mapstructure:"AUTH_SECRET"`
	AuthIssuer    string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL   string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience  string `mapstructure:"AUTH_AUDIENCE"`
	TokenURL      string `mapstructure:"TOKEN_URL"`
	TokenUsername string `mapstructure:"TOKEN_USERNAME"`
	TokenPassword string `mapstructure:"TOKEN_PASSWORD"`
	TokenClientID string `mapstructure:"TOKEN_CLIENT_ID"`

	// Timing
	OutboundTimeout    time.Duration `mapstructure:"OUTBOUND_TIMEOUT"`
	MatchWindow        time.Duration `mapstructure:"MATCH_WINDOW"`
	ProcessingTimeout  time.Duration `mapstructure:"PROCESSING_TIMEOUT"`
	ShutdownTimeout    time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
	OutboxPollInterval time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`
	OutboxMaxAttempts  int           `mapstructure:"OUTBOX_MAX_ATTEMPTS"`
	OutboxMaxBackoff   time.Duration `mapstructure:"OUTBOX_MAX_BACKOFF"`

	BodyLimit string `mapstructure:"BODY_LIMIT"`
}

var keys = []string{
	"PORT", "ENV",
	"ROLE", "PARTICIPANT_CODE", "COUNTERPART_CODE", "COUNTERPART_URL", "COUNTERPART_CERT",
	"PRIVATE_KEY_PATH", "PUBLIC_CERT_PATH", "PARTICIPANTS_FILE",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "ARCHIVE_DIR",
	"REDIS_URL", "REDIS_CHANNEL", "KAFKA_BROKERS", "KAFKA_TOPIC",
	"AUTH_MODE", "AUTH_SECRET", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE",
	"TOKEN_URL", "TOKEN_USERNAME", "TOKEN_PASSWORD", "TOKEN_CLIENT_ID",
	"OUTBOUND_TIMEOUT", "MATCH_WINDOW", "PROCESSING_TIMEOUT", "SHUTDOWN_TIMEOUT",
	"OUTBOX_POLL_INTERVAL", "OUTBOX_MAX_ATTEMPTS", "OUTBOX_MAX_BACKOFF",
	"BODY_LIMIT",
}

// Load reads .env (if present) and the environment. It does not validate;
// callers decide which checks apply to the command being run.
func Load() (*Config, error) {
	return load(".env")
}

func load(envFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(envFile)
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("ROLE", protocol.RoleProvider)
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("REDIS_CHANNEL", "hcx.events")
	v.SetDefault("KAFKA_TOPIC", "hcx.events")
	v.SetDefault("AUTH_MODE", auth.ModeNone)
	v.SetDefault("OUTBOUND_TIMEOUT", "30s")
	v.SetDefault("MATCH_WINDOW", "2s")
	v.SetDefault("PROCESSING_TIMEOUT", "1m")
	v.SetDefault("SHUTDOWN_TIMEOUT", "15s")
	v.SetDefault("OUTBOX_POLL_INTERVAL", "1s")
	v.SetDefault("OUTBOX_MAX_ATTEMPTS", 6)
	v.SetDefault("OUTBOX_MAX_BACKOFF", "5m")
	v.SetDefault("BODY_LIMIT", "5M")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma separated in the environment
	if len(cfg.KafkaBrokers) <= 1 {
		cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// ProtocolRole returns the role the dispatcher runs as.
func (c *Config) ProtocolRole() protocol.Role {
	return protocol.Role{Name: c.Role, Self: c.ParticipantCode, Counterpart: c.CounterpartCode}
}

// TokenConfig returns the outbound bearer token settings.
func (c *Config) TokenConfig() auth.TokenConfig {
	return auth.TokenConfig{
		Mode:            c.AuthMode,
		Secret:          c.AuthSecret,
		Issuer:          c.AuthIssuer,
		ParticipantCode: c.ParticipantCode,
		URL:             c.TokenURL,
		ClientID:        c.TokenClientID,
		Username:        c.TokenUsername,
		Password:        c.TokenPassword,
	}
}

// VerifierConfig returns the inbound token check, or false when inbound
// requests are not authenticated.
func (c *Config) VerifierConfig() (auth.VerifierConfig, bool) {
	switch c.AuthMode {
	case auth.ModeSharedSecret:
		return auth.VerifierConfig{
			Issuer:     c.AuthIssuer,
			Audience:   c.AuthAudience,
			SigningKey: []byte(c.AuthSecret),
			Skipper:    auth.AuthSkipper,
		}, true
	case auth.ModePassword:
		if c.AuthIssuer == "" && c.AuthJWKSURL == "" {
			return auth.VerifierConfig{}, false
		}
		return auth.VerifierConfig{
			Issuer:   c.AuthIssuer,
			Audience: c.AuthAudience,
			JWKSURL:  c.AuthJWKSURL,
			Skipper:  auth.AuthSkipper,
		}, true
	default:
		return auth.VerifierConfig{}, false
	}
}

// ValidateIdentity checks the settings every command that encrypts or
// decrypts needs.
func (c *Config) ValidateIdentity() error {
	if err := c.ProtocolRole().Validate(); err != nil {
		return err
	}
	if c.PrivateKeyPath == "" {
		return fmt.Errorf("PRIVATE_KEY_PATH is required")
	}
	if c.ParticipantsFile == "" && (c.CounterpartURL == "" || c.CounterpartCert == "") {
		return fmt.Errorf("COUNTERPART_URL and COUNTERPART_CERT are required without PARTICIPANTS_FILE")
	}
	if c.CounterpartURL != "" {
		u, err := url.Parse(c.CounterpartURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("COUNTERPART_URL must be an http(s) URL, got %q", c.CounterpartURL)
		}
	}
	return nil
}

// Validate checks that the configuration is safe to serve with.
func (c *Config) Validate() error {
	if err := c.ValidateIdentity(); err != nil {
		return err
	}

	switch c.AuthMode {
	case auth.ModeNone:
		if !c.IsDev() {
			return fmt.Errorf("AUTH_MODE %q is only allowed with ENV=development", c.AuthMode)
		}
	case auth.ModeSharedSecret:
		if len(c.AuthSecret) < 32 {
			return fmt.Errorf("AUTH_SECRET must be at least 32 bytes for AUTH_MODE %q", c.AuthMode)
		}
	case auth.ModePassword:
		if c.TokenURL == "" || c.TokenUsername == "" {
			return fmt.Errorf("TOKEN_URL and TOKEN_USERNAME are required for AUTH_MODE %q", c.AuthMode)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be %q, %q, or %q, got %q",
			auth.ModeNone, auth.ModeSharedSecret, auth.ModePassword, c.AuthMode)
	}

	if c.OutboundTimeout <= 0 {
		return fmt.Errorf("OUTBOUND_TIMEOUT must be positive")
	}
	if c.ProcessingTimeout <= 0 {
		return fmt.Errorf("PROCESSING_TIMEOUT must be positive")
	}
	if c.MatchWindow < 0 {
		return fmt.Errorf("MATCH_WINDOW must not be negative")
	}
	if c.OutboxMaxAttempts < 1 {
		return fmt.Errorf("OUTBOX_MAX_ATTEMPTS must be at least 1")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
