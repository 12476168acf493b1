package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/immer-auth/internal/handle"
	"github.com/alexjbarnes/immer-auth/internal/mail"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for immer-auth.
type Config struct {
	// Domain is this immer's canonical host, e.g. "immer.example" or
	// "localhost:8080". Handles whose domain matches it are local.
	Domain string `env:"DOMAIN"`
	Name   string `env:"NAME" envDefault:"Immers Space"`

	// Hub is a comma-separated list of trusted front-end origins. Defaults
	// to https://{DOMAIN}.
	Hub string `env:"HUB"`

	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8080"`

	// TrustProxy takes the client address from X-Forwarded-For. Only
	// enable it behind a reverse proxy that sets the header.
	TrustProxy bool `env:"TRUST_PROXY"`
	DBPath      string `env:"DB_PATH" envDefault:"data/immer-auth.db"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// EasySecret keys the HMAC on account-merge approval links.
	EasySecret string `env:"EASY_SECRET"`

	SessionStore string `env:"SESSION_STORE" envDefault:"memory"`
	RedisURL     string `env:"REDIS_URL"`

	MailTransport string `env:"MAIL_TRANSPORT" envDefault:"log"`
	SMTPHost      string `env:"SMTP_HOST"`
	SMTPPort      int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPUser      string `env:"SMTP_USER"`
	SMTPPassword  string `env:"SMTP_PASSWORD"`
	SMTPFrom      string `env:"SMTP_FROM"`
	AWSRegion     string `env:"AWS_REGION"`

	// AdminEmail promotes the account registered with this address.
	AdminEmail string `env:"ADMIN_EMAIL"`

	TokenTTL          time.Duration `env:"TOKEN_TTL" envDefault:"24h"`
	MergeTokenTTL     time.Duration `env:"MERGE_TOKEN_TTL" envDefault:"1h"`
	FederationTimeout time.Duration `env:"FEDERATION_TIMEOUT" envDefault:"10s"`

	// ClientsFile optionally points at a YAML list of pre-registered
	// OAuth clients, reloaded when it changes.
	ClientsFile string `env:"CLIENTS_FILE"`
}

const (
	// easySecretMinLen is the minimum EASY_SECRET length (256 bits of
	// printable key material).
	easySecretMinLen = 32
)

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.Domain = handle.NormalizeDomain(cfg.Domain)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Domain == "" {
		return fmt.Errorf("DOMAIN is required")
	}

	if len(c.EasySecret) < easySecretMinLen {
		return fmt.Errorf("EASY_SECRET must be at least %d characters", easySecretMinLen)
	}

	for _, origin := range c.HubOrigins() {
		u, err := url.Parse(origin)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return fmt.Errorf("HUB entry %q is not an http(s) origin", origin)
		}
	}

	switch c.SessionStore {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when SESSION_STORE is redis")
		}
	default:
		return fmt.Errorf("SESSION_STORE must be memory or redis, got %q", c.SessionStore)
	}

	switch c.MailTransport {
	case mail.TransportLog:
	case mail.TransportSMTP:
		if c.SMTPHost == "" {
			return fmt.Errorf("SMTP_HOST is required when MAIL_TRANSPORT is smtp")
		}

		if c.SMTPFrom == "" {
			return fmt.Errorf("SMTP_FROM is required when MAIL_TRANSPORT is smtp")
		}
	case mail.TransportSES:
		if c.SMTPFrom == "" {
			return fmt.Errorf("SMTP_FROM is required when MAIL_TRANSPORT is ses")
		}
	default:
		return fmt.Errorf("MAIL_TRANSPORT must be log, smtp or ses, got %q", c.MailTransport)
	}

	if c.TokenTTL <= 0 {
		return fmt.Errorf("TOKEN_TTL must be positive")
	}

	if c.MergeTokenTTL <= 0 {
		return fmt.Errorf("MERGE_TOKEN_TTL must be positive")
	}

	if c.FederationTimeout <= 0 {
		return fmt.Errorf("FEDERATION_TIMEOUT must be positive")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// IssuerURL is this immer's issuer identifier, https://{DOMAIN}.
func (c *Config) IssuerURL() string {
	return "https://" + c.Domain
}

// OAuthIdentifier is the audience a JWT-bearer assertion must carry and
// the client id of the first-party hub client.
func (c *Config) OAuthIdentifier() string {
	return c.IssuerURL() + "/o/immer"
}

// HubOrigins parses HUB into origins without trailing slashes.
func (c *Config) HubOrigins() []string {
	if strings.TrimSpace(c.Hub) == "" {
		return []string{c.IssuerURL()}
	}

	var origins []string

	for _, o := range strings.Split(c.Hub, ",") {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o != "" {
			origins = append(origins, o)
		}
	}

	return origins
}

// MailConfig returns the transport settings for mail.New.
func (c *Config) MailConfig() mail.Config {
	return mail.Config{
		Transport:    c.MailTransport,
		From:         c.SMTPFrom,
		SMTPHost:     c.SMTPHost,
		SMTPPort:     c.SMTPPort,
		SMTPUser:     c.SMTPUser,
		SMTPPassword: c.SMTPPassword,
		AWSRegion:    c.AWSRegion,
	}
}
